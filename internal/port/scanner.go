package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Static error variables to satisfy err113 linter
var (
	ErrNoAvailablePort  = errors.New("no available port found")
	ErrInvalidPortRange = errors.New("invalid port range format")
	ErrPortRangeOrder   = errors.New("start port must be less than end port")
)

const (
	minPort          = 1
	maxPort          = 65535
	maxFindAttempts  = 1000
	privilegedCutoff = 1024
)

// Info describes a single port and, when visible, the process holding it.
type Info struct {
	Port        int    `json:"port"`
	InUse       bool   `json:"in_use"`
	PID         int    `json:"pid"`
	ProcessName string `json:"process_name,omitempty"`
	Service     string `json:"service,omitempty"`
	Protocol    string `json:"protocol"`
}

// Scanner answers bind-level questions about local ports
type Scanner struct {
	timeout  time.Duration
	resolver *Resolver
}

// NewScanner creates a new port scanner
func NewScanner(timeout time.Duration, resolver *Resolver) *Scanner {
	if resolver == nil {
		resolver = NewResolver()
	}
	return &Scanner{
		timeout:  timeout,
		resolver: resolver,
	}
}

// IsPortInUse checks if a specific port is currently in use
func (s *Scanner) IsPortInUse(port int) bool {
	address := fmt.Sprintf(":%d", port)

	if listener, err := net.Listen("tcp", address); err == nil { //nolint:noctx // bind probe only
		_ = listener.Close() //nolint:errcheck // Best effort cleanup during port scan
	} else {
		return true
	}

	if conn, err := net.ListenPacket("udp", address); err == nil { //nolint:noctx // bind probe only
		_ = conn.Close() //nolint:errcheck // Best effort cleanup during port scan
	} else {
		return true
	}

	return false
}

// GetPortInfo retrieves detailed information about a specific port
func (s *Scanner) GetPortInfo(ctx context.Context, port int) *Info {
	info := &Info{
		Port:     port,
		PID:      -1,
		Protocol: "tcp",
	}
	if !s.IsPortInUse(port) {
		return info
	}

	info.InUse = true
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	info.PID, info.ProcessName = s.resolver.Owner(ctx, port)
	return info
}

// ScanRange reports every port in [startPort, endPort]
func (s *Scanner) ScanRange(ctx context.Context, startPort, endPort int) ([]Info, error) {
	if !s.IsPortInRange(startPort) || !s.IsPortInRange(endPort) {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, startPort, endPort)
	}
	if startPort > endPort {
		return nil, ErrPortRangeOrder
	}

	result := make([]Info, 0, endPort-startPort+1)
	for port := startPort; port <= endPort; port++ {
		result = append(result, *s.GetPortInfo(ctx, port))
	}
	return result, nil
}

// FindAvailablePort finds the first available port starting from the given port
func (s *Scanner) FindAvailablePort(startPort int) (int, error) {
	for i := 0; i < maxFindAttempts; i++ {
		port := startPort + i
		if port > maxPort {
			break
		}
		if !s.IsPortInUse(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w starting from %d", ErrNoAvailablePort, startPort)
}

// IsPortInRange checks if a port is within a valid range
func (s *Scanner) IsPortInRange(port int) bool {
	return port >= minPort && port <= maxPort
}

// IsPrivilegedPort checks if a port requires elevated privileges (ports 1-1023)
func (s *Scanner) IsPrivilegedPort(port int) bool {
	return port >= minPort && port < privilegedCutoff
}

// ParsePortRange parses a port range string like "3000-3010"
func (s *Scanner) ParsePortRange(rangeStr string) (int, int, error) {
	rangeStr = strings.TrimSpace(rangeStr)
	if !strings.Contains(rangeStr, "-") {
		port, err := strconv.Atoi(rangeStr)
		if err != nil || !s.IsPortInRange(port) {
			return 0, 0, fmt.Errorf("%w: %s", ErrInvalidPortRange, rangeStr)
		}
		return port, port, nil
	}

	parts := strings.Split(rangeStr, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidPortRange, rangeStr)
	}

	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || !s.IsPortInRange(start) {
		return 0, 0, fmt.Errorf("%w: invalid start port %q", ErrInvalidPortRange, parts[0])
	}

	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || !s.IsPortInRange(end) {
		return 0, 0, fmt.Errorf("%w: invalid end port %q", ErrInvalidPortRange, parts[1])
	}

	if start > end {
		return 0, 0, ErrPortRangeOrder
	}

	return start, end, nil
}
