// Package service defines the declarative description of a supervised service
// and the effective values derived from it (host, scheme, health-check and open URLs).
package service

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/paveg/portpilot/internal/netaddr"
)

// Static error variables to satisfy err113 linter
var (
	ErrEmptyID        = errors.New("service has empty id")
	ErrEmptyLabel     = errors.New("service has empty label")
	ErrNoLaunchTarget = errors.New("service has neither command nor args")
	ErrInvalidPort    = errors.New("service has invalid port")
	ErrInvalidURL     = errors.New("service has invalid url")
)

const (
	defaultScheme = "http"
	defaultHost   = "localhost"
	maxPort       = 65535
)

// Definition describes a service the supervisor can launch and probe.
// It is handed to the supervisor on every operation and never mutated by it.
type Definition struct {
	ID           string            `json:"id" mapstructure:"id"`
	Label        string            `json:"label" mapstructure:"label"`
	Command      string            `json:"command,omitempty" mapstructure:"command"`
	Args         []string          `json:"args,omitempty" mapstructure:"args"`
	WorkingDir   string            `json:"workingDir,omitempty" mapstructure:"workingDir"`
	Env          map[string]string `json:"env,omitempty" mapstructure:"env"`
	Host         string            `json:"host,omitempty" mapstructure:"host"`
	Port         int               `json:"port,omitempty" mapstructure:"port"`
	Scheme       string            `json:"scheme,omitempty" mapstructure:"scheme"`
	HealthChecks []string          `json:"healthChecks,omitempty" mapstructure:"healthChecks"`
	OpenURLs     []string          `json:"openUrls,omitempty" mapstructure:"openUrls"`
	StopCommand  string            `json:"stopCommand,omitempty" mapstructure:"stopCommand"`
	AutoOpen     bool              `json:"autoOpen,omitempty" mapstructure:"autoOpen"`
	StartAtLogin bool              `json:"startAtLogin,omitempty" mapstructure:"startAtLogin"`
}

// Validate reports the first problem that prevents the definition from being accepted.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(d.Label) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyLabel, d.ID)
	}
	if !d.HasLaunchTarget() {
		return fmt.Errorf("%w: %s", ErrNoLaunchTarget, d.ID)
	}
	if d.Port != 0 && (d.Port < 1 || d.Port > maxPort) {
		return fmt.Errorf("%w: %s (port: %d)", ErrInvalidPort, d.ID, d.Port)
	}
	for _, raw := range append(append([]string{}, d.HealthChecks...), d.OpenURLs...) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s (%q)", ErrInvalidURL, d.ID, raw)
		}
	}
	return nil
}

// HasLaunchTarget reports whether the definition resolves to something executable.
func (d *Definition) HasLaunchTarget() bool {
	return d.UsesShell() || len(d.argv()) > 0
}

// UsesShell reports whether the command string takes precedence over Args.
func (d *Definition) UsesShell() bool {
	return strings.TrimSpace(d.Command) != ""
}

// LaunchArgs returns the argument vector used when no command string is set.
func (d *Definition) LaunchArgs() []string {
	return d.argv()
}

func (d *Definition) argv() []string {
	if len(d.Args) == 0 || strings.TrimSpace(d.Args[0]) == "" {
		return nil
	}
	return d.Args
}

// DisplayCommand renders the launch target for humans.
func (d *Definition) DisplayCommand() string {
	if d.UsesShell() {
		return strings.TrimSpace(d.Command)
	}
	return strings.Join(lo.Map(d.argv(), func(a string, _ int) string {
		if a == "" || strings.ContainsAny(a, " \t\"'$\\") {
			return strconv.Quote(a)
		}
		return a
	}), " ")
}

// HasStopCommand reports whether a non-blank stop command is configured.
func (d *Definition) HasStopCommand() bool {
	return strings.TrimSpace(d.StopCommand) != ""
}

// EffectiveHost returns the explicit host, or localhost when only a port is set.
func (d *Definition) EffectiveHost() string {
	if host := strings.TrimSpace(d.Host); host != "" {
		return host
	}
	if d.Port > 0 {
		return defaultHost
	}
	return ""
}

// EffectiveScheme falls back through the explicit scheme, the first open URL,
// the first health check and finally http.
func (d *Definition) EffectiveScheme() string {
	if scheme := strings.TrimSpace(d.Scheme); scheme != "" {
		return strings.ToLower(scheme)
	}
	for _, list := range [][]string{d.OpenURLs, d.HealthChecks} {
		urls := nonBlank(list)
		if len(urls) == 0 {
			continue
		}
		if u, err := url.Parse(urls[0]); err == nil && u.Scheme != "" {
			return strings.ToLower(u.Scheme)
		}
	}
	return defaultScheme
}

// BaseURL returns scheme://host:port, or "" when host and port do not resolve.
func (d *Definition) BaseURL() string {
	host := d.EffectiveHost()
	if host == "" || d.Port <= 0 {
		return ""
	}
	return d.EffectiveScheme() + "://" + net.JoinHostPort(host, strconv.Itoa(d.Port))
}

// EffectiveHealthChecks returns the configured health URLs or the synthesized base URL.
func (d *Definition) EffectiveHealthChecks() []string {
	return d.effectiveURLs(d.HealthChecks)
}

// EffectiveOpenURLs returns the configured open URLs or the synthesized base URL.
func (d *Definition) EffectiveOpenURLs() []string {
	return d.effectiveURLs(d.OpenURLs)
}

func (d *Definition) effectiveURLs(explicit []string) []string {
	if urls := nonBlank(explicit); len(urls) > 0 {
		return urls
	}
	if base := d.BaseURL(); base != "" {
		return []string{base}
	}
	return []string{}
}

// ConfiguredPorts collects the explicit port and every explicit port named by
// a local health-check or open URL.
func (d *Definition) ConfiguredPorts() []int {
	var ports []int
	if d.Port > 0 && netaddr.IsLocalHost(d.EffectiveHost()) {
		ports = append(ports, d.Port)
	}
	for _, raw := range append(d.EffectiveHealthChecks(), d.EffectiveOpenURLs()...) {
		if p := urlPort(raw); p > 0 {
			ports = append(ports, p)
		}
	}
	return lo.Uniq(ports)
}

func urlPort(raw string) int {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return 0
	}
	if !netaddr.IsLocalHost(u.Hostname()) || u.Port() == "" {
		return 0
	}
	n, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0
	}
	return n
}

func nonBlank(list []string) []string {
	return lo.FilterMap(list, func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	})
}
