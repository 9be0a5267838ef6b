package supervisor

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/paveg/portpilot/internal/netaddr"
	"github.com/paveg/portpilot/internal/process"
	"github.com/paveg/portpilot/internal/service"
)

// Info is a point-in-time view of one service.
type Info struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	External     bool      `json:"external"`
	Command      string    `json:"command"`
	WorkingDir   string    `json:"working_dir"`
	Ports        []int     `json:"ports"`
	HealthChecks []string  `json:"health_checks"`
	OpenURLs     []string  `json:"open_urls"`
	LANURLs      []string  `json:"lan_urls"`
	LogPath      string    `json:"log_path,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastError    string    `json:"last_error,omitempty"`
	CanStop      bool      `json:"can_stop"`
}

// State returns the current state of id. Unknown ids are Stopped.
func (s *Supervisor) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		return e.state
	}
	return Stopped
}

// Snapshot returns the state of every tracked id.
func (s *Supervisor) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.MapValues(s.entries, func(e *entry, _ string) State {
		return e.state
	})
}

// Info describes def. Ports lists the listening ports of the managed process
// tree while it is active, or the configured ports that have a listener when
// the service is tracked as external.
func (s *Supervisor) Info(ctx context.Context, def service.Definition) Info {
	info := Info{
		ID:           def.ID,
		Label:        def.Label,
		State:        Stopped,
		Command:      def.DisplayCommand(),
		WorkingDir:   process.ResolveWorkingDir(def.WorkingDir, s.home),
		Ports:        []int{},
		HealthChecks: def.EffectiveHealthChecks(),
		OpenURLs:     def.EffectiveOpenURLs(),
		LogPath:      s.logs.Path(def.ID),
	}
	info.LANURLs = netaddr.LANVariants(info.OpenURLs, s.lanIPs())

	var h *process.Handle
	s.mu.Lock()
	if e, ok := s.entries[def.ID]; ok {
		info.State = e.state
		info.External = e.external
		h = e.handle
		if e.state.Active() {
			info.StartedAt = e.startedAt
		}
		if e.lastErr != nil {
			info.LastError = e.lastErr.Error()
		}
	}
	s.mu.Unlock()

	switch {
	case h != nil:
		info.PID = h.PID
		info.CanStop = true
		if info.State.Active() {
			info.Ports = s.ports.ListeningPorts(ctx, h.PID)
		}
	case info.External && info.State == Running:
		info.Ports = lo.Filter(def.ConfiguredPorts(), func(port int, _ int) bool {
			return len(s.ports.PIDsListeningOn(ctx, []int{port})) > 0
		})
		info.CanStop = def.HasStopCommand() || len(info.Ports) > 0
	default:
		info.CanStop = s.CanStop(ctx, def)
	}
	return info
}

// PID returns the pid of the managed process of id, or 0.
func (s *Supervisor) PID(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok && e.handle != nil {
		return e.handle.PID
	}
	return 0
}
