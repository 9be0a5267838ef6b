// Package supervisor owns the runtime state of every configured service.
//
// A Supervisor is handed a service.Definition on every call and never stores
// definitions itself; what it keeps is per-id runtime state: the lifecycle
// State, the managed process handle, the scheduled health checks and the open
// log writer. All of it lives in maps guarded by a single mutex, and every
// mutation, including those made from process-exit and probe callbacks, is
// made while holding it. Commands for the same id are additionally serialized
// so start, stop and restart never interleave.
package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/paveg/portpilot/internal/config"
	"github.com/paveg/portpilot/internal/health"
	"github.com/paveg/portpilot/internal/netaddr"
	"github.com/paveg/portpilot/internal/process"
)

// Static error variables to satisfy err113 linter
var (
	ErrShutdown = errors.New("supervisor is shut down")
)

const (
	// DefaultRestartDelay separates the stop and start phases of a restart so
	// the old process can release its ports.
	DefaultRestartDelay = time.Second

	defaultStopTimeout = 10 * time.Second
	defaultKillGrace   = 5 * time.Second
	subscriberBuffer   = 64
)

// Prober runs HTTP liveness checks.
type Prober interface {
	Check(ctx context.Context, urls []string) bool
	Schedule(urls []string, interval, timeout time.Duration, onReady, onTimeout func()) health.Token
	Watch(urls []string, interval time.Duration, fn func(healthy bool)) health.Token
	Cancel(token health.Token)
	Close()
}

// Launcher starts service processes.
type Launcher interface {
	Launch(spec process.LaunchSpec, onExit func(*process.Handle, error)) (*process.Handle, error)
}

// PortResolver maps processes to listening ports and back.
type PortResolver interface {
	ListeningPorts(ctx context.Context, pid int) []int
	PIDsListeningOn(ctx context.Context, ports []int) []int
}

// LogSink provides per-service log files.
type LogSink interface {
	Open(id string) (string, io.WriteCloser, error)
	Path(id string) string
}

// URLOpener opens a URL with the desktop's default handler.
type URLOpener interface {
	Open(url string) error
}

// check is one scheduled health check. Callbacks compare the check they were
// created for against the one currently registered on the entry and ignore
// themselves when it has been replaced or cancelled.
type check struct {
	token health.Token
}

// opLock serializes commands for one id. It is dropped from Supervisor.ops
// once no command holds or waits for it.
type opLock struct {
	mu   sync.Mutex
	refs int
}

// entry is the runtime state of one service id.
type entry struct {
	state      State
	handle     *process.Handle
	external   bool
	startCheck *check
	monitor    *check
	log        io.WriteCloser
	startedAt  time.Time
	lastErr    error
}

// Supervisor is the authoritative owner of service runtime state.
type Supervisor struct {
	settings     config.Settings
	logger       *zap.Logger
	prober       Prober
	launcher     Launcher
	ports        PortResolver
	logs         LogSink
	opener       URLOpener
	restartDelay time.Duration
	stopTimeout  time.Duration
	killGrace    time.Duration
	metrics      *metrics
	notify       []func(Event)

	home     string
	environ  func() []string
	lanIPs   func() []string
	runStop  func(ctx context.Context, shell, command, dir string, env []string) error
	killPIDs func(pids []int) error

	mu          sync.Mutex
	entries     map[string]*entry
	ops         map[string]*opLock
	subscribers map[int]chan Event
	nextSub     int
	closed      bool
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithProber replaces the health prober
func WithProber(p Prober) Option {
	return func(s *Supervisor) {
		s.prober = p
	}
}

// WithLauncher replaces the process launcher
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithPorts replaces the port resolver
func WithPorts(r PortResolver) Option {
	return func(s *Supervisor) {
		s.ports = r
	}
}

// WithLogSink replaces the log sink
func WithLogSink(sink LogSink) Option {
	return func(s *Supervisor) {
		s.logs = sink
	}
}

// WithOpener sets the handler for open URLs. Without one, open URLs are only logged.
func WithOpener(o URLOpener) Option {
	return func(s *Supervisor) {
		s.opener = o
	}
}

// WithRestartDelay overrides the pause between the stop and start phases of a restart
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.restartDelay = d
	}
}

// WithMetrics registers supervisor metrics with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Supervisor) {
		s.metrics = newMetrics(reg)
	}
}

// WithNotify registers fn to be called on every state change
func WithNotify(fn func(Event)) Option {
	return func(s *Supervisor) {
		s.notify = append(s.notify, fn)
	}
}

// New creates a Supervisor. Collaborators not set through options are built
// with their package defaults.
func New(settings config.Settings, opts ...Option) *Supervisor {
	home, _ := os.UserHomeDir() //nolint:errcheck // blank home falls back to the current directory

	s := &Supervisor{
		settings:     settings.WithDefaults(),
		logger:       zap.NewNop(),
		restartDelay: DefaultRestartDelay,
		stopTimeout:  defaultStopTimeout,
		killGrace:    defaultKillGrace,
		home:         home,
		environ:      os.Environ,
		lanIPs:       netaddr.LANIPv4,
		runStop:      process.RunStopCommand,
		killPIDs:     process.KillPIDs,
		entries:      make(map[string]*entry),
		ops:          make(map[string]*opLock),
		subscribers:  make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.Named("supervisor")
	if s.prober == nil {
		s.prober = health.NewProber(health.WithLogger(s.logger.Named("health")))
	}
	if s.launcher == nil {
		s.launcher = process.NewLauncher(process.WithLogger(s.logger.Named("process")))
	}
	if s.ports == nil {
		s.ports = noPorts{}
	}
	if s.logs == nil {
		s.logs = discardLogs{}
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	return s
}

// lockOp serializes commands for id and returns the unlock function.
func (s *Supervisor) lockOp(id string) func() {
	s.mu.Lock()
	op, ok := s.ops[id]
	if !ok {
		op = &opLock{}
		s.ops[id] = op
	}
	op.refs++
	s.mu.Unlock()

	op.mu.Lock()
	return func() {
		op.mu.Unlock()

		s.mu.Lock()
		op.refs--
		if op.refs == 0 {
			delete(s.ops, id)
		}
		s.mu.Unlock()
	}
}

// entry returns the entry for id, creating it as Stopped. Callers hold s.mu.
func (s *Supervisor) entry(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{state: Stopped}
		s.entries[id] = e
	}
	return e
}

// noPorts is used when no resolver is configured.
type noPorts struct{}

func (noPorts) ListeningPorts(context.Context, int) []int { return []int{} }
func (noPorts) PIDsListeningOn(context.Context, []int) []int { return []int{} }

// discardLogs is used when no log sink is configured.
type discardLogs struct{}

func (discardLogs) Open(string) (string, io.WriteCloser, error) { return "", nopCloser{io.Discard}, nil }
func (discardLogs) Path(string) string { return "" }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
