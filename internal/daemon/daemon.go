// Package daemon runs the long-lived portpilot process: it owns the
// supervisor, serves the control API and follows configuration changes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paveg/portpilot/internal/api"
	"github.com/paveg/portpilot/internal/browser"
	"github.com/paveg/portpilot/internal/config"
	"github.com/paveg/portpilot/internal/health"
	"github.com/paveg/portpilot/internal/lock"
	"github.com/paveg/portpilot/internal/logs"
	"github.com/paveg/portpilot/internal/port"
	"github.com/paveg/portpilot/internal/service"
	"github.com/paveg/portpilot/internal/state"
	"github.com/paveg/portpilot/internal/supervisor"
)

// Static error variables to satisfy err113 linter
var (
	ErrAlreadyRunning = errors.New("daemon is already running")
)

const (
	defaultLockTimeout     = 2 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 5 * time.Second
	refreshLimit           = 8
)

// Options configure a Daemon.
type Options struct {
	ConfigPath      string
	StateDir        string
	Listen          string
	Logger          *zap.Logger
	LockTimeout     time.Duration
	ShutdownTimeout time.Duration
	// NoOpen disables opening URLs in the browser.
	NoOpen bool
}

// Daemon owns one supervisor and the configuration it is driven from.
type Daemon struct {
	opts     Options
	logger   *zap.Logger
	sup      *supervisor.Supervisor
	sink     *logs.Sink
	store    *state.JSONStore
	registry *prometheus.Registry

	mu       sync.RWMutex
	cfg      *config.Config
	reloadMu sync.Mutex
}

// New loads and validates the configuration and builds every component.
// Nothing is started until Run.
func New(opts Options) (*Daemon, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultPath()
	}
	if opts.StateDir == "" {
		opts.StateDir = filepath.Dir(opts.ConfigPath)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", opts.ConfigPath, err)
	}
	if opts.Listen == "" {
		opts.Listen = cfg.Listen
	}

	store, err := state.NewJSONStore(state.DefaultPath(opts.StateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}

	d := &Daemon{
		opts:     opts,
		logger:   opts.Logger,
		sink:     logs.NewSink(cfg.LogDir),
		store:    store,
		registry: prometheus.NewRegistry(),
		cfg:      cfg,
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	supOpts := []supervisor.Option{
		supervisor.WithLogger(d.logger),
		supervisor.WithProber(health.NewProber(
			health.WithLogger(d.logger.Named("health")),
			health.WithMetrics(d.registry),
		)),
		supervisor.WithPorts(port.NewResolver(port.WithResolverLogger(d.logger.Named("port")))),
		supervisor.WithLogSink(d.sink),
		supervisor.WithMetrics(d.registry),
		supervisor.WithNotify(d.record),
	}
	if !opts.NoOpen {
		supOpts = append(supOpts, supervisor.WithOpener(browser.New(browser.WithLogger(d.logger.Named("browser")))))
	}
	d.sup = supervisor.New(cfg.Settings(), supOpts...)
	return d, nil
}

// Run serves until ctx is done, then shuts every managed service down.
func (d *Daemon) Run(ctx context.Context) error {
	lk := lock.NewFileLock(lock.DefaultPath(d.opts.StateDir), d.opts.LockTimeout)
	if err := lk.Lock(); err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
		}
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	defer func() {
		if err := lk.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", zap.Error(err))
		}
	}()

	d.forgetLeftovers()

	ln, err := net.Listen("tcp", d.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.opts.Listen, err)
	}
	addr := ln.Addr().String()

	router := api.NewRouter(d.sup, d, d.sink,
		api.WithLogger(d.logger.Named("api")),
		api.WithMetrics(d.registry),
	)
	srv := &http.Server{Handler: router, ReadHeaderTimeout: readHeaderTimeout}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	if err := d.store.SetDaemon(&state.Daemon{
		PID:        os.Getpid(),
		Address:    addr,
		ConfigPath: d.opts.ConfigPath,
		StartedAt:  time.Now(),
	}); err != nil {
		d.logger.Warn("failed to write runtime record", zap.Error(err))
	}
	d.logger.Info("daemon started", zap.String("address", addr), zap.String("config", d.opts.ConfigPath))

	stopWatch := d.watchConfig(ctx)
	go d.bootstrap(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("control api failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Debug("control api shutdown", zap.Error(err))
	}
	if stopWatch != nil {
		if err := stopWatch(); err != nil {
			d.logger.Debug("config watcher stop", zap.Error(err))
		}
	}
	d.sup.Shutdown(shutdownCtx)
	if err := d.store.Clear(); err != nil {
		d.logger.Warn("failed to remove runtime record", zap.Error(err))
	}
	return runErr
}

// bootstrap starts the services marked StartAtLogin and probes the rest.
func (d *Daemon) bootstrap(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshLimit)
	for _, def := range d.Services() {
		g.Go(func() error {
			if def.StartAtLogin {
				if err := d.sup.Start(gctx, def); err != nil {
					d.logger.Warn("failed to start service", zap.String("service", def.ID), zap.Error(err))
				}
				return nil
			}
			d.sup.RefreshExternalState(gctx, def, false)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never fail
}

func (d *Daemon) watchConfig(ctx context.Context) func() error {
	if err := os.MkdirAll(filepath.Dir(d.opts.ConfigPath), 0o750); err != nil {
		d.logger.Warn("config directory unavailable, live reload disabled", zap.Error(err))
		return nil
	}
	stop, err := config.Watch(ctx, d.opts.ConfigPath, d.logger.Named("config"), func(cfg *config.Config) {
		d.apply(ctx, cfg)
	})
	if err != nil {
		d.logger.Warn("live reload disabled", zap.Error(err))
		return nil
	}
	return stop
}

// forgetLeftovers drops service records left by a previous daemon that did
// not shut down cleanly. Survivors are adopted as external by bootstrap when
// their health checks answer.
func (d *Daemon) forgetLeftovers() {
	ids, err := d.store.ForgetServices()
	if err != nil {
		d.logger.Warn("failed to drop stale service records", zap.Error(err))
	}
	if len(ids) > 0 {
		d.logger.Info("dropped service records of a previous run", zap.Strings("services", ids))
	}
}

// record keeps the runtime record in step with managed processes.
func (d *Daemon) record(ev supervisor.Event) {
	rec := state.ServiceRecord{ID: ev.ID, State: string(ev.State), UpdatedAt: ev.At}
	if ev.State.Active() {
		rec.PID = d.sup.PID(ev.ID)
	}
	if err := d.store.RecordService(rec); err != nil {
		d.logger.Debug("failed to record service state", zap.String("service", ev.ID), zap.Error(err))
	}
}

// Services returns the configured definitions in file order.
func (d *Daemon) Services() []service.Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]service.Definition{}, d.cfg.Services...)
}

// Service returns the definition with id.
func (d *Daemon) Service(id string) (service.Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Service(id)
}

// Reload re-reads the configuration file and applies it.
func (d *Daemon) Reload(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	d.apply(ctx, cfg)
	return nil
}

// apply swaps in cfg, stops services that were removed and re-probes the
// rest. Global settings other than the service list take effect on the next
// daemon start.
func (d *Daemon) apply(ctx context.Context, cfg *config.Config) {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	d.sup.StopOrphans(ctx, cfg.ServiceIDs())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshLimit)
	for _, def := range cfg.Services {
		g.Go(func() error {
			d.sup.RefreshExternalState(gctx, def, false)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never fail
	d.logger.Info("configuration applied", zap.Strings("services", cfg.ServiceIDs()))
}

// Supervisor exposes the supervisor for in-process callers.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	return d.sup
}
