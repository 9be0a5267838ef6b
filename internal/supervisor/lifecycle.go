package supervisor

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/paveg/portpilot/internal/process"
	"github.com/paveg/portpilot/internal/service"
)

// Start brings def up. A definition that fails validation is returned as an
// error before anything changes. A service that already has a managed process
// is restarted. A service whose health checks already pass is tracked as
// external and no process is spawned. Otherwise a process is launched; a
// launch failure is reported through an Event and Info.LastError, and Start
// still returns nil.
func (s *Supervisor) Start(ctx context.Context, def service.Definition) error {
	if err := def.Validate(); err != nil {
		return err //nolint:wrapcheck // validation errors are returned as is
	}
	unlock := s.lockOp(def.ID)
	defer unlock()

	return s.start(ctx, def)
}

func (s *Supervisor) start(ctx context.Context, def service.Definition) error {
	s.mu.Lock()
	closed := s.closed
	managed := s.entry(def.ID).handle != nil
	s.mu.Unlock()

	if closed {
		return ErrShutdown
	}
	if managed {
		return s.restart(ctx, def)
	}

	if urls := def.EffectiveHealthChecks(); len(urls) > 0 && s.prober.Check(ctx, urls) {
		s.metrics.starts.WithLabelValues("external").Inc()
		s.trackExternal(def, def.AutoOpen)
		return nil
	}

	s.launch(def)
	return nil
}

// launch spawns the managed process of def and schedules its start-time check.
func (s *Supervisor) launch(def service.Definition) {
	id := def.ID
	log := s.logger.With(zap.String("service", id))

	dir := process.ResolveWorkingDir(def.WorkingDir, s.home)
	spec := process.LaunchSpec{
		ID:         id,
		Args:       def.LaunchArgs(),
		Shell:      s.settings.Shell,
		WorkingDir: dir,
		Env:        s.env(def),
	}
	if def.UsesShell() {
		spec.Command = def.Command
	}

	_, logw, err := s.logs.Open(id)
	if err != nil {
		log.Warn("service output will not be captured", zap.Error(err))
	} else {
		spec.Output = logw
	}

	var fx effects
	defer s.apply(&fx)

	h, err := s.launcher.Launch(spec, func(h *process.Handle, exitErr error) {
		s.onExit(id, h, exitErr)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(id)
	fx.cancelCheck(e.startCheck)
	fx.cancelCheck(e.monitor)
	e.startCheck, e.monitor = nil, nil
	e.external = false

	if err != nil {
		log.Warn("launch failed", zap.Error(err))
		if logw != nil {
			_ = logw.Close() //nolint:errcheck // nothing was written
		}
		s.metrics.starts.WithLabelValues("failed").Inc()
		s.fail(&fx, id, e, err)
		return
	}

	s.metrics.starts.WithLabelValues("launched").Inc()
	e.handle = h
	e.log = logw
	e.startedAt = h.StartedAt
	e.lastErr = nil
	s.transition(&fx, id, e, Starting)

	switch urls := def.EffectiveHealthChecks(); {
	case h.Exited():
		// The exit callback may have run before the handle was recorded.
		s.release(&fx, e)
		s.transition(&fx, id, e, Stopped)
	case len(urls) == 0:
		s.transition(&fx, id, e, Running)
	default:
		c := &check{}
		c.token = s.prober.Schedule(urls, s.settings.HealthInterval, s.settings.HealthTimeout,
			func() { s.onStartResult(def, c, true) },
			func() { s.onStartResult(def, c, false) },
		)
		e.startCheck = c
	}
}

// onStartResult resolves the start-time check of a managed process.
func (s *Supervisor) onStartResult(def service.Definition, c *check, ready bool) {
	var fx effects
	defer s.apply(&fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[def.ID]
	if !ok || e.startCheck != c || e.handle == nil {
		return
	}
	e.startCheck = nil

	if ready {
		s.transition(&fx, def.ID, e, Running)
		if def.AutoOpen {
			fx.open = append(fx.open, def.EffectiveOpenURLs()...)
		}
	} else {
		s.logger.Info("health check timed out", zap.String("service", def.ID), zap.Duration("timeout", s.settings.HealthTimeout))
		s.transition(&fx, def.ID, e, Unhealthy)
	}
	s.watch(def, e)
}

// watch starts the recurring monitor of e if none is running. Callers hold s.mu.
func (s *Supervisor) watch(def service.Definition, e *entry) {
	urls := def.EffectiveHealthChecks()
	if e.monitor != nil || len(urls) == 0 {
		return
	}
	c := &check{}
	c.token = s.prober.Watch(urls, s.settings.HealthInterval, func(healthy bool) {
		s.onMonitor(def.ID, c, healthy)
	})
	e.monitor = c
}

// onMonitor applies one recurring probe result. A managed process toggles
// between Running and Unhealthy; an external service that stops answering
// is Stopped because there is nothing to restart.
func (s *Supervisor) onMonitor(id string, c *check, healthy bool) {
	var fx effects
	defer s.apply(&fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.monitor != c {
		return
	}

	switch {
	case e.handle != nil && healthy:
		s.transition(&fx, id, e, Running)
	case e.handle != nil:
		s.transition(&fx, id, e, Unhealthy)
	case healthy:
		s.transition(&fx, id, e, Running)
	default:
		s.logger.Info("external service stopped answering", zap.String("service", id))
		fx.cancelCheck(e.monitor)
		e.monitor = nil
		e.external = false
		s.transition(&fx, id, e, Stopped)
	}
}

// onExit handles the exit of a managed process. Exits of processes that are
// no longer the registered instance are ignored.
func (s *Supervisor) onExit(id string, h *process.Handle, err error) {
	var fx effects
	defer s.apply(&fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.handle != h {
		s.logger.Debug("ignoring exit of superseded process", zap.String("service", id), zap.Uint64("instance", h.Instance))
		return
	}
	s.logger.Info("service process exited", zap.String("service", id), zap.Int("pid", h.PID), zap.Error(err))
	s.release(&fx, e)
	s.transition(&fx, id, e, Stopped)
}

// trackExternal marks def as Running without a managed process.
func (s *Supervisor) trackExternal(def service.Definition, openURLs bool) {
	var fx effects
	defer s.apply(&fx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(def.ID)
	if e.handle != nil {
		return
	}
	e.external = true
	e.lastErr = nil
	if e.startedAt.IsZero() || e.state == Stopped {
		e.startedAt = time.Now()
	}
	s.transition(&fx, def.ID, e, Running)
	if openURLs {
		fx.open = append(fx.open, def.EffectiveOpenURLs()...)
	}
	s.watch(def, e)
}

// release detaches the process, checks and log from e. Callers hold s.mu.
func (s *Supervisor) release(fx *effects, e *entry) {
	fx.cancelCheck(e.startCheck)
	fx.cancelCheck(e.monitor)
	e.startCheck, e.monitor = nil, nil
	e.handle = nil
	e.external = false
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			s.logger.Debug("closing service log failed", zap.Error(err))
		}
		e.log = nil
	}
}

// Stop takes def down. It does nothing unless CanStop holds. A configured
// stop command runs first; a managed process then receives SIGTERM on its
// process group; with neither, processes listening on the configured ports
// are signalled. The state is Stopped when Stop returns; the process may
// still be exiting.
func (s *Supervisor) Stop(ctx context.Context, def service.Definition) error {
	unlock := s.lockOp(def.ID)
	defer unlock()

	s.stop(ctx, def)
	return nil
}

func (s *Supervisor) stop(ctx context.Context, def service.Definition) bool {
	id := def.ID
	log := s.logger.With(zap.String("service", id))

	s.mu.Lock()
	h := s.entry(id).handle
	s.mu.Unlock()

	var pids []int
	if h == nil && !def.HasStopCommand() {
		pids = s.ports.PIDsListeningOn(ctx, def.ConfiguredPorts())
		if len(pids) == 0 {
			return false
		}
	}

	var fx effects
	s.mu.Lock()
	e := s.entry(id)
	fx.cancelCheck(e.startCheck)
	fx.cancelCheck(e.monitor)
	e.startCheck, e.monitor = nil, nil
	s.mu.Unlock()
	s.apply(&fx)

	if def.HasStopCommand() {
		stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
		dir := process.ResolveWorkingDir(def.WorkingDir, s.home)
		if err := s.runStop(stopCtx, s.settings.Shell, def.StopCommand, dir, s.env(def)); err != nil {
			log.Debug("stop command failed", zap.Error(err))
		}
		cancel()
	}

	switch {
	case h != nil:
		s.terminate(h)
	case len(pids) > 0:
		log.Info("stopping by port", zap.Ints("pids", pids))
		if err := s.killPIDs(pids); err != nil {
			log.Debug("signalling listeners failed", zap.Error(err))
		}
	}

	fx = effects{}
	s.mu.Lock()
	e = s.entry(id)
	if e.handle == h {
		s.release(&fx, e)
	} else {
		fx.cancelCheck(e.startCheck)
		fx.cancelCheck(e.monitor)
		e.startCheck, e.monitor = nil, nil
	}
	e.external = false
	s.transition(&fx, id, e, Stopped)
	s.mu.Unlock()
	s.apply(&fx)

	s.metrics.stops.Inc()
	return true
}

// terminate sends SIGTERM to the process group of h and escalates to SIGKILL
// if the process is still running after the kill grace.
func (s *Supervisor) terminate(h *process.Handle) {
	log := s.logger.With(zap.String("service", h.ID), zap.Int("pid", h.PID))
	if err := h.Terminate(); err != nil {
		log.Debug("terminate failed", zap.Error(err))
	}
	go func() {
		select {
		case <-h.Done():
		case <-time.After(s.killGrace):
			log.Warn("process ignored SIGTERM, killing")
			if err := h.Kill(); err != nil {
				log.Debug("kill failed", zap.Error(err))
			}
		}
	}()
}

// Restart stops def, waits the restart delay and starts it again. It does
// nothing unless CanStop holds.
func (s *Supervisor) Restart(ctx context.Context, def service.Definition) error {
	if err := def.Validate(); err != nil {
		return err //nolint:wrapcheck // validation errors are returned as is
	}
	unlock := s.lockOp(def.ID)
	defer unlock()

	return s.restart(ctx, def)
}

func (s *Supervisor) restart(ctx context.Context, def service.Definition) error {
	if !s.stop(ctx, def) {
		return nil
	}

	timer := time.NewTimer(s.restartDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation is reported as is
	}

	s.mu.Lock()
	managed := s.entry(def.ID).handle != nil
	s.mu.Unlock()
	if managed {
		return nil
	}
	return s.start(ctx, def)
}

// RefreshExternalState probes def when it has health checks and no managed
// process. A passing probe tracks it as external and Running, opening its
// URLs when openURLs is set; a failing one leaves it Stopped.
func (s *Supervisor) RefreshExternalState(ctx context.Context, def service.Definition, openURLs bool) {
	unlock := s.lockOp(def.ID)
	defer unlock()

	urls := def.EffectiveHealthChecks()
	s.mu.Lock()
	managed := s.entry(def.ID).handle != nil
	closed := s.closed
	s.mu.Unlock()
	if managed || closed || len(urls) == 0 {
		return
	}

	if s.prober.Check(ctx, urls) {
		s.trackExternal(def, openURLs)
		return
	}

	var fx effects
	defer s.apply(&fx)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(def.ID)
	if e.handle != nil {
		return
	}
	fx.cancelCheck(e.monitor)
	e.monitor = nil
	e.external = false
	s.transition(&fx, def.ID, e, Stopped)
}

// StopOrphans terminates and forgets every tracked id not in validIDs.
func (s *Supervisor) StopOrphans(ctx context.Context, validIDs []string) {
	valid := lo.SliceToMap(validIDs, func(id string) (string, struct{}) {
		return id, struct{}{}
	})

	s.mu.Lock()
	orphans := lo.Filter(lo.Keys(s.entries), func(id string, _ int) bool {
		_, ok := valid[id]
		return !ok
	})
	s.mu.Unlock()

	for _, id := range orphans {
		if ctx.Err() != nil {
			return
		}
		s.forget(id)
	}
}

func (s *Supervisor) forget(id string) {
	unlock := s.lockOp(id)
	defer unlock()

	var fx effects
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	h := e.handle
	s.release(&fx, e)
	s.transition(&fx, id, e, Stopped)
	delete(s.entries, id)
	s.metrics.forget(id)
	s.mu.Unlock()

	if h != nil {
		s.logger.Info("stopping orphaned service", zap.String("service", id), zap.Int("pid", h.PID))
		s.terminate(h)
	}
	s.apply(&fx)
}

// CanStop reports whether Stop would do anything: def has a managed process,
// a stop command, or a listener on one of its configured ports.
func (s *Supervisor) CanStop(ctx context.Context, def service.Definition) bool {
	s.mu.Lock()
	managed := s.entries[def.ID] != nil && s.entries[def.ID].handle != nil
	s.mu.Unlock()

	if managed || def.HasStopCommand() {
		return true
	}
	return len(s.ports.PIDsListeningOn(ctx, def.ConfiguredPorts())) > 0
}

// Shutdown stops every managed process and every check. It waits for the
// processes to exit until ctx is done, then kills the rest.
func (s *Supervisor) Shutdown(ctx context.Context) {
	var fx effects
	var handles []*process.Handle

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, e := range s.entries {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
		s.release(&fx, e)
		s.transition(&fx, id, e, Stopped)
	}
	s.mu.Unlock()

	s.apply(&fx)
	for _, h := range handles {
		if err := h.Terminate(); err != nil {
			s.logger.Debug("terminate failed", zap.String("service", h.ID), zap.Error(err))
		}
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			s.logger.Warn("killing service that did not exit", zap.String("service", h.ID), zap.Int("pid", h.PID))
			_ = h.Kill() //nolint:errcheck // best effort during shutdown
		}
	}
	s.prober.Close()

	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()
}

// env builds the environment of def's processes.
func (s *Supervisor) env(def service.Definition) []string {
	return process.BuildEnv(s.environ(), s.settings.PathAdditions, s.home, def.Env)
}
