package process

import (
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// outputGrace bounds how long Wait keeps copying output after the child has
// exited, so a grandchild holding the pipe cannot delay the exit callback.
const outputGrace = time.Second

// Launcher starts processes and watches them until they exit.
type Launcher struct {
	logger   *zap.Logger
	instance atomic.Uint64
}

// LauncherOption configures a Launcher
type LauncherOption func(*Launcher)

// WithLogger sets the logger used for launch diagnostics
func WithLogger(logger *zap.Logger) LauncherOption {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// NewLauncher creates a Launcher
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch starts spec in a new process group. onExit, when non-nil, is called
// exactly once from a background goroutine after the process exits. A
// failure to start is returned as a *LaunchError and onExit is never called.
func (l *Launcher) Launch(spec LaunchSpec, onExit func(*Handle, error)) (*Handle, error) {
	name, args, err := spec.argv()
	if err != nil {
		return nil, &LaunchError{ID: spec.ID, Op: "resolve command", Err: err}
	}

	if spec.WorkingDir != "" {
		info, err := os.Stat(spec.WorkingDir)
		if err != nil {
			return nil, &LaunchError{ID: spec.ID, Op: "working directory", Err: err}
		}
		if !info.IsDir() {
			return nil, &LaunchError{ID: spec.ID, Op: "working directory", Err: ErrInvalidWorkingDir}
		}
	}

	cmd := exec.Command(name, args...) //nolint:gosec // commands come from the user's own configuration
	cmd.Dir = spec.WorkingDir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.SysProcAttr = setSysProcAttr(cmd.SysProcAttr)
	cmd.WaitDelay = outputGrace

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{ID: spec.ID, Op: "start", Err: err}
	}

	h := &Handle{
		ID:        spec.ID,
		Instance:  l.instance.Add(1),
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	log := l.logger.With(zap.String("service", spec.ID), zap.Int("pid", h.PID), zap.Uint64("instance", h.Instance))
	log.Info("process started", zap.String("program", name))

	go func() {
		h.err = cmd.Wait()
		close(h.done)
		log.Info("process exited", zap.Error(h.err))
		if onExit != nil {
			onExit(h, h.err)
		}
	}()

	return h, nil
}
