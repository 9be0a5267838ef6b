// Package process launches service processes in their own process group and
// reports their exit.
package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Static error variables to satisfy err113 linter
var (
	ErrNoCommand          = errors.New("no command or arguments to run")
	ErrInvalidWorkingDir  = errors.New("working directory is not a directory")
	ErrProcessNotStarted  = errors.New("process was not started")
	ErrStopCommandTimeout = errors.New("stop command timed out")
)

// LaunchSpec describes one process to start.
type LaunchSpec struct {
	ID string
	// Command, when non-blank, runs through Shell -c and takes precedence over Args.
	Command    string
	Args       []string
	Shell      string
	WorkingDir string
	Env        []string
	// Output receives both stdout and stderr. Nil discards output.
	Output io.Writer
}

// argv resolves the program and arguments to execute.
func (s LaunchSpec) argv() (string, []string, error) {
	if cmd := trimmed(s.Command); cmd != "" {
		shell := s.Shell
		if trimmed(shell) == "" {
			shell = DefaultShell()
		}
		return shell, []string{"-c", cmd}, nil
	}
	if len(s.Args) > 0 && trimmed(s.Args[0]) != "" {
		return s.Args[0], s.Args[1:], nil
	}
	return "", nil, ErrNoCommand
}

// Handle is a started process. Instance is unique per Launcher and
// distinguishes successive processes of the same service id.
type Handle struct {
	ID        string
	Instance  uint64
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Done is closed once the process has exited and its output is flushed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the wait error. It is only meaningful after Done is closed.
func (h *Handle) ExitErr() error {
	<-h.done
	return h.err
}

// Terminate sends SIGTERM to the process group.
func (h *Handle) Terminate() error {
	if h.PID <= 0 {
		return ErrProcessNotStarted
	}
	return terminateGroup(h.PID)
}

// Kill sends SIGKILL to the process group.
func (h *Handle) Kill() error {
	if h.PID <= 0 {
		return ErrProcessNotStarted
	}
	return killGroup(h.PID)
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// LaunchError reports why a process could not be started.
type LaunchError struct {
	ID  string
	Op  string
	Err error
}

// Error returns a formatted error message
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s: %v", e.ID, e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *LaunchError) Unwrap() error {
	return e.Err
}
