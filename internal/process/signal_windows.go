//go:build windows
// +build windows

package process

import (
	"os"
)

// terminateGroup kills the process; Windows has no process-group signals.
func terminateGroup(pid int) error {
	return killPID(pid)
}

// killGroup kills the process.
func killGroup(pid int) error {
	return killPID(pid)
}

// terminatePID kills a single process.
func terminatePID(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil //nolint:nilerr // a missing process is already stopped
	}
	return proc.Kill()
}

// IsAlive reports whether a process with pid exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release() //nolint:errcheck // handle only used for the lookup
	return true
}
