//go:build !windows
// +build !windows

package process

import "syscall"

// setSysProcAttr places the child in a new process group led by itself, so
// group signals reach everything it spawns.
func setSysProcAttr(attr *syscall.SysProcAttr) *syscall.SysProcAttr {
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	attr.Setpgid = true
	attr.Pgid = 0
	return attr
}
