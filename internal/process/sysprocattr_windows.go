//go:build windows
// +build windows

package process

import "syscall"

// setSysProcAttr starts the child in a new process group.
func setSysProcAttr(attr *syscall.SysProcAttr) *syscall.SysProcAttr {
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	attr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
	return attr
}
