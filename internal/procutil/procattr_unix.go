//go:build unix && !linux

// ABOUTME: Process attributes for non-Linux unix systems
// ABOUTME: Same session semantics as Linux without parent-death signals

package procutil

import "syscall"

// DetachedAttr puts the child in a new session so it outlives the caller and
// its terminal. The child's pid is also its process group id.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// SupervisedAttr keeps the child in the parent's process group.
// Pdeathsig is not available outside Linux.
func SupervisedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
