// ABOUTME: Linux process attributes for detached and supervised children
// ABOUTME: Pdeathsig ties an agent server's lifetime to its instance process

package procutil

import "syscall"

// DetachedAttr puts the child in a new session so it outlives the caller and
// its terminal. The child's pid is also its process group id.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// SupervisedAttr keeps the child in the parent's process group. Pdeathsig is a
// Linux-only safety net: if the parent dies, the kernel sends SIGTERM to the child.
func SupervisedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
}
