// ABOUTME: Windows fallbacks for process attributes and signalling
// ABOUTME: No sessions or process groups, so group kill degrades to a single kill

package procutil

import (
	"os"
	"syscall"
)

// DetachedAttr returns empty attributes; Windows children already outlive the parent.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// SupervisedAttr returns empty attributes.
func SupervisedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// KillGroup kills pid itself.
func KillGroup(pid int) error {
	return Terminate(pid)
}

// Terminate kills pid; Windows has no SIGTERM.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
