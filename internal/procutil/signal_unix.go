//go:build unix

// ABOUTME: Process group signalling for unix systems
// ABOUTME: Kills or terminates a whole process group led by a pid

package procutil

import (
	"errors"
	"syscall"
)

// KillGroup sends SIGKILL to every process in the group led by pid.
// A group that is already gone is not an error.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Terminate asks pid to exit with SIGTERM.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
