//go:build unix || linux || darwin

package liveness

import (
	"errors"
	"syscall"
)

// isProcessRunning checks if a process with the given PID is running
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false // Invalid PID (0 would signal our process group, not a specific process)
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
