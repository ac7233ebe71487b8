//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProcess detaches the daemon into its own session so
// terminal hangups and the parent's process group signals never reach it.
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
