//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// CREATE_NEW_PROCESS_GROUP detaches the daemon from the console's
// ctrl-c handling.
const createNewProcessGroup = 0x00000200

func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
