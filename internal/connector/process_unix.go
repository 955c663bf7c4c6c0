//go:build !windows

package connector

import (
	"os/exec"
	"syscall"
)

// setProcAttrs puts the child in its own process group so the entire tree
// can be killed together on timeout or disconnect.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the child's process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
