//go:build windows

package connector

import "os/exec"

// setProcAttrs is a no-op on Windows; process-group semantics are handled
// via killProcessGroup killing the single process instead.
func setProcAttrs(cmd *exec.Cmd) {}

// killProcessGroup kills the child process directly; Windows process trees
// are reaped individually rather than via a POSIX process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
