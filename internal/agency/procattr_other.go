//go:build !unix

package agency

import "os/exec"

func detach(cmd *exec.Cmd) {}

// interrupt has no portable equivalent here; terminate falls through to kill.
func interrupt(cmd *exec.Cmd) {}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
