//go:build unix

package agency

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach puts the agent in its own process group. Test programs run in
// groups of their own, so the agent is asked to stop them with interrupt
// before kill is used.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interrupt sends SIGTERM to the agent's group. The agent answers by
// killing its running test program and exiting.
func interrupt(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGTERM); err != nil {
		_ = cmd.Process.Signal(unix.SIGTERM)
	}
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
