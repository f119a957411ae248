// Package procgroup starts media subprocesses in their own process group so
// that ffmpeg and anything it forks can be killed together.
package procgroup

import (
	"os/exec"
	"time"
)

// Bind puts cmd in a new process group and makes context cancellation kill
// the whole group. waitDelay bounds how long Wait blocks on pipes held open by
// stray descendants after the kill.
//
// cmd must come from exec.CommandContext: Bind sets cmd.Cancel, which Start
// rejects on a command without a context.
func Bind(cmd *exec.Cmd, waitDelay time.Duration) {
	set(cmd)
	cmd.Cancel = func() error {
		return Kill(cmd)
	}
	cmd.WaitDelay = waitDelay
}

// Kill sends SIGKILL to cmd's process group. A process that has already
// exited is not an error. Callers should not Kill after Wait has returned,
// since the group id may by then belong to another process.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killGroup(cmd.Process.Pid)
}
