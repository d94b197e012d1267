//go:build unix

package extract

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so
// killProcessGroup can terminate the extractor and any children it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup sends SIGTERM to the child's process group, then
// SIGKILL, so a timed-out extractor cannot leave orphaned children behind.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// setProcessGroup made the child its own group leader, so the group id
	// is its pid; the group outlives the child once it has been reaped.
	pgid := cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)
	syscall.Kill(-pgid, syscall.SIGKILL)
}

// applyPriority lowers pid's scheduling niceness to match the configured
// below_normal/idle priority. Called once the child's PID is known.
func applyPriority(pid int, p Priority) {
	var nice int
	switch p {
	case PriorityBelowNormal:
		nice = 10
	case PriorityIdle:
		nice = 19
	default:
		return
	}
	_ = unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}
