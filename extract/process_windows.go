//go:build windows

package extract

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// setProcessGroup puts the child in its own process group (job-less
// equivalent on Windows) so it can be signalled independently of the
// agent's own console group.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &windows.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

// killProcessGroup terminates the child process. Windows has no SIGTERM;
// TerminateProcess is the closest equivalent to the unix SIGKILL escalation.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// applyPriority sets the child's priority class to match the configured
// below_normal/idle priority.
func applyPriority(pid int, p Priority) {
	var class uint32
	switch p {
	case PriorityBelowNormal:
		class = windows.BELOW_NORMAL_PRIORITY_CLASS
	case PriorityIdle:
		class = windows.IDLE_PRIORITY_CLASS
	default:
		return
	}
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return
	}
	defer windows.CloseHandle(h)
	_ = windows.SetPriorityClass(h, class)
}
