//go:build !windows

package runpool

import (
	"os/exec"
	"syscall"
)

// setProcAttr enables process-group creation so the whole subtree (MCP
// servers, browsers, whatever the agent spawns) can be signaled together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcessGroup signals the entire process group rooted at pid.
// ESRCH (no such process) is expected when the group already exited and
// is not treated as an error by callers.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}

func terminateSignal() syscall.Signal { return syscall.SIGTERM }
func killSignal() syscall.Signal      { return syscall.SIGKILL }
