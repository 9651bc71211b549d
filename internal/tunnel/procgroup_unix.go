//go:build !windows

package tunnel

import (
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalProcessGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}

func terminateSignal() syscall.Signal { return syscall.SIGTERM }
func killSignal() syscall.Signal      { return syscall.SIGKILL }
