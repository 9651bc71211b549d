//go:build windows

package tunnel

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {}

func signalProcessGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func terminateSignal() syscall.Signal { return syscall.SIGTERM }
func killSignal() syscall.Signal      { return syscall.SIGKILL }
