//go:build windows

package runpool

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr is a no-op on Windows; there is no process-group signaling
// equivalent to Unix's setpgid, so termination falls back to killing the
// top-level process only.
func setProcAttr(cmd *exec.Cmd) {}

// signalProcessGroup on Windows always hard-kills: os.Process only
// supports os.Kill reliably, so the graceful SIGTERM stage collapses
// into the same kill as the follow-up SIGKILL stage.
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
