//go:build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Windows has no TERM; both map onto os.Kill inside proc.Signal.
const (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Signal(sig)
}

// Detach is a no-op on Windows.
func Detach(_ *exec.Cmd) {}

// ShutdownSignals lists the signals a foreground server stops on.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
