//go:build !windows

package brain

import (
	"os"
	"os/exec"
	"syscall"
)

// reloadSupported reports whether the brain can be hot reloaded by signal.
const reloadSupported = true

// configureCmd puts the child in its own process group so its workers die
// with it.
func configureCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func sendReload(p *os.Process) error {
	return p.Signal(syscall.SIGUSR1)
}

// terminate asks the process group to exit.
func terminate(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		return p.Signal(syscall.SIGTERM)
	}
	return nil
}

func forceKill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}

func exitSignal(ps *os.ProcessState) string {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
