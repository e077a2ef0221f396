//go:build windows

package brain

import (
	"errors"
	"os"
	"os/exec"
)

// Windows has no SIGUSR1; reload falls back to a restart.
const reloadSupported = false

func configureCmd(*exec.Cmd) {}

func sendReload(*os.Process) error {
	return errors.New("reload signal not supported on windows")
}

func terminate(p *os.Process) error { return p.Kill() }

func forceKill(p *os.Process) error { return p.Kill() }

func exitSignal(*os.ProcessState) string { return "" }
