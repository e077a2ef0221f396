//go:build !windows

package brain

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// launchdLabels are service labels a previous install may have registered
// to keep the gateway alive. launchd respawns the process unless unloaded.
var launchdLabels = []string{"ai.openclaw.gateway", "bot.molt.gateway"}

// SystemReclaimer unloads launchd entries on macOS, then signals every
// process lsof reports listening on the port.
type SystemReclaimer struct {
	Logger *slog.Logger
	Grace  time.Duration
}

func (r SystemReclaimer) Reclaim(ctx context.Context, port int) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if runtime.GOOS == "darwin" {
		r.unloadLaunchd(ctx, logger)
	}

	out, err := exec.CommandContext(ctx, "lsof", "-t", "-i", ":"+strconv.Itoa(port)).Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		return nil
	}
	pids := parsePIDs(string(out))
	self := os.Getpid()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		logger.Info("terminating stale gateway", "pid", pid, "port", port)
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	grace := r.Grace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
	}
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if syscall.Kill(pid, 0) == nil {
			logger.Warn("stale gateway ignored SIGTERM, killing", "pid", pid)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	return nil
}

func (r SystemReclaimer) unloadLaunchd(ctx context.Context, logger *slog.Logger) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, label := range launchdLabels {
		plist := filepath.Join(home, "Library", "LaunchAgents", label+".plist")
		if _, err := os.Stat(plist); err != nil {
			continue
		}
		if err := exec.CommandContext(ctx, "launchctl", "unload", plist).Run(); err != nil {
			logger.Warn("launchctl unload failed", "plist", plist, "error", err)
			continue
		}
		logger.Info("unloaded launchd service", "label", label)
	}
}

func parsePIDs(out string) []int {
	var pids []int
	for _, f := range strings.Fields(out) {
		if pid, err := strconv.Atoi(f); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
