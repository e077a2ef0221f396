//go:build windows

package brain

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SystemReclaimer kills the owners of the port as reported by netstat.
type SystemReclaimer struct {
	Logger *slog.Logger
	Grace  time.Duration
}

func (r SystemReclaimer) Reclaim(ctx context.Context, port int) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out, err := exec.CommandContext(ctx, "netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return err
	}
	suffix := ":" + strconv.Itoa(port)
	seen := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		if len(f) < 5 || !strings.HasSuffix(f[1], suffix) || f[3] != "LISTENING" {
			continue
		}
		pid := f[4]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		logger.Info("terminating stale gateway", "pid", pid, "port", port)
		_ = exec.CommandContext(ctx, "taskkill", "/PID", pid, "/F").Run()
	}
	return nil
}
