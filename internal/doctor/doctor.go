package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/brain"
	"github.com/aibo-app/aibo-sub001/internal/config"
	"github.com/aibo-app/aibo-sub001/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// BackendChecker is satisfied by backend.Client.
type BackendChecker interface {
	Health(ctx context.Context) bool
}

// KeyringChecker is satisfied by secrets.KeyringStore.
type KeyringChecker interface {
	Available() bool
}

// Deps are the live dependencies a check talks to. Nil entries are skipped.
type Deps struct {
	Backend BackendChecker
	Keyring KeyringChecker
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, deps Deps) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkNode,
		checkCoreDir,
		checkGatewayPort,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkBackend(ctx, cfg, deps.Backend) },
		func(context.Context, *config.Config) CheckResult { return checkKeyring(deps.Keyring) },
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults",
			Detail: fmt.Sprintf("A starter file is written to %s on first start", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: fmt.Sprintf("path=%s, schema=%d", cfg.DBPath, version)}
}

func checkNode(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Node", Status: StatusSkip, Message: "Config missing"}
	}
	bin := brain.ResolveNode(cfg.Brain.NodeBin)
	path, err := exec.LookPath(bin)
	if err != nil {
		return CheckResult{Name: "Node", Status: StatusFail, Message: fmt.Sprintf("%s not found", bin),
			Detail: "The brain needs Node.js 22 or newer"}
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(vctx, path, "--version").Output()
	if err != nil {
		return CheckResult{Name: "Node", Status: StatusWarn, Message: fmt.Sprintf("%s found but --version failed: %v", path, err)}
	}
	return CheckResult{Name: "Node", Status: StatusPass, Message: fmt.Sprintf("%s %s", path, trimVersion(out))}
}

func trimVersion(out []byte) string {
	s := string(out)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func checkCoreDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Brain Core", Status: StatusSkip, Message: "Config missing"}
	}
	dir := cfg.Brain.CoreDir
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return CheckResult{Name: "Brain Core", Status: StatusFail, Message: fmt.Sprintf("%s is not a directory", dir),
			Detail: "Set OPENCLAW_CORE_PATH or brain.core_dir in config.yaml"}
	}
	entry := brain.ResolveEntry(dir)
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}
	if _, err := os.Stat(entry); err != nil {
		return CheckResult{Name: "Brain Core", Status: StatusFail, Message: "No entry script found", Detail: entry}
	}
	if _, err := os.Stat(filepath.Join(dir, "node_modules")); err != nil {
		return CheckResult{Name: "Brain Core", Status: StatusWarn, Message: "node_modules missing",
			Detail: "Run pnpm install in " + dir + " or set brain.install_deps"}
	}
	return CheckResult{Name: "Brain Core", Status: StatusPass, Message: entry}
}

// checkGatewayPort passes when the port is free, and also when something is
// already listening there (a brain from an earlier run is reclaimed at start).
func checkGatewayPort(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway Port", Status: StatusSkip, Message: "Config missing"}
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Gateway.Port))
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err == nil {
		conn.Close()
		return CheckResult{Name: "Gateway Port", Status: StatusWarn, Message: fmt.Sprintf("%s already in use", addr),
			Detail: "A running brain will be stopped and reclaimed on start"}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return CheckResult{Name: "Gateway Port", Status: StatusFail, Message: fmt.Sprintf("cannot bind %s: %v", addr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Gateway Port", Status: StatusPass, Message: fmt.Sprintf("%s available", addr)}
}

func checkBackend(ctx context.Context, cfg *config.Config, c BackendChecker) CheckResult {
	if cfg == nil || c == nil {
		return CheckResult{Name: "Backend", Status: StatusSkip, Message: "Backend client not configured"}
	}
	start := time.Now()
	if !c.Health(ctx) {
		return CheckResult{Name: "Backend", Status: StatusWarn, Message: fmt.Sprintf("%s unreachable", cfg.Backend.URL),
			Detail: "Portfolio and market commands will return fallbacks"}
	}
	return CheckResult{Name: "Backend", Status: StatusPass,
		Message: fmt.Sprintf("%s healthy (%dms)", cfg.Backend.URL, time.Since(start).Milliseconds())}
}

func checkKeyring(c KeyringChecker) CheckResult {
	if c == nil {
		return CheckResult{Name: "Keychain", Status: StatusSkip, Message: "Credential store not configured"}
	}
	if !c.Available() {
		return CheckResult{Name: "Keychain", Status: StatusWarn, Message: "OS credential store unavailable",
			Detail: "Provider API keys will be kept in the settings database"}
	}
	return CheckResult{Name: "Keychain", Status: StatusPass, Message: "OS credential store available"}
}
