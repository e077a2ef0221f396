package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aibo-app/aibo-sub001/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AIBO_BIND_ADDR", "AIBO_LOG_LEVEL", "AIBO_DB_PATH", "OPENCLAW_CORE_PATH",
		"AIBO_BRAIN_STARTUP_TIMEOUT_SECONDS", "OPENCLAW_GATEWAY_PORT",
		"BACKEND_TEAM_URL", "TEAM_BACKEND_URL", "BACKEND_TEAM_TOKEN", "TEAM_TOKEN",
		"AIBO_OTEL_EXPORTER",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	home := filepath.Join(t.TempDir(), "aibo")
	t.Setenv("AIBO_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatalf("expected FirstRun when config.yaml is missing")
	}
	if cfg.BindAddr != config.DefaultBindAddr {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.Gateway.Port != 18789 || cfg.Gateway.Token != "aibo" {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:18789" {
		t.Fatalf("gateway url = %q", cfg.Gateway.URL)
	}
	if cfg.Backend.URL != "http://localhost:4000" {
		t.Fatalf("backend url = %q", cfg.Backend.URL)
	}
	if cfg.DBPath != filepath.Join(home, "aibo.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Brain.StateDir != filepath.Join(home, "openclaw") {
		t.Fatalf("state dir = %q", cfg.Brain.StateDir)
	}
	if cfg.SkillsDir() != filepath.Join(home, "openclaw", "workspace", "skills") {
		t.Fatalf("skills dir = %q", cfg.SkillsDir())
	}
	if cfg.StartupTimeout().Seconds() != 120 {
		t.Fatalf("startup timeout = %v", cfg.StartupTimeout())
	}
	if !cfg.ReapOnTimeout() {
		t.Fatalf("reap on timeout should default to true")
	}
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("AIBO_HOME", home)
	writeConfig(t, home, `bind_addr: "127.0.0.1:4555"
brain:
  node_bin: /usr/local/bin/node
  startup_timeout_seconds: 30
  reap_on_timeout: false
gateway:
  port: 19000
backend:
  url: "http://backend.local:9000/"
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FirstRun {
		t.Fatalf("FirstRun should be false when config exists")
	}
	if cfg.BindAddr != "127.0.0.1:4555" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.Brain.NodeBin != "/usr/local/bin/node" || cfg.Brain.StartupTimeoutSeconds != 30 {
		t.Fatalf("brain = %+v", cfg.Brain)
	}
	if cfg.ReapOnTimeout() {
		t.Fatalf("reap_on_timeout: false should be honoured")
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:19000" {
		t.Fatalf("gateway url should follow port, got %q", cfg.Gateway.URL)
	}
	if cfg.Backend.URL != "http://backend.local:9000" {
		t.Fatalf("backend url should be trimmed, got %q", cfg.Backend.URL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	core := t.TempDir()
	t.Setenv("AIBO_HOME", home)
	t.Setenv("OPENCLAW_CORE_PATH", core)
	t.Setenv("TEAM_BACKEND_URL", "http://team:1")
	t.Setenv("BACKEND_TEAM_URL", "http://primary:2")
	t.Setenv("TEAM_TOKEN", "tok-123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Brain.CoreDir != core {
		t.Fatalf("core dir = %q, want %q", cfg.Brain.CoreDir, core)
	}
	if cfg.Backend.URL != "http://primary:2" {
		t.Fatalf("BACKEND_TEAM_URL should win, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.Token != "tok-123" {
		t.Fatalf("backend token = %q", cfg.Backend.Token)
	}
}

func TestLoad_CorePathOverrideIgnoredWhenMissing(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("AIBO_HOME", home)
	writeConfig(t, home, "brain:\n  core_dir: /opt/core\n")
	t.Setenv("OPENCLAW_CORE_PATH", filepath.Join(home, "does-not-exist"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Brain.CoreDir != "/opt/core" {
		t.Fatalf("core dir = %q", cfg.Brain.CoreDir)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("AIBO_HOME", home)
	writeConfig(t, home, "bind_addr: [unterminated\n")

	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestSetCoreDir_PreservesOtherKeys(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("AIBO_HOME", home)
	writeConfig(t, home, "log_level: debug\nbrain:\n  node_bin: node22\n")

	if err := config.SetCoreDir(home, "/srv/core"); err != nil {
		t.Fatalf("SetCoreDir: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Brain.CoreDir != "/srv/core" {
		t.Fatalf("core dir = %q", cfg.Brain.CoreDir)
	}
	if cfg.LogLevel != "debug" || cfg.Brain.NodeBin != "node22" {
		t.Fatalf("other keys lost: %+v", cfg)
	}
}

func TestWriteDefault_DoesNotOverwrite(t *testing.T) {
	home := t.TempDir()
	if err := config.WriteDefault(home); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "startup_timeout_seconds: 120") {
		t.Fatalf("unexpected default config:\n%s", data)
	}
	writeConfig(t, home, "log_level: warn\n")
	if err := config.WriteDefault(home); err != nil {
		t.Fatalf("WriteDefault second: %v", err)
	}
	data, _ = os.ReadFile(config.ConfigPath(home))
	if string(data) != "log_level: warn\n" {
		t.Fatalf("existing config overwritten: %q", data)
	}
}

func TestFingerprint_ChangesWithPort(t *testing.T) {
	a := config.Config{BindAddr: "x"}
	a.Gateway.Port = 1
	b := a
	b.Gateway.Port = 2
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should change with port")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint should be stable")
	}
}
