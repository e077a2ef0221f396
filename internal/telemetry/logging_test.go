package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(LogOptions{HomeDir: home, Level: "debug", Quiet: true, Version: "v9"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("brain ready", "pid", 42)

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id", "host_pid"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "host" {
		t.Fatalf("expected component=host, got %#v", entry["component"])
	}
	if entry["pid"] != float64(42) {
		t.Fatalf("expected pid attr, got %#v", entry["pid"])
	}
	if entry["host_pid"] != float64(os.Getpid()) {
		t.Fatalf("expected host_pid=%d, got %#v", os.Getpid(), entry["host_pid"])
	}
	if entry["version"] != "v9" {
		t.Fatalf("expected version=v9, got %#v", entry["version"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(LogOptions{HomeDir: home, Level: "info", Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("brain env",
		"OPENAI_API_KEY", "sk-abc",
		"auth_header", "Authorization: Bearer super-secret-token",
		"line", "loaded key sk-ant-REDACTED",
		"wallet_mnemonic", "abandon abandon abandon",
	)

	entry := readLastEntry(t, home)
	if entry["OPENAI_API_KEY"] != "[REDACTED]" {
		t.Fatalf("expected api key redaction, got %#v", entry["OPENAI_API_KEY"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if entry["wallet_mnemonic"] != "[REDACTED]" {
		t.Fatalf("expected mnemonic redaction, got %#v", entry["wallet_mnemonic"])
	}
	if line, _ := entry["line"].(string); strings.Contains(line, "sk-ant-") {
		t.Fatalf("expected provider key scrubbed from line, got %q", line)
	}
}

func TestNewLogger_RotatesLargeFile(t *testing.T) {
	home := t.TempDir()
	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := strings.Repeat("x", 64) + "\n"
	if err := os.WriteFile(filepath.Join(logDir, LogFileName), []byte(old), 0o644); err != nil {
		t.Fatal(err)
	}

	logger, closer, err := NewLogger(LogOptions{HomeDir: home, Quiet: true, MaxBytes: 32})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()
	logger.Info("fresh start")

	prev, err := os.ReadFile(filepath.Join(logDir, LogFileName+".1"))
	if err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	if string(prev) != old {
		t.Fatalf("rotated file content = %q", prev)
	}
	if entry := readLastEntry(t, home); entry["msg"] != "fresh start" {
		t.Fatalf("expected fresh log file, got %#v", entry)
	}
}

func TestNewLogger_SmallFileNotRotated(t *testing.T) {
	home := t.TempDir()
	for i := 0; i < 2; i++ {
		logger, closer, err := NewLogger(LogOptions{HomeDir: home, Quiet: true})
		if err != nil {
			t.Fatalf("new logger: %v", err)
		}
		logger.Info("boot", "n", i)
		closer.Close()
	}
	if _, err := os.Stat(filepath.Join(home, "logs", LogFileName+".1")); !os.IsNotExist(err) {
		t.Fatalf("unexpected rotation: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(home, "logs", LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(strings.TrimSpace(string(raw)), "\n") + 1; n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
