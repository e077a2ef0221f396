// Package telemetry builds the host's structured logger.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aibo-app/aibo-sub001/internal/shared"
)

const (
	// LogFileName is the JSONL log under <home>/logs.
	LogFileName = "system.jsonl"
	// DefaultMaxLogBytes rotates system.jsonl into system.jsonl.1 at open.
	DefaultMaxLogBytes int64 = 10 << 20

	redacted = "[REDACTED]"
)

// LogOptions configures NewLogger.
type LogOptions struct {
	HomeDir string
	Level   string
	// Quiet keeps logs out of stdout; the file always receives them.
	Quiet   bool
	Version string
	// MaxBytes overrides DefaultMaxLogBytes. Negative disables rotation.
	MaxBytes int64
}

// NewLogger builds the host JSON logger writing to <home>/logs/system.jsonl.
// Records carry the host pid as host_pid; "pid" stays free for the brain child.
func NewLogger(opts LogOptions) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, LogFileName)
	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxLogBytes
	}
	if err := rotateIfLarge(logFilePath, maxBytes); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !opts.Quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	logger := slog.New(newHandler(w, parseLevel(opts.Level))).With(
		"component", "host",
		"version", version,
		"host_pid", os.Getpid(),
		"trace_id", "-",
	)
	return logger, file, nil
}

// NewDiscardLogger returns a logger that drops everything. Used by tests and
// by components constructed without a logger in short-lived CLI commands.
func NewDiscardLogger() *slog.Logger {
	return slog.New(newHandler(io.Discard, slog.LevelError))
}

// rotateIfLarge keeps one previous generation; the host restarts often enough
// that rotating at open bounds the file.
func rotateIfLarge(path string, maxBytes int64) error {
	if maxBytes < 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < maxBytes {
		return nil
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate %s: %w", filepath.Base(path), err)
	}
	return nil
}

func newHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, redacted)
			}
			if a.Value.Kind() == slog.KindString {
				if v, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, v)
				}
			}
			return a
		},
	})
}

// sensitiveKeyTokens covers provider credentials plus the wallet material a
// portfolio host can come across.
var sensitiveKeyTokens = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
	"mnemonic", "seed_phrase", "private_key", "privkey",
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Whole value goes when it carries an auth header.
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return redacted, true
	}
	if r := shared.Redact(v); r != v {
		return r, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
