// Package audit keeps an append-only trail of brain lifecycle transitions,
// secret writes and other operator-relevant events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/shared"
)

// Outcome values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeFatal = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	errorCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns the number of error or fatal entries since startup.
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record appends an entry. Reason and subject are redacted before they are written.
func Record(outcome, action, reason, subject string) {
	if outcome == OutcomeError || outcome == OutcomeFatal {
		errorCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Outcome:   outcome,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (action, outcome, reason, subject)
			VALUES (?, ?, ?, ?);
		`, action, outcome, reason, subject)
	}
}
