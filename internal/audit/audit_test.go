package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(OutcomeError, "brain.start", "startup timeout", "pid=123")
	Record(OutcomeOK, "brain.reload", "signal delivered", "pid=123")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["outcome"] != OutcomeError || first["action"] != "brain.start" {
		t.Fatalf("unexpected entry: %#v", first)
	}
	if ErrorCount() < 1 {
		t.Fatalf("expected error count to be incremented")
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(OutcomeOK, "secret.set", "api_key=abcdef1234567890abcdef", "OPENAI_API_KEY")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "abcdef1234567890abcdef") {
		t.Fatalf("secret leaked into audit log: %s", raw)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	Record(OutcomeOK, "op1", "first", "")
	_ = Close()

	if err := Init(home); err != nil {
		t.Fatalf("re-init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	Record(OutcomeOK, "op2", "second", "")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected entries to accumulate across reopen, got %d lines", len(lines))
	}
}
