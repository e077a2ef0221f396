package skills

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testDebounce = 100 * time.Millisecond

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_DebounceCoalescing(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "portfolio")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	skillMD := filepath.Join(skillDir, "SKILL.md")
	if err := os.WriteFile(skillMD, []byte("---\nname: portfolio\n---\nv1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := NewWatcher([]string{dir}, testDebounce, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(skillMD, []byte("---\nname: portfolio\n---\nupdated\n"), 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	eventCount := 0
	drain := time.After(600 * time.Millisecond)
loop:
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				break loop
			}
			if !strings.HasSuffix(ev, "SKILL.md") {
				t.Fatalf("event should name the SKILL.md, got %q", ev)
			}
			eventCount++
		case <-drain:
			break loop
		}
	}

	if eventCount == 0 {
		t.Fatal("expected at least 1 debounced event, got 0")
	}
	if eventCount > 2 {
		t.Fatalf("expected debounce coalescing (1-2 events), got %d", eventCount)
	}
}

func TestWatcher_NonSkillFilesFiltered(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "weather")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	w := NewWatcher([]string{dir}, testDebounce, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	for _, name := range []string{"notes.txt", "icon.png", "README.md"} {
		if err := os.WriteFile(filepath.Join(skillDir, name), []byte("hello"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for non-SKILL.md files, got %q", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	w := NewWatcher([]string{t.TempDir()}, testDebounce, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			for range w.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after context cancellation")
	}
}

func TestWatcher_NewSkillDirectory(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher([]string{dir}, testDebounce, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	newSkill := filepath.Join(dir, "brand-new-skill")
	if err := os.MkdirAll(newSkill, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(newSkill, "SKILL.md"), []byte("---\nname: brand-new-skill\n---\n"), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev == "" {
			t.Fatal("received empty event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event for new skill directory, got none within timeout")
	}
}

func TestWatcher_MissingRootIsNotAnError(t *testing.T) {
	w := NewWatcher([]string{filepath.Join(t.TempDir(), "absent"), "  "}, testDebounce, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}
