package rules

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/aibo-app/aibo-sub001/internal/persistence"
)

type countingReloader struct{ n atomic.Int32 }

func (c *countingReloader) ScheduleReload() { c.n.Add(1) }

func newService(t *testing.T) (*Service, *countingReloader) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "aibo.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := New(store, nil)
	rl := &countingReloader{}
	svc.SetReloader(rl)
	return svc, rl
}

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Never recommend memecoins", persistence.RuleKindGuard},
		{"Don't mention my balance in public channels", persistence.RuleKindGuard},
		{"You must not place trades", persistence.RuleKindGuard},
		{"Prefer concise answers", persistence.RuleKindPolicy},
		{"Call me captain", persistence.RuleKindPolicy},
	}
	for _, tc := range cases {
		if got := Classify(tc.text); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestCreateValidatesAndSchedulesReload(t *testing.T) {
	svc, rl := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "   ", ""); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("blank err = %v", err)
	}
	if _, err := svc.Create(ctx, strings.Repeat("a", MaxTextLen+1), ""); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("long err = %v", err)
	}
	if _, err := svc.Create(ctx, "ok", "action"); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("bad kind err = %v", err)
	}
	if rl.n.Load() != 0 {
		t.Fatalf("rejected rules should not reload")
	}

	r, err := svc.Create(ctx, "  Never share seed phrases  ", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Text != "Never share seed phrases" || r.Kind != persistence.RuleKindGuard {
		t.Fatalf("rule = %+v", r)
	}
	// An explicit kind wins over the wording.
	r2, err := svc.Create(ctx, "Never use exclamation marks", persistence.RuleKindPolicy)
	if err != nil || r2.Kind != persistence.RuleKindPolicy {
		t.Fatalf("explicit kind = %+v, %v", r2, err)
	}
	if rl.n.Load() != 2 {
		t.Fatalf("reloads = %d", rl.n.Load())
	}
}

func TestUpdateToggleDelete(t *testing.T) {
	svc, rl := newService(t)
	ctx := context.Background()
	r, _ := svc.Create(ctx, "Be formal", "")

	got, err := svc.Update(ctx, r.ID, "Do not be formal", "")
	if err != nil || got.Kind != persistence.RuleKindGuard || got.Text != "Do not be formal" {
		t.Fatalf("update = %+v, %v", got, err)
	}
	if _, err := svc.Update(ctx, 999, "x", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
	if err := svc.Toggle(ctx, r.ID, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	list, _ := svc.List(ctx)
	if len(list) != 1 || list[0].Enabled {
		t.Fatalf("list = %+v", list)
	}
	if err := svc.Delete(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete twice err = %v", err)
	}
	if rl.n.Load() != 4 {
		t.Fatalf("reloads = %d", rl.n.Load())
	}
	if list, err := svc.List(ctx); err != nil || list == nil || len(list) != 0 {
		t.Fatalf("empty list = %#v, %v", list, err)
	}
}

func TestViews(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if v, err := svc.PolicyView(ctx); err != nil || v != "" {
		t.Fatalf("empty view = %q, %v", v, err)
	}
	_, _ = svc.Create(ctx, "Prefer USD prices", "")
	_, _ = svc.Create(ctx, "Never give tax advice", "")
	off, _ := svc.Create(ctx, "Speak like a pirate", "")
	_ = svc.Toggle(ctx, off.ID, false)
	_, _ = svc.Create(ctx, "Mention gas costs", "")

	view, err := svc.PolicyView(ctx)
	if err != nil || view != "- Prefer USD prices\n- Mention gas costs" {
		t.Fatalf("policy view = %q, %v", view, err)
	}
	guards, err := svc.Guards(ctx)
	if err != nil || len(guards) != 1 || !strings.HasPrefix(guards[0], "**GUARD**: Never give tax advice") {
		t.Fatalf("guards = %q, %v", guards, err)
	}
}

func TestPolicyViewTruncates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, strings.Repeat("é", 900), persistence.RuleKindPolicy); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	view, _ := svc.PolicyView(ctx)
	if !strings.HasSuffix(view, "\n...(truncated)") {
		t.Fatalf("view not truncated, len %d", len(view))
	}
	body := strings.TrimSuffix(view, "\n...(truncated)")
	if len(body) > MaxPolicyView || !utf8.ValidString(body) {
		t.Fatalf("bad truncation: len %d", len(body))
	}
}
