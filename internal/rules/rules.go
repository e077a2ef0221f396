// Package rules keeps the user's behavioral rules and renders the two views
// the brain persona is built from: compiled policies and active guards.
// Rules are stored as written; only their kind is inferred.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/aibo-app/aibo-sub001/internal/persistence"
)

const (
	MaxTextLen = 2000
	// MaxPolicyView caps the policy section so the persona stays small.
	MaxPolicyView = 4000
)

var (
	ErrInvalidRule = errors.New("invalid rule")
	ErrNotFound    = errors.New("rule not found")
)

// guardWords mark a rule as a hard constraint rather than a guideline.
var guardWords = regexp.MustCompile(`(?i)\b(never|block|refuse|reject|deny|forbid|prohibit|don'?t|do not|must not|cannot|disallow)\b`)

// Classify infers the kind of a rule from its wording.
func Classify(text string) string {
	if guardWords.MatchString(text) {
		return persistence.RuleKindGuard
	}
	return persistence.RuleKindPolicy
}

// Reloader is told when the rendered views change. Satisfied by
// *reload.Coordinator.
type Reloader interface {
	ScheduleReload()
}

type Service struct {
	store  *persistence.Store
	logger *slog.Logger

	mu       sync.RWMutex
	reloader Reloader
}

func New(store *persistence.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "rules")}
}

// SetReloader registers the hot-reload trigger. Safe to call once at wiring time.
func (s *Service) SetReloader(r Reloader) {
	s.mu.Lock()
	s.reloader = r
	s.mu.Unlock()
}

func (s *Service) changed() {
	s.mu.RLock()
	r := s.reloader
	s.mu.RUnlock()
	if r != nil {
		r.ScheduleReload()
	}
}

func normalize(text, kind string) (string, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", fmt.Errorf("%w: text is required", ErrInvalidRule)
	}
	if len(text) > MaxTextLen {
		return "", "", fmt.Errorf("%w: text must be under %d characters", ErrInvalidRule, MaxTextLen)
	}
	switch kind {
	case "":
		kind = Classify(text)
	case persistence.RuleKindPolicy, persistence.RuleKindGuard:
	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, kind)
	}
	return text, kind, nil
}

func (s *Service) List(ctx context.Context) ([]persistence.Rule, error) {
	list, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []persistence.Rule{}
	}
	return list, nil
}

// Create stores a rule. An empty kind is inferred from the text.
func (s *Service) Create(ctx context.Context, text, kind string) (*persistence.Rule, error) {
	text, kind, err := normalize(text, kind)
	if err != nil {
		return nil, err
	}
	r, err := s.store.CreateRule(ctx, text, kind)
	if err != nil {
		return nil, err
	}
	s.logger.Info("rule created", "id", r.ID, "kind", kind)
	s.changed()
	return r, nil
}

// Update replaces a rule's text and kind. An empty kind is re-inferred.
func (s *Service) Update(ctx context.Context, id int64, text, kind string) (*persistence.Rule, error) {
	text, kind, err := normalize(text, kind)
	if err != nil {
		return nil, err
	}
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Text, r.Kind = text, kind
	if err := s.store.UpdateRule(ctx, *r); err != nil {
		return nil, mapNotFound(err)
	}
	s.changed()
	return s.get(ctx, id)
}

// Toggle enables or disables a rule without touching its text.
func (s *Service) Toggle(ctx context.Context, id int64, enabled bool) error {
	r, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	r.Enabled = enabled
	if err := s.store.UpdateRule(ctx, *r); err != nil {
		return mapNotFound(err)
	}
	s.changed()
	return nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return mapNotFound(err)
	}
	s.logger.Info("rule deleted", "id", id)
	s.changed()
	return nil
}

func (s *Service) get(ctx context.Context, id int64) (*persistence.Rule, error) {
	r, err := s.store.GetRule(ctx, id)
	return r, mapNotFound(err)
}

func mapNotFound(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// PolicyView joins enabled policies as a bullet list, truncated to MaxPolicyView.
func (s *Service) PolicyView(ctx context.Context) (string, error) {
	list, err := s.store.ListRules(ctx)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, r := range list {
		if r.Enabled && r.Kind == persistence.RuleKindPolicy {
			lines = append(lines, "- "+r.Text)
		}
	}
	joined := strings.Join(lines, "\n")
	if len(joined) > MaxPolicyView {
		cut := MaxPolicyView
		for cut > 0 && !utf8.RuneStart(joined[cut]) {
			cut--
		}
		joined = joined[:cut] + "\n...(truncated)"
	}
	return joined, nil
}

// Guards renders each enabled guard as a hard constraint.
func (s *Service) Guards(ctx context.Context) ([]string, error) {
	list, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range list {
		if r.Enabled && r.Kind == persistence.RuleKindGuard {
			out = append(out, fmt.Sprintf("**GUARD**: %s\n\nYou MUST follow this constraint at all times. "+
				"If a user request conflicts with this rule, politely decline and explain why.", r.Text))
		}
	}
	return out, nil
}
