// Package settings is the typed access layer over the persisted key/value
// settings table. Secret keys are kept in the OS credential store with only a
// masked placeholder in sqlite.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/aibo-app/aibo-sub001/internal/audit"
	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/secrets"
	"github.com/aibo-app/aibo-sub001/internal/shared"
)

// Setting keys understood by the host.
const (
	KeyOpenAI          = "OPENAI_API_KEY"
	KeyAnthropic       = "ANTHROPIC_API_KEY"
	KeyDeepSeek        = "DEEPSEEK_API_KEY"
	KeyUseLocalBrain   = "USE_LOCAL_BRAIN"
	KeyOllamaHost      = "OLLAMA_HOST"
	KeyOllamaModel     = "OLLAMA_MODEL"
	KeyDefaultModel    = "DEFAULT_BRAIN_MODEL"
	KeyTemperature     = "BRAIN_TEMPERATURE"
	KeySystemPrompt    = "BRAIN_SYSTEM_PROMPT"
	KeyChannelsEnabled = "OPENCLAW_CHANNELS_ENABLED"
	KeyChannelsConfig  = "OPENCLAW_CHANNELS_CONFIG"
	KeySkillsConfig    = "OPENCLAW_SKILLS_CONFIG"
	KeyCronJobs        = "OPENCLAW_CRON_JOBS"
	KeyHistoryWindow   = "CHAT_HISTORY_WINDOW_SIZE"
	KeyChatMaxTokens   = "CHAT_MAX_TOKENS"
	KeyChatTrimHistory = "CHAT_ENABLE_SUMMARIZATION"
	KeyMonitoring      = "OPENCLAW_MONITORING_ENABLED"
)

// ErrNotFound is returned by the typed getters when a key has no value.
var ErrNotFound = errors.New("setting not found")

// Listener is told the real key name after every successful write.
type Listener interface {
	SettingChanged(key string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(key string)

func (f ListenerFunc) SettingChanged(key string) { f(key) }

type Service struct {
	store   *persistence.Store
	secrets secrets.Store
	logger  *slog.Logger

	mu       sync.RWMutex
	listener Listener
}

// New builds a settings service. sec may be nil, in which case secrets are stored raw.
func New(store *persistence.Store, sec secrets.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, secrets: sec, logger: logger.With("component", "settings")}
}

// SetListener installs the change listener, replacing any previous one.
func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Service) notify(key string) {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		l.SettingChanged(key)
	}
}

// Get returns the plaintext value. For secret keys the settings table is
// authoritative when it holds a raw value (a credential-store fallback);
// a masked placeholder there means the credential store holds the value.
// A masked placeholder is never returned as a value.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !secrets.IsSecretKey(key) {
		return v, ok, nil
	}
	if ok && v != "" && !shared.IsMasked(v) {
		return v, true, nil
	}
	if s.secrets != nil {
		sv, serr := s.secrets.Get(key)
		if serr == nil {
			return sv, true, nil
		}
		if !errors.Is(serr, secrets.ErrNotFound) {
			s.logger.Warn("credential store read failed", "key", key, "error", serr)
		}
	}
	return "", false, nil
}

// Value returns the plaintext value or "" when unset or unreadable.
func (s *Service) Value(ctx context.Context, key string) string {
	v, _, err := s.Get(ctx, key)
	if err != nil {
		s.logger.Warn("setting read failed", "key", key, "error", err)
	}
	return v
}

// Set persists value and notifies the listener.
func (s *Service) Set(ctx context.Context, key, value string) error {
	stored := value
	if secrets.IsSecretKey(key) {
		if shared.IsMasked(value) {
			// The UI echoed back the placeholder it was shown.
			return nil
		}
		stored = s.storeSecret(key, value)
	}
	if err := s.store.SetSetting(ctx, key, stored); err != nil {
		return err
	}
	s.notify(key)
	return nil
}

// storeSecret writes value to the credential store and returns what sqlite should hold.
func (s *Service) storeSecret(key, value string) string {
	if s.secrets == nil {
		return value
	}
	if value == "" {
		if err := s.secrets.Delete(key); err != nil {
			s.logger.Warn("credential store delete failed", "key", key, "error", err)
		}
		audit.Record(audit.OutcomeOK, "secret.clear", "setting cleared", key)
		return ""
	}
	if err := s.secrets.Set(key, value); err != nil {
		s.logger.Warn("credential store unavailable, storing raw value", "key", key, "error", err)
		audit.Record(audit.OutcomeError, "secret.store", "credential store unavailable; raw fallback", key)
		// An entry from an earlier save must not shadow the new value.
		if err := s.secrets.Delete(key); err != nil {
			s.logger.Warn("credential store delete failed", "key", key, "error", err)
		}
		return value
	}
	audit.Record(audit.OutcomeOK, "secret.store", "stored in credential store", key)
	return shared.Mask(value)
}

// SetMany applies a bulk update by looping Set. Keys are applied in sorted order.
func (s *Service) SetMany(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.Set(ctx, k, values[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

// Delete removes key from sqlite and, for secrets, from the credential store.
func (s *Service) Delete(ctx context.Context, key string) error {
	if secrets.IsSecretKey(key) && s.secrets != nil {
		if err := s.secrets.Delete(key); err != nil {
			s.logger.Warn("credential store delete failed", "key", key, "error", err)
		}
	}
	if err := s.store.DeleteSetting(ctx, key); err != nil {
		return err
	}
	s.notify(key)
	return nil
}

// All returns every setting. Secret values are masked.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		v := r.Value
		if secrets.IsSecretKey(r.Key) && v != "" && !shared.IsMasked(v) {
			v = shared.Mask(v)
		}
		out[r.Key] = v
	}
	return out, nil
}

// Snapshot returns plaintext values for keys. Unset keys are omitted.
func (s *Service) Snapshot(ctx context.Context, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v := s.Value(ctx, k); v != "" {
			out[k] = v
		}
	}
	return out
}

// GetBool is true only for the literal "true".
func (s *Service) GetBool(ctx context.Context, key string) bool {
	return s.Value(ctx, key) == "true"
}

// GetNumber parses the value as a float. ErrNotFound when unset.
func (s *Service) GetNumber(ctx context.Context, key string) (float64, error) {
	v := s.Value(ctx, key)
	if v == "" {
		return 0, ErrNotFound
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not a number: %w", key, err)
	}
	return n, nil
}

// GetJSON decodes a JSON-valued setting into dst. ErrNotFound when unset.
func (s *Service) GetJSON(ctx context.Context, key string, dst any) error {
	v := s.Value(ctx, key)
	if v == "" {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("decode setting %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func (s *Service) SetJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return s.Set(ctx, key, string(b))
}
