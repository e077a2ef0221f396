// Package channels manages the messaging accounts the brain serves on
// (telegram, discord, whatsapp). Accounts are stored as JSON under the
// OPENCLAW_CHANNELS_CONFIG setting, keyed by channel then account name.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/aibo-app/aibo-sub001/internal/settings"
	"github.com/aibo-app/aibo-sub001/internal/shared"
)

// Channel names.
const (
	Telegram = "telegram"
	Discord  = "discord"
	WhatsApp = "whatsapp"
)

// DM policies understood by the brain.
const (
	PolicyPairing   = "pairing"
	PolicyAllowlist = "allowlist"
	PolicyOpen      = "open"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrInvalidToken   = errors.New("invalid channel token")
	ErrNotFound       = errors.New("channel account not found")
)

// Account is one bot identity on a channel.
type Account struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token,omitempty"`
	DMPolicy  string   `json:"dmPolicy,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// Config maps channel → account name → account.
type Config map[string]map[string]Account

// Verifier checks a token against the channel's API and returns the bot's
// display name.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, token string) (string, error)
}

// Store persists the channel config. settings.Service satisfies it.
type Store interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any) error
	Set(ctx context.Context, key, value string) error
}

type Service struct {
	store     Store
	verifiers map[string]Verifier
	logger    *slog.Logger

	mu sync.Mutex
}

func NewService(store Store, logger *slog.Logger, verifiers ...Verifier) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	vm := make(map[string]Verifier, len(verifiers))
	for _, v := range verifiers {
		vm[v.Name()] = v
	}
	return &Service{
		store:     store,
		verifiers: vm,
		logger:    logger.With("component", "channels"),
	}
}

func knownChannel(name string) bool {
	switch name {
	case Telegram, Discord, WhatsApp:
		return true
	}
	return false
}

// Config returns the stored config with plaintext tokens.
func (s *Service) Config(ctx context.Context) (Config, error) {
	cfg := Config{}
	if err := s.store.GetJSON(ctx, settings.KeyChannelsConfig, &cfg); err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return Config{}, nil
		}
		return nil, err
	}
	if cfg == nil {
		cfg = Config{}
	}
	return cfg, nil
}

// List returns the config with every token masked.
func (s *Service) List(ctx context.Context) (Config, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}
	out := make(Config, len(cfg))
	for ch, accounts := range cfg {
		masked := make(map[string]Account, len(accounts))
		for name, acct := range accounts {
			if acct.Token != "" {
				acct.Token = shared.Mask(acct.Token)
			}
			masked[name] = acct
		}
		out[ch] = masked
	}
	return out, nil
}

// Save validates and stores an account. With verify set and a verifier
// registered for the channel, the token is checked against the live API.
// Returns the verified bot name when one was obtained.
func (s *Service) Save(ctx context.Context, channel, account string, acct Account, verify bool) (string, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if !knownChannel(channel) {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	account = strings.TrimSpace(account)
	if account == "" {
		account = "default"
	}
	acct.Token = strings.TrimSpace(acct.Token)

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Config(ctx)
	if err != nil {
		return "", err
	}
	// A masked echo from the UI keeps the stored token.
	if shared.IsMasked(acct.Token) {
		if prev, ok := cfg[channel][account]; ok {
			acct.Token = prev.Token
		} else {
			acct.Token = ""
		}
	}
	if err := ValidateToken(channel, acct.Token); err != nil && acct.Enabled {
		return "", err
	}
	if acct.DMPolicy == "" {
		acct.DMPolicy = PolicyPairing
	}
	switch acct.DMPolicy {
	case PolicyPairing, PolicyAllowlist, PolicyOpen:
	default:
		return "", fmt.Errorf("unknown dm policy %q", acct.DMPolicy)
	}

	var botName string
	if verify && acct.Token != "" {
		if v, ok := s.verifiers[channel]; ok {
			botName, err = v.Verify(ctx, acct.Token)
			if err != nil {
				return "", err
			}
		}
	}

	if cfg[channel] == nil {
		cfg[channel] = map[string]Account{}
	}
	cfg[channel][account] = acct
	if err := s.persist(ctx, cfg); err != nil {
		return "", err
	}
	s.logger.Info("channel account saved", "channel", channel, "account", account, "enabled", acct.Enabled, "bot", botName)
	return botName, nil
}

// Remove deletes an account; an emptied channel is dropped.
func (s *Service) Remove(ctx context.Context, channel, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Config(ctx)
	if err != nil {
		return err
	}
	accounts, ok := cfg[channel]
	if !ok {
		return ErrNotFound
	}
	if _, ok := accounts[account]; !ok {
		return ErrNotFound
	}
	delete(accounts, account)
	if len(accounts) == 0 {
		delete(cfg, channel)
	}
	if err := s.persist(ctx, cfg); err != nil {
		return err
	}
	s.logger.Info("channel account removed", "channel", channel, "account", account)
	return nil
}

// persist writes the config and keeps the channels-enabled flag in step
// with whether any account is enabled.
func (s *Service) persist(ctx context.Context, cfg Config) error {
	if err := s.store.SetJSON(ctx, settings.KeyChannelsConfig, cfg); err != nil {
		return err
	}
	enabled := "false"
	if len(cfg.EnabledAccounts()) > 0 {
		enabled = "true"
	}
	return s.store.Set(ctx, settings.KeyChannelsEnabled, enabled)
}

// AccountRef names one enabled account.
type AccountRef struct {
	Channel string
	Name    string
	Account Account
}

// EnabledAccounts lists enabled accounts that have a token, sorted by
// channel then name. WhatsApp pairs by QR and needs no token.
func (c Config) EnabledAccounts() []AccountRef {
	var out []AccountRef
	for ch, accounts := range c {
		for name, acct := range accounts {
			if !acct.Enabled {
				continue
			}
			if acct.Token == "" && ch != WhatsApp {
				continue
			}
			out = append(out, AccountRef{Channel: ch, Name: name, Account: acct})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Status summarizes each channel for the UI.
type Status struct {
	Channel  string `json:"channel"`
	Accounts int    `json:"accounts"`
	Enabled  int    `json:"enabled"`
}

func (s *Service) Status(ctx context.Context) ([]Status, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}
	enabled := map[string]int{}
	for _, ref := range cfg.EnabledAccounts() {
		enabled[ref.Channel]++
	}
	out := make([]Status, 0, 3)
	for _, ch := range []string{Telegram, Discord, WhatsApp} {
		out = append(out, Status{Channel: ch, Accounts: len(cfg[ch]), Enabled: enabled[ch]})
	}
	return out, nil
}
