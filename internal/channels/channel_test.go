package channels_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aibo-app/aibo-sub001/internal/channels"
	"github.com/aibo-app/aibo-sub001/internal/settings"
)

// Compile-time interface check: TelegramVerifier must implement Verifier.
var _ channels.Verifier = channels.TelegramVerifier{}

const goodTelegramToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"

type memStore struct {
	values map[string]string
}

func (m *memStore) GetJSON(_ context.Context, key string, dst any) error {
	v, ok := m.values[key]
	if !ok {
		return settings.ErrNotFound
	}
	return json.Unmarshal([]byte(v), dst)
}

func (m *memStore) SetJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, string(b))
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

func fakeBotAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasSuffix(r.URL.Path, "/getMe") {
			http.NotFound(w, r)
			return
		}
		if strings.Contains(r.URL.Path, goodTelegramToken) {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Aibo","username":"aibo_bot"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		channel, token string
		wantErr        bool
	}{
		{channels.Telegram, goodTelegramToken, false},
		{channels.Telegram, "123456:short", true},
		{channels.Telegram, "abc:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi", true},
		{channels.Discord, strings.Repeat("x", 50), false},
		{channels.Discord, "short", true},
		{channels.WhatsApp, "", false},
		{"irc", "anything", true},
	}
	for _, tt := range tests {
		err := channels.ValidateToken(tt.channel, tt.token)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateToken(%s, %q) = %v, wantErr %v", tt.channel, tt.token, err, tt.wantErr)
		}
	}
}

func TestTelegramVerifier(t *testing.T) {
	srv := fakeBotAPI(t)
	v := channels.TelegramVerifier{Endpoint: srv.URL + "/bot%s/%s", Client: srv.Client()}

	name, err := v.Verify(context.Background(), goodTelegramToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if name != "aibo_bot" {
		t.Fatalf("bot name = %q", name)
	}

	_, err = v.Verify(context.Background(), "999:ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ")
	if !errors.Is(err, channels.ErrInvalidToken) {
		t.Fatalf("rejected token err = %v", err)
	}
}

func TestService_SaveSetsEnabledFlag(t *testing.T) {
	store := &memStore{}
	srv := fakeBotAPI(t)
	svc := channels.NewService(store, nil, channels.TelegramVerifier{Endpoint: srv.URL + "/bot%s/%s", Client: srv.Client()})
	ctx := context.Background()

	name, err := svc.Save(ctx, "Telegram", "", channels.Account{Enabled: true, Token: goodTelegramToken}, true)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if name != "aibo_bot" {
		t.Fatalf("verified name = %q", name)
	}
	if store.values[settings.KeyChannelsEnabled] != "true" {
		t.Fatalf("channels enabled flag = %q", store.values[settings.KeyChannelsEnabled])
	}

	cfg, err := svc.Config(ctx)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	acct := cfg[channels.Telegram]["default"]
	if acct.Token != goodTelegramToken || acct.DMPolicy != channels.PolicyPairing {
		t.Fatalf("stored account = %+v", acct)
	}

	if err := svc.Remove(ctx, channels.Telegram, "default"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if store.values[settings.KeyChannelsEnabled] != "false" {
		t.Fatalf("flag should drop once no account is enabled")
	}
	if err := svc.Remove(ctx, channels.Telegram, "default"); !errors.Is(err, channels.ErrNotFound) {
		t.Fatalf("second Remove = %v", err)
	}
}

func TestService_SaveRejects(t *testing.T) {
	svc := channels.NewService(&memStore{}, nil)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "irc", "a", channels.Account{}, false); !errors.Is(err, channels.ErrUnknownChannel) {
		t.Fatalf("unknown channel err = %v", err)
	}
	if _, err := svc.Save(ctx, channels.Telegram, "a", channels.Account{Enabled: true, Token: "bad"}, false); !errors.Is(err, channels.ErrInvalidToken) {
		t.Fatalf("bad token err = %v", err)
	}
	if _, err := svc.Save(ctx, channels.Discord, "a", channels.Account{Enabled: true, Token: strings.Repeat("d", 60), DMPolicy: "everyone"}, false); err == nil {
		t.Fatal("expected unknown dm policy error")
	}
	// Disabled accounts may be saved without a token.
	if _, err := svc.Save(ctx, channels.Discord, "draft", channels.Account{}, false); err != nil {
		t.Fatalf("disabled draft: %v", err)
	}
}

func TestService_ListMasksAndMaskedEchoKeepsToken(t *testing.T) {
	svc := channels.NewService(&memStore{}, nil)
	ctx := context.Background()
	if _, err := svc.Save(ctx, channels.Telegram, "main", channels.Account{Enabled: true, Token: goodTelegramToken}, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	listed, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	masked := listed[channels.Telegram]["main"].Token
	if masked == goodTelegramToken || !strings.HasSuffix(masked, "fghi") {
		t.Fatalf("token not masked: %q", masked)
	}

	if _, err := svc.Save(ctx, channels.Telegram, "main", channels.Account{Enabled: true, Token: masked, DMPolicy: channels.PolicyOpen}, false); err != nil {
		t.Fatalf("Save masked echo: %v", err)
	}
	cfg, _ := svc.Config(ctx)
	if got := cfg[channels.Telegram]["main"]; got.Token != goodTelegramToken || got.DMPolicy != channels.PolicyOpen {
		t.Fatalf("masked echo should keep token: %+v", got)
	}
}

func TestConfig_EnabledAccountsAndStatus(t *testing.T) {
	store := &memStore{}
	svc := channels.NewService(store, nil)
	ctx := context.Background()
	_, _ = svc.Save(ctx, channels.WhatsApp, "phone", channels.Account{Enabled: true}, false)
	_, _ = svc.Save(ctx, channels.Telegram, "b", channels.Account{Enabled: true, Token: goodTelegramToken}, false)
	_, _ = svc.Save(ctx, channels.Telegram, "a", channels.Account{Enabled: false}, false)

	cfg, _ := svc.Config(ctx)
	refs := cfg.EnabledAccounts()
	if len(refs) != 2 || refs[0].Channel != channels.Telegram || refs[1].Channel != channels.WhatsApp {
		t.Fatalf("enabled accounts = %+v", refs)
	}

	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st[0].Channel != channels.Telegram || st[0].Accounts != 2 || st[0].Enabled != 1 {
		t.Fatalf("telegram status = %+v", st[0])
	}
}
