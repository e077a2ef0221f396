package settings_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/secrets"
	"github.com/aibo-app/aibo-sub001/internal/settings"
)

type recorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *recorder) SettingChanged(key string) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
}

func newService(t *testing.T, sec secrets.Store) (*settings.Service, *persistence.Store, *recorder) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "aibo.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := settings.New(store, sec, nil)
	rec := &recorder{}
	svc.SetListener(rec)
	return svc, store, rec
}

func TestSet_SecretGoesToKeyringWithMaskedPlaceholder(t *testing.T) {
	keyring.MockInit()
	svc, store, rec := newService(t, secrets.NewKeyringStore())
	ctx := context.Background()

	if err := svc.Set(ctx, settings.KeyOpenAI, "sk-live-abcdef1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, _, _ := store.GetSetting(ctx, settings.KeyOpenAI)
	if raw != "********1234" {
		t.Fatalf("sqlite should hold mask, got %q", raw)
	}
	v, ok, err := svc.Get(ctx, settings.KeyOpenAI)
	if err != nil || !ok || v != "sk-live-abcdef1234" {
		t.Fatalf("get = %q ok=%v err=%v", v, ok, err)
	}
	if len(rec.keys) != 1 || rec.keys[0] != settings.KeyOpenAI {
		t.Fatalf("listener keys = %v", rec.keys)
	}
}

func TestSet_KeyringFailureStoresRaw(t *testing.T) {
	keyring.MockInitWithError(errors.New("locked"))
	t.Cleanup(keyring.MockInit)
	svc, store, rec := newService(t, secrets.NewKeyringStore())
	ctx := context.Background()

	if err := svc.Set(ctx, settings.KeyAnthropic, "sk-ant-xyz9876"); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, _, _ := store.GetSetting(ctx, settings.KeyAnthropic)
	if raw != "sk-ant-xyz9876" {
		t.Fatalf("expected raw fallback, got %q", raw)
	}
	if v := svc.Value(ctx, settings.KeyAnthropic); v != "sk-ant-xyz9876" {
		t.Fatalf("value = %q", v)
	}
	if len(rec.keys) != 1 {
		t.Fatalf("listener should still fire, got %v", rec.keys)
	}
}

func TestSet_MaskedEchoIsIgnored(t *testing.T) {
	keyring.MockInit()
	svc, _, rec := newService(t, secrets.NewKeyringStore())
	ctx := context.Background()

	if err := svc.Set(ctx, settings.KeyDeepSeek, "ds-000011112222"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := svc.Set(ctx, settings.KeyDeepSeek, "********2222"); err != nil {
		t.Fatalf("set masked: %v", err)
	}
	if v := svc.Value(ctx, settings.KeyDeepSeek); v != "ds-000011112222" {
		t.Fatalf("masked echo overwrote secret: %q", v)
	}
	if len(rec.keys) != 1 {
		t.Fatalf("masked echo should not notify, got %v", rec.keys)
	}
}

func TestGet_MaskWithoutKeyringEntryIsUnset(t *testing.T) {
	keyring.MockInit()
	svc, store, _ := newService(t, secrets.NewKeyringStore())
	ctx := context.Background()
	if err := store.SetSetting(ctx, settings.KeyOpenAI, "********abcd"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, err := svc.Get(ctx, settings.KeyOpenAI); ok || err != nil {
		t.Fatalf("placeholder should read as unset, ok=%v err=%v", ok, err)
	}
}

func TestAll_MasksSecrets(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()
	if err := svc.SetMany(ctx, map[string]string{
		settings.KeyOpenAI:     "sk-plain-5678",
		settings.KeyOllamaHost: "http://localhost:11434",
	}); err != nil {
		t.Fatalf("set many: %v", err)
	}
	all, err := svc.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if all[settings.KeyOpenAI] != "********5678" {
		t.Fatalf("secret not masked: %q", all[settings.KeyOpenAI])
	}
	if all[settings.KeyOllamaHost] != "http://localhost:11434" {
		t.Fatalf("plain value changed: %q", all[settings.KeyOllamaHost])
	}
}

func TestTypedGetters(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	if svc.GetBool(ctx, settings.KeyUseLocalBrain) {
		t.Fatalf("unset bool should be false")
	}
	_ = svc.Set(ctx, settings.KeyUseLocalBrain, "true")
	if !svc.GetBool(ctx, settings.KeyUseLocalBrain) {
		t.Fatalf("expected true")
	}

	if _, err := svc.GetNumber(ctx, settings.KeyHistoryWindow); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("unset number err = %v", err)
	}
	_ = svc.Set(ctx, settings.KeyHistoryWindow, "12")
	if n, err := svc.GetNumber(ctx, settings.KeyHistoryWindow); err != nil || n != 12 {
		t.Fatalf("number = %v err=%v", n, err)
	}
	_ = svc.Set(ctx, settings.KeyTemperature, "warm")
	if _, err := svc.GetNumber(ctx, settings.KeyTemperature); err == nil || !strings.Contains(err.Error(), "not a number") {
		t.Fatalf("expected parse error, got %v", err)
	}

	type cfg struct {
		Enabled bool `json:"enabled"`
	}
	if err := svc.SetJSON(ctx, settings.KeySkillsConfig, map[string]cfg{"weather": {Enabled: true}}); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var got map[string]cfg
	if err := svc.GetJSON(ctx, settings.KeySkillsConfig, &got); err != nil || !got["weather"].Enabled {
		t.Fatalf("get json = %+v err=%v", got, err)
	}
}

func TestDelete_ClearsKeyringAndNotifies(t *testing.T) {
	keyring.MockInit()
	sec := secrets.NewKeyringStore()
	svc, _, rec := newService(t, sec)
	ctx := context.Background()

	_ = svc.Set(ctx, settings.KeyOpenAI, "sk-delete-me-0000")
	if err := svc.Delete(ctx, settings.KeyOpenAI); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sec.Get(settings.KeyOpenAI); !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("keyring entry should be gone, err=%v", err)
	}
	if _, ok, _ := svc.Get(ctx, settings.KeyOpenAI); ok {
		t.Fatalf("setting should be gone")
	}
	if len(rec.keys) != 2 {
		t.Fatalf("expected two notifications, got %v", rec.keys)
	}
}

// flakyStore is an in-memory credential store whose writes can be switched off.
type flakyStore struct {
	mu      sync.Mutex
	vals    map[string]string
	failSet bool
	failDel bool
	deletes int
}

func (f *flakyStore) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	if !ok {
		return "", secrets.ErrNotFound
	}
	return v, nil
}

func (f *flakyStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errors.New("keychain locked")
	}
	f.vals[key] = value
	return nil
}

func (f *flakyStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failDel {
		return errors.New("keychain locked")
	}
	delete(f.vals, key)
	return nil
}

func (f *flakyStore) Available() bool { return true }

func (f *flakyStore) set(failSet, failDel bool) {
	f.mu.Lock()
	f.failSet, f.failDel = failSet, failDel
	f.mu.Unlock()
}

func TestSet_FallbackReplacesOlderKeyringEntry(t *testing.T) {
	sec := &flakyStore{vals: map[string]string{}}
	svc, store, _ := newService(t, sec)
	ctx := context.Background()

	if err := svc.Set(ctx, settings.KeyOpenAI, "sk-old-aaaa1111"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	sec.set(true, false)
	if err := svc.Set(ctx, settings.KeyOpenAI, "sk-new-bbbb2222"); err != nil {
		t.Fatalf("second set: %v", err)
	}

	raw, _, _ := store.GetSetting(ctx, settings.KeyOpenAI)
	if raw != "sk-new-bbbb2222" {
		t.Fatalf("sqlite = %q", raw)
	}
	if v := svc.Value(ctx, settings.KeyOpenAI); v != "sk-new-bbbb2222" {
		t.Fatalf("value = %q, want the newly saved key", v)
	}
	if _, err := sec.Get(settings.KeyOpenAI); !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("stale keyring entry should be deleted, err=%v", err)
	}
}

func TestGet_RawFallbackWinsWhenKeyringDeleteFails(t *testing.T) {
	sec := &flakyStore{vals: map[string]string{}}
	svc, _, _ := newService(t, sec)
	ctx := context.Background()

	_ = svc.Set(ctx, settings.KeyAnthropic, "sk-ant-old-1111")
	sec.set(true, true)
	_ = svc.Set(ctx, settings.KeyAnthropic, "sk-ant-new-2222")

	if sec.deletes != 1 {
		t.Fatalf("deletes = %d", sec.deletes)
	}
	if v := svc.Value(ctx, settings.KeyAnthropic); v != "sk-ant-new-2222" {
		t.Fatalf("value = %q", v)
	}

	// Once the keychain recovers, a save goes back to a masked placeholder.
	sec.set(false, false)
	_ = svc.Set(ctx, settings.KeyAnthropic, "sk-ant-next-3333")
	if v := svc.Value(ctx, settings.KeyAnthropic); v != "sk-ant-next-3333" {
		t.Fatalf("value after recovery = %q", v)
	}
}
