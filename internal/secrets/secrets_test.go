package secrets_test

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/aibo-app/aibo-sub001/internal/secrets"
)

func TestKeyringStore_RoundTrip(t *testing.T) {
	keyring.MockInit()
	s := secrets.NewKeyringStore()

	if !s.Available() {
		t.Fatalf("mock keyring should be available")
	}
	if _, err := s.Get("OPENAI_API_KEY"); !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set("OPENAI_API_KEY", "sk-test-1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := s.Get("OPENAI_API_KEY")
	if err != nil || v != "sk-test-1234" {
		t.Fatalf("get = %q err=%v", v, err)
	}
	raw, err := keyring.Get("aibo/OPENAI_API_KEY", "aibo")
	if err != nil || raw != "sk-test-1234" {
		t.Fatalf("service naming changed: %q err=%v", raw, err)
	}
	if err := s.Delete("OPENAI_API_KEY"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("OPENAI_API_KEY"); err != nil {
		t.Fatalf("second delete should be nil, got %v", err)
	}
}

func TestKeyringStore_UnavailableBackend(t *testing.T) {
	keyring.MockInitWithError(errors.New("no dbus"))
	t.Cleanup(keyring.MockInit)
	s := secrets.NewKeyringStore()

	if s.Available() {
		t.Fatalf("store should report unavailable")
	}
	if err := s.Set("OPENAI_API_KEY", "x"); err == nil {
		t.Fatalf("expected set error")
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "DEEPSEEK_API_KEY"} {
		if !secrets.IsSecretKey(k) {
			t.Fatalf("%s should be secret", k)
		}
	}
	if secrets.IsSecretKey("OLLAMA_HOST") {
		t.Fatalf("OLLAMA_HOST is not a secret")
	}
}
