package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/backend"
	"github.com/aibo-app/aibo-sub001/internal/telemetry"
)

type recorded struct {
	method, path, query, token string
	body                       map[string]any
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*backend.Client, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, token: r.Header.Get("x-team-token")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := backend.New(backend.Options{
		BaseURL: srv.URL + "/",
		Token:   "team-secret",
		Logger:  telemetry.NewDiscardLogger(),
	})
	return c, &reqs
}

func TestPortfolio(t *testing.T) {
	c, reqs := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assets":[{"symbol":"SOL","name":"Solana","value":150.5,"change":2.5}],"totalValue":150.5,"totalChange24h":2.5}`))
	})
	p, err := c.Portfolio(context.Background(), []backend.WalletRef{{Address: "abc", ChainType: "solana"}})
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if p.TotalValue != 150.5 || len(p.Assets) != 1 || p.Assets[0].Symbol != "SOL" {
		t.Fatalf("portfolio = %+v", p)
	}
	r := (*reqs)[0]
	if r.method != http.MethodPost || r.path != "/v1/portfolio" || r.token != "team-secret" {
		t.Fatalf("request = %+v", r)
	}
	wallets, _ := r.body["wallets"].([]any)
	if len(wallets) != 1 {
		t.Fatalf("wallets not sent: %+v", r.body)
	}
}

func TestPortfolio_FallbackOnError(t *testing.T) {
	c, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	p, err := c.Portfolio(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if p.Assets == nil || len(p.Assets) != 0 || p.TotalValue != 0 {
		t.Fatalf("fallback portfolio = %+v", p)
	}
}

func TestPrice(t *testing.T) {
	c, reqs := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/NOPE") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"SOL","price":142.1,"change24h":-3.2}`))
	})
	st, err := c.Price(context.Background(), "SOL")
	if err != nil || st == nil || st.Price != 142.1 || st.Change24h != -3.2 {
		t.Fatalf("Price = %+v, %v", st, err)
	}
	if (*reqs)[0].path != "/v1/price/SOL" {
		t.Fatalf("path = %s", (*reqs)[0].path)
	}
	st, err = c.Price(context.Background(), "NOPE")
	if err != nil || st != nil {
		t.Fatalf("unknown symbol = %+v, %v", st, err)
	}
}

func TestTokenLists(t *testing.T) {
	c, reqs := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/base/trending":
			_, _ = w.Write([]byte(`{"tokens":[{"symbol":"AIBO","name":"Aibo","price":0.0012,"liquidity":52000,"priceChange24h":12.5,"trendingScore":88}]}`))
		case "/v1/base/clanker":
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{"tokens":[]}`))
		}
	})
	ctx := context.Background()
	trending, err := c.Trending(ctx, 5)
	if err != nil || len(trending) != 1 || trending[0].TrendingScore != 88 {
		t.Fatalf("Trending = %+v, %v", trending, err)
	}
	if (*reqs)[0].query != "limit=5" {
		t.Fatalf("query = %q", (*reqs)[0].query)
	}
	clanker, err := c.Clanker(ctx)
	if err != nil || clanker == nil || len(clanker) != 0 {
		t.Fatalf("Clanker = %#v, %v", clanker, err)
	}
	if _, err := c.NewTokens(ctx, 5, ""); err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	if q := (*reqs)[2].query; q != "limit=5&sortBy=volume" {
		t.Fatalf("new tokens query = %q", q)
	}
}

func TestTrackWallet(t *testing.T) {
	c, reqs := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	ok, err := c.TrackWallet(context.Background(), "0xabc", "evm", "Main")
	if err != nil || !ok {
		t.Fatalf("TrackWallet = %v, %v", ok, err)
	}
	b := (*reqs)[0].body
	if b["address"] != "0xabc" || b["chain"] != "evm" || b["label"] != "Main" {
		t.Fatalf("body = %+v", b)
	}
}

func TestHealth(t *testing.T) {
	c, reqs := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if !c.Health(context.Background()) {
		t.Fatal("expected healthy")
	}
	if (*reqs)[0].token != "" {
		t.Fatalf("health must not send the team token")
	}

	down := backend.New(backend.Options{BaseURL: "http://127.0.0.1:1", Logger: telemetry.NewDiscardLogger()})
	if down.Health(context.Background()) {
		t.Fatal("expected unhealthy for refused connection")
	}
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c := backend.New(backend.Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: telemetry.NewDiscardLogger()})
	start := time.Now()
	if _, err := c.Trending(context.Background(), 5); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied: %v", time.Since(start))
	}
}
