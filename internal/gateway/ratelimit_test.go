package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/gateway"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb := gateway.NewTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request past burst should be denied")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	// 6000/min = 100/s, so 20ms refills ~2 tokens.
	tb := gateway.NewTokenBucket(6000, 1)
	if !tb.Allow() {
		t.Fatal("first request should pass")
	}
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(20 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket should have refilled")
	}
}

func TestRateLimiter_WrapFunc429(t *testing.T) {
	rl := gateway.NewRateLimiter(1, 2)
	h := rl.WrapFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/chat", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "2" {
			t.Fatalf("missing Retry-After on 429")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}
}

func TestRateLimiter_PerClientBuckets(t *testing.T) {
	rl := gateway.NewRateLimiter(1, 1)
	h := rl.WrapFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest("POST", "/api/chat", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: got %d, each client gets its own bucket", addr, rec.Code)
		}
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("BucketCount = %d, want 2", rl.BucketCount())
	}
}

func TestRateLimiter_KeyedByAPIKey(t *testing.T) {
	rl := gateway.NewRateLimiter(1, 1)
	h := rl.WrapFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for i, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest("POST", "/api/chat", nil)
		req.RemoteAddr = addr
		req.Header.Set("X-API-Key", "shared")
		rec := httptest.NewRecorder()
		h(rec, req)
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request %d: got %d, want %d", i, rec.Code, want)
		}
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := gateway.NewRateLimiter(0, 0)
	h := rl.WrapFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	allowed := 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/api/chat", nil)
		req.RemoteAddr = "10.0.0.9:1"
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("default burst allowed %d, want 5", allowed)
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimiter(60, 5)
	h := rl.WrapFunc(func(w http.ResponseWriter, r *http.Request) {})
	req := httptest.NewRequest("POST", "/api/chat", nil)
	h(httptest.NewRecorder(), req)
	if rl.BucketCount() != 1 {
		t.Fatalf("BucketCount = %d", rl.BucketCount())
	}

	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 1 {
		t.Fatal("fresh bucket should survive")
	}
	time.Sleep(5 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("stale bucket should be evicted, have %d", rl.BucketCount())
	}
}

func TestRateLimiter_StartEviction(t *testing.T) {
	rl := gateway.NewRateLimiter(60, 5)
	h := rl.WrapFunc(func(w http.ResponseWriter, r *http.Request) {})
	h(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/chat", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl.StartEviction(ctx, 5*time.Millisecond, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for rl.BucketCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("eviction loop never removed the bucket")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
