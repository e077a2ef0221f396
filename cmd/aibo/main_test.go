package main

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseDotEnv(t *testing.T) {
	env := map[string]string{"PRESET": "keep"}
	getenv := func(k string) string { return env[k] }
	setenv := func(k, v string) error { env[k] = v; return nil }

	src := `
# comment
BACKEND_TEAM_URL=http://localhost:4000
export TEAM_TOKEN="quoted value"
SINGLE='single'
PRESET=override
=novalue
BROKEN
`
	parseDotEnv(strings.NewReader(src), getenv, setenv)

	want := map[string]string{
		"BACKEND_TEAM_URL": "http://localhost:4000",
		"TEAM_TOKEN":       "quoted value",
		"SINGLE":           "single",
		"PRESET":           "keep",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
	if len(env) != len(want) {
		t.Fatalf("unexpected keys: %v", env)
	}
}

func TestWaitForPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if !waitForPort(context.Background(), port, time.Second) {
		t.Fatal("open port should be reported reachable")
	}
	ln.Close()

	start := time.Now()
	if waitForPort(context.Background(), port, 100*time.Millisecond) {
		t.Fatal("closed port should time out")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("wait overran its limit")
	}
}

func TestWaitForPortCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if waitForPort(ctx, port, time.Minute) {
		t.Fatal("cancelled wait should report false")
	}
}
