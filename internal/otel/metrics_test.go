package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, Host{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.BrainStarts == nil || m.BrainStartFailures == nil || m.BrainRestarts == nil || m.BrainReloads == nil {
		t.Error("brain counters missing")
	}
	if m.BrainRunning == nil {
		t.Error("BrainRunning is nil")
	}
	if m.RPCReconnects == nil || m.RPCRequestDuration == nil {
		t.Error("rpc instruments missing")
	}
	if m.CommandDuration == nil || m.CommandErrors == nil || m.ActionsDispatched == nil {
		t.Error("command instruments missing")
	}
	if m.HTTPDuration == nil {
		t.Error("HTTPDuration is nil")
	}
}

func TestMetrics_NilSafeHelpers(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Inc(ctx, func(m *Metrics) metric.Int64Counter { return m.BrainRestarts })
	m.Observe(ctx, func(m *Metrics) metric.Float64Histogram { return m.CommandDuration }, time.Now())
	m.SetBrainRunning(ctx, 1)
}

func TestMetrics_HelpersRecordOnNoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Host{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	ctx := context.Background()
	m.Inc(ctx, func(m *Metrics) metric.Int64Counter { return m.RPCReconnects })
	m.Observe(ctx, func(m *Metrics) metric.Float64Histogram { return m.RPCRequestDuration }, time.Now().Add(-time.Second))
	m.SetBrainRunning(ctx, 1)
	m.SetBrainRunning(ctx, -1)
}
