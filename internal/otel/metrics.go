package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the host's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	BrainStarts        metric.Int64Counter
	BrainStartFailures metric.Int64Counter
	BrainRestarts      metric.Int64Counter
	BrainReloads       metric.Int64Counter
	BrainRunning       metric.Int64UpDownCounter
	RPCReconnects      metric.Int64Counter
	RPCRequestDuration metric.Float64Histogram
	CommandDuration    metric.Float64Histogram
	CommandErrors      metric.Int64Counter
	ActionsDispatched  metric.Int64Counter
	HTTPDuration       metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.BrainStarts, err = meter.Int64Counter("aibo.brain.starts",
		metric.WithDescription("Brain processes that reached readiness"),
	); err != nil {
		return nil, err
	}
	if m.BrainStartFailures, err = meter.Int64Counter("aibo.brain.start_failures",
		metric.WithDescription("Brain starts that timed out or exited before readiness"),
	); err != nil {
		return nil, err
	}
	if m.BrainRestarts, err = meter.Int64Counter("aibo.brain.restarts",
		metric.WithDescription("Full brain restart cycles"),
	); err != nil {
		return nil, err
	}
	if m.BrainReloads, err = meter.Int64Counter("aibo.brain.reloads",
		metric.WithDescription("Hot reload signals delivered to the brain"),
	); err != nil {
		return nil, err
	}
	if m.BrainRunning, err = meter.Int64UpDownCounter("aibo.brain.running",
		metric.WithDescription("1 while a ready brain process is running"),
	); err != nil {
		return nil, err
	}
	if m.RPCReconnects, err = meter.Int64Counter("aibo.rpc.reconnects",
		metric.WithDescription("Gateway reconnect attempts"),
	); err != nil {
		return nil, err
	}
	if m.RPCRequestDuration, err = meter.Float64Histogram("aibo.rpc.request.duration",
		metric.WithDescription("Time from chat.send to the correlated answer"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.CommandDuration, err = meter.Float64Histogram("aibo.command.duration",
		metric.WithDescription("Node command handler duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.CommandErrors, err = meter.Int64Counter("aibo.command.errors",
		metric.WithDescription("Node command handler failures"),
	); err != nil {
		return nil, err
	}
	if m.ActionsDispatched, err = meter.Int64Counter("aibo.actions.dispatched",
		metric.WithDescription("Agent actions delivered to listeners"),
	); err != nil {
		return nil, err
	}
	if m.HTTPDuration, err = meter.Float64Histogram("aibo.http.duration",
		metric.WithDescription("Host API request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Inc adds one to counter when metrics are enabled.
func (m *Metrics) Inc(ctx context.Context, pick func(*Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	if c := pick(m); c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// Observe records the seconds elapsed since start on the chosen histogram.
func (m *Metrics) Observe(ctx context.Context, pick func(*Metrics) metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	if h := pick(m); h != nil {
		h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	}
}

// SetBrainRunning moves the running gauge by delta (+1 on ready, -1 on exit).
func (m *Metrics) SetBrainRunning(ctx context.Context, delta int64) {
	if m == nil || m.BrainRunning == nil {
		return
	}
	m.BrainRunning.Add(ctx, delta)
}
