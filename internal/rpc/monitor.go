package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/backend"
)

// Market monitor defaults.
const (
	DefaultMonitorInterval = 60 * time.Second
	colorThreshold         = 1.0
	vibrateThreshold       = 2.0
	colorDown              = "#ff4d4d"
	colorUp                = "#4dff88"
	colorDuration          = 15000
)

// DefaultWatchList is the fixed set of assets the monitor tracks.
var DefaultWatchList = []string{"SOL", "ETH"}

// PriceSource returns current stats for a symbol, nil when unknown.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (*backend.PriceStats, error)
}

// Monitor polls a fixed watch-list and turns large moves into body actions.
// The first observation of each symbol only seeds the baseline. Baselines
// persist across reconnects.
type Monitor struct {
	source   PriceSource
	symbols  []string
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]float64
}

func NewMonitor(source PriceSource, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		source:   source,
		symbols:  DefaultWatchList,
		interval: interval,
		logger:   logger.With("component", "market_monitor"),
		last:     make(map[string]float64),
	}
}

// Run checks immediately, then every interval, until ctx is done.
func (m *Monitor) Run(ctx context.Context, emit func(name string, data json.RawMessage) bool) {
	m.logger.Info("market monitor started", "symbols", m.symbols, "interval", m.interval)
	m.Check(ctx, emit)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check(ctx, emit)
		}
	}
}

// Check runs one pass over the watch-list.
func (m *Monitor) Check(ctx context.Context, emit func(name string, data json.RawMessage) bool) {
	for _, sym := range m.symbols {
		if ctx.Err() != nil {
			return
		}
		stats, err := m.source.Price(ctx, sym)
		if err != nil {
			m.logger.Debug("price lookup failed", "symbol", sym, "error", err)
			continue
		}
		if stats == nil || stats.Price <= 0 {
			continue
		}

		m.mu.Lock()
		prev, seen := m.last[sym]
		m.last[sym] = stats.Price
		m.mu.Unlock()
		if !seen {
			continue
		}

		delta := (stats.Price - prev) / prev * 100
		if math.Abs(delta) < colorThreshold {
			continue
		}
		dir := "UP"
		color := colorUp
		if delta < 0 {
			dir, color = "DOWN", colorDown
		}
		m.logger.Info("volatility detected", "symbol", sym, "direction", dir, "delta_pct", fmt.Sprintf("%.2f", math.Abs(delta)))

		data, _ := json.Marshal(map[string]any{
			"color":    color,
			"duration": colorDuration,
			"message":  fmt.Sprintf("%s moved %.2f%%", sym, delta),
		})
		emit(ActionSetStatusColor, data)
		if math.Abs(delta) >= vibrateThreshold {
			emit(ActionVibrateMascot, json.RawMessage(`{"intensity":"high"}`))
		}
	}
}
