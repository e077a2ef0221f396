package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/aibo-app/aibo-sub001/internal/bus"
	aiboOtel "github.com/aibo-app/aibo-sub001/internal/otel"
)

// Supported body side effects. Anything else pushed by the agent is dropped.
const (
	ActionSetStatusColor = "set_status_color"
	ActionVibrateMascot  = "vibrate_mascot"
	ActionPulseVoice     = "pulse_voice"
	ActionNavigateTo     = "navigate_to"
)

var supportedActions = []string{ActionSetStatusColor, ActionVibrateMascot, ActionPulseVoice, ActionNavigateTo}

// Supported reports whether name is on the action allow-list.
func Supported(name string) bool {
	return slices.Contains(supportedActions, name)
}

// Action is a side effect for the desktop body to perform.
type Action struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ActionFunc receives dispatched actions.
type ActionFunc func(Action)

// Dispatcher fans allow-listed actions out to one callback and any number of
// listeners. A panicking listener does not stop delivery to the rest.
type Dispatcher struct {
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *aiboOtel.Metrics

	mu        sync.RWMutex
	callback  ActionFunc
	listeners map[uint64]ActionFunc
	nextID    uint64
}

func NewDispatcher(logger *slog.Logger, b *bus.Bus, m *aiboOtel.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, bus: b, metrics: m, listeners: make(map[uint64]ActionFunc)}
}

// SetCallback replaces the single primary callback. nil clears it.
func (d *Dispatcher) SetCallback(fn ActionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = fn
}

// AddListener registers fn and returns a function that removes it.
func (d *Dispatcher) AddListener(fn ActionFunc) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Dispatch delivers an action by name. Names outside the allow-list are
// logged and dropped.
func (d *Dispatcher) Dispatch(name string, data json.RawMessage) bool {
	if !Supported(name) {
		d.logger.Warn("unsupported agent action", "action", name)
		return false
	}
	a := Action{Type: typeAgentAction, Action: name, Data: data}
	d.logger.Info("executing body action", "action", name)

	d.mu.RLock()
	cb := d.callback
	ls := make([]ActionFunc, 0, len(d.listeners))
	for _, fn := range d.listeners {
		ls = append(ls, fn)
	}
	d.mu.RUnlock()

	if cb != nil {
		d.deliver(cb, a)
	}
	for _, fn := range ls {
		d.deliver(fn, a)
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicAgentAction, a)
	}
	d.metrics.Inc(context.Background(), func(m *aiboOtel.Metrics) metric.Int64Counter { return m.ActionsDispatched },
		aiboOtel.AttrAction.String(name))
	return true
}

func (d *Dispatcher) deliver(fn ActionFunc, a Action) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("action listener panicked", "action", a.Action, "panic", r)
		}
	}()
	fn(a)
}
