// Package reload decides whether a settings write needs a full brain restart,
// a hot reload, or nothing, and coalesces bursts of writes into one action.
package reload

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDelay is the quiet period after the last qualifying write.
const DefaultDelay = 500 * time.Millisecond

// Action is what a setting change requires of the brain.
type Action int

const (
	ActionNone Action = iota
	ActionReload
	ActionRestart
)

func (a Action) String() string {
	switch a {
	case ActionReload:
		return "reload"
	case ActionRestart:
		return "restart"
	default:
		return "none"
	}
}

// restartKeys change the child environment or structural config.
var restartKeys = map[string]bool{
	"OPENAI_API_KEY":            true,
	"ANTHROPIC_API_KEY":         true,
	"DEEPSEEK_API_KEY":          true,
	"USE_LOCAL_BRAIN":           true,
	"OLLAMA_HOST":               true,
	"OLLAMA_MODEL":              true,
	"OPENCLAW_CHANNELS_ENABLED": true,
}

// reloadKeys only change generated config content.
var reloadKeys = map[string]bool{
	"DEFAULT_BRAIN_MODEL":      true,
	"BRAIN_TEMPERATURE":        true,
	"BRAIN_SYSTEM_PROMPT":      true,
	"OPENCLAW_SKILLS_CONFIG":   true,
	"OPENCLAW_CHANNELS_CONFIG": true,
	"OPENCLAW_CRON_JOBS":       true,
}

// Classify maps a setting key to the brain action it requires.
func Classify(key string) Action {
	switch {
	case restartKeys[key]:
		return ActionRestart
	case reloadKeys[key]:
		return ActionReload
	default:
		return ActionNone
	}
}

// State is the coordinator's pending-work state. At most one of restart or
// reload is pending at any instant.
type State int

const (
	Idle State = iota
	RestartPending
	ReloadPending
)

func (s State) String() string {
	switch s {
	case RestartPending:
		return "restart_pending"
	case ReloadPending:
		return "reload_pending"
	default:
		return "idle"
	}
}

// Target is the brain supervisor as seen by the coordinator.
type Target interface {
	Restart(ctx context.Context) error
	Reload(ctx context.Context) error
}

type Options struct {
	// Delay is the debounce window. 0 uses DefaultDelay.
	Delay  time.Duration
	Logger *slog.Logger
}

type Coordinator struct {
	target Target
	delay  time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	deadline time.Time
	timer    *time.Timer
	gen      uint64
	stopped  bool

	inflight sync.WaitGroup
}

func New(target Target, opts Options) *Coordinator {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		target: target,
		delay:  opts.Delay,
		logger: opts.Logger.With("component", "reload"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SettingChanged implements settings.Listener.
func (c *Coordinator) SettingChanged(key string) {
	switch Classify(key) {
	case ActionRestart:
		c.logger.Debug("restart-class setting changed", "key", key)
		c.ScheduleRestart()
	case ActionReload:
		c.logger.Debug("reload-class setting changed", "key", key)
		c.ScheduleReload()
	}
}

// ScheduleRestart (re)arms the restart timer and cancels any pending reload.
func (c *Coordinator) ScheduleRestart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.arm(RestartPending)
}

// ScheduleReload (re)arms the reload timer unless a restart is already pending.
func (c *Coordinator) ScheduleReload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.state == RestartPending {
		return
	}
	c.arm(ReloadPending)
}

// arm replaces whatever timer is pending. Caller holds mu.
func (c *Coordinator) arm(next State) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.state = next
	c.deadline = time.Now().Add(c.delay)
	c.timer = time.AfterFunc(c.delay, func() { c.fire(gen) })
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	st := c.state
	c.state = Idle
	c.timer = nil
	c.deadline = time.Time{}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	switch st {
	case RestartPending:
		c.logger.Info("structural settings changed, restarting brain")
		if err := c.target.Restart(c.ctx); err != nil {
			c.logger.Error("brain restart failed", "error", err)
		}
	case ReloadPending:
		c.logger.Info("config-only settings changed, hot-reloading brain")
		if err := c.target.Reload(c.ctx); err != nil {
			c.logger.Error("brain reload failed", "error", err)
		}
	}
}

// State returns the pending state and its deadline (zero when Idle).
func (c *Coordinator) State() (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.deadline
}

// Stop cancels pending work and waits for an in-flight action to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = Idle
	c.deadline = time.Time{}
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()
}
