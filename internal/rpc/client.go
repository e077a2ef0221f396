// Package rpc is the host side of the brain gateway socket: handshake,
// node command dispatch, request correlation and reconnection.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aibo-app/aibo-sub001/internal/bus"
	aiboOtel "github.com/aibo-app/aibo-sub001/internal/otel"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRequestTimeout = 90 * time.Second
	writeTimeout          = 10 * time.Second
	readLimit             = 16 << 20
)

var (
	ErrNotConnected = errors.New("not connected to brain")
	ErrTimeout      = errors.New("brain timed out")
	ErrClosed       = errors.New("rpc client closed")
)

// BrainError is an error reply carried back from the brain.
type BrainError struct {
	Message string
}

func (e *BrainError) Error() string { return e.Message }

type Options struct {
	URL            string
	Token          string
	Registry       *Registry
	Dispatcher     *Dispatcher
	Monitor        *Monitor
	ReconnectDelay time.Duration
	RequestTimeout time.Duration

	Bus     *bus.Bus
	Metrics *aiboOtel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type result struct {
	text string
	err  error
}

// Client keeps one logical connection to the brain gateway. Pending requests
// survive reconnects; each settles exactly once.
type Client struct {
	opts   Options
	logger *slog.Logger

	connected atomic.Bool
	attempts  atomic.Int64

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan result

	kick chan struct{}
	wg   sync.WaitGroup

	// lifeMu orders Start against Close; they may run on different goroutines.
	lifeMu sync.Mutex
	cancel context.CancelFunc
	closed bool
}

func New(opts Options) *Client {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Token == "" {
		opts.Token = "aibo"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpc")
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(logger, opts.Bus, opts.Metrics)
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		pending: make(map[string]chan result),
		kick:    make(chan struct{}, 1),
	}
}

// Registry returns the command registry declared on handshake.
func (c *Client) Registry() *Registry { return c.opts.Registry }

// Actions returns the body action dispatcher.
func (c *Client) Actions() *Dispatcher { return c.opts.Dispatcher }

// Connected reports whether the socket is open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Start runs the connect loop until Close. It returns immediately. Start
// after Close, or a second Start, does nothing.
func (c *Client) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
}

// Reconnect drops the current socket and connects again without waiting
// for the retry delay. Used after the brain restarts.
func (c *Client) Reconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
}

// Close stops the loop, closes the socket and fails all pending requests.
func (c *Client) Close() error {
	c.lifeMu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.lifeMu.Unlock()
	c.Reconnect()
	c.wg.Wait()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- result{err: ErrClosed}
	}
	c.pendingMu.Unlock()
	return nil
}

// loop owns the only reconnect timer; overlapping closes cannot schedule a
// second one.
func (c *Client) loop(ctx context.Context) {
	for {
		c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.attempts.Add(1)
		c.opts.Metrics.Inc(ctx, func(m *aiboOtel.Metrics) metric.Int64Counter { return m.RPCReconnects })

		t := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-c.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

// session dials, handshakes and reads until the socket fails.
func (c *Client) session(ctx context.Context) {
	select {
	case <-c.kick:
	default:
	}

	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		if c.attempts.Load() == 0 {
			c.logger.Warn("gateway connection failed", "url", c.opts.URL, "error", err)
		}
		return
	}
	conn.SetReadLimit(readLimit)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	if n := c.attempts.Load(); n > 0 {
		c.logger.Info("connected to gateway", "after_attempts", n)
	} else {
		c.logger.Info("connected to gateway", "url", c.opts.URL)
	}
	c.attempts.Store(0)
	c.connected.Store(true)
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(bus.TopicRPCConnected, c.opts.URL)
	}

	sctx, stop := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		stop()
		workers.Wait()
		c.connected.Store(false)
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.CloseNow()
		if c.opts.Bus != nil {
			c.opts.Bus.Publish(bus.TopicRPCDisconnected, c.opts.URL)
		}
	}()

	if err := c.handshake(sctx, conn); err != nil {
		c.logger.Warn("handshake failed", "error", err)
		return
	}
	if c.opts.Monitor != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.opts.Monitor.Run(sctx, c.opts.Dispatcher.Dispatch)
		}()
	}

	for {
		_, data, err := conn.Read(sctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("disconnected from gateway, reconnecting",
					"status", websocket.CloseStatus(err), "error", err)
			}
			return
		}
		c.handle(sctx, conn, data, &workers)
	}
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	commands := c.opts.Registry.Commands()
	c.logger.Info("handshake declaring commands", "count", len(commands), "commands", strings.Join(commands, ", "))
	return c.write(ctx, conn, request{
		Type:   typeReq,
		ID:     fmt.Sprintf("handshake-%d", time.Now().UnixMilli()),
		Method: methodConnect,
		Params: connectParams{
			Client: clientInfo{
				ID:          NodeID,
				DisplayName: DisplayName,
				Version:     ClientVersion,
				Platform:    platformName(),
				Mode:        "node",
			},
			Auth:        map[string]string{"token": c.opts.Token},
			Role:        "node",
			MinProtocol: ProtocolVersion,
			MaxProtocol: ProtocolVersion,
			Scopes:      Scopes,
			Commands:    commands,
		},
	})
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// send writes on the current socket, dropping the frame when there is none.
func (c *Client) send(ctx context.Context, v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	return c.write(ctx, conn, v)
}

// SendMessage sends a chat turn to the main agent session and waits for the
// final answer or RequestTimeout.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	if !c.connected.Load() {
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	ctx, span := aiboOtel.StartClientSpan(ctx, c.opts.Tracer, "rpc.chat.send", aiboOtel.AttrRequestID.String(id))
	defer span.End()
	start := time.Now()
	defer c.opts.Metrics.Observe(ctx, func(m *aiboOtel.Metrics) metric.Float64Histogram { return m.RPCRequestDuration }, start,
		attribute.String("method", methodChatSend))

	ch := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	err := c.send(ctx, request{
		Type:   typeReq,
		ID:     id,
		Method: methodChatSend,
		Params: chatSendParams{Message: text, SessionKey: SessionKey, IdempotencyKey: id},
	})
	if err != nil {
		c.forget(id)
		span.RecordError(err)
		return "", err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.text, r.err
	case <-timer.C:
		if c.forget(id) {
			c.logger.Error("request timed out", "id", id, "timeout", c.opts.RequestTimeout)
			span.RecordError(ErrTimeout)
			return "", ErrTimeout
		}
		r := <-ch
		return r.text, r.err
	case <-ctx.Done():
		if c.forget(id) {
			return "", ctx.Err()
		}
		r := <-ch
		return r.text, r.err
	}
}

// forget removes a pending request, reporting whether it was still pending.
func (c *Client) forget(id string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) isPending(id string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// settle completes a pending request once. Late or unknown ids are dropped.
func (c *Client) settle(id string, r result) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- r
	return true
}

// PendingCount is the number of requests awaiting a reply.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func platformName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}
