package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	aiboOtel "github.com/aibo-app/aibo-sub001/internal/otel"
)

// handle routes one inbound frame. Replies to the brain's own requests are
// settled inline so arrival order holds; command invocations run on workers
// so a slow handler does not stall the read loop.
func (c *Client) handle(ctx context.Context, conn *websocket.Conn, data []byte, workers *sync.WaitGroup) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Error("dropping malformed gateway frame", "error", err, "raw", truncate(string(data), 512))
		return
	}

	switch msg.Type {
	case typeNodeCall:
		c.spawn(workers, func() { c.handleNodeCall(ctx, conn, msg) })
	case typeAgentAction:
		c.opts.Dispatcher.Dispatch(msg.Action, msg.Data)
	case typeRes:
		c.handleResponse(msg)
	case typeEvent:
		switch msg.Event {
		case eventInvokeRequest:
			var req invokeRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.logger.Warn("bad invoke request payload", "error", err)
				return
			}
			c.spawn(workers, func() { c.handleInvokeRequest(ctx, conn, req) })
		case eventChat:
			c.handleChatEvent(msg.Payload)
		}
	default:
		c.handleLegacy(ctx, conn, msg, workers)
	}
}

func (c *Client) spawn(workers *sync.WaitGroup, fn func()) {
	workers.Add(1)
	go func() {
		defer workers.Done()
		fn()
	}()
}

// invoke runs a registered command with tracing and metrics. notFound
// formats the error for an unknown name.
func (c *Client) invoke(ctx context.Context, name string, args json.RawMessage, notFound string) (any, error) {
	h, ok := c.opts.Registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s. Registered: %s", notFound, strings.Join(c.opts.Registry.Commands(), ", "))
	}
	if isNull(args) {
		args = json.RawMessage("{}")
	}
	ctx, span := aiboOtel.StartServerSpan(ctx, c.opts.Tracer, "rpc.command", aiboOtel.AttrCommand.String(name))
	defer span.End()
	start := time.Now()
	defer c.opts.Metrics.Observe(ctx, func(m *aiboOtel.Metrics) metric.Float64Histogram { return m.CommandDuration }, start,
		aiboOtel.AttrCommand.String(name))

	res, err := c.safeCall(ctx, h, args)
	if err != nil {
		span.RecordError(err)
		c.opts.Metrics.Inc(ctx, func(m *aiboOtel.Metrics) metric.Int64Counter { return m.CommandErrors },
			aiboOtel.AttrCommand.String(name))
		c.logger.Error("command failed", "command", name, "error", err)
	}
	return res, err
}

// safeCall turns a handler panic into an error reply.
func (c *Client) safeCall(ctx context.Context, h Handler, args json.RawMessage) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

func (c *Client) handleNodeCall(ctx context.Context, conn *websocket.Conn, msg envelope) {
	res, err := c.invoke(ctx, msg.Method, msg.Params, fmt.Sprintf("Method %s not supported", msg.Method))
	reply := response{Type: typeRes, ID: msg.ID, OK: err == nil, Payload: res}
	if err != nil {
		reply.Payload = nil
		reply.Error = &errorBody{Message: err.Error()}
	}
	if werr := c.write(ctx, conn, reply); werr != nil {
		c.logger.Warn("write node.call reply failed", "id", msg.ID, "error", werr)
	}
}

// handleInvokeRequest serves the event sub-protocol. Its reply is a request
// of its own, correlated by "res-<id>", not a res frame.
func (c *Client) handleInvokeRequest(ctx context.Context, conn *websocket.Conn, req invokeRequest) {
	c.logger.Info("invoked command", "command", req.Command, "id", req.ID)
	args := json.RawMessage("{}")
	var err error
	var res any
	if req.ParamsJSON != "" {
		if !json.Valid([]byte(req.ParamsJSON)) {
			err = fmt.Errorf("invalid paramsJSON for %s", req.Command)
		} else {
			args = json.RawMessage(req.ParamsJSON)
		}
	}
	if err == nil {
		res, err = c.invoke(ctx, req.Command, args, fmt.Sprintf("Unknown command: %s", req.Command))
	}

	params := invokeResult{ID: req.ID, NodeID: NodeID, OK: err == nil, Payload: res}
	if err != nil {
		params.Payload = nil
		params.Error = &errorBody{Message: err.Error()}
	}
	if werr := c.write(ctx, conn, request{
		Type:   typeReq,
		ID:     "res-" + req.ID,
		Method: methodInvokeResult,
		Params: params,
	}); werr != nil {
		c.logger.Warn("write invoke result failed", "id", req.ID, "error", werr)
	}
}

func (c *Client) handleResponse(msg envelope) {
	if !c.isPending(msg.ID) {
		return
	}
	if !msg.OK {
		c.settle(msg.ID, result{err: &BrainError{Message: errorMessage(msg.Error)}})
		return
	}
	text, obj := extractText(msg.Payload)
	if isStatusFrame(obj, text) {
		c.logger.Debug("filtering gateway status frame", "id", msg.ID, "text", truncate(text, 100))
		return
	}
	c.resolve(msg.ID, text)
}

func (c *Client) handleChatEvent(raw json.RawMessage) {
	var ev chatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Warn("bad chat event payload", "error", err)
		return
	}
	if ev.State != "final" || !c.isPending(ev.RunID) {
		return
	}
	if isNull(ev.Message) {
		c.logger.Error("final chat event without message", "run_id", ev.RunID)
		c.settle(ev.RunID, result{text: emptyChatFallback})
		return
	}
	text := chatText(ev.Message)
	c.logger.Debug("resolved chat request", "run_id", ev.RunID, "chars", len(text))
	c.resolve(ev.RunID, text)
}

// resolve settles id with text and runs any action block embedded in it.
// Actions fire only if this call won the settle.
func (c *Client) resolve(id, text string) {
	if !c.settle(id, result{text: text}) {
		return
	}
	if a, ok := embeddedAction(text); ok {
		c.opts.Dispatcher.Dispatch(a.Action, a.Data)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
