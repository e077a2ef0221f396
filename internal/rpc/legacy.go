package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Older gateways speak node.invoke / node.result / system.ping. Kept apart
// so the dialect can be removed in one place once those builds are gone.

func (c *Client) handleLegacy(ctx context.Context, conn *websocket.Conn, msg envelope, workers *sync.WaitGroup) {
	switch msg.Type {
	case typeLegacyInvoke:
		var req legacyInvoke
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.logger.Warn("bad legacy invoke payload", "error", err)
			return
		}
		c.spawn(workers, func() { c.handleLegacyInvoke(ctx, conn, req) })
	case typePing:
		if err := c.write(ctx, conn, legacyFrame{Type: typePong}); err != nil {
			c.logger.Warn("write pong failed", "error", err)
		}
	case typeLegacyResult:
		var res legacyResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			c.logger.Warn("bad legacy result payload", "error", err)
			return
		}
		c.handleLegacyResult(res)
	}
}

func (c *Client) handleLegacyInvoke(ctx context.Context, conn *websocket.Conn, req legacyInvoke) {
	c.logger.Info("invoked tool (legacy)", "tool", req.Tool, "request_id", req.RequestID)
	res, err := c.invoke(ctx, req.Tool, req.Args, fmt.Sprintf("Unknown tool: %s", req.Tool))
	reply := legacyReply{RequestID: req.RequestID, Status: "success", Result: res}
	if err != nil {
		reply = legacyReply{RequestID: req.RequestID, Status: "error", Error: err.Error()}
	}
	if werr := c.write(ctx, conn, legacyFrame{Type: typeLegacyResult, Payload: reply}); werr != nil {
		c.logger.Warn("write legacy result failed", "request_id", req.RequestID, "error", werr)
	}
}

func (c *Client) handleLegacyResult(res legacyResult) {
	if !c.isPending(res.RequestID) {
		return
	}
	if res.Status != "success" {
		c.settle(res.RequestID, result{err: &BrainError{Message: errorMessage(res.Error)}})
		return
	}
	var text string
	if err := json.Unmarshal(res.Result, &text); err != nil {
		text = compact(res.Result)
	}
	c.resolve(res.RequestID, text)
}
