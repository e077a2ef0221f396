package rpc

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Identity the host declares in the connect handshake.
const (
	NodeID          = "node-host"
	DisplayName     = "Desktop Aibo Assistant"
	ClientVersion   = "1.2.0"
	ProtocolVersion = 3
	SessionKey      = "agent:main:main"
)

// Scopes requested in the handshake.
var Scopes = []string{"portfolio:read", "wallet:manage", "market:read", "operator.admin"}

// Message types and event names on the gateway socket.
const (
	typeReq         = "req"
	typeRes         = "res"
	typeEvent       = "event"
	typeNodeCall    = "node.call"
	typeAgentAction = "agent_action"

	eventInvokeRequest = "node.invoke.request"
	eventChat          = "chat"

	methodConnect      = "connect"
	methodChatSend     = "chat.send"
	methodInvokeResult = "node.invoke.result"
)

// Legacy dialect.
const (
	typeLegacyInvoke = "node.invoke"
	typeLegacyResult = "node.result"
	typePing         = "system.ping"
	typePong         = "system.pong"
)

const (
	unknownBrainError = "Unknown error from Brain"
	emptyChatFallback = "Sorry, I didn't receive a response from my brain."
)

// envelope is the union of every inbound frame shape. Fields not used by a
// given type are left zero.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Action  string          `json:"action,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	Type    string     `json:"type"`
	ID      string     `json:"id"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

type clientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type connectParams struct {
	Client      clientInfo        `json:"client"`
	Auth        map[string]string `json:"auth"`
	Role        string            `json:"role"`
	MinProtocol int               `json:"minProtocol"`
	MaxProtocol int               `json:"maxProtocol"`
	Scopes      []string          `json:"scopes"`
	Commands    []string          `json:"commands"`
}

type chatSendParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type invokeRequest struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	ParamsJSON string `json:"paramsJSON"`
}

type invokeResult struct {
	ID      string     `json:"id"`
	NodeID  string     `json:"nodeId"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type chatEvent struct {
	RunID   string          `json:"runId"`
	State   string          `json:"state"`
	Message json.RawMessage `json:"message"`
}

type legacyInvoke struct {
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
}

type legacyResult struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

type legacyFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type legacyReply struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// extractText pulls the answer text out of a response payload. Accepted
// shapes, in order: a bare string, {message:{content}}, {content}, {text}.
// Anything else is returned as its JSON encoding.
func extractText(raw json.RawMessage) (string, map[string]any) {
	if len(raw) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]any:
		if msg, ok := t["message"].(map[string]any); ok {
			if s, ok := textValue(msg["content"]); ok {
				return s, t
			}
		}
		if s, ok := textValue(t["content"]); ok {
			return s, t
		}
		if s, ok := textValue(t["text"]); ok {
			return s, t
		}
		return compact(raw), t
	default:
		return compact(raw), nil
	}
}

// textValue treats empty and missing values as absent.
func textValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case bool:
		if !t {
			return "", false
		}
	case float64:
		if t == 0 {
			return "", false
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// isStatusFrame recognizes transient progress frames the gateway sends on
// the same id as the final answer. This matches upstream wording and breaks
// if the gateway rephrases it.
func isStatusFrame(obj map[string]any, text string) bool {
	if obj != nil {
		if s, _ := obj["status"].(string); s == "started" {
			return true
		}
	}
	return strings.Contains(text, `"status":"started"`) ||
		strings.Contains(text, "status started") ||
		strings.Contains(text, "listening on ws")
}

// chatText extracts message.content[0].text from a final chat event.
func chatText(raw json.RawMessage) string {
	var msg struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err == nil && len(msg.Content) > 0 && msg.Content[0].Text != "" {
		return msg.Content[0].Text
	}
	return compact(raw)
}

// errorMessage reads {message} or a bare string error.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return unknownBrainError
	}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return unknownBrainError
}

var actionBlock = regexp.MustCompile("(?s)```json\n(.*?)\n```")

// embeddedAction returns the first fenced JSON action block in text.
func embeddedAction(text string) (Action, bool) {
	m := actionBlock.FindStringSubmatch(text)
	if m == nil {
		return Action{}, false
	}
	var a Action
	if err := json.Unmarshal([]byte(m[1]), &a); err != nil || a.Type != typeAgentAction {
		return Action{}, false
	}
	return a, true
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
