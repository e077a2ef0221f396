package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// BodyState is the UI's last reported shell state, served to the agent by
// body.get_state. Updates shallow-merge over the current fields.
type BodyState struct {
	mu     sync.RWMutex
	fields map[string]any
}

func NewBodyState() *BodyState {
	return &BodyState{fields: map[string]any{
		"activePage":   "dashboard",
		"activeWallet": nil,
		"theme":        "light",
	}}
}

// Get returns a copy of the current state.
func (b *BodyState) Get() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.fields)
}

// Update merges a JSON object into the state. Non-object payloads are rejected.
func (b *BodyState) Update(raw json.RawMessage) error {
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return fmt.Errorf("body state: %w", err)
	}
	if patch == nil {
		return fmt.Errorf("body state: expected object")
	}
	b.mu.Lock()
	maps.Copy(b.fields, patch)
	b.mu.Unlock()
	return nil
}

func (h *handlers) bodyState(context.Context, json.RawMessage) (any, error) {
	return h.body.Get(), nil
}
