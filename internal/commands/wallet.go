package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aibo-app/aibo-sub001/internal/persistence"
)

var errWalletArgs = errors.New("Address and chainType are required")

const walletAddSchema = `{
  "type": "object",
  "properties": {
    "address":   {"type": "string", "minLength": 1, "maxLength": 128},
    "chainType": {"type": "string", "minLength": 1, "maxLength": 32},
    "label":     {"type": "string", "maxLength": 64}
  },
  "required": ["address", "chainType"]
}`

var walletSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(walletAddSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal wallet schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("wallet.add.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add wallet schema: %w", err)
	}
	return c.Compile("wallet.add.schema.json")
})

type walletArgs struct {
	Address   string `json:"address"`
	ChainType string `json:"chainType"`
	Label     string `json:"label"`
}

func validateWalletArgs(args json.RawMessage) (walletArgs, error) {
	var in walletArgs
	// Presence is checked first so the agent gets the short message it can act on.
	var loose map[string]any
	if err := json.Unmarshal(args, &loose); err != nil {
		return in, errWalletArgs
	}
	if s, _ := loose["address"].(string); s == "" {
		return in, errWalletArgs
	}
	if s, _ := loose["chainType"].(string); s == "" {
		return in, errWalletArgs
	}

	schema, err := walletSchema()
	if err != nil {
		return in, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return in, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return in, fmt.Errorf("invalid wallet.add arguments: %w", err)
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return in, fmt.Errorf("invalid arguments: %w", err)
	}
	return in, nil
}

func normalizeChain(chainType string) string {
	if strings.EqualFold(chainType, persistence.ChainSolana) {
		return persistence.ChainSolana
	}
	return persistence.ChainEVM
}

func (h *handlers) addWallet(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := validateWalletArgs(args)
	if err != nil {
		return nil, err
	}
	chain := normalizeChain(in.ChainType)
	upper := strings.ToUpper(chain)

	existing, err := h.wallets.GetWallet(ctx, in.Address)
	switch {
	case err == nil && existing != nil:
		return fmt.Sprintf("Wallet %s on %s is already being tracked.", in.Address, existing.ChainType), nil
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return nil, fmt.Errorf("lookup wallet: %w", err)
	}

	label := in.Label
	if label == "" {
		label = upper + " Wallet"
	}
	added, err := h.wallets.AddWallet(ctx, persistence.Wallet{Address: in.Address, ChainType: chain, Label: label})
	if err != nil {
		return nil, err
	}
	if !added {
		return fmt.Sprintf("Wallet %s on %s is already being tracked.", in.Address, chain), nil
	}

	// Tracking on the backend is best effort; the local row is what the UI lists.
	go func() {
		ctx := context.WithoutCancel(ctx)
		ok := withFallback(ctx, h.logger, "track_wallet", h.timeout, false,
			func(ctx context.Context) (bool, error) { return h.market.TrackWallet(ctx, in.Address, chain, label) })
		if !ok {
			h.logger.Warn("backend did not confirm wallet tracking", "address", in.Address, "chain", chain)
		}
	}()

	suffix := ""
	if in.Label != "" {
		suffix = " (" + in.Label + ")"
	}
	return fmt.Sprintf("Successfully added %s wallet: %s%s. Tracking will begin shortly.", upper, in.Address, suffix), nil
}
