package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/aibo-app/aibo-sub001/internal/backend"
)

const noWalletsText = "No wallets are currently being tracked. Please add a wallet in the Desktop Aibo UI."

type noWallets struct {
	Error string `json:"error"`
}

var errNoWallets = noWallets{Error: "No wallets tracked"}

// txSummary is a trimmed transaction; full records overflow the agent's context.
type txSummary struct {
	Type    string          `json:"type"`
	Amount  any             `json:"amount"`
	Symbol  string          `json:"symbol"`
	Time    json.RawMessage `json:"time,omitempty"`
	Chain   string          `json:"chain"`
	Status  string          `json:"status"`
	Details string          `json:"details,omitempty"`
}

func (h *handlers) storedRefs(ctx context.Context) ([]backend.WalletRef, error) {
	ws, err := h.wallets.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return walletRefs(ws), nil
}

func (h *handlers) fetchPortfolio(ctx context.Context, refs []backend.WalletRef) backend.Portfolio {
	return withFallback(ctx, h.logger, "portfolio", portfolioTimeout, backend.Portfolio{},
		func(ctx context.Context) (backend.Portfolio, error) { return h.market.Portfolio(ctx, refs) })
}

func (h *handlers) portfolioSummary(ctx context.Context, _ json.RawMessage) (any, error) {
	refs, err := h.storedRefs(ctx)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return noWalletsText, nil
	}
	return formatSummary(h.fetchPortfolio(ctx, refs)), nil
}

func formatSummary(p backend.Portfolio) string {
	assets := slices.Clone(p.Assets)
	slices.SortStableFunc(assets, func(a, b backend.Asset) int {
		switch {
		case a.Value > b.Value:
			return -1
		case a.Value < b.Value:
			return 1
		}
		return 0
	})
	if len(assets) > maxTopAssets {
		assets = assets[:maxTopAssets]
	}
	top := make([]string, 0, len(assets))
	for _, a := range assets {
		sign := ""
		if a.Change > 0 {
			sign = "+"
		}
		top = append(top, fmt.Sprintf("%s (%s): $%.2f (%s%.1f%%)", a.Name, a.Symbol, a.Value, sign, a.Change))
	}
	return fmt.Sprintf("Total Portfolio Value: $%.2f\n24h Change: %.2f%%\nTop Assets: %s",
		p.TotalValue, p.TotalChange24h, strings.Join(top, ", "))
}

func (h *handlers) detailedSummary(ctx context.Context, _ json.RawMessage) (any, error) {
	refs, err := h.storedRefs(ctx)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return errNoWallets, nil
	}
	return h.fetchPortfolio(ctx, refs), nil
}

func (h *handlers) transactions(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Wallets []backend.WalletRef `json:"wallets"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	refs := in.Wallets
	if len(refs) == 0 {
		var err error
		if refs, err = h.storedRefs(ctx); err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return errNoWallets, nil
		}
	}

	txs := withFallback(ctx, h.logger, "transactions", h.timeout, nil,
		func(ctx context.Context) ([]backend.Transaction, error) { return h.market.Transactions(ctx, refs) })
	if len(txs) > maxTransactions {
		txs = txs[:maxTransactions]
	}
	out := make([]txSummary, 0, len(txs))
	for _, t := range txs {
		s := txSummary{Type: t.Type, Amount: t.Amount, Symbol: t.Symbol, Time: t.Time, Chain: t.Chain, Status: t.Status}
		if t.SwapDetails != nil {
			s.Details = t.SwapDetails.Label
		}
		out = append(out, s)
	}
	return out, nil
}
