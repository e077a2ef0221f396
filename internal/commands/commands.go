// Package commands holds the built-in node commands the host exposes to the
// brain. Every call into the backend is raced against a short timeout and
// falls back to a safe value, so one slow dependency cannot stall the
// agent's tool-call turn.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/backend"
	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/rpc"
)

const (
	// DefaultTimeout bounds each backend call made from a handler.
	DefaultTimeout = 5 * time.Second

	portfolioTimeout = 12 * time.Second
	maxTopAssets     = 5
	maxTransactions  = 10
	maxTrending      = 5
	maxClanker       = 5
)

// Command names registered by Register.
const (
	PortfolioSummary         = "portfolio.get_summary"
	PortfolioDetailedSummary = "portfolio.get_detailed_summary"
	PortfolioTransactions    = "portfolio.get_transactions"
	WalletAdd                = "wallet.add"
	BodyGetState             = "body.get_state"
	MarketGetPrice           = "market.get_price"
	DiscoveryTrending        = "discovery.get_trending"
	DiscoveryClanker         = "discovery.get_clanker"
)

// WalletStore is the subset of persistence.Store the commands read and write.
type WalletStore interface {
	ListWallets(ctx context.Context) ([]persistence.Wallet, error)
	GetWallet(ctx context.Context, address string) (*persistence.Wallet, error)
	AddWallet(ctx context.Context, w persistence.Wallet) (bool, error)
}

// Market is the subset of backend.Client the commands call.
type Market interface {
	Portfolio(ctx context.Context, wallets []backend.WalletRef) (backend.Portfolio, error)
	Transactions(ctx context.Context, wallets []backend.WalletRef) ([]backend.Transaction, error)
	Price(ctx context.Context, symbol string) (*backend.PriceStats, error)
	Trending(ctx context.Context, limit int) ([]backend.Token, error)
	Clanker(ctx context.Context) ([]backend.Token, error)
	TrackWallet(ctx context.Context, address, chain, label string) (bool, error)
}

// Deps wires the built-ins to their collaborators.
type Deps struct {
	Wallets WalletStore
	Market  Market
	Body    *BodyState
	// Timeout overrides DefaultTimeout; tests shorten it.
	Timeout time.Duration
	Logger  *slog.Logger
}

type handlers struct {
	wallets WalletStore
	market  Market
	body    *BodyState
	timeout time.Duration
	logger  *slog.Logger
}

// Register adds the built-in commands to reg. Optional feature modules
// register theirs on the same registry afterwards.
func Register(reg *rpc.Registry, deps Deps) {
	h := &handlers{
		wallets: deps.Wallets,
		market:  deps.Market,
		body:    deps.Body,
		timeout: deps.Timeout,
		logger:  deps.Logger,
	}
	if h.timeout <= 0 {
		h.timeout = DefaultTimeout
	}
	if h.body == nil {
		h.body = NewBodyState()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "commands")

	reg.Register(PortfolioSummary, h.portfolioSummary)
	reg.Register(PortfolioDetailedSummary, h.detailedSummary)
	reg.Register(PortfolioTransactions, h.transactions)
	reg.Register(WalletAdd, h.addWallet)
	reg.Register(BodyGetState, h.bodyState)
	reg.Register(MarketGetPrice, h.marketPrice)
	reg.Register(DiscoveryTrending, h.trending)
	reg.Register(DiscoveryClanker, h.clanker)
}

// withFallback runs fn under a deadline. On timeout or error it logs and
// returns fallback; the handler's reply is never held past d.
func withFallback[T any](ctx context.Context, logger *slog.Logger, what string, d time.Duration, fallback T, fn func(context.Context) (T, error)) T {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			logger.Warn("backend call failed, using fallback", "call", what, "error", o.err)
			return fallback
		}
		return o.v
	case <-ctx.Done():
		logger.Warn("backend call timed out, using fallback", "call", what, "timeout", d)
		return fallback
	}
}

func decodeArgs(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func walletRefs(ws []persistence.Wallet) []backend.WalletRef {
	out := make([]backend.WalletRef, 0, len(ws))
	for _, w := range ws {
		out = append(out, backend.WalletRef{Address: w.Address, ChainType: w.ChainType, Label: w.Label})
	}
	return out
}
