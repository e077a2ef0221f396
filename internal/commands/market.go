package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aibo-app/aibo-sub001/internal/backend"
)

func (h *handlers) marketPrice(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Symbol string `json:"symbol"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Symbol == "" {
		return nil, errors.New("Symbol argument is required")
	}
	stats := withFallback(ctx, h.logger, "price", h.timeout, nil,
		func(ctx context.Context) (*backend.PriceStats, error) { return h.market.Price(ctx, in.Symbol) })
	if stats == nil {
		return fmt.Sprintf("Could not find price data for %s", in.Symbol), nil
	}
	return fmt.Sprintf("%s (%s): $%s (24h: %s%%)", in.Symbol, stats.Symbol, num(stats.Price), num(stats.Change24h)), nil
}

func (h *handlers) trending(ctx context.Context, _ json.RawMessage) (any, error) {
	tokens := withFallback(ctx, h.logger, "trending", h.timeout, nil,
		func(ctx context.Context) ([]backend.Token, error) { return h.market.Trending(ctx, maxTrending) })
	if len(tokens) == 0 {
		return "No trending tokens discovered on Base at the moment.", nil
	}
	lines := make([]string, 0, len(tokens))
	for _, t := range tokens {
		lines = append(lines, fmt.Sprintf("🔥 %s (%s): $%s | Liq: $%.1fk | 24h: %.1f%% | Score: %.0f",
			t.Symbol, t.Name, tokenPrice(t.Price), t.Liquidity/1000, t.PriceChange24h, t.TrendingScore))
	}
	return strings.Join(lines, "\n"), nil
}

func (h *handlers) clanker(ctx context.Context, _ json.RawMessage) (any, error) {
	tokens := withFallback(ctx, h.logger, "clanker", h.timeout, nil,
		func(ctx context.Context) ([]backend.Token, error) { return h.market.Clanker(ctx) })
	if len(tokens) == 0 {
		return "No new AI tokens from Clanker detected recently.", nil
	}
	if len(tokens) > maxClanker {
		tokens = tokens[:maxClanker]
	}
	lines := make([]string, 0, len(tokens))
	for _, t := range tokens {
		lines = append(lines, fmt.Sprintf("🤖 %s: $%s | 24h: %.1f%% | Via: %s",
			t.Symbol, tokenPrice(t.Price), t.PriceChange24h, t.LaunchpadDetected))
	}
	return strings.Join(lines, "\n"), nil
}

// tokenPrice keeps six decimals for sub-cent tokens.
func tokenPrice(p float64) string {
	if p < 0.01 {
		return strconv.FormatFloat(p, 'f', 6, 64)
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
