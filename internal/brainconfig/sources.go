package brainconfig

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/backend"
)

// TokenFeed is the slice of the backend client the alpha section needs.
type TokenFeed interface {
	Trending(ctx context.Context, limit int) ([]backend.Token, error)
	NewTokens(ctx context.Context, limit int, sortBy string) ([]backend.Token, error)
}

// MarketAlpha is a SOUL.md section listing trending tokens and recent
// launches on Base. Either list may fail alone.
func MarketAlpha(feed TokenFeed) ContextSource {
	return SourceFunc{
		Name: "Market Alpha (Real-time)",
		Fn: func(ctx context.Context) (string, error) {
			trending, terr := feed.Trending(ctx, 5)
			launches, lerr := feed.NewTokens(ctx, 5, "createdAt")
			if terr != nil && lerr != nil {
				return "", fmt.Errorf("market alpha: %w", terr)
			}

			var b strings.Builder
			if len(trending) > 0 {
				b.WriteString("### Trending Tokens\n")
				for _, t := range trending {
					fmt.Fprintf(&b, "- %s: Price $%.6f, 24h Vol $%.1fk\n", t.Symbol, t.Price, t.Volume24h/1000)
				}
			}
			if len(launches) > 0 {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString("### New Launches\n")
				for _, t := range launches {
					launched := "unknown"
					if t.CreatedAt > 0 {
						launched = time.UnixMilli(t.CreatedAt).Format(time.Kitchen)
					}
					fmt.Fprintf(&b, "- %s: Launched %s, Liq $%.1fk\n", t.Symbol, launched, t.Liquidity/1000)
				}
			}
			return b.String(), nil
		},
	}
}

// RuleViews is the slice of the rules service the persona needs.
type RuleViews interface {
	PolicyView(ctx context.Context) (string, error)
	Guards(ctx context.Context) ([]string, error)
}

// Policies is the "Active Policies" section built from enabled policy rules.
func Policies(rules RuleViews) ContextSource {
	return SourceFunc{
		Name: "Active Policies",
		Fn: func(ctx context.Context) (string, error) {
			view, err := rules.PolicyView(ctx)
			if err != nil {
				return "", fmt.Errorf("policies: %w", err)
			}
			return view, nil
		},
	}
}

// Guards is the "Behavioral Guards" section, one block per enabled guard.
func Guards(rules RuleViews) ContextSource {
	return SourceFunc{
		Name: "Behavioral Guards",
		Fn: func(ctx context.Context) (string, error) {
			guards, err := rules.Guards(ctx)
			if err != nil {
				return "", fmt.Errorf("guards: %w", err)
			}
			return strings.Join(guards, "\n\n"), nil
		},
	}
}
