// Package backend is the HTTP client for the aggregation backend that holds
// the blockchain data providers' API keys. The host never talks to chains
// directly.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultTimeout   = 8 * time.Second
	portfolioTimeout = 10 * time.Second
	healthTimeout    = 5 * time.Second

	// Failures inside this window after construction are logged at warn.
	startupGrace = 45 * time.Second
)

// WalletRef identifies a tracked wallet in backend requests.
type WalletRef struct {
	Address   string `json:"address"`
	ChainType string `json:"chainType"`
	Label     string `json:"label,omitempty"`
}

type Asset struct {
	Symbol  string  `json:"symbol"`
	Name    string  `json:"name"`
	Balance float64 `json:"balance"`
	Price   float64 `json:"price"`
	Value   float64 `json:"value"`
	Change  float64 `json:"change"`
	Chain   string  `json:"chain,omitempty"`
	Logo    string  `json:"logo,omitempty"`
}

type Portfolio struct {
	Assets         []Asset `json:"assets"`
	TotalValue     float64 `json:"totalValue"`
	TotalChange24h float64 `json:"totalChange24h"`
}

type Transaction struct {
	Hash        string          `json:"hash,omitempty"`
	Type        string          `json:"type"`
	Amount      any             `json:"amount"`
	Symbol      string          `json:"symbol"`
	Time        json.RawMessage `json:"time,omitempty"`
	Chain       string          `json:"chain"`
	Status      string          `json:"status"`
	SwapDetails *struct {
		Label string `json:"label"`
	} `json:"swapDetails,omitempty"`
}

type PriceStats struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
}

type Token struct {
	Symbol            string  `json:"symbol"`
	Name              string  `json:"name"`
	Address           string  `json:"address,omitempty"`
	Price             float64 `json:"price"`
	PriceChange24h    float64 `json:"priceChange24h"`
	Volume24h         float64 `json:"volume24h"`
	Liquidity         float64 `json:"liquidity"`
	TrendingScore     float64 `json:"trendingScore,omitempty"`
	LaunchpadDetected string  `json:"launchpadDetected,omitempty"`
	CreatedAt         int64   `json:"createdAt,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
	started time.Time
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		logger:  opts.Logger.With("component", "backend"),
		started: time.Now(),
	}
	if c.token == "" {
		c.logger.Warn("backend team token not set; requests are unauthenticated")
	}
	return c
}

// BaseURL is the backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, dst any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-team-token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// logFailure keeps the console quiet while the backend is still booting.
func (c *Client) logFailure(msg string, err error) {
	if errors.Is(err, syscall.ECONNREFUSED) || time.Since(c.started) < startupGrace {
		c.logger.Warn(msg+" (backend still starting)", "error", err)
		return
	}
	c.logger.Error(msg, "error", err)
}

// Portfolio aggregates balances across wallets. Failures yield an empty
// portfolio and the error.
func (c *Client) Portfolio(ctx context.Context, wallets []WalletRef) (Portfolio, error) {
	var out Portfolio
	err := c.do(ctx, http.MethodPost, "/v1/portfolio", nil, map[string]any{"wallets": wallets}, &out, portfolioTimeout)
	if err != nil {
		c.logFailure("portfolio fetch failed", err)
		return Portfolio{Assets: []Asset{}}, fmt.Errorf("backend portfolio: %w", err)
	}
	if out.Assets == nil {
		out.Assets = []Asset{}
	}
	return out, nil
}

func (c *Client) Transactions(ctx context.Context, wallets []WalletRef) ([]Transaction, error) {
	var out []Transaction
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", nil, map[string]any{"wallets": wallets}, &out, portfolioTimeout); err != nil {
		c.logFailure("transaction fetch failed", err)
		return nil, fmt.Errorf("backend transactions: %w", err)
	}
	return out, nil
}

// Price returns nil stats without error when the backend has no data for
// the symbol.
func (c *Client) Price(ctx context.Context, symbol string) (*PriceStats, error) {
	var out PriceStats
	err := c.do(ctx, http.MethodGet, "/v1/price/"+url.PathEscape(symbol), nil, nil, &out, 0)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, nil
		}
		c.logFailure("price fetch failed for "+symbol, err)
		return nil, fmt.Errorf("backend price %s: %w", symbol, err)
	}
	if out.Symbol == "" && out.Price == 0 {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) TopMarkets(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/markets/top", url.Values{"limit": {strconv.Itoa(limit)}}, nil, &out, 0); err != nil {
		c.logFailure("top markets fetch failed", err)
		return nil, err
	}
	return out, nil
}

func (c *Client) GlobalStats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/market/global", nil, nil, &out, 0); err != nil {
		c.logFailure("global market fetch failed", err)
		return nil, err
	}
	return out, nil
}

type tokenList struct {
	Tokens []Token `json:"tokens"`
}

func (c *Client) tokens(ctx context.Context, path string, q url.Values, what string) ([]Token, error) {
	var out tokenList
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out, 0); err != nil {
		c.logFailure(what+" fetch failed", err)
		return nil, err
	}
	if out.Tokens == nil {
		out.Tokens = []Token{}
	}
	return out.Tokens, nil
}

// Trending lists trending new tokens on Base.
func (c *Client) Trending(ctx context.Context, limit int) ([]Token, error) {
	return c.tokens(ctx, "/v1/base/trending", url.Values{"limit": {strconv.Itoa(limit)}}, "trending tokens")
}

// Clanker lists tokens launched through Clanker.
func (c *Client) Clanker(ctx context.Context) ([]Token, error) {
	return c.tokens(ctx, "/v1/base/clanker", nil, "clanker tokens")
}

func (c *Client) NewTokens(ctx context.Context, limit int, sortBy string) ([]Token, error) {
	if sortBy == "" {
		sortBy = "volume"
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}, "sortBy": {sortBy}}
	return c.tokens(ctx, "/v1/base/new-tokens", q, "new tokens")
}

// TrackWallet registers a wallet for real-time transaction tracking.
func (c *Client) TrackWallet(ctx context.Context, address, chain, label string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	body := map[string]string{"address": address, "chain": chain, "label": label}
	if err := c.do(ctx, http.MethodPost, "/v1/wallets/track", nil, body, &out, 0); err != nil {
		c.logFailure("wallet tracking failed for "+address, err)
		return false, err
	}
	return out.Success, nil
}

// Health reports whether GET /health answered 200. It sends no token.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
