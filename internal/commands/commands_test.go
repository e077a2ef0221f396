package commands

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/backend"
	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/rpc"
	"github.com/aibo-app/aibo-sub001/internal/telemetry"
)

type fakeMarket struct {
	mu        sync.Mutex
	portfolio backend.Portfolio
	txs       []backend.Transaction
	prices    map[string]*backend.PriceStats
	trending  []backend.Token
	clanker   []backend.Token
	block     bool
	err       error
	tracked   chan string
	gotRefs   []backend.WalletRef
}

func (f *fakeMarket) wait(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeMarket) Portfolio(ctx context.Context, wallets []backend.WalletRef) (backend.Portfolio, error) {
	f.mu.Lock()
	f.gotRefs = wallets
	f.mu.Unlock()
	return f.portfolio, f.wait(ctx)
}

func (f *fakeMarket) Transactions(ctx context.Context, wallets []backend.WalletRef) ([]backend.Transaction, error) {
	f.mu.Lock()
	f.gotRefs = wallets
	f.mu.Unlock()
	return f.txs, f.wait(ctx)
}

func (f *fakeMarket) Price(ctx context.Context, symbol string) (*backend.PriceStats, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.prices[symbol], nil
}

func (f *fakeMarket) Trending(ctx context.Context, _ int) ([]backend.Token, error) {
	return f.trending, f.wait(ctx)
}

func (f *fakeMarket) Clanker(ctx context.Context) ([]backend.Token, error) {
	return f.clanker, f.wait(ctx)
}

func (f *fakeMarket) TrackWallet(_ context.Context, address, chain, label string) (bool, error) {
	if f.tracked != nil {
		f.tracked <- address + "|" + chain + "|" + label
	}
	return true, nil
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "aibo.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setup(t *testing.T, m *fakeMarket) (*rpc.Registry, *persistence.Store, *BodyState) {
	t.Helper()
	store := newTestStore(t)
	reg := rpc.NewRegistry()
	body := NewBodyState()
	Register(reg, Deps{
		Wallets: store,
		Market:  m,
		Body:    body,
		Timeout: 50 * time.Millisecond,
		Logger:  telemetry.NewDiscardLogger(),
	})
	return reg, store, body
}

func call(t *testing.T, reg *rpc.Registry, name, args string) (any, error) {
	t.Helper()
	h, ok := reg.Lookup(name)
	if !ok {
		t.Fatalf("command %s not registered", name)
	}
	if args == "" {
		args = "{}"
	}
	return h(context.Background(), json.RawMessage(args))
}

func TestRegisterDeclaresBuiltins(t *testing.T) {
	reg, _, _ := setup(t, &fakeMarket{})
	want := []string{
		PortfolioSummary, PortfolioDetailedSummary, PortfolioTransactions, WalletAdd,
		BodyGetState, MarketGetPrice, DiscoveryTrending, DiscoveryClanker,
	}
	got := reg.Commands()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("commands = %v, want %v", got, want)
	}
}

func TestPortfolioSummary(t *testing.T) {
	m := &fakeMarket{portfolio: backend.Portfolio{
		TotalValue:     1234.567,
		TotalChange24h: -1.234,
		Assets: []backend.Asset{
			{Name: "Dust", Symbol: "DST", Value: 0.5, Change: 0},
			{Name: "Ether", Symbol: "ETH", Value: 1000, Change: 2.26},
			{Name: "Solana", Symbol: "SOL", Value: 200, Change: -3.14},
		},
	}}
	reg, store, _ := setup(t, m)

	got, err := call(t, reg, PortfolioSummary, "")
	if err != nil || got != noWalletsText {
		t.Fatalf("empty summary = %v, %v", got, err)
	}

	if _, err := store.AddWallet(context.Background(), persistence.Wallet{Address: "0xabc", ChainType: "evm"}); err != nil {
		t.Fatalf("add wallet: %v", err)
	}
	got, err = call(t, reg, PortfolioSummary, "")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := "Total Portfolio Value: $1234.57\n24h Change: -1.23%\n" +
		"Top Assets: Ether (ETH): $1000.00 (+2.3%), Solana (SOL): $200.00 (-3.1%), Dust (DST): $0.50 (0.0%)"
	if got != want {
		t.Fatalf("summary =\n%q\nwant\n%q", got, want)
	}
	if len(m.gotRefs) != 1 || m.gotRefs[0].Address != "0xabc" {
		t.Fatalf("portfolio refs = %+v", m.gotRefs)
	}
}

func TestDetailedSummaryWithoutWallets(t *testing.T) {
	reg, _, _ := setup(t, &fakeMarket{})
	got, err := call(t, reg, PortfolioDetailedSummary, "")
	if err != nil {
		t.Fatalf("detailed: %v", err)
	}
	if got != errNoWallets {
		t.Fatalf("detailed = %#v", got)
	}
}

func TestTransactionsTrimAndExplicitWallets(t *testing.T) {
	var txs []backend.Transaction
	for i := 0; i < 12; i++ {
		txs = append(txs, backend.Transaction{Type: "send", Symbol: "ETH", Chain: "base", Status: "confirmed", Amount: i})
	}
	txs[0].SwapDetails = &struct {
		Label string `json:"label"`
	}{Label: "ETH → USDC"}
	m := &fakeMarket{txs: txs}
	reg, _, _ := setup(t, m)

	got, err := call(t, reg, PortfolioTransactions, `{"wallets":[{"address":"So1","chainType":"solana"}]}`)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	out := got.([]txSummary)
	if len(out) != maxTransactions {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Details != "ETH → USDC" || out[1].Details != "" {
		t.Fatalf("details = %q / %q", out[0].Details, out[1].Details)
	}
	if len(m.gotRefs) != 1 || m.gotRefs[0].ChainType != "solana" {
		t.Fatalf("explicit wallets not forwarded: %+v", m.gotRefs)
	}

	got, err = call(t, reg, PortfolioTransactions, "")
	if err != nil || got != errNoWallets {
		t.Fatalf("no stored wallets = %#v, %v", got, err)
	}
}

func TestWalletAdd(t *testing.T) {
	m := &fakeMarket{tracked: make(chan string, 4)}
	reg, store, _ := setup(t, m)
	ctx := context.Background()

	for _, args := range []string{`{}`, `{"address":"0x1"}`, `{"address":"","chainType":"evm"}`, `[1]`} {
		if _, err := call(t, reg, WalletAdd, args); !errors.Is(err, errWalletArgs) {
			t.Fatalf("args %s: err = %v", args, err)
		}
	}
	if _, err := call(t, reg, WalletAdd, `{"address":"0x1","chainType":"evm","label":42}`); err == nil ||
		!strings.Contains(err.Error(), "invalid wallet.add arguments") {
		t.Fatalf("schema violation: err = %v", err)
	}

	got, err := call(t, reg, WalletAdd, `{"address":"So1ana","chainType":"Solana"}`)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got != "Successfully added SOLANA wallet: So1ana. Tracking will begin shortly." {
		t.Fatalf("reply = %q", got)
	}
	w, err := store.GetWallet(ctx, "So1ana")
	if err != nil || w.ChainType != "solana" || w.Label != "SOLANA Wallet" {
		t.Fatalf("stored = %+v, %v", w, err)
	}
	select {
	case tr := <-m.tracked:
		if tr != "So1ana|solana|SOLANA Wallet" {
			t.Fatalf("tracked = %q", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend tracking not requested")
	}

	got, _ = call(t, reg, WalletAdd, `{"address":"0xabc","chainType":"base","label":"Main"}`)
	if got != "Successfully added EVM wallet: 0xabc (Main). Tracking will begin shortly." {
		t.Fatalf("labelled reply = %q", got)
	}

	got, _ = call(t, reg, WalletAdd, `{"address":"So1ana","chainType":"solana"}`)
	if got != "Wallet So1ana on solana is already being tracked." {
		t.Fatalf("duplicate reply = %q", got)
	}
}

func TestBodyState(t *testing.T) {
	reg, _, body := setup(t, &fakeMarket{})
	got, _ := call(t, reg, BodyGetState, "")
	state := got.(map[string]any)
	if state["activePage"] != "dashboard" || state["theme"] != "light" || state["activeWallet"] != nil {
		t.Fatalf("default state = %v", state)
	}

	if err := body.Update(json.RawMessage(`{"activePage":"wallets","activeWallet":"0xabc"}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := body.Update(json.RawMessage(`"nope"`)); err == nil {
		t.Fatal("non-object update accepted")
	}
	got, _ = call(t, reg, BodyGetState, "")
	state = got.(map[string]any)
	if state["activePage"] != "wallets" || state["activeWallet"] != "0xabc" || state["theme"] != "light" {
		t.Fatalf("merged state = %v", state)
	}

	// Callers get a copy.
	state["theme"] = "dark"
	if body.Get()["theme"] != "light" {
		t.Fatal("Get leaked internal map")
	}
}

func TestMarketPrice(t *testing.T) {
	m := &fakeMarket{prices: map[string]*backend.PriceStats{
		"eth": {Symbol: "ETH", Price: 3012.5, Change24h: -1.2},
	}}
	reg, _, _ := setup(t, m)

	if _, err := call(t, reg, MarketGetPrice, ""); err == nil || err.Error() != "Symbol argument is required" {
		t.Fatalf("missing symbol err = %v", err)
	}
	got, _ := call(t, reg, MarketGetPrice, `{"symbol":"eth"}`)
	if got != "eth (ETH): $3012.5 (24h: -1.2%)" {
		t.Fatalf("price = %q", got)
	}
	got, _ = call(t, reg, MarketGetPrice, `{"symbol":"NOPE"}`)
	if got != "Could not find price data for NOPE" {
		t.Fatalf("unknown = %q", got)
	}
}

func TestDiscovery(t *testing.T) {
	m := &fakeMarket{
		trending: []backend.Token{
			{Symbol: "AIBO", Name: "Aibo", Price: 0.000123, Liquidity: 45600, PriceChange24h: 12.34, TrendingScore: 87.6},
			{Symbol: "BIG", Name: "Big", Price: 1.5, Liquidity: 1000, PriceChange24h: -2, TrendingScore: 10},
		},
	}
	for i := 0; i < 7; i++ {
		m.clanker = append(m.clanker, backend.Token{Symbol: "C", Price: 0.02, PriceChange24h: 1, LaunchpadDetected: "clanker"})
	}
	reg, _, _ := setup(t, m)

	got, _ := call(t, reg, DiscoveryTrending, "")
	lines := strings.Split(got.(string), "\n")
	if len(lines) != 2 {
		t.Fatalf("trending = %q", got)
	}
	if lines[0] != "🔥 AIBO (Aibo): $0.000123 | Liq: $45.6k | 24h: 12.3% | Score: 88" {
		t.Fatalf("trending line = %q", lines[0])
	}
	if lines[1] != "🔥 BIG (Big): $1.50 | Liq: $1.0k | 24h: -2.0% | Score: 10" {
		t.Fatalf("trending line = %q", lines[1])
	}

	got, _ = call(t, reg, DiscoveryClanker, "")
	lines = strings.Split(got.(string), "\n")
	if len(lines) != maxClanker || lines[0] != "🤖 C: $0.02 | 24h: 1.0% | Via: clanker" {
		t.Fatalf("clanker = %q", got)
	}
}

func TestSlowBackendFallsBack(t *testing.T) {
	m := &fakeMarket{block: true}
	reg, _, _ := setup(t, m)

	start := time.Now()
	got, err := call(t, reg, DiscoveryTrending, "")
	if err != nil || got != "No trending tokens discovered on Base at the moment." {
		t.Fatalf("trending fallback = %v, %v", got, err)
	}
	got, _ = call(t, reg, DiscoveryClanker, "")
	if got != "No new AI tokens from Clanker detected recently." {
		t.Fatalf("clanker fallback = %v", got)
	}
	got, _ = call(t, reg, MarketGetPrice, `{"symbol":"SOL"}`)
	if got != "Could not find price data for SOL" {
		t.Fatalf("price fallback = %v", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("fallbacks took %v", elapsed)
	}
}

func TestBackendErrorFallsBack(t *testing.T) {
	m := &fakeMarket{err: errors.New("boom"), trending: []backend.Token{{Symbol: "X"}}}
	reg, _, _ := setup(t, m)
	got, err := call(t, reg, DiscoveryTrending, "")
	if err != nil || got != "No trending tokens discovered on Base at the moment." {
		t.Fatalf("error fallback = %v, %v", got, err)
	}
}
