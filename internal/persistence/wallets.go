package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	ChainEVM    = "evm"
	ChainSolana = "solana"
)

// Wallet is a tracked address.
type Wallet struct {
	Address   string    `json:"address"`
	ChainType string    `json:"chainType"`
	Label     string    `json:"label,omitempty"`
	AddedAt   time.Time `json:"addedAt"`
}

// AddWallet inserts a wallet. It returns added=false without error when the address is already tracked.
func (s *Store) AddWallet(ctx context.Context, w Wallet) (added bool, err error) {
	if w.ChainType == "" {
		w.ChainType = ChainEVM
	}
	var res sql.Result
	err = retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			INSERT INTO wallets (address, chain_type, label, added_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(address) DO NOTHING;
		`, w.Address, w.ChainType, nullString(w.Label), nowUTC())
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("add wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add wallet rows: %w", err)
	}
	return n > 0, nil
}

// GetWallet returns ErrNotFound when the address is not tracked.
func (s *Store) GetWallet(ctx context.Context, address string) (*Wallet, error) {
	var w Wallet
	var label sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT address, chain_type, label, added_at FROM wallets WHERE address = ?`, address).
		Scan(&w.Address, &w.ChainType, &label, &w.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	w.Label = label.String
	return &w, nil
}

func (s *Store) ListWallets(ctx context.Context) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, chain_type, label, added_at FROM wallets ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		var label sql.NullString
		if err := rows.Scan(&w.Address, &w.ChainType, &label, &w.AddedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		w.Label = label.String
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wallet rows: %w", err)
	}
	return out, nil
}

func (s *Store) RemoveWallet(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wallets WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("remove wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
