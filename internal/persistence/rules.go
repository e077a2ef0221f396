package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	RuleKindPolicy = "policy"
	RuleKindGuard  = "guard"
)

// Rule is a user-authored behavioral rule, kept as written.
type Rule struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const ruleColumns = `id, text, kind, enabled, created_at, updated_at`

func (s *Store) CreateRule(ctx context.Context, text, kind string) (*Rule, error) {
	now := nowUTC()
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			INSERT INTO rules (text, kind, enabled, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?);
		`, text, kind, now, now)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create rule id: %w", err)
	}
	return &Rule{ID: id, Text: text, Kind: kind, Enabled: true, CreatedAt: now, UpdatedAt: now}, nil
}

// GetRule returns ErrNotFound for an unknown id.
func (s *Store) GetRule(ctx context.Context, id int64) (*Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// ListRules returns rules oldest first.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule rows: %w", err)
	}
	return out, nil
}

// UpdateRule replaces text, kind and enabled. ErrNotFound for an unknown id.
func (s *Store) UpdateRule(ctx context.Context, r Rule) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			UPDATE rules SET text = ?, kind = ?, enabled = ?, updated_at = ? WHERE id = ?;
		`, r.Text, r.Kind, r.Enabled, nowUTC(), r.ID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	if err := row.Scan(&r.ID, &r.Text, &r.Kind, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
