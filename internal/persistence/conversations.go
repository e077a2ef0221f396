package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Conversation struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastMessage string    `json:"lastMessage,omitempty"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Metadata       string    `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (s *Store) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := nowUTC()
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO conversations (title, created_at, updated_at) VALUES (?, ?, ?)`, title, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// LatestConversationSince returns the newest conversation created at or after since.
func (s *Store) LatestConversationSince(ctx context.Context, since time.Time) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations
		WHERE created_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, since.UTC()).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns conversations newest first with a preview of the last message.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
			COALESCE((SELECT SUBSTR(m.content, 1, 100) FROM messages m
				WHERE m.conversation_id = c.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1), '')
		FROM conversations c
		ORDER BY c.updated_at DESC, c.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.LastMessage); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	return out, nil
}

// TouchConversation bumps updated_at and, when title is non-empty, renames it.
func (s *Store) TouchConversation(ctx context.Context, id int64, title string) error {
	var err error
	if title != "" {
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, nowUTC(), id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, nowUTC(), id)
	}
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) AddMessage(ctx context.Context, conversationID int64, role, content, metadata string) (*Message, error) {
	now := nowUTC()
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?)`, conversationID, role, content, nullString(metadata), now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	return &Message{ID: id, ConversationID: conversationID, Role: role, Content: content, Metadata: metadata, CreatedAt: now}, nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, conversation_id, role, content, metadata, created_at FROM messages
		WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs, err := s.queryMessages(ctx, `
		SELECT id, conversation_id, role, content, metadata, created_at FROM messages
		WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Metadata = meta.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
