// Package chat persists conversations around the brain's request/response API.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/settings"
)

const (
	DefaultTitle      = "New Conversation"
	NoResponse        = "No response"
	DefaultWindowSize = 10
	DefaultMaxTokens  = 4000

	titleLimit     = 50
	minTrimmedKeep = 3
)

var (
	ErrEmptyMessage = errors.New("Message is required")
	ErrNotFound     = persistence.ErrNotFound
)

// Sender is the brain request path, satisfied by *rpc.Client.
type Sender interface {
	SendMessage(ctx context.Context, text string) (string, error)
}

// Settings is the subset of settings.Service chat reads.
type Settings interface {
	GetNumber(ctx context.Context, key string) (float64, error)
	GetBool(ctx context.Context, key string) bool
}

// Metadata records which skills or tools an assistant reply appears to have used.
type Metadata struct {
	Skills    []string `json:"skills,omitempty"`
	ToolCalls []string `json:"toolCalls,omitempty"`
}

// Message is a stored message with its metadata decoded.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Metadata       *Metadata `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Exchange is the result of one Send.
type Exchange struct {
	UserMsg      Message `json:"userMsg"`
	AssistantMsg Message `json:"assistantMsg"`
}

// HistoryEntry is one turn of the recent-history window.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Service struct {
	store    *persistence.Store
	sender   Sender
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

func New(store *persistence.Store, sender Sender, st Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		sender:   sender,
		settings: st,
		logger:   logger.With("component", "chat"),
		now:      time.Now,
	}
}

func (s *Service) Conversations(ctx context.Context) ([]persistence.Conversation, error) {
	return s.store.ListConversations(ctx)
}

func (s *Service) Conversation(ctx context.Context, id int64) (*persistence.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Create starts a conversation; an empty title becomes DefaultTitle.
func (s *Service) Create(ctx context.Context, title string) (*persistence.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	return s.store.CreateConversation(ctx, title)
}

// DailyConversation returns the conversation started today, creating one
// titled with the date when none exists.
func (s *Service) DailyConversation(ctx context.Context) (*persistence.Conversation, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	c, err := s.store.LatestConversationSince(ctx, midnight)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	return s.store.CreateConversation(ctx, "Chat "+now.Format("Jan 2, 2006"))
}

func (s *Service) Rename(ctx context.Context, id int64, title string) error {
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		return err
	}
	return s.store.TouchConversation(ctx, id, strings.TrimSpace(title))
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteConversation(ctx, id)
}

func (s *Service) Messages(ctx context.Context, id int64) ([]Message, error) {
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.decode(m))
	}
	return out, nil
}

// History returns the recent-history window for a conversation, oldest
// first. With trimming enabled the oldest turns are dropped while the
// estimate (about 4 chars per token) exceeds CHAT_MAX_TOKENS, keeping at
// least three.
func (s *Service) History(ctx context.Context, id int64) ([]HistoryEntry, error) {
	window := s.number(ctx, settings.KeyHistoryWindow, DefaultWindowSize)
	msgs, err := s.store.RecentMessages(ctx, id, window)
	if err != nil {
		return nil, err
	}
	history := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, HistoryEntry{Role: m.Role, Content: m.Content})
	}
	if s.settings == nil || !s.settings.GetBool(ctx, settings.KeyChatTrimHistory) {
		return history, nil
	}
	budget := s.number(ctx, settings.KeyChatMaxTokens, DefaultMaxTokens)
	for estimateTokens(history) > budget && len(history) > minTrimmedKeep {
		history = history[1:]
	}
	return history, nil
}

// Send stores the user message, asks the brain, and stores the reply. A
// brain failure is returned after the user message is already saved.
func (s *Service) Send(ctx context.Context, convID int64, text string) (*Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.store.AddMessage(ctx, convID, "user", text, "")
	if err != nil {
		return nil, err
	}

	reply, err := s.sender.SendMessage(ctx, text)
	if err != nil {
		s.logger.Error("brain request failed", "conversation_id", convID, "error", err)
		return nil, fmt.Errorf("send to brain: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		reply = NoResponse
	}

	meta := extractMetadata(reply)
	var metaJSON string
	if meta != nil {
		b, _ := json.Marshal(meta)
		metaJSON = string(b)
	}
	assistantMsg, err := s.store.AddMessage(ctx, convID, "assistant", reply, metaJSON)
	if err != nil {
		return nil, err
	}

	title := ""
	if conv.Title == DefaultTitle {
		title = generateTitle(text)
	}
	if err := s.store.TouchConversation(ctx, convID, title); err != nil {
		s.logger.Warn("touch conversation failed", "conversation_id", convID, "error", err)
	}

	return &Exchange{UserMsg: s.decode(*userMsg), AssistantMsg: s.decode(*assistantMsg)}, nil
}

func (s *Service) number(ctx context.Context, key string, def int) int {
	if s.settings == nil {
		return def
	}
	n, err := s.settings.GetNumber(ctx, key)
	if err != nil || n <= 0 {
		return def
	}
	return int(n)
}

func (s *Service) decode(m persistence.Message) Message {
	out := Message{ID: m.ID, ConversationID: m.ConversationID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	if m.Metadata != "" {
		var meta Metadata
		if err := json.Unmarshal([]byte(m.Metadata), &meta); err != nil {
			s.logger.Warn("bad message metadata", "message_id", m.ID, "error", err)
		} else {
			out.Metadata = &meta
		}
	}
	return out
}

// extractMetadata tags replies that mention portfolio or wallet work.
func extractMetadata(reply string) *Metadata {
	var meta Metadata
	if strings.Contains(reply, "portfolio") || strings.Contains(reply, "Portfolio") {
		meta.Skills = append(meta.Skills, "portfolio")
	}
	if strings.Contains(reply, "wallet") || strings.Contains(reply, "Wallet") {
		meta.ToolCalls = append(meta.ToolCalls, "wallet operations")
	}
	if meta.Skills == nil && meta.ToolCalls == nil {
		return nil
	}
	return &meta
}

// generateTitle cuts the first message at the earliest of '?', '.', or 50
// bytes; a '?' or '.' at position 0 does not count.
func generateTitle(first string) string {
	cleaned := strings.TrimSpace(first)
	cutoff := titleLimit
	for _, sep := range []string{"?", "."} {
		if i := strings.Index(cleaned, sep); i > 0 && i < cutoff {
			cutoff = i
		}
	}
	if cutoff > len(cleaned) {
		cutoff = len(cleaned)
	}
	cutoff = runeBoundary(cleaned, cutoff)
	title := cleaned[:cutoff]
	if len(cleaned) > cutoff {
		title += "..."
	}
	if title == "" {
		return DefaultTitle
	}
	return title
}

func runeBoundary(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// estimateTokens takes the larger of a word-based guess (1.33 per word) and
// len/4, which keeps code and non-English text from being undercounted.
func estimateTokens(h []HistoryEntry) int {
	total := 0
	for _, e := range h {
		if e.Content == "" {
			continue
		}
		words := int(float64(len(strings.Fields(e.Content))) * 1.33)
		chars := len(e.Content) / 4
		total += max(words, chars)
	}
	return total
}
