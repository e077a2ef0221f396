package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/aibo-app/aibo-sub001/internal/channels"
	"github.com/aibo-app/aibo-sub001/internal/chat"
	"github.com/aibo-app/aibo-sub001/internal/cron"
	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/rpc"
	"github.com/aibo-app/aibo-sub001/internal/rules"
	"github.com/aibo-app/aibo-sub001/internal/settings"
	"github.com/aibo-app/aibo-sub001/internal/shared"
)

// allowedSettings applies to single-key and bulk writes alike.
var allowedSettings = map[string]bool{
	settings.KeyOpenAI:          true,
	settings.KeyAnthropic:       true,
	settings.KeyDeepSeek:        true,
	settings.KeyUseLocalBrain:   true,
	settings.KeyOllamaHost:      true,
	settings.KeyOllamaModel:     true,
	settings.KeyDefaultModel:    true,
	settings.KeyTemperature:     true,
	settings.KeySystemPrompt:    true,
	settings.KeyChannelsConfig:  true,
	settings.KeyChannelsEnabled: true,
	settings.KeySkillsConfig:    true,
	settings.KeyCronJobs:        true,
	settings.KeyHistoryWindow:   true,
	settings.KeyChatMaxTokens:   true,
	settings.KeyChatTrimHistory: true,
	settings.KeyMonitoring:      true,
}

var accountNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// --- settings ---

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	all, err := s.cfg.Settings.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	out := make(map[string]any, len(all)+3)
	for k, v := range all {
		out[k] = v
	}
	// Channel tokens live inside a JSON value; serve the masked view instead.
	if _, present := all[settings.KeyChannelsConfig]; present && s.cfg.Channels != nil {
		if masked, err := s.cfg.Channels.List(r.Context()); err == nil {
			b, _ := json.Marshal(masked)
			out[settings.KeyChannelsConfig] = string(b)
		} else {
			delete(out, settings.KeyChannelsConfig)
		}
	}
	out["hasOpenai"] = all[settings.KeyOpenAI] != ""
	out["hasAnthropic"] = all[settings.KeyAnthropic] != ""
	out["hasDeepseek"] = all[settings.KeyDeepSeek] != ""
	writeJSON(w, http.StatusOK, out)
}

func settingString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func (s *Server) handleSettingsBulk(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if !decodeBody(w, r, &payload) {
		return
	}
	values := make(map[string]string, len(payload))
	for k, v := range payload {
		if !allowedSettings[k] {
			continue
		}
		str := settingString(v)
		if shared.IsMasked(str) {
			continue
		}
		values[k] = str
	}
	if err := s.cfg.Settings.SetMany(r.Context(), values); err != nil {
		s.logger.Error("bulk settings update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}
	ok(w)
}

func (s *Server) handleSettingPut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !allowedSettings[key] {
		writeError(w, http.StatusForbidden, "Setting key not allowed")
		return
	}
	var body struct {
		Value any `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	str := settingString(body.Value)
	if shared.IsMasked(str) {
		ok(w)
		return
	}
	if err := s.cfg.Settings.Set(r.Context(), key, str); err != nil {
		s.logger.Error("setting update failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update setting")
		return
	}
	ok(w)
}

// --- chat ---

func (s *Server) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, rpc.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "Brain is not connected")
	case errors.Is(err, rpc.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		var be *rpc.BrainError
		if errors.As(err, &be) {
			writeError(w, http.StatusBadGateway, be.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to send message")
	}
}

func (s *Server) brainConnected() bool {
	return s.cfg.Bridge != nil && s.cfg.Bridge.Connected()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message        string `json:"message"`
		ConversationID *int64 `json:"conversationId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, chat.ErrEmptyMessage.Error())
		return
	}
	if !s.brainConnected() {
		writeError(w, http.StatusServiceUnavailable, "Brain is not connected")
		return
	}
	var convID int64
	if body.ConversationID != nil {
		convID = *body.ConversationID
	} else {
		conv, err := s.cfg.Chat.DailyConversation(r.Context())
		if err != nil {
			s.chatError(w, err)
			return
		}
		convID = conv.ID
	}
	ex, err := s.cfg.Chat.Send(r.Context(), convID, body.Message)
	if err != nil {
		s.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return 0, false
	}
	return id, true
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.cfg.Chat.Conversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []persistence.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	conv, err := s.cfg.Chat.Create(r.Context(), body.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (s *Server) handleConversationRename(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(w, r)
	if !valid {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cfg.Chat.Rename(r.Context(), id, body.Title); err != nil {
		s.chatError(w, err)
		return
	}
	ok(w)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(w, r)
	if !valid {
		return
	}
	if err := s.cfg.Chat.Delete(r.Context(), id); err != nil {
		s.chatError(w, err)
		return
	}
	ok(w)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(w, r)
	if !valid {
		return
	}
	msgs, err := s.cfg.Chat.Messages(r.Context(), id)
	if err != nil {
		s.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(w, r)
	if !valid {
		return
	}
	h, err := s.cfg.Chat.History(r.Context(), id)
	if err != nil {
		s.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": h})
}

func (s *Server) handleConversationSend(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(w, r)
	if !valid {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, chat.ErrEmptyMessage.Error())
		return
	}
	if !s.brainConnected() {
		writeError(w, http.StatusServiceUnavailable, "Brain is not connected")
		return
	}
	ex, err := s.cfg.Chat.Send(r.Context(), id, body.Message)
	if err != nil {
		s.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// --- channels ---

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Channels.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load channels")
		return
	}
	status, _ := s.cfg.Channels.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": list,
		"enabled":  s.cfg.Settings.GetBool(r.Context(), settings.KeyChannelsEnabled),
		"status":   status,
	})
}

func (s *Server) handleChannelSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel     string            `json:"channel"`
		AccountName string            `json:"accountName"`
		Config      *channels.Account `json:"config"`
		Verify      bool              `json:"verify"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AccountName == "" {
		body.AccountName = "default"
	}
	if !accountNameRe.MatchString(body.AccountName) {
		writeError(w, http.StatusBadRequest, "Account name must be alphanumeric (max 64 chars).")
		return
	}
	if body.Config == nil {
		writeError(w, http.StatusBadRequest, "Config is required.")
		return
	}
	bot, err := s.cfg.Channels.Save(r.Context(), body.Channel, body.AccountName, *body.Config, body.Verify)
	if err != nil {
		switch {
		case errors.Is(err, channels.ErrUnknownChannel):
			writeError(w, http.StatusBadRequest, "Invalid channel. Must be telegram, discord, or whatsapp.")
		case errors.Is(err, channels.ErrInvalidToken):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "botName": bot})
}

func (s *Server) handleChannelsToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled must be a boolean.")
		return
	}
	if err := s.cfg.Settings.Set(r.Context(), settings.KeyChannelsEnabled, strconv.FormatBool(*body.Enabled)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle channels")
		return
	}
	ok(w)
}

func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	if account == "" {
		account = "default"
	}
	err := s.cfg.Channels.Remove(r.Context(), r.PathValue("channel"), account)
	if errors.Is(err, channels.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove channel")
		return
	}
	ok(w)
}

// --- cron ---

func cronError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cron.ErrInvalidSchedule), errors.Is(err, cron.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cron.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "cron update failed")
	}
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cfg.Cron.List(r.Context())
	if err != nil {
		cronError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	var job cron.Job
	if !decodeBody(w, r, &job) {
		return
	}
	saved, err := s.cfg.Cron.Add(r.Context(), job)
	if err != nil {
		cronError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": saved})
}

func (s *Server) handleCronUpdate(w http.ResponseWriter, r *http.Request) {
	var job cron.Job
	if !decodeBody(w, r, &job) {
		return
	}
	job.ID = r.PathValue("id")
	saved, err := s.cfg.Cron.Update(r.Context(), job)
	if err != nil {
		cronError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": saved})
}

func (s *Server) handleCronDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Cron.Remove(r.Context(), r.PathValue("id")); err != nil {
		cronError(w, err)
		return
	}
	ok(w)
}

func (s *Server) handleCronToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cfg.Cron.Toggle(r.Context(), r.PathValue("id"), body.Enabled); err != nil {
		cronError(w, err)
		return
	}
	ok(w)
}

// --- rules ---

func ruleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rules.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rules.ErrNotFound):
		writeError(w, http.StatusNotFound, "Rule not found")
	default:
		writeError(w, http.StatusInternalServerError, "rule update failed")
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return 0, false
	}
	return id, true
}

type ruleBody struct {
	Text string `json:"text"`
	// Kind is "policy" or "guard"; empty infers it from the text.
	Kind string `json:"kind"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Rules.List(r.Context())
	if err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var body ruleBody
	if !decodeBody(w, r, &body) {
		return
	}
	rule, err := s.cfg.Rules.Create(r.Context(), body.Text, body.Kind)
	if err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rule": rule})
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	id, valid := ruleID(w, r)
	if !valid {
		return
	}
	var body ruleBody
	if !decodeBody(w, r, &body) {
		return
	}
	rule, err := s.cfg.Rules.Update(r.Context(), id, body.Text, body.Kind)
	if err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": rule})
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id, valid := ruleID(w, r)
	if !valid {
		return
	}
	if err := s.cfg.Rules.Delete(r.Context(), id); err != nil {
		ruleError(w, err)
		return
	}
	ok(w)
}

func (s *Server) handleRuleToggle(w http.ResponseWriter, r *http.Request) {
	id, valid := ruleID(w, r)
	if !valid {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cfg.Rules.Toggle(r.Context(), id, body.Enabled); err != nil {
		ruleError(w, err)
		return
	}
	ok(w)
}

// --- skills ---

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	all, err := s.cfg.Skills.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to scan skills")
		return
	}
	statuses, err := s.cfg.Skills.Statuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check skills")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": all, "status": statuses})
}

func (s *Server) skillExists(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	sk, err := s.cfg.Skills.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to scan skills")
		return "", false
	}
	if sk == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("skill %q not found", id))
		return "", false
	}
	return id, true
}

func (s *Server) handleSkillToggle(w http.ResponseWriter, r *http.Request) {
	id, found := s.skillExists(w, r)
	if !found {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cfg.Skills.Toggle(r.Context(), id, body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle skill")
		return
	}
	ok(w)
}

func (s *Server) handleSkillEnvGet(w http.ResponseWriter, r *http.Request) {
	id, found := s.skillExists(w, r)
	if !found {
		return
	}
	env := s.cfg.Skills.Env(r.Context(), id)
	for k, v := range env {
		env[k] = shared.Mask(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": env})
}

func (s *Server) handleSkillEnvPut(w http.ResponseWriter, r *http.Request) {
	id, found := s.skillExists(w, r)
	if !found {
		return
	}
	var env map[string]string
	if !decodeBody(w, r, &env) {
		return
	}
	// Masked echoes keep the stored value.
	current := s.cfg.Skills.Env(r.Context(), id)
	for k, v := range env {
		if shared.IsMasked(v) {
			env[k] = current[k]
		}
	}
	if err := s.cfg.Skills.SetEnv(r.Context(), id, env); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save skill env")
		return
	}
	ok(w)
}

// --- wallets ---

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	ws, err := s.cfg.Store.ListWallets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list wallets")
		return
	}
	if ws == nil {
		ws = []persistence.Wallet{}
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleWalletAdd(w http.ResponseWriter, r *http.Request) {
	var body persistence.Wallet
	if !decodeBody(w, r, &body) {
		return
	}
	body.Address = strings.TrimSpace(body.Address)
	if body.Address == "" {
		writeError(w, http.StatusBadRequest, "Address is required")
		return
	}
	if strings.EqualFold(body.ChainType, persistence.ChainSolana) {
		body.ChainType = persistence.ChainSolana
	} else {
		body.ChainType = persistence.ChainEVM
	}
	added, err := s.cfg.Store.AddWallet(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add wallet")
		return
	}
	if !added {
		writeError(w, http.StatusConflict, "Wallet already tracked")
		return
	}
	if s.cfg.Tracker != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.cfg.Tracker.TrackWallet(context.WithoutCancel(r.Context()), body.Address, body.ChainType, body.Label); err != nil {
				s.logger.Warn("backend wallet tracking failed", "address", body.Address, "error", err)
			}
		}()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "wallet": body})
}

func (s *Server) handleWalletDelete(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Store.RemoveWallet(r.Context(), r.PathValue("address"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove wallet")
		return
	}
	ok(w)
}
