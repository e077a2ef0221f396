// Package gateway is the host HTTP API the desktop UI talks to, plus the
// /ws bridge that pushes agent actions and brain lifecycle events to it.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aibo-app/aibo-sub001/internal/audit"
	"github.com/aibo-app/aibo-sub001/internal/bus"
	"github.com/aibo-app/aibo-sub001/internal/channels"
	"github.com/aibo-app/aibo-sub001/internal/chat"
	"github.com/aibo-app/aibo-sub001/internal/commands"
	"github.com/aibo-app/aibo-sub001/internal/cron"
	aiboOtel "github.com/aibo-app/aibo-sub001/internal/otel"
	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/rules"
	"github.com/aibo-app/aibo-sub001/internal/settings"
	"github.com/aibo-app/aibo-sub001/internal/shared"
	"github.com/aibo-app/aibo-sub001/internal/skills"
)

const maxBodyBytes = 1 << 20

// Brain is the supervisor surface the API needs.
type Brain interface {
	Running() bool
	PID() int
	Restart(ctx context.Context) error
}

// Bridge reports the RPC client's connection state.
type Bridge interface {
	Connected() bool
}

// WalletTracker tells the backend to start tracking a wallet.
type WalletTracker interface {
	TrackWallet(ctx context.Context, address, chain, label string) (bool, error)
}

type Config struct {
	Store    *persistence.Store
	Settings *settings.Service
	Chat     *chat.Service
	Channels *channels.Service
	Cron     *cron.Service
	Skills   *skills.Registry
	Rules    *rules.Service
	Body     *commands.BodyState
	Tracker  WalletTracker

	Brain  Brain
	Bridge Bridge
	// GatewayURL is reported by /api/openclaw/status.
	GatewayURL string

	Bus     *bus.Bus
	Metrics *aiboOtel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	APIToken      string
	AllowOrigins  []string
	ChatRateLimit int
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	// restarts run detached from the request; wg lets Close wait for them.
	wg sync.WaitGroup
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: NewRateLimiter(cfg.ChatRateLimit, 0),
		clients: map[*client]struct{}{},
	}
}

// Limiter exposes the chat rate limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/openclaw/status", s.handleBrainStatus)
	mux.HandleFunc("POST /api/openclaw/restart", s.handleBrainRestart)

	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /api/settings", s.handleSettingsBulk)
	mux.HandleFunc("PUT /api/settings/{key}", s.handleSettingPut)

	mux.HandleFunc("POST /api/chat", s.limiter.WrapFunc(s.handleChat))
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("POST /api/conversations", s.handleConversationCreate)
	mux.HandleFunc("PATCH /api/conversations/{id}", s.handleConversationRename)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.limiter.WrapFunc(s.handleConversationSend))
	mux.HandleFunc("GET /api/conversations/{id}/history", s.handleHistory)

	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("POST /api/channels", s.handleChannelSave)
	mux.HandleFunc("POST /api/channels/toggle", s.handleChannelsToggle)
	mux.HandleFunc("DELETE /api/channels/{channel}", s.handleChannelDelete)
	mux.HandleFunc("DELETE /api/channels/{channel}/{account}", s.handleChannelDelete)

	mux.HandleFunc("GET /api/cron", s.handleCronList)
	mux.HandleFunc("POST /api/cron", s.handleCronAdd)
	mux.HandleFunc("PUT /api/cron/{id}", s.handleCronUpdate)
	mux.HandleFunc("DELETE /api/cron/{id}", s.handleCronDelete)
	mux.HandleFunc("POST /api/cron/{id}/toggle", s.handleCronToggle)

	mux.HandleFunc("GET /api/rules", s.handleRules)
	mux.HandleFunc("POST /api/rules", s.handleRuleCreate)
	mux.HandleFunc("PUT /api/rules/{id}", s.handleRuleUpdate)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleRuleDelete)
	mux.HandleFunc("POST /api/rules/{id}/toggle", s.handleRuleToggle)

	mux.HandleFunc("GET /api/skills", s.handleSkills)
	mux.HandleFunc("POST /api/skills/{id}/toggle", s.handleSkillToggle)
	mux.HandleFunc("GET /api/skills/{id}/env", s.handleSkillEnvGet)
	mux.HandleFunc("PUT /api/skills/{id}/env", s.handleSkillEnvPut)

	mux.HandleFunc("GET /api/wallets", s.handleWallets)
	mux.HandleFunc("POST /api/wallets", s.handleWalletAdd)
	mux.HandleFunc("DELETE /api/wallets/{address}", s.handleWalletDelete)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = NewAuthMiddleware(s.cfg.APIToken).Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// Close waits for detached restarts triggered through the API.
func (s *Server) Close() {
	s.wg.Wait()
}

// statusRecorder captures the response code for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes /ws upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := shared.WithRequestID(r.Context(), reqID)
		ctx, span := aiboOtel.StartServerSpan(ctx, s.cfg.Tracer, "http "+r.Method,
			aiboOtel.AttrRequestID.String(reqID),
			attribute.String("http.path", r.URL.Path))
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		// The mux records the matched pattern on the request it was handed.
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.Observe(ctx, func(m *aiboOtel.Metrics) metric.Float64Histogram { return m.HTTPDuration }, start,
			attribute.String("http.route", route), attribute.Int("http.status", rec.status))
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "method", r.Method, "route", route, "status", rec.status, "request_id", reqID)
		} else {
			s.logger.Debug("request", "method", r.Method, "route", route, "status", rec.status, "request_id", reqID)
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store != nil && s.cfg.Store.DB().PingContext(r.Context()) == nil
	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"brain_running":   s.cfg.Brain != nil && s.cfg.Brain.Running(),
		"brain_connected": s.cfg.Bridge != nil && s.cfg.Bridge.Connected(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleBrainStatus(w http.ResponseWriter, _ *http.Request) {
	running, pid := false, 0
	if s.cfg.Brain != nil {
		running, pid = s.cfg.Brain.Running(), s.cfg.Brain.PID()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": s.cfg.Bridge != nil && s.cfg.Bridge.Connected(),
		"url":       s.cfg.GatewayURL,
		"running":   running,
		"pid":       pid,
	})
}

func (s *Server) handleBrainRestart(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Brain == nil {
		writeError(w, http.StatusServiceUnavailable, "brain supervisor unavailable")
		return
	}
	audit.Record(audit.OutcomeOK, "brain.restart", "requested via API", "")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.cfg.Brain.Restart(context.Background()); err != nil {
			s.logger.Error("brain restart failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "Restart initiated"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
