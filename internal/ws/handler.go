package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/medquery/internal/agent"
	"github.com/ashureev/medquery/internal/identity"
	"github.com/ashureev/medquery/internal/middleware"
)

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 1 << 20
	inboxSize       = 8
)

// clientMessage is a frame sent by the browser.
type clientMessage struct {
	Type             string `json:"type"`
	Query            string `json:"query"`
	Answer           string `json:"answer"`
	EnableDeepsearch *bool  `json:"enable_deepsearch"`
	IsDoctor         *bool  `json:"is_doctor"`
}

// Config wires a Handler.
type Config struct {
	Agent    *agent.Service
	Registry *Registry
	// Users resolves the stored role when a message omits is_doctor.
	Users agent.UserLookup
	// Limiter throttles turns per user and may be nil.
	Limiter       *middleware.KeyedLimiter
	AllowedOrigin string
	IsDev         bool
}

// Handler serves /ws/{user_email}.
type Handler struct {
	agent         *agent.Service
	registry      *Registry
	users         agent.UserLookup
	limiter       *middleware.KeyedLimiter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a websocket handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Handler{
		agent:         cfg.Agent,
		registry:      cfg.Registry,
		users:         cfg.Users,
		limiter:       cfg.Limiter,
		allowedOrigin: cfg.AllowedOrigin,
		isDev:         cfg.IsDev,
	}
}

// RegisterRoutes registers the websocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(identity.PathEmail("user_email")).Get("/ws/{user_email}", h.ServeHTTP)
}

// ServeHTTP upgrades the connection and runs one turn per query or answer
// message, streaming every envelope back. Disconnecting clears the user's
// conversation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email := identity.EmailFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_email", email, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_email", email)
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_email", email)
		}
	}()

	h.registry.Register(email, conn)
	defer func() {
		if h.registry.Unregister(email, conn) {
			h.agent.Sessions().Clear(email)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbox := make(chan []byte, inboxSize)
	go func() {
		defer cancel()
		defer close(inbox)
		h.readLoop(ctx, conn, email, inbox)
	}()

	for data := range inbox {
		if !h.handleMessage(ctx, conn, email, data) {
			return
		}
	}
	slog.Info("WebSocket session ended", "user_email", email)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, email string, inbox chan<- []byte) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "user_email", email)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_email", email)
			}
			return
		}
		select {
		case inbox <- data:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage processes one client frame. It returns false when the
// connection can no longer be written to.
func (h *Handler) handleMessage(ctx context.Context, conn *websocket.Conn, email string, data []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return h.writeJSON(ctx, conn, errorEnvelope("invalid message: expected a JSON object"))
	}

	var input string
	switch msg.Type {
	case "query":
		input = msg.Query
	case "answer":
		input = msg.Answer
	case "ping":
		return h.writeJSON(ctx, conn, map[string]string{"type": "pong"})
	default:
		return h.writeJSON(ctx, conn, errorEnvelope("unknown message type: "+msg.Type))
	}
	if strings.TrimSpace(input) == "" {
		return h.writeJSON(ctx, conn, errorEnvelope(msg.Type+" must not be empty"))
	}
	if h.limiter != nil && !h.limiter.Allow(email) {
		return h.writeJSON(ctx, conn, errorEnvelope("rate limit exceeded"))
	}

	turn := agent.Turn{
		Email:      email,
		Input:      input,
		DeepSearch: msg.EnableDeepsearch != nil && *msg.EnableDeepsearch,
		Doctor:     h.doctor(ctx, email, msg.IsDoctor),
		Channel:    agent.ChannelWebSocket,
	}
	turnID := uuid.NewString()
	slog.Info("WebSocket turn started", "user_email", email, "turn_id", turnID, "type", msg.Type, "deep_search", turn.DeepSearch)
	sent := 0
	for env := range h.agent.Run(ctx, turn) {
		if !h.writeJSON(ctx, conn, env) {
			slog.Warn("WebSocket turn aborted", "user_email", email, "turn_id", turnID, "sent", sent)
			return false
		}
		sent++
	}
	slog.Info("WebSocket turn finished", "user_email", email, "turn_id", turnID, "sent", sent)
	return true
}

// doctor resolves the audience of a turn. An explicit flag wins; otherwise
// the stored profile decides.
func (h *Handler) doctor(ctx context.Context, email string, flag *bool) bool {
	if flag != nil {
		return *flag
	}
	if h.users == nil {
		return false
	}
	user, err := h.users.Lookup(ctx, email)
	if err != nil || user == nil {
		return false
	}
	return user.IsDoctor
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) writeJSON(ctx context.Context, conn *websocket.Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to encode websocket message", "error", err)
		return true
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return false
	}
	return true
}

func errorEnvelope(msg string) agent.Envelope {
	return agent.Envelope{Type: agent.EnvelopeError, Output: msg}
}
