package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/medquery/internal/api"
	"github.com/ashureev/medquery/internal/identity"
	"github.com/ashureev/medquery/internal/middleware"
)

// defaultMaxRequestBodySize is the maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Channels reported in logs and metrics.
const (
	ChannelHTTP      = "http"
	ChannelHTTPSSE   = "http_sse"
	ChannelWebSocket = "ws"
)

// chatRequest is the body of POST /chatendpoint.
type chatRequest struct {
	Email            string `json:"email"`
	Query            string `json:"query"`
	EnableDeepsearch bool   `json:"enable_deepsearch"`
	IsDoctor         bool   `json:"is_doctor"`
}

// answerRequest is the body of POST /answer_user. The flags are optional
// and default to off.
type answerRequest struct {
	Email            string `json:"email"`
	Answer           string `json:"answer"`
	EnableDeepsearch *bool  `json:"enable_deepsearch"`
	IsDoctor         *bool  `json:"is_doctor"`
}

// Handler serves the HTTP chat endpoints.
type Handler struct {
	agent   *Service
	limiter *middleware.KeyedLimiter
}

// NewHandler creates a handler. limiter throttles turns per user email and
// may be nil.
func NewHandler(agent *Service, limiter *middleware.KeyedLimiter) *Handler {
	return &Handler{agent: agent, limiter: limiter}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chatendpoint", h.HandleChat)
	r.Post("/chatendpoint/stream", h.HandleChatStream)
	r.Post("/answer_user", h.HandleAnswer)
}

// HandleChat handles POST /chatendpoint. Any previous conversation of the
// user is discarded and the first terminal envelope is returned.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Email == "" || strings.TrimSpace(req.Query) == "" {
		api.Error(w, http.StatusBadRequest, "email and query are required")
		return
	}
	if !h.allow(w, req.Email) {
		return
	}

	h.agent.Sessions().Clear(req.Email)

	slog.Info("Chat request",
		"user_email", identity.NormalizeEmail(req.Email),
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"deep_search", req.EnableDeepsearch,
	)

	env := h.agent.RunToTerminal(r.Context(), Turn{
		Email:      req.Email,
		Input:      req.Query,
		DeepSearch: req.EnableDeepsearch,
		Doctor:     req.IsDoctor,
		Channel:    ChannelHTTP,
	})
	api.JSON(w, http.StatusOK, env)
}

// HandleAnswer handles POST /answer_user, continuing the conversation with
// the user's reply to a clarifying question.
func (h *Handler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Email == "" || strings.TrimSpace(req.Answer) == "" {
		api.Error(w, http.StatusBadRequest, "email and answer are required")
		return
	}
	if !h.allow(w, req.Email) {
		return
	}

	env := h.agent.RunToTerminal(r.Context(), Turn{
		Email:      req.Email,
		Input:      req.Answer,
		DeepSearch: flag(req.EnableDeepsearch),
		Doctor:     flag(req.IsDoctor),
		Channel:    ChannelHTTP,
	})
	api.JSON(w, http.StatusOK, env)
}

// HandleChatStream handles POST /chatendpoint/stream: same input as
// /chatendpoint, but every envelope is streamed as a server-sent event.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Email == "" || strings.TrimSpace(req.Query) == "" {
		api.Error(w, http.StatusBadRequest, "email and query are required")
		return
	}
	if !h.allow(w, req.Email) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h.agent.Sessions().Clear(req.Email)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for env := range h.agent.Run(r.Context(), Turn{
		Email:      req.Email,
		Input:      req.Query,
		DeepSearch: req.EnableDeepsearch,
		Doctor:     req.IsDoctor,
		Channel:    ChannelHTTPSSE,
	}) {
		data, err := json.Marshal(env)
		if err != nil {
			slog.Warn("failed to marshal envelope", "error", err)
			return
		}
		if err := writeSSE(w, string(env.Type), string(data)); err != nil {
			slog.Warn("failed to write SSE event", "error", err)
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) allow(w http.ResponseWriter, email string) bool {
	if h.limiter == nil || h.limiter.Allow(identity.NormalizeEmail(email)) {
		return true
	}
	api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func flag(b *bool) bool {
	return b != nil && *b
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
