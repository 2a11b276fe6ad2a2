// Package api provides the HTTP handlers for accounts and health.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/medquery/internal/account"
	"github.com/ashureev/medquery/internal/identity"
)

// maxRequestBodySize bounds account request bodies (64KB).
const maxRequestBodySize = 64 << 10

// Handler serves the root and account endpoints.
type Handler struct {
	accounts *account.Service
}

// NewHandler creates a new Handler.
func NewHandler(accounts *account.Service) *Handler {
	return &Handler{accounts: accounts}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// signupRequest is the body of POST /signup.
type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsDoctor bool   `json:"isDoctor"`
}

// loginRequest is the body of POST /login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRoutes registers the root and account routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Post("/signup", h.Signup)
	r.Post("/login", h.Login)
}

// Root handles GET /.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"Hello": "World"})
}

// Signup handles POST /signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.accounts.Signup(r.Context(), account.SignupInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		IsDoctor: req.IsDoctor,
	})
	switch {
	case errors.Is(err, account.ErrMissingCredentials):
		JSON(w, http.StatusBadRequest, map[string]string{"detail": "Email and password required"})
		return
	case errors.Is(err, account.ErrUserExists):
		JSON(w, http.StatusConflict, map[string]string{"message": "User already exists!"})
		return
	case err != nil:
		slog.Error("Signup failed", "user_email", identity.NormalizeEmail(req.Email), "error", err)
		Error(w, http.StatusInternalServerError, "failed to save user")
		return
	}

	slog.Info("User signed up", "user_email", user.Email, "doctor", user.IsDoctor)
	JSON(w, http.StatusOK, map[string]any{"message": "User saved successfully!", "status": http.StatusOK})
}

// Login handles POST /login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, account.ErrMissingCredentials):
		JSON(w, http.StatusBadRequest, map[string]string{"detail": "Email and password required"})
		return
	case errors.Is(err, account.ErrInvalidCredentials):
		JSON(w, http.StatusUnauthorized, map[string]any{"message": "No user found with that email.", "user_found": false})
		return
	case err != nil:
		slog.Error("Login failed", "user_email", identity.NormalizeEmail(req.Email), "error", err)
		Error(w, http.StatusInternalServerError, "failed to log in")
		return
	}

	slog.Info("User logged in", "user_email", user.Email)
	JSON(w, http.StatusOK, map[string]any{"message": "User logged in successfully!", "user_found": true, "status": http.StatusOK})
}
