package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 3 * time.Second

// Check is one dependency probed by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	checks  []Check
	started time.Time
	now     func() time.Time
}

// NewHealthHandler creates a health handler probing the given checks.
func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		started: time.Now(),
		now:     time.Now,
	}
}

// RegisterHealth registers GET /health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Check runs every probe and returns the per-check status and whether all
// of them passed.
func (h *HealthHandler) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	healthy := true
	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			results[c.Name] = err.Error()
			healthy = false
			continue
		}
		results[c.Name] = "ok"
	}
	return results, healthy
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	results, healthy := h.Check(r.Context())

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	now := h.now()
	JSON(w, code, map[string]any{
		"status":         status,
		"checks":         results,
		"uptime":         strings.TrimSpace(humanize.RelTime(h.started, now, "", "")),
		"uptime_seconds": int64(now.Sub(h.started).Seconds()),
		"started_at":     h.started.UTC().Format(time.RFC3339),
	})
}
