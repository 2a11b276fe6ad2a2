package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	if got := NormalizeEmail("  Jane.Doe@Example.COM "); got != "jane.doe@example.com" {
		t.Errorf("Expected normalized email, got %q", got)
	}
}

func TestSessionKey(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"jane.doe@example.com":   "user_jane_doe_example_com",
		" Jane.Doe@Example.com ": "user_jane_doe_example_com",
		"a@b":                    "user_a_b",
	}
	for in, want := range tests {
		if got := SessionKey(in); got != want {
			t.Errorf("SessionKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmailContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithEmail(context.Background(), "User@Example.com")
	if got := EmailFromContext(ctx); got != "user@example.com" {
		t.Errorf("Expected user@example.com, got %q", got)
	}
	if got := EmailFromContext(context.Background()); got != "" {
		t.Errorf("Expected empty email, got %q", got)
	}
}

func TestPathEmail(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.With(PathEmail("user_email")).Get("/ws/{user_email}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(EmailFromContext(r.Context())))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/Jane@Example.com", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != "jane@example.com" {
		t.Errorf("Expected normalized email, got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/Ana%40Example.com", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for encoded email, got %d", w.Code)
	}
	if w.Body.String() != "ana@example.com" {
		t.Errorf("Expected decoded email, got %q", w.Body.String())
	}

	for _, path := range []string{"/ws/not-an-email", "/ws/ana%2540example.com"} {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := IPFromRequest(req); got != "10.0.0.1" {
		t.Errorf("Expected 10.0.0.1, got %q", got)
	}
}
