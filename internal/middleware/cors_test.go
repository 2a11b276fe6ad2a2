package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantCode   int
		wantOrigin string
		wantCreds  string
	}{
		{"explicit origin", []string{"http://localhost:3000/"}, "http://localhost:3000", http.MethodPost, http.StatusTeapot, "http://localhost:3000", "true"},
		{"wildcard without credentials", []string{"*"}, "https://app.example.com", http.MethodGet, http.StatusTeapot, "https://app.example.com", ""},
		{"unknown origin", []string{"http://localhost:3000"}, "https://evil.example.com", http.MethodGet, http.StatusTeapot, "", ""},
		{"preflight", []string{"http://localhost:3000"}, "http://localhost:3000", http.MethodOptions, http.StatusNoContent, "http://localhost:3000", "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, "/chatendpoint", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, rec.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		})
	}
}
