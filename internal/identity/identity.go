// Package identity provides email-keyed user identity primitives.
package identity

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// SessionPrefix prefixes every runtime session key.
const SessionPrefix = "user_"

type contextKey int

const (
	emailKey contextKey = iota
)

var sessionKeyReplacer = strings.NewReplacer("@", "_", ".", "_")

// NormalizeEmail trims surrounding whitespace and lower-cases the address.
// All lookups and keys use the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SessionKey derives the runtime session key for a user.
func SessionKey(email string) string {
	return SessionPrefix + sessionKeyReplacer.Replace(NormalizeEmail(email))
}

// WithEmail stores the normalized email in ctx.
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailKey, NormalizeEmail(email))
}

// EmailFromContext extracts the user email from the request context.
func EmailFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(emailKey).(string); ok {
		return v
	}
	return ""
}

// PathEmail injects the email found in the named URL parameter, which may be
// percent-encoded. Requests without one are rejected.
func PathEmail(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// chi matches on the raw path, so an encoded "@" arrives as %40.
			raw, err := url.PathUnescape(chi.URLParam(r, param))
			email := NormalizeEmail(raw)
			if err != nil || email == "" || !strings.Contains(email, "@") {
				http.Error(w, `{"error":"invalid user email"}`, http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithEmail(r.Context(), email)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
