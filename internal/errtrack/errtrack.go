// Package errtrack reports unexpected failures to an error tracker.
package errtrack

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/ashureev/medquery/internal/identity"
)

// Reporter captures errors that are worth a human looking at.
type Reporter interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
	Flush()
}

// New returns a Sentry reporter when dsn is set and a no-op reporter otherwise.
func New(dsn, environment string) (Reporter, error) {
	if dsn == "" {
		return Noop{}, nil
	}
	return NewSentry(dsn, environment)
}

// SentryReporter sends errors to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentry initializes the global Sentry client.
func NewSentry(dsn, environment string) (*SentryReporter, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.CurrentHub()}, nil
}

// CaptureError sends err with the given tags. The user email carried by ctx,
// if any, is attached as the Sentry user.
func (r *SentryReporter) CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		if email := identity.EmailFromContext(ctx); email != "" {
			scope.SetUser(sentry.User{Email: email})
		}
	})
	hub.CaptureException(err)
}

// Flush waits up to two seconds for buffered events to be sent.
func (r *SentryReporter) Flush() {
	sentry.Flush(2 * time.Second)
}

// Noop discards everything.
type Noop struct{}

func (Noop) CaptureError(context.Context, error, map[string]string) {}
func (Noop) Flush()                                                 {}
