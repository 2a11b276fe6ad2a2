package agent

import (
	"context"
	"iter"

	"github.com/ashureev/medquery/internal/domain"
)

// Runtime executes one conversation turn and streams what happens.
// It is implemented over the external agent runtime.
type Runtime interface {
	// Run executes req and yields events until the runtime finishes.
	// A non-nil error ends the stream.
	Run(ctx context.Context, req RunRequest) iter.Seq2[RuntimeEvent, error]
}

// SessionStore persists runtime conversation history.
type SessionStore interface {
	// EnsureSession creates the session unless it already exists.
	EnsureSession(ctx context.Context, userID, sessionID string) error
	// DeleteSession drops the session and its history.
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// UserLookup resolves registered users.
type UserLookup interface {
	Lookup(ctx context.Context, email string) (*domain.User, error)
}
