// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/medquery/internal/domain"
)

// ErrDuplicate is returned when a record with the same key already exists.
var ErrDuplicate = errors.New("record already exists")

// ErrSessionNotFound is returned by the session service for unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// Repository defines the interface for persisting user accounts.
type Repository interface {
	// GetUserByEmail retrieves a user by normalized email.
	// Returns nil, nil when no such user exists.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// CreateUser inserts a new user. Returns ErrDuplicate if the email is taken.
	CreateUser(ctx context.Context, user *domain.User) error

	// CountUsers returns the number of registered users.
	CountUsers(ctx context.Context) (int, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
