// Package ws serves the chat websocket.
package ws

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/medquery/internal/metrics"
)

// Conn is the part of a websocket connection the registry needs.
type Conn interface {
	Close(code websocket.StatusCode, reason string) error
}

// Registry tracks the open connection of each user. A user has at most one;
// a new connection replaces and closes the previous one.
type Registry struct {
	mu     sync.RWMutex
	active map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]Conn),
	}
}

// Active returns the open connection of a user, or nil.
func (r *Registry) Active(email string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[email]
}

// Register records conn as the user's connection.
func (r *Registry) Register(email string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[email]; ok && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "connection replaced")
		slog.Info("Chat connection replaced", "user_email", email)
	}

	r.active[email] = conn
	metrics.WebSocketConnections.Set(float64(len(r.active)))
	slog.Info("Chat connection registered", "user_email", email)
}

// Unregister removes conn. It reports false when conn had already been
// replaced by a newer connection.
func (r *Registry) Unregister(email string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.active[email]
	if !ok || current != conn {
		return false
	}
	delete(r.active, email)
	metrics.WebSocketConnections.Set(float64(len(r.active)))
	slog.Info("Chat connection unregistered", "user_email", email)
	return true
}

// CloseAll closes every open connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for email, conn := range r.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(r.active, email)
	}
	metrics.WebSocketConnections.Set(0)
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
