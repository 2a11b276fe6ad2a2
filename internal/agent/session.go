package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/medquery/internal/identity"
	"github.com/ashureev/medquery/internal/metrics"
)

const sessionDeleteTimeout = 30 * time.Second

// Session is the in-memory handle of a user's conversation.
type Session struct {
	Email     string
	ID        string
	CreatedAt time.Time
}

// SessionManager tracks one conversation session per user email.
// Conversation history lives in the SessionStore; the manager only holds
// handles for conversations currently in progress.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// deleting holds a channel per email whose history is being deleted;
	// it is closed when the deletion finishes.
	deleting map[string]chan struct{}
	// cleared records the sequence number of the latest Clear per email so
	// a creation that overlapped it can start over.
	cleared  map[string]uint64
	creating map[string]int
	seq      uint64
	store    SessionStore
	logger   *slog.Logger
	pending  sync.WaitGroup
}

// NewSessionManager creates a manager backed by store.
func NewSessionManager(store SessionStore, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		deleting: make(map[string]chan struct{}),
		cleared:  make(map[string]uint64),
		creating: make(map[string]int),
		store:    store,
		logger:   logger,
	}
}

// GetOrCreate returns the user's session, creating it in the store when the
// user has none in memory. Stored history of a detached session is resumed.
// A cleared conversation is gone before a new one starts.
func (m *SessionManager) GetOrCreate(ctx context.Context, email string) (*Session, error) {
	email = identity.NormalizeEmail(email)
	sessionID := identity.SessionKey(email)

	for {
		m.mu.Lock()
		if s, ok := m.sessions[email]; ok {
			m.mu.Unlock()
			return s, nil
		}
		if deleting := m.deleting[email]; deleting != nil {
			m.mu.Unlock()
			select {
			case <-deleting:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		gen := m.cleared[email]
		m.creating[email]++
		m.mu.Unlock()

		err := m.store.EnsureSession(ctx, email, sessionID)

		m.mu.Lock()
		if m.creating[email]--; m.creating[email] == 0 {
			delete(m.creating, email)
		}
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("ensure session %s: %w", sessionID, err)
		}
		if m.cleared[email] != gen {
			// A Clear overlapped the creation and may delete what was just created.
			m.mu.Unlock()
			continue
		}
		s, ok := m.sessions[email]
		if !ok {
			s = &Session{Email: email, ID: sessionID, CreatedAt: time.Now()}
			m.sessions[email] = s
			metrics.ActiveSessions.Set(float64(len(m.sessions)))
			m.logger.Debug("Session created", "user_email", email, "session_id", sessionID)
		}
		if m.deleting[email] == nil && m.creating[email] == 0 {
			delete(m.cleared, email)
		}
		m.mu.Unlock()
		return s, nil
	}
}

// Clear forgets the user's session and deletes its stored history in the
// background.
func (m *SessionManager) Clear(email string) {
	email = identity.NormalizeEmail(email)
	sessionID := identity.SessionKey(email)
	done := make(chan struct{})

	m.mu.Lock()
	delete(m.sessions, email)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	prev := m.deleting[email]
	m.deleting[email] = done
	m.seq++
	m.cleared[email] = m.seq
	m.mu.Unlock()

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer func() {
			m.mu.Lock()
			if m.deleting[email] == done {
				delete(m.deleting, email)
				if m.creating[email] == 0 {
					delete(m.cleared, email)
				}
			}
			m.mu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(context.Background(), sessionDeleteTimeout)
		defer cancel()
		if err := m.store.DeleteSession(ctx, email, sessionID); err != nil {
			m.logger.Warn("Failed to delete session history", "user_email", email, "session_id", sessionID, "error", err)
			return
		}
		m.logger.Info("Session cleared", "user_email", email, "session_id", sessionID)
	}()
}

// Detach forgets the user's session but keeps its stored history, so the
// next turn resumes the same conversation.
func (m *SessionManager) Detach(email string) {
	email = identity.NormalizeEmail(email)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, email)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
}

// Has reports whether the user has a session in memory.
func (m *SessionManager) Has(email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[identity.NormalizeEmail(email)]
	return ok
}

// Len returns the number of sessions in memory.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Wait blocks until background deletions have finished.
func (m *SessionManager) Wait() {
	m.pending.Wait()
}
