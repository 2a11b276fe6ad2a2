// Package pending caches the clarifying question a user still has to answer.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/medquery/internal/identity"
)

// Store holds at most one outstanding question per user email.
type Store interface {
	// Put records question as outstanding for email, replacing any previous one.
	Put(ctx context.Context, email, question string) error
	// Take returns and removes the outstanding question. ok is false when
	// nothing was pending.
	Take(ctx context.Context, email string) (question string, ok bool, err error)
	// Delete drops any outstanding question.
	Delete(ctx context.Context, email string) error
}

type entry struct {
	question  string
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store. A zero ttl keeps entries until taken.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, email, question string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{question: question}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.entries[identity.NormalizeEmail(email)] = e
	return nil
}

func (m *MemoryStore) Take(_ context.Context, email string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := identity.NormalizeEmail(email)
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(m.entries, key)
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.question, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, identity.NormalizeEmail(email))
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
