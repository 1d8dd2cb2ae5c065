// Package session issues and validates short-lived dashboard tokens.
// An authenticated client exchanges its API key for a session token and
// sends the token on subsequent requests, which keeps the long-lived
// key out of browser storage.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one issued token and its validity window.
type Session struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store is the session capability the auth middleware consults. The
// in-memory implementation below serves a single replica; shared-store
// implementations (for multi-replica deployments) satisfy the same
// interface.
type Store interface {
	// Create mints a new session for subject, valid for ttl.
	Create(ctx context.Context, subject string, ttl time.Duration) (Session, error)

	// Get returns the session for token. The second return is false
	// when the token is unknown or expired.
	Get(ctx context.Context, token string) (Session, bool)

	// Delete invalidates token. Deleting an unknown token is a no-op.
	Delete(ctx context.Context, token string)
}

// MemoryStore keeps sessions in a mutex-guarded map. Expired entries
// are evicted lazily on lookup rather than by a background sweeper;
// the population is bounded by how many tokens get minted per day.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
	}
}

// Create mints a session with a random token.
func (m *MemoryStore) Create(_ context.Context, subject string, ttl time.Duration) (Session, error) {
	if ttl <= 0 {
		return Session{}, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}

	now := time.Now().UTC()
	s := Session{
		Token:     uuid.New().String(),
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()

	return s, nil
}

// Get looks up token, evicting it when expired.
func (m *MemoryStore) Get(_ context.Context, token string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()

	if !ok {
		return Session{}, false
	}
	if !s.Expired(time.Now()) {
		return s, true
	}

	// Re-check under the write lock: another goroutine may have
	// replaced the entry since the read lock was released.
	m.mu.Lock()
	if cur, ok := m.sessions[token]; ok && cur.Expired(time.Now()) {
		delete(m.sessions, token)
	}
	m.mu.Unlock()

	return Session{}, false
}

// Delete removes token from the store.
func (m *MemoryStore) Delete(_ context.Context, token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// Len reports the number of stored sessions, expired entries included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
