// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/session"
)

// MemorySessionStore implements session.SessionStore with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type MemorySessionStore struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*session.Session),
	}
}

// Create stores a new session.
func (s *MemorySessionStore) Create(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	s.sessions[sess.Token] = sess.Clone()
	return nil
}

// FindByToken retrieves a session by token.
func (s *MemorySessionStore) FindByToken(ctx context.Context, token string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// FindExpiredVMSessions returns disconnected sessions idle for at least ttl.
func (s *MemorySessionStore) FindExpiredVMSessions(ctx context.Context, now time.Time, ttl time.Duration) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.VMIdleExpired(now, ttl) {
			out = append(out, sess.Clone())
		}
	}
	sortSessions(out)
	return out, nil
}

// Save writes changes to an existing session.
func (s *MemorySessionStore) Save(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.Token]; !ok {
		return session.ErrSessionNotFound
	}
	s.sessions[sess.Token] = sess.Clone()
	return nil
}

// Remove deletes a session. Only the first of concurrent callers succeeds.
func (s *MemorySessionStore) Remove(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return session.ErrSessionNotFound
	}
	delete(s.sessions, token)
	return nil
}

// RemoveByUsername deletes every session owned by username.
func (s *MemorySessionStore) RemoveByUsername(ctx context.Context, username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for token, sess := range s.sessions {
		if sess.Username == username {
			delete(s.sessions, token)
			n++
		}
	}
	return n, nil
}

// List returns all sessions ordered by creation time.
func (s *MemorySessionStore) List(ctx context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sortSessions(out)
	return out, nil
}

// Size returns the number of sessions currently stored.
func (s *MemorySessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func sortSessions(out []*session.Session) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

// Compile-time interface verification.
var _ session.SessionStore = (*MemorySessionStore)(nil)
