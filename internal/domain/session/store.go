package session

import (
	"context"
	"errors"
	"time"
)

// SessionStore provides session persistence.
// Implementations: sqlite (prod), in-memory (dev, test).
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// FindByToken retrieves a session by token.
	// Returns ErrSessionNotFound if it doesn't exist.
	FindByToken(ctx context.Context, token string) (*Session, error)

	// FindExpiredVMSessions returns every disconnected session whose
	// disconnect time is at least ttl before now.
	FindExpiredVMSessions(ctx context.Context, now time.Time, ttl time.Duration) ([]*Session, error)

	// Save writes changes to an existing session.
	// Returns ErrSessionNotFound if the record was removed meanwhile.
	Save(ctx context.Context, session *Session) error

	// Remove deletes a session. The delete is conditional: only one of
	// several concurrent callers succeeds, the rest get ErrSessionNotFound.
	Remove(ctx context.Context, token string) error

	// RemoveByUsername deletes all sessions owned by username and reports
	// how many were removed.
	RemoveByUsername(ctx context.Context, username string) (int, error)

	// List returns all sessions ordered by creation time.
	List(ctx context.Context) ([]*Session, error)
}

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a token resolves to a session that
	// can no longer be resumed.
	ErrSessionExpired = errors.New("session expired")
)
