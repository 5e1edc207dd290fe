package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxLength bounds a session's total lifetime.
	DefaultMaxLength = 6 * time.Hour
	// DefaultTokenTTL is how long a disconnected session's token stays usable.
	DefaultTokenTTL = 5 * time.Minute
)

// Config holds session service configuration.
type Config struct {
	// MaxLength is added to CreatedAt to produce ExpiresAt. Default: 6 hours.
	MaxLength time.Duration
	// TokenTTL is the reconnect window after a disconnect. Default: 5 minutes.
	TokenTTL time.Duration
}

// Option configures a SessionService.
type Option func(*SessionService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SessionService) {
		s.now = now
	}
}

// SessionService manages session lifecycle.
type SessionService struct {
	store     SessionStore
	maxLength time.Duration
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewSessionService creates a new SessionService with the given store and config.
func NewSessionService(store SessionStore, cfg Config, opts ...Option) *SessionService {
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = DefaultMaxLength
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = DefaultTokenTTL
	}
	s := &SessionService{
		store:     store,
		maxLength: maxLength,
		tokenTTL:  tokenTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *SessionService) Now() time.Time {
	return s.now()
}

// Create issues a new session for username. Any earlier sessions of the
// same user are dropped so a user holds at most one.
func (s *SessionService) Create(ctx context.Context, username, vmAddress string) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	if _, err := s.store.RemoveByUsername(ctx, username); err != nil {
		return nil, fmt.Errorf("failed to drop previous sessions: %w", err)
	}

	now := s.now()
	session := &Session{
		Token:        token,
		Username:     username,
		VMAddress:    vmAddress,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.maxLength),
		LastActivity: now,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Resolve looks up a session by token for the reconnect path.
// Returns ErrSessionNotFound for unknown tokens and ErrSessionExpired when
// the session is past its expiry or was disconnected longer than the token TTL.
func (s *SessionService) Resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	session, err := s.store.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if session.IsExpired(now) {
		return nil, ErrSessionExpired
	}
	if session.DisconnectedAt != nil && now.Sub(*session.DisconnectedAt) >= s.tokenTTL {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// MarkConnected records that a client is attached to the session.
func (s *SessionService) MarkConnected(ctx context.Context, session *Session) error {
	session.DisconnectedAt = nil
	if err := s.store.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to mark session connected: %w", err)
	}
	return nil
}

// Disconnect stamps the session's last activity and disconnect time and
// persists it. A session already reclaimed by a sweep is not an error.
func (s *SessionService) Disconnect(ctx context.Context, session *Session) error {
	now := s.now()
	session.LastActivity = now
	session.DisconnectedAt = &now

	err := s.store.Save(ctx, session)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ExpiredVMSessions returns disconnected sessions whose VM has been idle
// for at least ttl.
func (s *SessionService) ExpiredVMSessions(ctx context.Context, ttl time.Duration) ([]*Session, error) {
	return s.store.FindExpiredVMSessions(ctx, s.now(), ttl)
}

// Remove deletes a session. It reports false without error when another
// caller removed it first.
func (s *SessionService) Remove(ctx context.Context, token string) (bool, error) {
	err := s.store.Remove(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns all sessions.
func (s *SessionService) List(ctx context.Context) ([]*Session, error) {
	return s.store.List(ctx)
}

// GenerateToken creates a cryptographically random session token.
// Returns 64 hex characters (32 bytes).
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
