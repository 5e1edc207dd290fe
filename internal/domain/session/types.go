// Package session manages the records binding an authenticated user to a VM.
package session

import (
	"time"
)

// Session tracks one authenticated client/VM pairing.
type Session struct {
	// Token is a cryptographically random identifier, 32 bytes hex-encoded.
	// Clients present it to reconnect without re-sending credentials.
	Token string
	// Username owns the session.
	Username string
	// VMAddress is the host or IP of the user's VM. Empty in testing mode
	// or while no VM is assigned.
	VMAddress string
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// ExpiresAt bounds the total session length. It is fixed at creation
	// and never moved by activity.
	ExpiresAt time.Time
	// LastActivity is refreshed whenever the client connection goes down.
	LastActivity time.Time
	// DisconnectedAt is set when the client connection closes and nil
	// while a client is attached.
	DisconnectedAt *time.Time
}

// IsExpired reports whether now is at or past the fixed expiry time.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsConnected reports whether a client connection currently holds the session.
func (s *Session) IsConnected() bool {
	return s.DisconnectedAt == nil
}

// VMIdleExpired reports whether the session has been disconnected for at
// least ttl. Connected sessions never qualify.
func (s *Session) VMIdleExpired(now time.Time, ttl time.Duration) bool {
	if s.DisconnectedAt == nil {
		return false
	}
	return !now.Before(s.DisconnectedAt.Add(ttl))
}

// Clone returns a deep copy so callers never alias stored records.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		c.DisconnectedAt = &t
	}
	return &c
}
