// Package user holds the accounts allowed to connect and their VM assignment.
package user

import (
	"context"
	"errors"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

// User is an account and the VM currently assigned to it.
type User struct {
	Username string `json:"username"`
	// PasswordHash is an argon2id or bcrypt hash. Empty for users that
	// authenticate through an external validator or a certificate.
	PasswordHash string      `json:"-"`
	DeviceType   string      `json:"device_type,omitempty"`
	VM           vm.Resource `json:"vm"`
	CreatedAt    time.Time   `json:"created_at"`
}

// HasVM reports whether a VM is assigned.
func (u *User) HasVM() bool {
	return u.VM.ServerID != "" || u.VM.Address != ""
}

// Store provides user persistence.
// Implementations: sqlite (prod), in-memory (dev, test).
type Store interface {
	// Get retrieves a user. Returns ErrUserNotFound if missing.
	Get(ctx context.Context, username string) (*User, error)

	// Create stores a new user. Returns ErrUserExists on duplicates.
	Create(ctx context.Context, u *User) error

	// List returns all users ordered by username.
	List(ctx context.Context) ([]*User, error)

	// SetVM replaces the user's VM assignment.
	SetVM(ctx context.Context, username string, res vm.Resource) error

	// RemoveUserVM clears the user's VM address and server and returns the
	// assignment that was cleared. The volume is kept so it can be
	// reattached. The read and the clear are atomic, so concurrent callers
	// see the server ID at most once.
	RemoveUserVM(ctx context.Context, username string) (vm.Resource, error)
}

var (
	// ErrUserNotFound is returned when a user doesn't exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when creating a duplicate username.
	ErrUserExists = errors.New("user already exists")
)
