// Package state persists the user directory to a JSON file.
//
// Every change rewrites users.json atomically under an exclusive file lock
// and keeps the previous version as users.json.bak.
package state

import (
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

// fileVersion is the current users.json schema version.
const fileVersion = "1"

// UserFile is the top-level structure persisted in users.json.
type UserFile struct {
	// Version is the schema version for forward compatibility.
	Version   string      `json:"version"`
	Users     []UserEntry `json:"users"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// UserEntry is one user as stored on disk. Unlike user.User it carries the
// password hash.
type UserEntry struct {
	Username     string      `json:"username"`
	PasswordHash string      `json:"password_hash,omitempty"`
	DeviceType   string      `json:"device_type,omitempty"`
	VM           vm.Resource `json:"vm"`
	CreatedAt    time.Time   `json:"created_at"`
}

func entryFromUser(u *user.User) UserEntry {
	return UserEntry{
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		DeviceType:   u.DeviceType,
		VM:           u.VM,
		CreatedAt:    u.CreatedAt,
	}
}

func (e UserEntry) toUser() *user.User {
	return &user.User{
		Username:     e.Username,
		PasswordHash: e.PasswordHash,
		DeviceType:   e.DeviceType,
		VM:           e.VM,
		CreatedAt:    e.CreatedAt,
	}
}
