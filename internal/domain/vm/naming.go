package vm

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const serverNamePrefix = "svmp_user_vm_"

// ServerName derives the VM name for a user. Characters providers reject
// are replaced, and a hash suffix keeps replaced names from colliding.
func ServerName(username string) string {
	return serverNamePrefix + safeName(username)
}

// VolumeName derives the block storage name for a user.
func VolumeName(username string) string {
	return safeName(username) + "_volume"
}

// VolumeDescription is attached to the user's volume for operators.
func VolumeDescription(username string) string {
	return "Block Storage for: " + username
}

func safeName(username string) string {
	var b strings.Builder
	changed := false
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	if !changed && b.Len() > 0 {
		return b.String()
	}
	return fmt.Sprintf("%s_%08x", b.String(), uint32(xxhash.Sum64String(username)))
}
