//go:build !windows

package state

import "syscall"

// lockExclusive waits for the advisory lock that guards the users file
// against a concurrent writer in another svmp-proxy process, such as the
// CLI editing users while the server runs.
func lockExclusive(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

// unlockExclusive releases the lock taken by lockExclusive. Closing fd
// releases it too.
func unlockExclusive(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
