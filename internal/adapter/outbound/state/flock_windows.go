//go:build windows

package state

import "golang.org/x/sys/windows"

// lockExclusive waits for a mandatory lock on the first byte of the lock
// file. Every writer locks the same range, so one process persists the
// users file at a time.
func lockExclusive(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
}

// unlockExclusive releases the byte range taken by lockExclusive.
func unlockExclusive(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
