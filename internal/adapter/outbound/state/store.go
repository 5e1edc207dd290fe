package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

// FileUserStore implements user.Store on a JSON file. The file is read
// once at open; afterwards the in-memory copy is authoritative and each
// mutation is written through.
type FileUserStore struct {
	path   string
	mu     sync.Mutex
	users  map[string]UserEntry
	logger *slog.Logger
}

// OpenFileUserStore loads path, starting empty if it does not exist.
func OpenFileUserStore(path string, logger *slog.Logger) (*FileUserStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileUserStore{path: path, users: make(map[string]UserEntry), logger: logger}

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, e := range f.Users {
		s.users[e.Username] = e
	}
	return s, nil
}

func (s *FileUserStore) load() (*UserFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("user file not found, starting empty", "path", s.path)
			return &UserFile{Version: fileVersion}, nil
		}
		return nil, fmt.Errorf("read user file: %w", err)
	}

	// The file holds password hashes.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0o077 != 0 {
				s.logger.Warn("user file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var f UserFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse user file: %w", err)
	}
	if f.Version != "" && f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported user file version %q", f.Version)
	}
	return &f, nil
}

func (s *FileUserStore) Get(ctx context.Context, username string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[username]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return e.toUser(), nil
}

func (s *FileUserStore) Create(ctx context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Username]; ok {
		return user.ErrUserExists
	}
	s.users[u.Username] = entryFromUser(u)
	if err := s.persist(); err != nil {
		delete(s.users, u.Username)
		return err
	}
	return nil
}

func (s *FileUserStore) List(ctx context.Context) ([]*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*user.User, 0, len(s.users))
	for _, e := range s.sorted() {
		out = append(out, e.toUser())
	}
	return out, nil
}

func (s *FileUserStore) SetVM(ctx context.Context, username string, res vm.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[username]
	if !ok {
		return user.ErrUserNotFound
	}
	prev := e.VM
	e.VM = res
	s.users[username] = e
	if err := s.persist(); err != nil {
		e.VM = prev
		s.users[username] = e
		return err
	}
	return nil
}

// RemoveUserVM clears the address and server and returns the previous
// assignment. The volume stays assigned.
func (s *FileUserStore) RemoveUserVM(ctx context.Context, username string) (vm.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[username]
	if !ok {
		return vm.Resource{}, user.ErrUserNotFound
	}
	prev := e.VM
	e.VM = vm.Resource{VolumeID: prev.VolumeID}
	s.users[username] = e
	if err := s.persist(); err != nil {
		e.VM = prev
		s.users[username] = e
		return vm.Resource{}, err
	}
	return prev, nil
}

// Path returns the configured file path.
func (s *FileUserStore) Path() string {
	return s.path
}

func (s *FileUserStore) sorted() []UserEntry {
	entries := make([]UserEntry, 0, len(s.users))
	for _, e := range s.users {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Username < entries[j].Username })
	return entries
}

// persist writes the directory to disk. Callers hold s.mu.
//
// The write sequence is:
//  1. Lock path+".lock" exclusively
//  2. Copy the current file to path+".bak"
//  3. Write path+".tmp" with 0600 permissions and fsync it
//  4. Rename path+".tmp" over path
func (s *FileUserStore) persist() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create user file directory: %w", err)
		}
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := lockExclusive(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer unlockExclusive(lockFile.Fd()) //nolint:errcheck

	if current, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", current, 0o600); writeErr != nil {
			s.logger.Warn("failed to create user file backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(&UserFile{
		Version:   fileVersion,
		Users:     s.sorted(),
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	s.logger.Debug("user file saved", "path", s.path, "users", len(s.users))
	return nil
}

func (s *FileUserStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to user file: %w", err)
	}
	return nil
}

// Compile-time interface verification.
var _ user.Store = (*FileUserStore)(nil)
