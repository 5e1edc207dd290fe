package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

// MemoryUserStore implements user.Store with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type MemoryUserStore struct {
	users map[string]*user.User
	mu    sync.RWMutex
}

// NewUserStore creates a new in-memory user store.
func NewUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users: make(map[string]*user.User),
	}
}

func (s *MemoryUserStore) Get(ctx context.Context, username string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (s *MemoryUserStore) Create(ctx context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Username]; ok {
		return user.ErrUserExists
	}
	c := *u
	s.users[u.Username] = &c
	return nil
}

func (s *MemoryUserStore) List(ctx context.Context) ([]*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*user.User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryUserStore) SetVM(ctx context.Context, username string, res vm.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return user.ErrUserNotFound
	}
	u.VM = res
	return nil
}

func (s *MemoryUserStore) RemoveUserVM(ctx context.Context, username string) (vm.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return vm.Resource{}, user.ErrUserNotFound
	}
	prev := u.VM
	u.VM = vm.Resource{VolumeID: prev.VolumeID}
	return prev, nil
}

// Compile-time interface verification.
var _ user.Store = (*MemoryUserStore)(nil)
