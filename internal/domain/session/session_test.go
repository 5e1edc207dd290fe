package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// mockSessionStore is a simple in-memory mock for testing.
type mockSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	saves    int
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{
		sessions: make(map[string]*Session),
	}
}

func (m *mockSessionStore) Create(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Token] = session.Clone()
	return nil
}

func (m *mockSessionStore) FindByToken(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (m *mockSessionStore) FindExpiredVMSessions(ctx context.Context, now time.Time, ttl time.Duration) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.VMIdleExpired(now, ttl) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *mockSessionStore) Save(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.Token]; !ok {
		return ErrSessionNotFound
	}
	m.saves++
	m.sessions[session.Token] = session.Clone()
	return nil
}

func (m *mockSessionStore) Remove(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, token)
	return nil
}

func (m *mockSessionStore) RemoveByUsername(ctx context.Context, username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, s := range m.sessions {
		if s.Username == username {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionStore) List(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateToken()
		if err != nil {
			t.Fatalf("GenerateToken() error = %v", err)
		}
		if len(token) != 64 {
			t.Fatalf("GenerateToken() length = %d, want 64", len(token))
		}
		if seen[token] {
			t.Fatalf("GenerateToken() produced duplicate %q", token)
		}
		seen[token] = true
	}
}

func TestSessionService_Create(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	clock := newFakeClock()
	svc := NewSessionService(store, Config{MaxLength: time.Hour}, WithClock(clock.Now))

	s, err := svc.Create(context.Background(), "alice", "10.0.0.5")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.Username != "alice" || s.VMAddress != "10.0.0.5" {
		t.Errorf("Create() = %+v, want alice/10.0.0.5", s)
	}
	if !s.ExpiresAt.Equal(s.CreatedAt.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want CreatedAt + 1h (%v)", s.ExpiresAt, s.CreatedAt.Add(time.Hour))
	}
	if !s.IsConnected() {
		t.Error("new session should not carry a disconnect time")
	}

	stored, err := store.FindByToken(context.Background(), s.Token)
	if err != nil {
		t.Fatalf("FindByToken() error = %v", err)
	}
	if stored.Username != "alice" {
		t.Errorf("stored username = %q, want alice", stored.Username)
	}
}

func TestSessionService_CreateReplacesPreviousSession(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	svc := NewSessionService(store, Config{})
	ctx := context.Background()

	first, err := svc.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := svc.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := store.FindByToken(ctx, first.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("first session still stored, err = %v", err)
	}
	if _, err := store.FindByToken(ctx, second.Token); err != nil {
		t.Errorf("second session missing: %v", err)
	}
}

func TestSessionService_ExpiryNotExtendedByActivity(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	clock := newFakeClock()
	svc := NewSessionService(store, Config{MaxLength: time.Hour}, WithClock(clock.Now))
	ctx := context.Background()

	s, err := svc.Create(ctx, "alice", "10.0.0.5")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	want := s.ExpiresAt

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Minute)
		if err := svc.MarkConnected(ctx, s); err != nil {
			t.Fatalf("MarkConnected() error = %v", err)
		}
		if err := svc.Disconnect(ctx, s); err != nil {
			t.Fatalf("Disconnect() error = %v", err)
		}
	}

	stored, _ := store.FindByToken(ctx, s.Token)
	if !stored.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt moved to %v, want %v", stored.ExpiresAt, want)
	}
	if !stored.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", stored.LastActivity, clock.Now())
	}
}

func TestSessionService_Resolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		disconnect bool
		advance    time.Duration
		token      string
		wantErr    error
	}{
		{name: "connected session resolves", advance: 30 * time.Minute},
		{name: "recently disconnected resolves", disconnect: true, advance: time.Minute},
		{name: "disconnected past token ttl", disconnect: true, advance: 5 * time.Minute, wantErr: ErrSessionExpired},
		{name: "past max length", advance: time.Hour, wantErr: ErrSessionExpired},
		{name: "unknown token", token: "nope", wantErr: ErrSessionNotFound},
		{name: "empty token", token: "-", wantErr: ErrSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMockSessionStore()
			clock := newFakeClock()
			svc := NewSessionService(store, Config{MaxLength: time.Hour, TokenTTL: 5 * time.Minute}, WithClock(clock.Now))
			ctx := context.Background()

			s, err := svc.Create(ctx, "alice", "10.0.0.5")
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if tt.disconnect {
				if err := svc.Disconnect(ctx, s); err != nil {
					t.Fatalf("Disconnect() error = %v", err)
				}
			}
			clock.Advance(tt.advance)

			token := s.Token
			switch tt.token {
			case "":
			case "-":
				token = ""
			default:
				token = tt.token
			}

			got, err := svc.Resolve(ctx, token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.Token != s.Token {
				t.Errorf("Resolve() token = %q, want %q", got.Token, s.Token)
			}
		})
	}
}

func TestSessionService_DisconnectAfterRemoval(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	svc := NewSessionService(store, Config{})
	ctx := context.Background()

	s, err := svc.Create(ctx, "alice", "10.0.0.5")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Remove(ctx, s.Token); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := svc.Disconnect(ctx, s); err != nil {
		t.Errorf("Disconnect() on removed session error = %v, want nil", err)
	}
}

func TestSessionService_RemoveTwice(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	svc := NewSessionService(store, Config{})
	ctx := context.Background()

	s, _ := svc.Create(ctx, "alice", "")

	removed, err := svc.Remove(ctx, s.Token)
	if err != nil || !removed {
		t.Fatalf("first Remove() = %v, %v; want true, nil", removed, err)
	}
	removed, err = svc.Remove(ctx, s.Token)
	if err != nil || removed {
		t.Fatalf("second Remove() = %v, %v; want false, nil", removed, err)
	}
}

func TestSession_VMIdleExpired(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	disconnected := base.Add(-time.Hour)

	tests := []struct {
		name    string
		session Session
		ttl     time.Duration
		want    bool
	}{
		{name: "connected never qualifies", session: Session{LastActivity: base.Add(-48 * time.Hour)}, ttl: time.Minute, want: false},
		{name: "idle window elapsed", session: Session{DisconnectedAt: &disconnected}, ttl: 30 * time.Minute, want: true},
		{name: "idle window exactly elapsed", session: Session{DisconnectedAt: &disconnected}, ttl: time.Hour, want: true},
		{name: "idle window not elapsed", session: Session{DisconnectedAt: &disconnected}, ttl: 2 * time.Hour, want: false},
		{
			name:    "measured from disconnect not activity",
			session: Session{DisconnectedAt: &disconnected, LastActivity: base.Add(-10 * time.Hour)},
			ttl:     2 * time.Hour,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.session.VMIdleExpired(base, tt.ttl); got != tt.want {
				t.Errorf("VMIdleExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionService_ExpiredVMSessions(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	clock := newFakeClock()
	svc := NewSessionService(store, Config{}, WithClock(clock.Now))
	ctx := context.Background()

	idle, _ := svc.Create(ctx, "idle", "10.0.0.1")
	_ = svc.Disconnect(ctx, idle)
	connected, _ := svc.Create(ctx, "connected", "10.0.0.2")
	_ = connected

	clock.Advance(2 * time.Hour)
	fresh, _ := svc.Create(ctx, "fresh", "10.0.0.3")
	_ = svc.Disconnect(ctx, fresh)

	got, err := svc.ExpiredVMSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpiredVMSessions() error = %v", err)
	}
	if len(got) != 1 || got[0].Username != "idle" {
		t.Fatalf("ExpiredVMSessions() = %+v, want only idle", got)
	}
}
