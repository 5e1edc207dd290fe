package auth

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/svmp/svmp-proxy/internal/adapter/outbound/memory"
	"github.com/svmp/svmp-proxy/internal/domain/ratelimit"
	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

type mockUserStore struct {
	mu    sync.Mutex
	users map[string]*user.User
	gets  int
}

func newMockUserStore(users ...*user.User) *mockUserStore {
	m := &mockUserStore{users: make(map[string]*user.User)}
	for _, u := range users {
		m.users[u.Username] = u
	}
	return m
}

func (m *mockUserStore) Get(ctx context.Context, username string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	u, ok := m.users[username]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *mockUserStore) Create(ctx context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = u
	return nil
}

func (m *mockUserStore) List(ctx context.Context) ([]*user.User, error) { return nil, nil }

func (m *mockUserStore) SetVM(ctx context.Context, username string, res vm.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username].VM = res
	return nil
}

func (m *mockUserStore) RemoveUserVM(ctx context.Context, username string) (vm.Resource, error) {
	return vm.Resource{}, nil
}

func (m *mockUserStore) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]*session.Session)}
}

func (m *mockSessionStore) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s.Clone()
	return nil
}

func (m *mockSessionStore) FindByToken(ctx context.Context, token string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *mockSessionStore) FindExpiredVMSessions(ctx context.Context, now time.Time, ttl time.Duration) ([]*session.Session, error) {
	return nil, nil
}

func (m *mockSessionStore) Save(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s.Clone()
	return nil
}

func (m *mockSessionStore) Remove(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *mockSessionStore) RemoveByUsername(ctx context.Context, username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.sessions {
		if s.Username == username {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionStore) List(ctx context.Context) ([]*session.Session, error) { return nil, nil }

func (m *mockSessionStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type stubValidator struct {
	ok  bool
	err error
}

func (v stubValidator) Validate(ctx context.Context, username, password string) (bool, error) {
	return v.ok, v.err
}

type denyLimiter struct{}

func (denyLimiter) Check(ctx context.Context, key string, cfg ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	return ratelimit.RateLimitResult{Allowed: false, RetryAfter: time.Second}, nil
}

func (denyLimiter) RecordFailure(ctx context.Context, key string, cfg ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	return ratelimit.RateLimitResult{Allowed: false, RetryAfter: time.Second}, nil
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	return h
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	argon, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	bc, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error = %v", err)
	}

	tests := []struct {
		name     string
		password string
		hash     string
		want     bool
		wantErr  bool
	}{
		{name: "argon2id match", password: "s3cret", hash: argon, want: true},
		{name: "argon2id mismatch", password: "nope", hash: argon, want: false},
		{name: "bcrypt match", password: "s3cret", hash: string(bc), want: true},
		{name: "bcrypt mismatch", password: "nope", hash: string(bc), want: false},
		{name: "sha256 match", password: "abc", hash: "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", want: true},
		{name: "unknown format", password: "abc", hash: "plain", wantErr: true},
		{name: "malformed argon2id params", password: "abc", hash: "$argon2id$v=19$m=65536,t=0,p=0$c2FsdHNhbHQ$aGFzaGhhc2g", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := VerifyPassword(tt.password, tt.hash)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifyPassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGate_Password(t *testing.T) {
	t.Parallel()

	hash := mustHash(t, "s3cret")

	tests := []struct {
		name       string
		creds      Credentials
		wantReason Reason
		wantVM     string
	}{
		{name: "valid credentials", creds: Credentials{Username: "alice", Password: "s3cret"}, wantVM: "10.0.0.5"},
		{name: "wrong password", creds: Credentials{Username: "alice", Password: "bad"}, wantReason: ReasonInvalidCredentials},
		{name: "unknown user", creds: Credentials{Username: "mallory", Password: "s3cret"}, wantReason: ReasonInvalidCredentials},
		{name: "empty password", creds: Credentials{Username: "alice"}, wantReason: ReasonInvalidCredentials},
		{name: "bad token only", creds: Credentials{SessionToken: "bogus"}, wantReason: ReasonTokenInvalid},
		{name: "bad token with credentials", creds: Credentials{Username: "alice", Password: "s3cret", SessionToken: "bogus"}, wantVM: "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			users := newMockUserStore(&user.User{Username: "alice", PasswordHash: hash, VM: vm.Resource{Address: "10.0.0.5", ServerID: "srv"}})
			store := newMockSessionStore()
			gate := NewGate(NewPasswordVerifier(users), session.NewSessionService(store, session.Config{}), users)

			creds := tt.creds
			s, err := gate.Authenticate(context.Background(), &creds)
			if tt.wantReason != "" {
				if !IsFailure(err, tt.wantReason) {
					t.Fatalf("Authenticate() error = %v, want reason %s", err, tt.wantReason)
				}
				if store.count() != 0 {
					t.Errorf("session created on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if s.Username != "alice" || s.VMAddress != tt.wantVM {
				t.Errorf("session = %+v", s)
			}
		})
	}
}

func TestGate_TokenReconnect(t *testing.T) {
	t.Parallel()

	users := newMockUserStore(&user.User{Username: "alice", PasswordHash: mustHash(t, "pw")})
	store := newMockSessionStore()
	gate := NewGate(NewPasswordVerifier(users), session.NewSessionService(store, session.Config{}), users)
	ctx := context.Background()

	first, err := gate.Authenticate(ctx, &Credentials{Username: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if first.VMAddress != "" {
		t.Fatalf("VMAddress = %q, want empty before assignment", first.VMAddress)
	}

	// A VM assigned after login shows up on the reconnect.
	_ = users.SetVM(ctx, "alice", vm.Resource{Address: "10.0.0.9", ServerID: "srv"})

	again, err := gate.Authenticate(ctx, &Credentials{SessionToken: first.Token})
	if err != nil {
		t.Fatalf("Authenticate(token) error = %v", err)
	}
	if again.Token != first.Token {
		t.Errorf("token = %q, want %q", again.Token, first.Token)
	}
	if again.VMAddress != "10.0.0.9" {
		t.Errorf("VMAddress = %q, want 10.0.0.9", again.VMAddress)
	}
}

func TestGate_External(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		validator  stubValidator
		wantReason Reason
	}{
		{name: "accepted", validator: stubValidator{ok: true}},
		{name: "rejected", validator: stubValidator{ok: false}, wantReason: ReasonInvalidCredentials},
		{name: "validator error", validator: stubValidator{err: errors.New("exec failed")}, wantReason: ReasonInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			users := newMockUserStore()
			gate := NewGate(NewExternalVerifier(tt.validator), session.NewSessionService(newMockSessionStore(), session.Config{}), users)

			s, err := gate.Authenticate(context.Background(), &Credentials{Username: "pamuser", Password: "pw"})
			if tt.wantReason != "" {
				if !IsFailure(err, tt.wantReason) {
					t.Fatalf("Authenticate() error = %v, want %s", err, tt.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if s.Username != "pamuser" || s.VMAddress != "" {
				t.Errorf("session = %+v", s)
			}
		})
	}
}

func TestGate_Certificate(t *testing.T) {
	t.Parallel()

	cert := &x509.Certificate{
		Subject:        pkix.Name{CommonName: "alice"},
		EmailAddresses: []string{"alice@example.com"},
	}

	t.Run("no certificate fails without store access", func(t *testing.T) {
		t.Parallel()
		users := newMockUserStore(&user.User{Username: "alice"})
		store := newMockSessionStore()
		gate := NewGate(NewCertificateVerifier(""), session.NewSessionService(store, session.Config{}), users)

		_, err := gate.Authenticate(context.Background(), &Credentials{Username: "alice", Password: "x", SessionToken: "tok"})
		if !IsFailure(err, ReasonCertInvalid) {
			t.Fatalf("Authenticate() error = %v, want cert_invalid", err)
		}
		if users.getCount() != 0 {
			t.Errorf("user store consulted %d times", users.getCount())
		}
	})

	t.Run("common name maps to user", func(t *testing.T) {
		t.Parallel()
		users := newMockUserStore(&user.User{Username: "alice", VM: vm.Resource{Address: "10.0.0.5"}})
		gate := NewGate(NewCertificateVerifier(CertFieldCommonName), session.NewSessionService(newMockSessionStore(), session.Config{}), users)

		s, err := gate.Authenticate(context.Background(), &Credentials{Certificate: cert})
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if s.Username != "alice" || s.VMAddress != "10.0.0.5" {
			t.Errorf("session = %+v", s)
		}
	})

	t.Run("email field", func(t *testing.T) {
		t.Parallel()
		users := newMockUserStore(&user.User{Username: "alice@example.com"})
		gate := NewGate(NewCertificateVerifier(CertFieldEmail), session.NewSessionService(newMockSessionStore(), session.Config{}), users)

		s, err := gate.Authenticate(context.Background(), &Credentials{Certificate: cert})
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if s.Username != "alice@example.com" {
			t.Errorf("Username = %q", s.Username)
		}
	})

	t.Run("unknown subject is unauthorized", func(t *testing.T) {
		t.Parallel()
		users := newMockUserStore()
		gate := NewGate(NewCertificateVerifier(""), session.NewSessionService(newMockSessionStore(), session.Config{}), users)

		_, err := gate.Authenticate(context.Background(), &Credentials{Certificate: cert})
		if !IsFailure(err, ReasonCertInvalid) {
			t.Fatalf("Authenticate() error = %v, want cert_invalid", err)
		}
	})
}

func TestGate_RateLimited(t *testing.T) {
	t.Parallel()

	users := newMockUserStore(&user.User{Username: "alice", PasswordHash: mustHash(t, "pw")})
	gate := NewGate(NewPasswordVerifier(users), session.NewSessionService(newMockSessionStore(), session.Config{}), users,
		WithRateLimit(denyLimiter{}, ratelimit.RateLimitConfig{Rate: 1, Period: time.Minute}))

	_, err := gate.Authenticate(context.Background(), &Credentials{Username: "alice", Password: "pw", RemoteAddr: "192.0.2.1:5555"})
	if !IsFailure(err, ReasonRateLimited) {
		t.Fatalf("Authenticate() error = %v, want rate_limited", err)
	}
	if !strings.Contains(err.Error(), "rate_limited") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestGate_RateLimitChargesOnlyFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: time.Minute}
	users := newMockUserStore(&user.User{Username: "alice", PasswordHash: mustHash(t, "pw")})
	sessions := session.NewSessionService(newMockSessionStore(), session.Config{})
	gate := NewGate(NewPasswordVerifier(users), sessions, users, WithRateLimit(memory.NewAttemptLimiter(), cfg))

	const host = "10.0.0.1"
	good := func(port int) *Credentials {
		return &Credentials{Username: "alice", Password: "pw", RemoteAddr: fmt.Sprintf("%s:%d", host, port)}
	}

	// Logins and reconnects from one host well past the burst.
	var token string
	for i := 0; i < cfg.Burst+10; i++ {
		creds := good(40000 + i)
		if i%2 == 1 {
			creds = &Credentials{SessionToken: token, RemoteAddr: creds.RemoteAddr}
		}
		s, err := gate.Authenticate(ctx, creds)
		if err != nil {
			t.Fatalf("successful attempt #%d rejected: %v", i+1, err)
		}
		token = s.Token
	}

	for i := 0; i < cfg.Burst; i++ {
		_, err := gate.Authenticate(ctx, &Credentials{Username: "alice", Password: "wrong", RemoteAddr: host + ":50000"})
		if !IsFailure(err, ReasonInvalidCredentials) {
			t.Fatalf("failure #%d = %v, want invalid_credentials", i+1, err)
		}
	}
	_, err := gate.Authenticate(ctx, &Credentials{Username: "alice", Password: "wrong", RemoteAddr: host + ":50001"})
	if !IsFailure(err, ReasonRateLimited) {
		t.Fatalf("attempt after %d failures = %v, want rate_limited", cfg.Burst, err)
	}
	// Blocked hosts are blocked for correct credentials too.
	if _, err := gate.Authenticate(ctx, good(50002)); !IsFailure(err, ReasonRateLimited) {
		t.Fatalf("valid login from blocked host = %v, want rate_limited", err)
	}
	// Other hosts are unaffected.
	if _, err := gate.Authenticate(ctx, &Credentials{Username: "alice", Password: "pw", RemoteAddr: "10.0.0.2:1"}); err != nil {
		t.Fatalf("login from another host: %v", err)
	}
}
