package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/svmp/svmp-proxy/internal/ctxkey"
	"github.com/svmp/svmp-proxy/internal/domain/ratelimit"
	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/domain/user"
)

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRateLimit limits failed authentication attempts per remote host.
// Successful attempts are not charged.
func WithRateLimit(limiter ratelimit.AttemptLimiter, cfg ratelimit.RateLimitConfig) GateOption {
	return func(g *Gate) {
		g.limiter = limiter
		g.limitCfg = cfg
	}
}

// WithGateLogger sets the gate logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// Gate authenticates clients with one Verifier chosen at startup and issues
// sessions. Every verifier also accepts a previously issued session token.
type Gate struct {
	verifier Verifier
	sessions *session.SessionService
	users    user.Store
	limiter  ratelimit.AttemptLimiter
	limitCfg ratelimit.RateLimitConfig
	logger   *slog.Logger
}

// NewGate creates a Gate.
func NewGate(verifier Verifier, sessions *session.SessionService, users user.Store, opts ...GateOption) *Gate {
	g := &Gate{
		verifier: verifier,
		sessions: sessions,
		users:    users,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// loggerFrom prefers the connection-scoped logger carried by ctx.
func (g *Gate) loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return g.logger
}

// Mode returns the active verifier's mode.
func (g *Gate) Mode() Mode {
	return g.verifier.Mode()
}

// Authenticate validates creds and returns the session to bind to the
// connection. Rejections are always a *Failure. The returned session's
// VMAddress is filled from the user's current VM assignment.
func (g *Gate) Authenticate(ctx context.Context, creds *Credentials) (*session.Session, error) {
	limitKey := g.limitKey(creds.RemoteAddr)
	if err := g.checkRate(ctx, limitKey); err != nil {
		return nil, err
	}

	s, err := g.authenticate(ctx, creds)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			g.recordFailure(ctx, limitKey, f)
		}
		return nil, err
	}
	return s, nil
}

func (g *Gate) authenticate(ctx context.Context, creds *Credentials) (*session.Session, error) {
	// Certificate mode rejects before anything else is looked at.
	var certUser string
	if g.verifier.Mode() == ModeCertificate {
		name, err := g.verifier.Verify(ctx, creds)
		if err != nil {
			return nil, &Failure{Reason: ReasonCertInvalid, Err: err}
		}
		certUser = name
	}

	if creds.SessionToken != "" {
		s, err := g.resume(ctx, creds.SessionToken, certUser)
		if err == nil {
			return s, nil
		}
		if creds.Username == "" && certUser == "" {
			return nil, &Failure{Reason: ReasonTokenInvalid, Err: err}
		}
		g.loggerFrom(ctx).Debug("session token rejected, falling back to credentials", "error", err)
	}

	username := certUser
	if username == "" {
		name, err := g.verifier.Verify(ctx, creds)
		if err != nil {
			return nil, &Failure{Reason: ReasonInvalidCredentials, Err: err}
		}
		username = name
	}

	vmAddress, err := g.vmAddress(ctx, username)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) && g.verifier.Mode() == ModeCertificate {
			return nil, &Failure{Reason: ReasonCertInvalid, Err: err}
		}
		if !errors.Is(err, user.ErrUserNotFound) {
			return nil, err
		}
	}

	return g.sessions.Create(ctx, username, vmAddress)
}

// resume resolves a session token. In certificate mode the token must
// belong to the certificate's identity.
func (g *Gate) resume(ctx context.Context, token, certUser string) (*session.Session, error) {
	s, err := g.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if certUser != "" && s.Username != certUser {
		return nil, fmt.Errorf("token owner %q does not match certificate", s.Username)
	}
	addr, err := g.vmAddress(ctx, s.Username)
	if err != nil && !errors.Is(err, user.ErrUserNotFound) {
		return nil, err
	}
	if addr != "" {
		s.VMAddress = addr
	}
	return s, nil
}

func (g *Gate) vmAddress(ctx context.Context, username string) (string, error) {
	u, err := g.users.Get(ctx, username)
	if err != nil {
		return "", err
	}
	return u.VM.Address, nil
}

// limitKey returns the limiter key for a remote address, or "" when
// attempts from it are not limited.
func (g *Gate) limitKey(remoteAddr string) string {
	if g.limiter == nil || remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return ratelimit.FormatKey(ratelimit.KeyTypeIP, host)
}

func (g *Gate) checkRate(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	res, err := g.limiter.Check(ctx, key, g.limitCfg)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &Failure{Reason: ReasonRateLimited, Err: fmt.Errorf("retry after %s", res.RetryAfter)}
	}
	return nil
}

// recordFailure charges a rejected attempt. A limiter error only loses
// that one charge.
func (g *Gate) recordFailure(ctx context.Context, key string, f *Failure) {
	if key == "" {
		return
	}
	res, err := g.limiter.RecordFailure(ctx, key, g.limitCfg)
	if err != nil {
		g.loggerFrom(ctx).Warn("failed to record authentication failure", "error", err)
		return
	}
	if !res.Allowed {
		g.loggerFrom(ctx).Warn("authentication attempts blocked", "reason", f.Reason, "retry_after", res.RetryAfter)
	}
}
