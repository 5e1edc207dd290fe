package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
	"github.com/svmp/svmp-proxy/internal/metrics"
)

const (
	// DefaultVMIdleTTL is how long a VM survives its session's disconnect.
	DefaultVMIdleTTL = time.Hour
	// DefaultVMCheckInterval is how often idle VMs are looked for.
	DefaultVMCheckInterval = 5 * time.Minute
)

// IdleSessionSource finds and removes sessions whose VM is idle.
type IdleSessionSource interface {
	ExpiredVMSessions(ctx context.Context, ttl time.Duration) ([]*session.Session, error)
	Remove(ctx context.Context, token string) (bool, error)
}

// VMAssignments clears VM assignments from users.
type VMAssignments interface {
	RemoveUserVM(ctx context.Context, username string) (vm.Resource, error)
}

// VMDestroyer tears VMs down.
type VMDestroyer interface {
	Teardown(ctx context.Context, res vm.Resource) error
}

// ReclaimerConfig holds VMReclaimer settings.
type ReclaimerConfig struct {
	IdleTTL  time.Duration
	Interval time.Duration
}

// VMReclaimer periodically destroys the VMs of sessions that have been
// disconnected longer than the idle TTL. It shares no lock with open
// connections; the store's conditional delete decides which caller
// reclaims a session.
type VMReclaimer struct {
	sessions IdleSessionSource
	users    VMAssignments
	vms      VMDestroyer
	cfg      ReclaimerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewVMReclaimer creates a VMReclaimer.
func NewVMReclaimer(sessions IdleSessionSource, users VMAssignments, vms VMDestroyer, cfg ReclaimerConfig, logger *slog.Logger, m *metrics.Metrics) *VMReclaimer {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultVMIdleTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultVMCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VMReclaimer{
		sessions: sessions,
		users:    users,
		vms:      vms,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		stopChan: make(chan struct{}),
	}
}

// Start runs Sweep every interval in a background goroutine until ctx is
// cancelled or Stop is called.
func (r *VMReclaimer) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Error("vm reclamation sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop stops the background goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *VMReclaimer) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Sweep reclaims every idle session once and reports how many VMs were
// destroyed. A failure on one session does not stop the others.
func (r *VMReclaimer) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveSweep(time.Since(start).Seconds()) }()

	expired, err := r.sessions.ExpiredVMSessions(ctx, r.cfg.IdleTTL)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, s := range expired {
		if ctx.Err() != nil {
			return reclaimed, ctx.Err()
		}
		if r.reclaim(ctx, s) {
			reclaimed++
		}
	}

	if len(expired) > 0 {
		r.logger.Info("vm reclamation sweep completed", "candidates", len(expired), "reclaimed", reclaimed)
	}
	return reclaimed, nil
}

func (r *VMReclaimer) reclaim(ctx context.Context, s *session.Session) bool {
	logger := r.logger.With("username", s.Username)

	removed, err := r.sessions.Remove(ctx, s.Token)
	if err != nil {
		logger.Error("failed to remove idle session", "error", err)
		r.metrics.Reclaimed("error")
		return false
	}
	if !removed {
		logger.Debug("idle session already reclaimed")
		r.metrics.Reclaimed("already_removed")
		return false
	}

	res, err := r.users.RemoveUserVM(ctx, s.Username)
	if errors.Is(err, user.ErrUserNotFound) {
		logger.Debug("idle session owner no longer exists")
		r.metrics.Reclaimed("already_removed")
		return false
	}
	if err != nil {
		logger.Error("failed to clear user vm", "error", err)
		r.metrics.Reclaimed("error")
		return false
	}
	if res.ServerID == "" {
		r.metrics.Reclaimed("already_removed")
		return false
	}

	if err := r.vms.Teardown(ctx, res); err != nil {
		// The session is gone; the VM stays behind until an operator removes it.
		logger.Error("failed to destroy idle vm", "server_id", res.ServerID, "error", err)
		r.metrics.Reclaimed("teardown_failed")
		return false
	}

	logger.Info("reclaimed idle vm", "server_id", res.ServerID)
	r.metrics.Reclaimed("destroyed")
	return true
}
