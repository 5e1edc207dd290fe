package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/svmp/svmp-proxy/internal/adapter/outbound/memory"
	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
	"github.com/svmp/svmp-proxy/internal/metrics"
)

type reclaimEnv struct {
	clock    *testClock
	store    *memory.MemorySessionStore
	sessions *session.SessionService
	users    *memory.MemoryUserStore
	provider *memory.MemoryVMProvider
	orch     *vm.Orchestrator
	metrics  *metrics.Metrics
}

func newReclaimEnv(t *testing.T) *reclaimEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewSessionStore()
	provider := memory.NewVMProvider([]vm.Image{{ID: "img-1", Name: "android"}}, nil, 0)
	return &reclaimEnv{
		clock:    clock,
		store:    store,
		sessions: session.NewSessionService(store, session.Config{}, session.WithClock(clock.Now)),
		users:    memory.NewUserStore(),
		provider: provider,
		orch:     vm.NewOrchestrator(provider, vm.Defaults{PollInterval: time.Millisecond}),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
}

// addUserWithVM provisions a VM for username and opens a session,
// disconnected at the current clock time if disconnect is set.
func (e *reclaimEnv) addUserWithVM(t *testing.T, username string, disconnect bool) vm.Resource {
	t.Helper()
	ctx := context.Background()

	if err := e.users.Create(ctx, &user.User{Username: username}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	res, err := e.orch.Provision(ctx, username, "android", "")
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if err := e.users.SetVM(ctx, username, res); err != nil {
		t.Fatalf("SetVM() error: %v", err)
	}
	s, err := e.sessions.Create(ctx, username, res.Address)
	if err != nil {
		t.Fatalf("session Create() error: %v", err)
	}
	if disconnect {
		if err := e.sessions.Disconnect(ctx, s); err != nil {
			t.Fatalf("Disconnect() error: %v", err)
		}
	}
	return res
}

func (e *reclaimEnv) reclaimer(vms VMDestroyer) *VMReclaimer {
	if vms == nil {
		vms = e.orch
	}
	return NewVMReclaimer(e.sessions, e.users, vms, ReclaimerConfig{IdleTTL: time.Hour, Interval: time.Millisecond}, testLogger(), e.metrics)
}

func TestReclaimer_Sweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newReclaimEnv(t)

	idle := env.addUserWithVM(t, "idle", true)
	env.clock.Advance(2 * time.Hour)
	recent := env.addUserWithVM(t, "recent", true)
	connected := env.addUserWithVM(t, "connected", false)
	env.clock.Advance(10 * time.Minute)

	r := env.reclaimer(nil)
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep() reclaimed %d, want 1", n)
	}

	u, _ := env.users.Get(ctx, "idle")
	if u.HasVM() {
		t.Errorf("idle user still has VM %+v", u.VM)
	}
	if u.VM.VolumeID != idle.VolumeID {
		t.Errorf("VolumeID = %q, want %q kept", u.VM.VolumeID, idle.VolumeID)
	}

	live := env.provider.Servers()
	if len(live) != 2 {
		t.Fatalf("live servers = %v, want 2", live)
	}
	for _, id := range live {
		if id == idle.ServerID {
			t.Error("idle VM not destroyed")
		}
	}
	for _, res := range []vm.Resource{recent, connected} {
		found := false
		for _, id := range live {
			found = found || id == res.ServerID
		}
		if !found {
			t.Errorf("VM %s destroyed too early", res.ServerID)
		}
	}

	if env.store.Size() != 2 {
		t.Errorf("sessions left = %d, want 2", env.store.Size())
	}
	if got := testutil.ToFloat64(env.metrics.VMReclaims.WithLabelValues("destroyed")); got != 1 {
		t.Errorf("VMReclaims{destroyed} = %v, want 1", got)
	}

	n, err = r.Sweep(ctx)
	if err != nil || n != 0 {
		t.Errorf("second Sweep() = %d, %v, want 0, nil", n, err)
	}
}

func TestReclaimer_ConcurrentSweeps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newReclaimEnv(t)
	res := env.addUserWithVM(t, "alice", true)
	env.clock.Advance(2 * time.Hour)

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.reclaimer(nil).Sweep(ctx)
			if err != nil {
				t.Errorf("Sweep() error: %v", err)
			}
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	if total.Load() != 1 {
		t.Errorf("reclaimed %d times, want 1", total.Load())
	}
	destroyed := env.provider.Destroyed()
	if len(destroyed) != 1 || destroyed[0] != res.ServerID {
		t.Errorf("Destroyed() = %v, want [%s]", destroyed, res.ServerID)
	}
}

type failingDestroyer struct {
	calls atomic.Int32
}

func (f *failingDestroyer) Teardown(context.Context, vm.Resource) error {
	f.calls.Add(1)
	return &vm.TeardownFailure{ServerID: "srv", Err: errors.New("provider unavailable")}
}

func TestReclaimer_TeardownFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newReclaimEnv(t)
	env.addUserWithVM(t, "alice", true)
	env.clock.Advance(2 * time.Hour)

	fd := &failingDestroyer{}
	r := env.reclaimer(fd)

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v, teardown failures are not sweep errors", err)
	}
	if n != 0 {
		t.Errorf("Sweep() = %d, want 0", n)
	}
	if fd.calls.Load() != 1 {
		t.Errorf("Teardown called %d times, want 1", fd.calls.Load())
	}
	if env.store.Size() != 0 {
		t.Error("session should be removed even when teardown fails")
	}
	if got := testutil.ToFloat64(env.metrics.VMReclaims.WithLabelValues("teardown_failed")); got != 1 {
		t.Errorf("VMReclaims{teardown_failed} = %v, want 1", got)
	}

	// Nothing left to retry.
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("second Sweep() error: %v", err)
	}
	if fd.calls.Load() != 1 {
		t.Errorf("Teardown retried, calls = %d", fd.calls.Load())
	}
}

func TestReclaimer_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newReclaimEnv(t)
	res := env.addUserWithVM(t, "alice", true)
	env.clock.Advance(2 * time.Hour)

	r := env.reclaimer(nil)
	r.Start(context.Background())

	deadline := time.After(5 * time.Second)
	for len(env.provider.Destroyed()) == 0 {
		select {
		case <-deadline:
			r.Stop()
			t.Fatalf("VM %s never reclaimed", res.ServerID)
		case <-time.After(5 * time.Millisecond):
		}
	}

	r.Stop()
	r.Stop()
}
