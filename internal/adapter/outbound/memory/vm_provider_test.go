package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

func TestVMProvider_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewVMProvider(
		[]vm.Image{{ID: "img-1", Name: "android-phone"}},
		[]vm.Flavor{{ID: "m1.small", Name: "m1.small", MemoryMB: 2048, VCPUs: 1}},
		2,
	)

	if _, err := p.CreateServer(ctx, vm.ServerSpec{Name: "x", Image: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateServer(unknown image) error = %v", err)
	}

	id, err := p.CreateServer(ctx, vm.ServerSpec{Name: "svmp_user_vm_alice", Image: "android-phone"})
	if err != nil {
		t.Fatalf("CreateServer() error: %v", err)
	}

	srv, err := p.WaitUntilRunning(ctx, id, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitUntilRunning() error: %v", err)
	}
	if srv.Address == "" || srv.Status != "running" {
		t.Errorf("server = %+v", srv)
	}

	vol, err := p.CreateVolume(ctx, vm.VolumeSpec{Name: "alice_volume", SizeGB: 4})
	if err != nil {
		t.Fatalf("CreateVolume() error: %v", err)
	}
	if err := p.AttachVolume(ctx, id, vol); err != nil {
		t.Fatalf("AttachVolume() error: %v", err)
	}
	if err := p.AttachVolume(ctx, id, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AttachVolume(missing) error = %v", err)
	}

	if err := p.DestroyServer(ctx, id); err != nil {
		t.Fatalf("DestroyServer() error: %v", err)
	}
	if err := p.DestroyServer(ctx, id); err != nil {
		t.Errorf("second DestroyServer() error = %v", err)
	}
	if len(p.Servers()) != 0 {
		t.Errorf("Servers() = %v", p.Servers())
	}
	if got := p.Destroyed(); len(got) != 2 {
		t.Errorf("Destroyed() = %v", got)
	}
}

func TestVMProvider_WaitCancelled(t *testing.T) {
	t.Parallel()

	p := NewVMProvider(nil, nil, 1000)
	id, _ := p.CreateServer(context.Background(), vm.ServerSpec{Name: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.WaitUntilRunning(ctx, id, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitUntilRunning() error = %v, want deadline exceeded", err)
	}
}
