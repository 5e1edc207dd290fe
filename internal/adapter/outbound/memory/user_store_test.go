package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

func TestUserStore_CreateGetList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewUserStore()

	for _, name := range []string{"carol", "alice", "bob"} {
		if err := store.Create(ctx, &user.User{Username: name, DeviceType: "phone"}); err != nil {
			t.Fatalf("Create(%s) error: %v", name, err)
		}
	}
	if err := store.Create(ctx, &user.User{Username: "alice"}); !errors.Is(err, user.ErrUserExists) {
		t.Errorf("duplicate Create() error = %v, want ErrUserExists", err)
	}

	u, err := store.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if u.DeviceType != "phone" {
		t.Errorf("DeviceType = %q", u.DeviceType)
	}
	if _, err := store.Get(ctx, "dave"); !errors.Is(err, user.ErrUserNotFound) {
		t.Errorf("Get(dave) error = %v, want ErrUserNotFound", err)
	}

	list, _ := store.List(ctx)
	var names []string
	for _, u := range list {
		names = append(names, u.Username)
	}
	if len(names) != 3 || names[0] != "alice" || names[2] != "carol" {
		t.Errorf("List() = %v, want sorted usernames", names)
	}
}

func TestUserStore_VMAssignment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewUserStore()
	_ = store.Create(ctx, &user.User{Username: "alice"})

	res := vm.Resource{Address: "10.0.0.9", ServerID: "srv-1", VolumeID: "vol-1"}
	if err := store.SetVM(ctx, "alice", res); err != nil {
		t.Fatalf("SetVM() error: %v", err)
	}

	prev, err := store.RemoveUserVM(ctx, "alice")
	if err != nil {
		t.Fatalf("RemoveUserVM() error: %v", err)
	}
	if prev != res {
		t.Errorf("RemoveUserVM() = %+v, want %+v", prev, res)
	}

	u, _ := store.Get(ctx, "alice")
	if u.HasVM() || u.VM.ServerID != "" {
		t.Errorf("VM still assigned: %+v", u.VM)
	}
	if u.VM.VolumeID != "vol-1" {
		t.Errorf("VolumeID = %q, volume must survive release", u.VM.VolumeID)
	}

	if err := store.SetVM(ctx, "nobody", res); !errors.Is(err, user.ErrUserNotFound) {
		t.Errorf("SetVM(nobody) error = %v", err)
	}
	if _, err := store.RemoveUserVM(ctx, "nobody"); !errors.Is(err, user.ErrUserNotFound) {
		t.Errorf("RemoveUserVM(nobody) error = %v", err)
	}
}
