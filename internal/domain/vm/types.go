// Package vm provisions and tears down the per-user virtual machines the
// proxy hands clients off to.
package vm

import (
	"context"
	"time"
)

// Resource is the VM assignment stored on a user record.
type Resource struct {
	// Address is the VM's private host or IP.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	// ServerID is the provider-assigned VM identifier.
	ServerID string `json:"server_id,omitempty" yaml:"server_id,omitempty"`
	// VolumeID is the provider-assigned block storage identifier.
	VolumeID string `json:"volume_id,omitempty" yaml:"volume_id,omitempty"`
}

// IsZero reports whether no VM is assigned.
func (r Resource) IsZero() bool {
	return r.Address == "" && r.ServerID == "" && r.VolumeID == ""
}

// ServerSpec describes a VM to create.
type ServerSpec struct {
	Name   string
	Image  string
	Flavor string
}

// VolumeSpec describes a volume to create from the gold snapshot.
type VolumeSpec struct {
	Name        string
	Description string
	SizeGB      int
	SnapshotID  string
}

// Server is the provider's view of a VM.
type Server struct {
	ID      string
	Status  string
	Address string
}

// Flavor is a provider hardware profile.
type Flavor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MemoryMB int64  `json:"memory_mb,omitempty"`
	VCPUs    int    `json:"vcpus,omitempty"`
}

// Image is a bootable provider image.
type Image struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider is the cloud API the orchestrator drives.
// Implementations: docker (prod), in-memory (dev, test).
type Provider interface {
	// CreateServer requests a new VM and returns its identifier.
	CreateServer(ctx context.Context, spec ServerSpec) (string, error)

	// WaitUntilRunning polls the VM every poll interval until it is running.
	WaitUntilRunning(ctx context.Context, serverID string, poll time.Duration) (*Server, error)

	// CreateVolume creates a block storage volume and returns its identifier.
	CreateVolume(ctx context.Context, spec VolumeSpec) (string, error)

	// AttachVolume attaches a volume to a VM.
	AttachVolume(ctx context.Context, serverID, volumeID string) error

	// DestroyServer deletes a VM. Deleting an unknown VM succeeds.
	DestroyServer(ctx context.Context, serverID string) error

	// ListFlavors returns the hardware profiles VMs can be created with.
	ListFlavors(ctx context.Context) ([]Flavor, error)

	// ListImages returns the images VMs can be booted from.
	ListImages(ctx context.Context) ([]Image, error)
}
