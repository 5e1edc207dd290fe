package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

// ErrNotFound is returned for unknown servers and volumes.
var ErrNotFound = fmt.Errorf("not found")

type memServer struct {
	spec     vm.ServerSpec
	address  string
	volumeID string
	polls    int
}

// MemoryVMProvider implements vm.Provider with simulated servers and
// volumes. Servers report running after BootPolls polls and get addresses
// from 10.42.0.0/16. For development/testing only.
type MemoryVMProvider struct {
	mu        sync.Mutex
	servers   map[string]*memServer
	volumes   map[string]vm.VolumeSpec
	images    []vm.Image
	flavors   []vm.Flavor
	seq       int
	bootPolls int
	destroyed []string
}

// NewVMProvider creates a simulated provider offering images and flavors.
func NewVMProvider(images []vm.Image, flavors []vm.Flavor, bootPolls int) *MemoryVMProvider {
	return &MemoryVMProvider{
		servers:   make(map[string]*memServer),
		volumes:   make(map[string]vm.VolumeSpec),
		images:    images,
		flavors:   flavors,
		bootPolls: bootPolls,
	}
}

func (p *MemoryVMProvider) CreateServer(ctx context.Context, spec vm.ServerSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.images) > 0 && !p.hasImage(spec.Image) {
		return "", fmt.Errorf("image %q: %w", spec.Image, ErrNotFound)
	}
	p.seq++
	id := fmt.Sprintf("mem-server-%d", p.seq)
	p.servers[id] = &memServer{
		spec:    spec,
		address: fmt.Sprintf("10.42.%d.%d", (p.seq/250)%250, p.seq%250+2),
	}
	return id, nil
}

func (p *MemoryVMProvider) WaitUntilRunning(ctx context.Context, serverID string, poll time.Duration) (*vm.Server, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		s, ok := p.servers[serverID]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("server %s: %w", serverID, ErrNotFound)
		}
		if s.polls >= p.bootPolls {
			srv := &vm.Server{ID: serverID, Status: "running", Address: s.address}
			p.mu.Unlock()
			return srv, nil
		}
		s.polls++
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *MemoryVMProvider) CreateVolume(ctx context.Context, spec vm.VolumeSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("mem-volume-%d", p.seq)
	p.volumes[id] = spec
	return id, nil
}

func (p *MemoryVMProvider) AttachVolume(ctx context.Context, serverID, volumeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.servers[serverID]
	if !ok {
		return fmt.Errorf("server %s: %w", serverID, ErrNotFound)
	}
	if _, ok := p.volumes[volumeID]; !ok {
		return fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	s.volumeID = volumeID
	return nil
}

func (p *MemoryVMProvider) DestroyServer(ctx context.Context, serverID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.servers, serverID)
	p.destroyed = append(p.destroyed, serverID)
	return nil
}

func (p *MemoryVMProvider) ListFlavors(ctx context.Context) ([]vm.Flavor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]vm.Flavor(nil), p.flavors...), nil
}

func (p *MemoryVMProvider) ListImages(ctx context.Context) ([]vm.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]vm.Image(nil), p.images...), nil
}

// Servers returns the IDs of live servers in sorted order.
func (p *MemoryVMProvider) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.servers))
	for id := range p.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Destroyed returns every DestroyServer call in order.
func (p *MemoryVMProvider) Destroyed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.destroyed...)
}

func (p *MemoryVMProvider) hasImage(name string) bool {
	for _, img := range p.images {
		if img.ID == name || img.Name == name {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var _ vm.Provider = (*MemoryVMProvider)(nil)
