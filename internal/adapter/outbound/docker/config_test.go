package docker

import (
	"testing"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-units"
)

func TestParseFlavors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []FlavorConfig
		wantMem  int64
		wantNano int64
		wantCPUs int
		wantErr  bool
	}{
		{name: "memory and cpus", in: []FlavorConfig{{Name: "small", Memory: "2g", CPUs: "1.5"}}, wantMem: 2 * units.GiB, wantNano: 1_500_000_000, wantCPUs: 2},
		{name: "memory only", in: []FlavorConfig{{Name: "small", Memory: "512m"}}, wantMem: 512 * units.MiB},
		{name: "whole cpus", in: []FlavorConfig{{Name: "small", CPUs: "2"}}, wantNano: 2_000_000_000, wantCPUs: 2},
		{name: "missing name", in: []FlavorConfig{{Memory: "1g"}}, wantErr: true},
		{name: "bad memory", in: []FlavorConfig{{Name: "small", Memory: "lots"}}, wantErr: true},
		{name: "bad cpus", in: []FlavorConfig{{Name: "small", CPUs: "-1"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseFlavors(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseFlavors() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlavors() error: %v", err)
			}
			l := got["small"]
			if l.memory != tt.wantMem {
				t.Errorf("memory = %d, want %d", l.memory, tt.wantMem)
			}
			if l.nanoCPUs != tt.wantNano {
				t.Errorf("nanoCPUs = %d, want %d", l.nanoCPUs, tt.wantNano)
			}
			if l.flavor.VCPUs != tt.wantCPUs {
				t.Errorf("VCPUs = %d, want %d", l.flavor.VCPUs, tt.wantCPUs)
			}
			if l.flavor.MemoryMB != tt.wantMem/units.MiB {
				t.Errorf("MemoryMB = %d, want %d", l.flavor.MemoryMB, tt.wantMem/units.MiB)
			}
		})
	}
}

func TestVMPort(t *testing.T) {
	t.Parallel()

	p, err := vmPort(8001)
	if err != nil {
		t.Fatalf("vmPort() error: %v", err)
	}
	if p.Port() != "8001" || p.Proto() != "tcp" {
		t.Errorf("vmPort() = %s, want 8001/tcp", p)
	}
	for _, bad := range []int{0, -1, 70000} {
		if _, err := vmPort(bad); err == nil {
			t.Errorf("vmPort(%d) expected error", bad)
		}
	}
}

func TestWithMount(t *testing.T) {
	t.Parallel()

	existing := []mount.Mount{
		{Type: mount.TypeVolume, Source: "old", Target: "/data"},
		{Type: mount.TypeBind, Source: "/etc/hosts", Target: "/etc/hosts"},
	}
	got := withMount(existing, mount.Mount{Type: mount.TypeVolume, Source: "new", Target: "/data"})
	if len(got) != 2 {
		t.Fatalf("withMount() = %v, want 2 mounts", got)
	}
	if got[1].Source != "new" || got[0].Target != "/etc/hosts" {
		t.Errorf("withMount() = %v", got)
	}
	if existing[0].Source != "old" {
		t.Error("withMount() modified its input")
	}
}

func TestProviderConfigHelpers(t *testing.T) {
	t.Parallel()

	flavors, err := parseFlavors([]FlavorConfig{{Name: "small", Memory: "1g", CPUs: "1"}})
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{}
	cfg.setDefaults()
	p := &Provider{cfg: cfg, flavors: flavors, shm: 64 * units.MiB}

	t.Run("defaults", func(t *testing.T) {
		if cfg.Network != "svmp" || cfg.MountPath != "/data" || cfg.HelperImage == "" {
			t.Errorf("setDefaults() = %+v", cfg)
		}
	})

	t.Run("host config", func(t *testing.T) {
		hc, err := p.hostConfig("small", nil)
		if err != nil {
			t.Fatalf("hostConfig() error: %v", err)
		}
		if hc.Resources.Memory != units.GiB || hc.Resources.NanoCPUs != 1e9 || hc.ShmSize != 64*units.MiB {
			t.Errorf("hostConfig() = %+v", hc)
		}
		if _, err := p.hostConfig("huge", nil); err == nil {
			t.Error("hostConfig() with unknown flavor expected error")
		}
		hc, err = p.hostConfig("", nil)
		if err != nil || hc.Resources.Memory != 0 {
			t.Errorf("hostConfig(\"\") = %+v, %v", hc, err)
		}
	})

	t.Run("network config", func(t *testing.T) {
		nc := p.networkConfig("172.30.0.5")
		ep, ok := nc.EndpointsConfig["svmp"]
		if !ok || ep.IPAMConfig == nil || ep.IPAMConfig.IPv4Address != "172.30.0.5" {
			t.Errorf("networkConfig() = %+v", nc.EndpointsConfig)
		}
		if nc := p.networkConfig(""); nc.EndpointsConfig["svmp"].IPAMConfig != nil {
			t.Error("networkConfig(\"\") pinned an address")
		}
	})

	t.Run("short id", func(t *testing.T) {
		if got := shortID("sha256:0123456789abcdef"); got != "0123456789ab" {
			t.Errorf("shortID() = %s", got)
		}
		if got := shortID("abc"); got != "abc" {
			t.Errorf("shortID() = %s", got)
		}
	})
}
