package docker

import (
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

const (
	labelManagedBy = "managed-by"
	managedBy      = "svmp-proxy"
	labelUser      = "svmp.user"
	labelSize      = "svmp.size"

	defaultNetwork    = "svmp"
	defaultMountPath  = "/data"
	defaultHelper     = "alpine:latest"
	defaultStopTimeout = 30
)

// FlavorConfig is a named resource profile for VM containers.
type FlavorConfig struct {
	Name string `mapstructure:"name"`
	// Memory is a human size such as "2g" or "512m".
	Memory string `mapstructure:"memory"`
	// CPUs is a decimal CPU count such as "1.5".
	CPUs string `mapstructure:"cpus"`
}

// Config holds docker provider settings.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// Network is the bridge network VM containers join.
	Network string
	// Subnet is the network's IPv4 subnet, e.g. "172.30.0.0/16".
	Subnet string
	// VMPort is the port the proxy dials on each VM.
	VMPort int
	// MountPath is where user volumes appear inside VMs.
	MountPath string
	// ShmSize is the containers' /dev/shm size, e.g. "256m".
	ShmSize string
	// HelperImage copies the gold snapshot volume into new volumes.
	HelperImage string
	Flavors     []FlavorConfig
}

func (c *Config) setDefaults() {
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	if c.MountPath == "" {
		c.MountPath = defaultMountPath
	}
	if c.HelperImage == "" {
		c.HelperImage = defaultHelper
	}
}

// limits is a parsed flavor.
type limits struct {
	flavor   vm.Flavor
	memory   int64
	nanoCPUs int64
}

func parseFlavors(in []FlavorConfig) (map[string]limits, error) {
	out := make(map[string]limits, len(in))
	for _, f := range in {
		if f.Name == "" {
			return nil, fmt.Errorf("flavor without name")
		}
		l := limits{flavor: vm.Flavor{ID: f.Name, Name: f.Name}}
		if f.Memory != "" {
			mem, err := units.RAMInBytes(f.Memory)
			if err != nil {
				return nil, fmt.Errorf("flavor %s memory: %w", f.Name, err)
			}
			l.memory = mem
			l.flavor.MemoryMB = mem / units.MiB
		}
		if f.CPUs != "" {
			cpus, err := strconv.ParseFloat(f.CPUs, 64)
			if err != nil || cpus <= 0 {
				return nil, fmt.Errorf("flavor %s cpus: invalid value %q", f.Name, f.CPUs)
			}
			l.nanoCPUs = int64(cpus * 1e9)
			l.flavor.VCPUs = int(cpus + 0.999)
		}
		out[f.Name] = l
	}
	return out, nil
}

func vmPort(port int) (nat.Port, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid vm port %d", port)
	}
	return nat.NewPort("tcp", strconv.Itoa(port))
}
