// Package docker implements the VM provider on a Docker daemon. Each user
// VM is a container on a dedicated bridge network and each volume a named
// docker volume.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

// Provider implements vm.Provider with containers.
type Provider struct {
	client  dockerclient.APIClient
	cfg     Config
	port    nat.Port
	flavors map[string]limits
	shm     int64
	logger  *slog.Logger
}

// New connects to the Docker daemon and makes sure the VM network exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	port, err := vmPort(cfg.VMPort)
	if err != nil {
		return nil, err
	}
	flavors, err := parseFlavors(cfg.Flavors)
	if err != nil {
		return nil, err
	}
	var shm int64
	if cfg.ShmSize != "" {
		if shm, err = units.RAMInBytes(cfg.ShmSize); err != nil {
			return nil, fmt.Errorf("shm size: %w", err)
		}
	}

	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	p := &Provider{client: client, cfg: cfg, port: port, flavors: flavors, shm: shm, logger: logger}
	if err := p.ensureNetwork(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("docker network: %w", err)
	}
	logger.Info("docker daemon connected", "network", cfg.Network)
	return p, nil
}

// Close releases the daemon connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) ensureNetwork(ctx context.Context) error {
	if _, err := p.client.NetworkInspect(ctx, p.cfg.Network, network.InspectOptions{}); err == nil {
		return nil
	}
	opts := network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManagedBy: managedBy},
	}
	if p.cfg.Subnet != "" {
		opts.IPAM = &network.IPAM{Config: []network.IPAMConfig{{Subnet: p.cfg.Subnet}}}
	}
	if _, err := p.client.NetworkCreate(ctx, p.cfg.Network, opts); err != nil {
		return fmt.Errorf("create network %s: %w", p.cfg.Network, err)
	}
	p.logger.Info("created docker network", "network", p.cfg.Network, "subnet", p.cfg.Subnet)
	return nil
}

func (p *Provider) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	p.logger.Info("image not found locally, pulling", "image", ref)
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// CreateServer creates the container without starting it; WaitUntilRunning
// starts it. The container name is the server identifier.
func (p *Provider) CreateServer(ctx context.Context, spec vm.ServerSpec) (string, error) {
	if err := p.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	hostCfg, err := p.hostConfig(spec.Flavor, nil)
	if err != nil {
		return "", err
	}
	containerCfg := &container.Config{
		Image:        spec.Image,
		Labels:       map[string]string{labelManagedBy: managedBy, labelUser: spec.Name},
		ExposedPorts: nat.PortSet{p.port: struct{}{}},
	}

	if _, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, p.networkConfig(""), nil, spec.Name); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return spec.Name, nil
}

// WaitUntilRunning starts a freshly created container and inspects it
// every poll until it runs.
func (p *Provider) WaitUntilRunning(ctx context.Context, serverID string, poll time.Duration) (*vm.Server, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	started := false
	for {
		inspect, err := p.client.ContainerInspect(ctx, serverID)
		if err != nil {
			return nil, fmt.Errorf("inspect container: %w", err)
		}
		if inspect.ContainerJSONBase != nil && inspect.State != nil {
			switch inspect.State.Status {
			case "created":
				if !started {
					if err := p.client.ContainerStart(ctx, serverID, container.StartOptions{}); err != nil {
						return nil, fmt.Errorf("start container: %w", err)
					}
					started = true
					continue
				}
			case "running":
				return &vm.Server{ID: serverID, Status: "running", Address: p.address(inspect)}, nil
			case "exited", "dead":
				return nil, fmt.Errorf("container %s %s (exit code %d)", serverID, inspect.State.Status, inspect.State.ExitCode)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateVolume creates a named volume. When a snapshot is given the new
// volume is seeded with its contents.
func (p *Provider) CreateVolume(ctx context.Context, spec vm.VolumeSpec) (string, error) {
	labels := map[string]string{labelManagedBy: managedBy}
	if spec.SizeGB > 0 {
		labels[labelSize] = units.BytesSize(float64(spec.SizeGB) * units.GiB)
	}
	if spec.Description != "" {
		labels["svmp.description"] = spec.Description
	}

	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{Name: spec.Name, Labels: labels})
	if err != nil {
		return "", fmt.Errorf("create volume: %w", err)
	}
	if spec.SnapshotID != "" {
		if err := p.copyVolume(ctx, spec.SnapshotID, vol.Name); err != nil {
			_ = p.client.VolumeRemove(context.WithoutCancel(ctx), vol.Name, true)
			return "", fmt.Errorf("seed volume from %s: %w", spec.SnapshotID, err)
		}
	}
	return vol.Name, nil
}

func (p *Provider) copyVolume(ctx context.Context, srcVol, dstVol string) error {
	if err := p.ensureImage(ctx, p.cfg.HelperImage); err != nil {
		return err
	}

	resp, err := p.client.ContainerCreate(ctx,
		&container.Config{Image: p.cfg.HelperImage, Cmd: []string{"sh", "-c", "cp -a /src/. /dst/"}},
		&container.HostConfig{Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: srcVol, Target: "/src", ReadOnly: true},
			{Type: mount.TypeVolume, Source: dstVol, Target: "/dst"},
		}},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("create copy container: %w", err)
	}
	defer func() {
		_ = p.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start copy container: %w", err)
	}
	statusCh, errCh := p.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("wait for copy container: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("copy failed with exit code %d", status.StatusCode)
		}
	}
	return nil
}

// AttachVolume recreates the container with the volume mounted. Docker
// cannot add mounts to an existing container; the recreated container
// keeps the address it had.
func (p *Provider) AttachVolume(ctx context.Context, serverID, volumeID string) error {
	inspect, err := p.client.ContainerInspect(ctx, serverID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	if inspect.Config == nil || inspect.HostConfig == nil {
		return fmt.Errorf("container %s: incomplete inspect response", serverID)
	}
	addr := p.address(inspect)

	hostCfg := inspect.HostConfig
	hostCfg.Mounts = withMount(hostCfg.Mounts, mount.Mount{Type: mount.TypeVolume, Source: volumeID, Target: p.cfg.MountPath})

	timeout := defaultStopTimeout
	if err := p.client.ContainerStop(ctx, serverID, container.StopOptions{Timeout: &timeout}); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, serverID, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}

	resp, err := p.client.ContainerCreate(ctx, inspect.Config, hostCfg, p.networkConfig(addr), nil, serverID)
	if err != nil {
		return fmt.Errorf("recreate container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// DestroyServer force-removes the container. A missing container counts
// as destroyed.
func (p *Provider) DestroyServer(ctx context.Context, serverID string) error {
	err := p.client.ContainerRemove(ctx, serverID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (p *Provider) ListFlavors(ctx context.Context) ([]vm.Flavor, error) {
	out := make([]vm.Flavor, 0, len(p.flavors))
	for _, l := range p.flavors {
		out = append(out, l.flavor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListImages returns the tagged images available locally.
func (p *Provider) ListImages(ctx context.Context) ([]vm.Image, error) {
	summaries, err := p.client.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("dangling", "false"))})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var out []vm.Image
	for _, s := range summaries {
		for _, tag := range s.RepoTags {
			if tag == "<none>:<none>" {
				continue
			}
			out = append(out, vm.Image{ID: shortID(s.ID), Name: tag})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) hostConfig(flavor string, mounts []mount.Mount) (*container.HostConfig, error) {
	hc := &container.HostConfig{
		Mounts:        mounts,
		ShmSize:       p.shm,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if flavor == "" {
		return hc, nil
	}
	l, ok := p.flavors[flavor]
	if !ok {
		return nil, fmt.Errorf("unknown flavor %q", flavor)
	}
	hc.Resources = container.Resources{Memory: l.memory, NanoCPUs: l.nanoCPUs}
	return hc, nil
}

// networkConfig joins the VM network, pinning ip when given.
func (p *Provider) networkConfig(ip string) *network.NetworkingConfig {
	ep := &network.EndpointSettings{}
	if ip != "" {
		ep.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: ip}
	}
	return &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{p.cfg.Network: ep},
	}
}

func (p *Provider) address(inspect container.InspectResponse) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	if ep, ok := inspect.NetworkSettings.Networks[p.cfg.Network]; ok && ep != nil {
		return ep.IPAddress
	}
	return ""
}

// withMount returns mounts with m added, replacing any mount at the same
// target.
func withMount(mounts []mount.Mount, m mount.Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(mounts)+1)
	for _, existing := range mounts {
		if existing.Target != m.Target {
			out = append(out, existing)
		}
	}
	return append(out, m)
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Compile-time interface verification.
var _ vm.Provider = (*Provider)(nil)
