package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/svmp/svmp-proxy/internal/adapter/outbound/docker"
	"github.com/svmp/svmp-proxy/internal/adapter/outbound/extauth"
	"github.com/svmp/svmp-proxy/internal/adapter/outbound/memory"
	"github.com/svmp/svmp-proxy/internal/adapter/outbound/sqlite"
	"github.com/svmp/svmp-proxy/internal/adapter/outbound/state"
	"github.com/svmp/svmp-proxy/internal/config"
	"github.com/svmp/svmp-proxy/internal/domain/auth"
	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
	"github.com/svmp/svmp-proxy/internal/service"
	"github.com/svmp/svmp-proxy/internal/telemetry"
	"github.com/svmp/svmp-proxy/pkg/protocol"
)

// storage bundles the user and session stores of one storage driver.
type storage struct {
	users    user.Store
	sessions session.SessionStore
	close    func() error
}

func (s *storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// openStorage opens the stores selected by cfg.Driver. The file driver
// keeps users in a JSON file and sessions in memory.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*storage, error) {
	switch cfg.Driver {
	case "memory":
		return &storage{users: memory.NewUserStore(), sessions: memory.NewSessionStore()}, nil
	case "file":
		users, err := state.OpenFileUserStore(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open users file: %w", err)
		}
		return &storage{users: users, sessions: memory.NewSessionStore()}, nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return &storage{users: db.Users(), sessions: db.Sessions(), close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// openProvider connects the VM provider selected by cfg.VMs.Provider.
func openProvider(ctx context.Context, cfg *config.ProxyConfig, logger *slog.Logger) (vm.Provider, func() error, error) {
	switch cfg.VMs.Provider {
	case "memory":
		return memoryProvider(cfg), func() error { return nil }, nil
	case "docker":
		p, err := docker.New(ctx, dockerConfig(cfg), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("docker provider: %w", err)
		}
		return p, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown vm provider %q", cfg.VMs.Provider)
	}
}

// memoryProvider simulates VMs. Without configured images it offers every
// image the device-type map names.
func memoryProvider(cfg *config.ProxyConfig) *memory.MemoryVMProvider {
	names := cfg.VMs.Memory.Images
	if len(names) == 0 {
		seen := make(map[string]bool)
		for _, name := range cfg.VMs.Defaults.Images {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}
	images := make([]vm.Image, 0, len(names))
	for _, name := range names {
		images = append(images, vm.Image{ID: "img-" + name, Name: name})
	}

	flavorNames := cfg.VMs.Memory.Flavors
	if len(flavorNames) == 0 && cfg.VMs.Defaults.Flavor != "" {
		flavorNames = []string{cfg.VMs.Defaults.Flavor}
	}
	flavors := make([]vm.Flavor, 0, len(flavorNames))
	for _, name := range flavorNames {
		flavors = append(flavors, vm.Flavor{ID: name, Name: name})
	}
	return memory.NewVMProvider(images, flavors, 0)
}

func dockerConfig(cfg *config.ProxyConfig) docker.Config {
	d := cfg.VMs.Docker
	flavors := make([]docker.FlavorConfig, 0, len(d.Flavors))
	for _, f := range d.Flavors {
		flavors = append(flavors, docker.FlavorConfig{Name: f.Name, Memory: f.Memory, CPUs: f.CPUs})
	}
	return docker.Config{
		Host:        d.Host,
		Network:     d.Network,
		Subnet:      d.Subnet,
		VMPort:      cfg.Server.VMPort,
		MountPath:   d.MountPath,
		ShmSize:     d.ShmSize,
		HelperImage: d.HelperImage,
		Flavors:     flavors,
	}
}

// newOrchestrator builds the provisioning orchestrator. tel may be nil.
func newOrchestrator(p vm.Provider, cfg *config.ProxyConfig, logger *slog.Logger, tel *telemetry.Providers) *vm.Orchestrator {
	opts := []vm.OrchestratorOption{vm.WithLogger(logger)}
	if tel != nil {
		opts = append(opts, vm.WithTracerProvider(tel.Tracer), vm.WithMeterProvider(tel.Meter))
	}
	return vm.NewOrchestrator(p, vm.Defaults{
		Flavor:           cfg.VMs.Defaults.Flavor,
		GoldSnapshotID:   cfg.VMs.Defaults.GoldSnapshotID,
		GoldSnapshotSize: cfg.VMs.Defaults.GoldSnapshotSize,
		PollInterval:     config.Duration(cfg.VMs.Defaults.PollInterval),
	}, opts...)
}

// buildVerifier returns the verifier for the configured auth mode.
func buildVerifier(cfg *config.ProxyConfig, users user.Store, logger *slog.Logger) (auth.Verifier, error) {
	switch cfg.Auth.Mode {
	case "password":
		return auth.NewPasswordVerifier(users), nil
	case "external":
		ext := cfg.Auth.External
		validator := extauth.NewCommandValidator(ext.Command, ext.Args, config.Duration(ext.Timeout), logger)
		return auth.NewExternalVerifier(validator), nil
	case "certificate":
		field := auth.CertField(cfg.Auth.CertField)
		if field == "" {
			field = auth.CertFieldCommonName
		}
		return auth.NewCertificateVerifier(field), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// connectionConfig translates server, session and WebRTC settings into the
// per-connection protocol settings.
func connectionConfig(cfg *config.ProxyConfig) (service.ConnectionConfig, error) {
	ice := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		ice = append(ice, server)
	}
	videoInfo, err := protocol.BuildVideoInfo(ice, cfg.WebRTC.Video, cfg.WebRTC.PC)
	if err != nil {
		return service.ConnectionConfig{}, fmt.Errorf("webrtc settings: %w", err)
	}

	filter := make([]protocol.RequestType, 0, len(cfg.Server.LogRequestFilter))
	for _, name := range cfg.Server.LogRequestFilter {
		t, ok := protocol.ParseRequestType(name)
		if !ok {
			return service.ConnectionConfig{}, fmt.Errorf("log_request_filter: unknown request type %q", name)
		}
		filter = append(filter, t)
	}

	return service.ConnectionConfig{
		VMPort:           cfg.Server.VMPort,
		VideoInfo:        videoInfo,
		CheckInterval:    config.Duration(cfg.Sessions.CheckInterval),
		VMSocketTimeout:  config.Duration(cfg.Server.VMSocketTimeout),
		DialTimeout:      config.Duration(cfg.Server.VMDialTimeout),
		LogRequestFilter: filter,
	}, nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes text logs to w. DevMode always forces debug.
func newLogger(cfg *config.ProxyConfig, w io.Writer) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
