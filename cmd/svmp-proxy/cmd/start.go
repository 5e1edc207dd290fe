package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	stdhttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/svmp/svmp-proxy/internal/adapter/inbound/admin"
	"github.com/svmp/svmp-proxy/internal/adapter/inbound/tcp"
	"github.com/svmp/svmp-proxy/internal/adapter/inbound/ws"
	"github.com/svmp/svmp-proxy/internal/adapter/outbound/memory"
	"github.com/svmp/svmp-proxy/internal/config"
	"github.com/svmp/svmp-proxy/internal/domain/auth"
	"github.com/svmp/svmp-proxy/internal/domain/ratelimit"
	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/metrics"
	"github.com/svmp/svmp-proxy/internal/service"
	"github.com/svmp/svmp-proxy/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the SVMP proxy.

The proxy accepts clients on server.port (TCP, optionally TLS) and, when
server.websocket.enabled is set, on a WebSocket endpoint. Authenticated
clients are relayed to the VM assigned to their user.

Examples:
  # Start with config file settings
  svmp-proxy start

  # In-memory users, sessions and VMs with debug logging
  svmp-proxy start --dev

  # Start with a specific config file
  svmp-proxy --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, in-memory storage and VMs)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	if err := cfg.Finalize(); err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg, os.Stderr)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("svmp-proxy stopped")
	return nil
}

func run(ctx context.Context, cfg *config.ProxyConfig, logger *slog.Logger) error {
	startTime := time.Now()

	var tel *telemetry.Providers
	if cfg.Telemetry.Enabled {
		var err error
		tel, err = telemetry.Setup(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	provider, closeProvider, err := openProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeProvider() }()
	orch := newOrchestrator(provider, cfg, logger, tel)

	sessions := session.NewSessionService(store.sessions, session.Config{
		MaxLength: config.Duration(cfg.Sessions.MaxLength),
		TokenTTL:  config.Duration(cfg.Sessions.TokenTTL),
	})

	verifier, err := buildVerifier(cfg, store.users, logger)
	if err != nil {
		return err
	}
	gateOpts := []auth.GateOption{auth.WithGateLogger(logger)}
	if rl := cfg.Auth.RateLimit; rl.Enabled {
		limiter := memory.NewAttemptLimiterWithConfig(config.Duration(rl.CleanupInterval), config.Duration(rl.MaxTTL))
		limiter.OnCleanup(func(remaining int) { m.RateLimitKeys.Set(float64(remaining)) })
		limiter.StartCleanup(ctx)
		defer limiter.Stop()
		gateOpts = append(gateOpts, auth.WithRateLimit(limiter, ratelimit.RateLimitConfig{
			Rate:   rl.Rate,
			Burst:  rl.Burst,
			Period: config.Duration(rl.Period),
		}))
	}
	gate := auth.NewGate(verifier, sessions, store.users, gateOpts...)

	connCfg, err := connectionConfig(cfg)
	if err != nil {
		return err
	}
	handler := service.NewConnectionHandler(gate, sessions, connCfg,
		service.WithConnectionLogger(logger),
		service.WithConnectionMetrics(m),
	)

	var serverTLS *tcp.ServerTLS
	if cfg.TLS.Enabled {
		serverTLS, err = tcp.LoadServerTLS(cfg.TLS.Certificate, cfg.TLS.PrivateKey, cfg.TLS.PrivateKeyPass, cfg.TLS.CACert)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	reclaimer := service.NewVMReclaimer(sessions, store.users, orch, service.ReclaimerConfig{
		IdleTTL:  config.Duration(cfg.VMs.IdleTTL),
		Interval: config.Duration(cfg.VMs.CheckInterval),
	}, logger, m)
	reclaimer.Start(ctx)
	defer reclaimer.Stop()

	clientAddr := net.JoinHostPort(cfg.Server.Listen, strconv.Itoa(cfg.Server.Port))
	tcpOpts := []tcp.Option{tcp.WithLogger(logger)}
	if serverTLS != nil {
		tcpOpts = append(tcpOpts, tcp.WithTLS(serverTLS))
	}
	components := []component{{
		name: "client listener",
		run:  tcp.New(clientAddr, handler, tcpOpts...).ListenAndServe,
	}}

	if wsCfg := cfg.Server.WebSocket; wsCfg.Enabled {
		wsOpts := []ws.Option{ws.WithLogger(logger)}
		if serverTLS != nil {
			wsOpts = append(wsOpts, ws.WithTLS(serverTLS))
		}
		components = append(components, component{
			name: "websocket listener",
			run:  ws.New(wsCfg.Addr, wsCfg.Path, handler, wsOpts...).ListenAndServe,
		})
	}

	if cfg.Admin.Enabled {
		users := service.NewUserService(store.users, orch, cfg.VMs.Defaults.Images, logger, m)
		api := admin.NewAdminAPIHandler(users, sessions,
			admin.WithAPILogger(logger),
			admin.WithGatherer(reg),
			admin.WithAllowRemote(cfg.Admin.AllowRemote),
			admin.WithVersion(Version),
			admin.WithStartTime(startTime),
		)
		components = append(components, component{
			name: "admin API",
			run: func(ctx context.Context) error {
				return serveHTTP(ctx, cfg.Admin.Addr, api.Routes(), logger)
			},
		})
	}

	printBanner(cfg, clientAddr)
	return runComponents(ctx, components)
}

// component is a long-running part of the server that stops when its
// context is cancelled.
type component struct {
	name string
	run  func(ctx context.Context) error
}

// runComponents runs every component until ctx is cancelled or one fails,
// in which case the others are stopped and the first error returned.
func runComponents(ctx context.Context, components []component) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(components))
	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.run(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", c.name, err)
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// serveHTTP serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func serveHTTP(ctx context.Context, addr string, h stdhttp.Handler, logger *slog.Logger) error {
	srv := &stdhttp.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, stdhttp.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// printBanner prints a startup summary to stderr.
func printBanner(cfg *config.ProxyConfig, clientAddr string) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "tcp"
	if cfg.TLS.Enabled {
		scheme = "tls"
	}
	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset + dim + " (in-memory)" + reset
	}

	w := os.Stderr
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  %s%s SVMP proxy %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "  %-14s %s://%s\n", "Clients:", scheme, clientAddr)
	if cfg.Server.WebSocket.Enabled {
		fmt.Fprintf(w, "  %-14s %s%s\n", "WebSocket:", cfg.Server.WebSocket.Addr, cfg.Server.WebSocket.Path)
	}
	if cfg.Admin.Enabled {
		fmt.Fprintf(w, "  %-14s http://%s/api\n", "Admin API:", cfg.Admin.Addr)
	}
	fmt.Fprintf(w, "  %-14s %s\n", "Auth:", cfg.Auth.Mode)
	fmt.Fprintf(w, "  %-14s %s\n", "VMs:", cfg.VMs.Provider)
	fmt.Fprintf(w, "  %-14s %s\n", "Storage:", cfg.Storage.Driver)
	fmt.Fprintf(w, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "\n")
}

// pidFilePath returns the configured PID file, or the standard location.
func pidFilePath(cfg *config.ProxyConfig) string {
	if cfg != nil && cfg.Server.PIDFile != "" {
		return cfg.Server.PIDFile
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".svmp-proxy", "svmp-proxy.pid")
	}
	return filepath.Join(os.TempDir(), "svmp-proxy.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// readPIDFile returns the PID stored at path, 0 if missing or malformed.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

