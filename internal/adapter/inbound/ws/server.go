// Package ws accepts client connections tunnelled over WebSocket. Each
// binary message stream is presented to the connection handler as a
// net.Conn carrying the same framed protocol as the TCP listener.
package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/svmp/svmp-proxy/internal/adapter/inbound/tcp"
	"github.com/svmp/svmp-proxy/internal/service"
	"github.com/svmp/svmp-proxy/pkg/protocol"
)

// DefaultPath is the upgrade endpoint when none is configured.
const DefaultPath = "/ws"

const shutdownTimeout = 10 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithTLS serves wss:// using the same certificates as the TCP listener.
func WithTLS(st *tcp.ServerTLS) Option {
	return func(s *Server) { s.tls = st }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithOriginPatterns allows browser clients from the given origins.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server upgrades HTTP requests on path and hands the resulting
// connections to handler.
type Server struct {
	addr    string
	path    string
	handler tcp.ConnHandler
	tls     *tcp.ServerTLS
	origins []string
	logger  *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a Server for addr. An empty path means DefaultPath.
func New(addr, path string, handler tcp.ConnHandler, opts ...Option) *Server {
	if path == "" {
		path = DefaultPath
	}
	s := &Server{
		addr:    addr,
		path:    path,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts upgrades on ln until ctx is cancelled, then shuts the
// HTTP server down and waits for open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	scheme := "ws"
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls.Config)
		scheme = "wss"
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: tcp.HandshakeTimeout,
		// Hijacked connections outlive Shutdown; they end when ctx does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket listener started", "addr", ln.Addr().String(), "path", s.path, "scheme", scheme)
		errCh <- srv.Serve(ln)
	}()

	var err error
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(sctx)
		cancel()
		<-errCh
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	s.wg.Wait()
	s.logger.Info("websocket listener stopped", "addr", ln.Addr().String())
	return err
}

// Addr returns the bound address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Routes returns the upgrade router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get(s.path, s.handleUpgrade)
	return r
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Counted before the hijack so Serve's Wait cannot miss it.
	s.wg.Add(1)
	defer s.wg.Done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	// Room for the largest frame plus its length prefix.
	c.SetReadLimit(protocol.MaxFrameSize + 16)

	info := service.ConnInfo{Transport: "websocket"}
	if s.tls != nil && r.TLS != nil {
		cert, err := s.tls.PeerCertificate(*r.TLS)
		if err != nil {
			s.logger.Debug("client certificate rejected", "remote_addr", r.RemoteAddr, "error", err)
		}
		info.PeerCertificate = cert
	}

	ctx := r.Context()
	conn := &wsConn{
		Conn:   websocket.NetConn(ctx, c, websocket.MessageBinary),
		remote: remoteAddr(r.RemoteAddr),
	}
	s.handler.Serve(ctx, conn, info)
	_ = c.CloseNow()
}

// wsConn reports the HTTP peer address; websocket.NetConn does not know it.
type wsConn struct {
	net.Conn
	remote net.Addr
}

func (c *wsConn) RemoteAddr() net.Addr {
	if c.remote == nil {
		return c.Conn.RemoteAddr()
	}
	return c.remote
}

func remoteAddr(hostport string) net.Addr {
	ap, err := netip.ParseAddrPort(hostport)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}
