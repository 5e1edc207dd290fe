// Package tcp accepts client connections on a TCP socket, optionally
// wrapped in TLS, and hands each one to the connection handler.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/svmp/svmp-proxy/internal/service"
)

// HandshakeTimeout bounds the TLS handshake of a new connection.
const HandshakeTimeout = 10 * time.Second

// ConnHandler serves one accepted connection until it closes.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn, info service.ConnInfo)
}

// Option configures a Listener.
type Option func(*Listener)

// WithTLS enables TLS on the listener.
func WithTLS(st *ServerTLS) Option {
	return func(l *Listener) { l.tls = st }
}

// WithLogger sets the listener logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// Listener accepts client connections.
type Listener struct {
	addr    string
	handler ConnHandler
	tls     *ServerTLS
	logger  *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a Listener for addr.
func New(addr string, handler ConnHandler, opts ...Option) *Listener {
	l := &Listener{
		addr:    addr,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// returns after every connection it started has finished.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	transport := "tcp"
	if l.tls != nil {
		transport = "tls"
	}
	l.logger.Info("client listener started", "addr", ln.Addr().String(), "transport", transport)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer l.wg.Wait()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info("client listener stopped", "addr", ln.Addr().String())
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				l.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn, transport)
		}()
	}
}

// Addr returns the bound address, nil before Serve.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn, transport string) {
	info := service.ConnInfo{Transport: transport}

	if l.tls != nil {
		tlsConn := tls.Server(conn, l.tls.Config)
		hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			l.logger.Debug("tls handshake failed", "remote_addr", conn.RemoteAddr().String(), "error", err)
			_ = conn.Close()
			return
		}
		cert, err := l.tls.PeerCertificate(tlsConn.ConnectionState())
		if err != nil {
			l.logger.Debug("client certificate rejected", "remote_addr", conn.RemoteAddr().String(), "error", err)
		}
		info.PeerCertificate = cert
		conn = tlsConn
	}

	l.handler.Serve(ctx, conn, info)
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
