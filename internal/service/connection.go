// Package service contains the connection state machine and the background
// workflows around sessions and VMs.
package service

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svmp/svmp-proxy/internal/ctxkey"
	"github.com/svmp/svmp-proxy/internal/domain/auth"
	"github.com/svmp/svmp-proxy/internal/domain/proxy"
	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/metrics"
	"github.com/svmp/svmp-proxy/pkg/protocol"
)

// DefaultCheckInterval is how often an open connection's session expiry is checked.
const DefaultCheckInterval = 60 * time.Second

// relayStopTimeout bounds how long an expiring connection waits for the
// VM relay to finish its last write before giving up on the notice.
const relayStopTimeout = 5 * time.Second

// Authenticator validates client credentials and issues sessions.
type Authenticator interface {
	Authenticate(ctx context.Context, creds *auth.Credentials) (*session.Session, error)
}

// SessionTracker records connection lifecycle changes on sessions.
type SessionTracker interface {
	MarkConnected(ctx context.Context, s *session.Session) error
	Disconnect(ctx context.Context, s *session.Session) error
	Now() time.Time
}

// Dialer opens VM-facing connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectionConfig holds per-connection protocol settings.
type ConnectionConfig struct {
	// VMPort is the port VMs accept proxy connections on.
	VMPort int
	// VideoInfo is sent to VMs as VIDEO_PARAMS and to clients as VIDSTREAMINFO.
	VideoInfo *protocol.VideoInfo
	// CheckInterval is the session expiry check period once proxying.
	CheckInterval time.Duration
	// VMSocketTimeout closes the connection after this long without VM
	// traffic in either direction. Zero disables it.
	VMSocketTimeout time.Duration
	// DialTimeout bounds connecting to a VM. Zero means no bound.
	DialTimeout time.Duration
	// LogRequestFilter lists request types left out of debug logging.
	LogRequestFilter []protocol.RequestType
}

// ConnInfo describes an accepted client connection.
type ConnInfo struct {
	// Transport labels the listener, e.g. "tcp" or "websocket".
	Transport string
	// PeerCertificate is the verified client certificate, nil if the
	// client sent none or it did not verify.
	PeerCertificate *x509.Certificate
}

// ConnectionOption configures a ConnectionHandler.
type ConnectionOption func(*ConnectionHandler)

// WithDialer overrides how VM connections are opened.
func WithDialer(d Dialer) ConnectionOption {
	return func(h *ConnectionHandler) {
		h.dialer = d
	}
}

// WithConnectionLogger sets the base logger for connections.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(h *ConnectionHandler) {
		h.logger = logger
	}
}

// WithConnectionMetrics sets the metrics connections record to.
func WithConnectionMetrics(m *metrics.Metrics) ConnectionOption {
	return func(h *ConnectionHandler) {
		h.metrics = m
	}
}

// ConnectionHandler runs the negotiation state machine for each accepted
// client connection and relays its traffic once the VM is ready.
type ConnectionHandler struct {
	gate     Authenticator
	sessions SessionTracker
	cfg      ConnectionConfig
	filter   map[protocol.RequestType]bool
	dialer   Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(gate Authenticator, sessions SessionTracker, cfg ConnectionConfig, opts ...ConnectionOption) *ConnectionHandler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.VideoInfo == nil {
		cfg.VideoInfo = &protocol.VideoInfo{}
	}
	h := &ConnectionHandler{
		gate:     gate,
		sessions: sessions,
		cfg:      cfg,
		filter:   make(map[protocol.RequestType]bool, len(cfg.LogRequestFilter)),
		dialer:   &net.Dialer{},
		logger:   slog.Default(),
	}
	for _, t := range cfg.LogRequestFilter {
		h.filter[t] = true
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve drives one client connection until either side closes, the
// session expires or ctx is cancelled. It always closes conn and returns
// only after every goroutine it started has exited.
func (h *ConnectionHandler) Serve(ctx context.Context, conn net.Conn, info ConnInfo) {
	connID := uuid.NewString()
	logger := h.logger.With("conn_id", connID, "remote_addr", conn.RemoteAddr().String())
	ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger)

	h.metrics.ConnectionOpened(info.Transport)
	defer h.metrics.ConnectionClosed()

	c := &connection{
		h:       h,
		ctx:     ctx,
		info:    info,
		logger:  logger,
		client:  conn,
		clientR: bufio.NewReader(conn),
		clientW: &lockedWriter{w: conn},
		state:   proxy.StateUnauthenticated,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	logger.Debug("client connected", "transport", info.Transport)

	c.wg.Add(1)
	go c.watchContext()

	c.readClient()
	c.shutdown("client closed")
	c.wg.Wait()
}

// connection is the state of one client connection.
type connection struct {
	h       *ConnectionHandler
	ctx     context.Context
	info    ConnInfo
	logger  *slog.Logger
	client  net.Conn
	clientR *bufio.Reader
	clientW *lockedWriter
	started time.Time

	mu           sync.Mutex
	state        proxy.State
	session      *session.Session
	testing      bool
	vm           net.Conn
	vmRelayDone  chan struct{}
	vmHalted     bool
	clientClosed bool
	vmClosed     bool
	expiryStop   chan struct{}
	done         chan struct{}

	wg sync.WaitGroup
}

func (c *connection) getState() proxy.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s proxy.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.h.metrics.Transition(s.String())
	c.logger.Debug("state changed", "state", s.String())
}

func (c *connection) watchContext() {
	defer c.wg.Done()
	select {
	case <-c.ctx.Done():
		c.shutdown("server shutting down")
	case <-c.done:
	}
}

// readClient processes client frames in arrival order until the client
// side ends. Once proxying it switches to a raw byte relay.
func (c *connection) readClient() {
	for {
		if c.getState() == proxy.StateProxyReady {
			c.relayClient()
			return
		}

		frame, err := protocol.ReadFrame(c.clientR)
		if err != nil {
			c.logReadError("client", err)
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				_ = c.writeResponse(protocol.NewError(err.Error()))
			}
			return
		}
		c.logRequest(frame)

		switch c.getState() {
		case proxy.StateUnauthenticated:
			if !c.handleAuth(frame) {
				return
			}
		case proxy.StateVMWait:
			// Client traffic has no meaning until the VM reports ready.
		case proxy.StateVMReadySent:
			c.handleVideoParams(frame)
		}
	}
}

func (c *connection) handleAuth(frame []byte) bool {
	req, err := protocol.UnmarshalRequest(frame)
	switch {
	case err != nil:
	case req.Type != protocol.RequestAuth:
		err = fmt.Errorf("expected AUTH request, got %s", req.Type)
	case req.Authentication == nil:
		err = errors.New("AUTH request without authentication")
	}
	if err != nil {
		c.h.metrics.ParseError()
		c.logger.Debug("bad authentication request", "error", err)
		return c.writeResponse(protocol.NewError("Problem parsing message: "+err.Error())) == nil
	}

	a := req.Authentication
	creds := &auth.Credentials{
		Username:     a.Username,
		Password:     a.Password,
		SessionToken: a.SessionToken,
		Certificate:  c.info.PeerCertificate,
		Testing:      a.Testing,
		RemoteAddr:   c.client.RemoteAddr().String(),
	}

	s, err := c.h.gate.Authenticate(c.ctx, creds)
	if err != nil {
		reason := "error"
		var f *auth.Failure
		if errors.As(err, &f) {
			reason = string(f.Reason)
		}
		c.h.metrics.AuthResult(reason)
		c.logger.Info("failed authentication", "username", a.Username, "reason", reason, "error", err)
		_ = c.writeResponse(protocol.NewAuthFail())
		return false
	}
	c.h.metrics.AuthResult("ok")

	c.mu.Lock()
	c.session = s
	c.testing = a.Testing
	c.mu.Unlock()

	if err := c.h.sessions.MarkConnected(c.ctx, s); err != nil {
		c.logger.Warn("failed to mark session connected", "error", err)
	}
	c.logger.Info("user authenticated", "username", s.Username, "testing", a.Testing)

	if err := c.writeResponse(protocol.NewAuthOK(s.Token)); err != nil {
		return false
	}

	if a.Testing {
		if err := c.writeResponse(&protocol.Response{Type: protocol.ResponseVMReady, Message: "Testing. Not connected to VM"}); err != nil {
			return false
		}
		c.setState(proxy.StateVMReadySent)
		return true
	}

	if s.VMAddress == "" {
		c.logger.Info("no VM assigned to user, waiting", "username", s.Username)
		return true
	}
	return c.connectVM(s.VMAddress)
}

func (c *connection) connectVM(host string) bool {
	dialCtx := c.ctx
	if c.h.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(c.ctx, c.h.cfg.DialTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(c.h.cfg.VMPort))
	conn, err := c.h.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.logger.Error("failed to connect to VM", "vm", addr, "error", err)
		return false
	}
	if c.h.cfg.VMSocketTimeout > 0 {
		conn = newIdleTimeoutConn(conn, c.h.cfg.VMSocketTimeout)
	}

	c.mu.Lock()
	if c.vmClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.vm = conn
	relayDone := make(chan struct{})
	c.vmRelayDone = relayDone
	c.mu.Unlock()
	c.logger.Info("connected to VM", "vm", addr)

	if err := protocol.WriteRequest(conn, &protocol.Request{Type: protocol.RequestVideoParams, VideoInfo: c.h.cfg.VideoInfo}); err != nil {
		c.logger.Error("failed to send video parameters to VM", "error", err)
		return false
	}
	c.setState(proxy.StateVMWait)

	c.wg.Add(1)
	go c.readVM(conn, relayDone)
	return true
}

// readVM forwards everything the VM sends to the client. Until VMREADY
// arrives it reads whole frames so it can spot it. It closes done when it
// stops writing to the client.
func (c *connection) readVM(vm net.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer func() {
		close(done)
		c.mu.Lock()
		halted := c.vmHalted
		c.mu.Unlock()
		if !halted {
			c.shutdown("vm closed")
		}
	}()

	r := bufio.NewReader(vm)
	for c.getState() == proxy.StateVMWait {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			c.logReadError("vm", err)
			return
		}
		resp, err := protocol.UnmarshalResponse(frame)
		if err == nil {
			c.logger.Debug("sending response to client", "type", resp.Type.String())
			if resp.Type == protocol.ResponseVMReady {
				// Set before forwarding so the client's reply finds the new state.
				c.setState(proxy.StateVMReadySent)
			}
		}
		if err := protocol.WriteFrame(c.clientW, frame); err != nil {
			c.logReadError("client", err)
			return
		}
	}

	n, err := io.Copy(c.clientW, r)
	c.h.metrics.Relayed("vm_to_client", n)
	if err != nil {
		c.logReadError("vm", err)
	}
}

func (c *connection) handleVideoParams(frame []byte) {
	req, err := protocol.UnmarshalRequest(frame)
	if err == nil && req.Type != protocol.RequestVideoParams {
		err = fmt.Errorf("expected VIDEO_PARAMS request, got %s", req.Type)
	}
	if err != nil {
		c.h.metrics.ParseError()
		c.logger.Debug("bad video parameters request", "error", err)
		_ = c.writeResponse(protocol.NewError("Parser: Bad formed message"))
		return
	}

	c.startExpiryLoop()
	if err := c.writeResponse(&protocol.Response{Type: protocol.ResponseVidStreamInfo, VideoInfo: c.h.cfg.VideoInfo}); err != nil {
		return
	}
	c.setState(proxy.StateProxyReady)
	c.h.metrics.ObserveHandshake(time.Since(c.started).Seconds())
}

// relayClient copies client bytes to the VM verbatim, including any bytes
// already buffered. Testing connections have no VM and drop them.
func (c *connection) relayClient() {
	c.mu.Lock()
	testing, vm := c.testing, c.vm
	c.mu.Unlock()

	var dst io.Writer = io.Discard
	if !testing && vm != nil {
		dst = vm
	}
	n, err := io.Copy(dst, c.clientR)
	if !testing {
		c.h.metrics.Relayed("client_to_vm", n)
	}
	if err != nil {
		c.logReadError("client", err)
	}
}

// startExpiryLoop begins the periodic check of the session's fixed expiry.
// At most one loop runs per connection.
func (c *connection) startExpiryLoop() {
	c.mu.Lock()
	if c.clientClosed || c.expiryStop != nil || c.session == nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.expiryStop = stop
	expiresAt := c.session.ExpiresAt
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.h.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := c.h.sessions.Now()
				if !now.Before(expiresAt) {
					c.logger.Info("session expired, terminating connection")
					c.h.metrics.SessionExpired()
					if c.haltVMRelay() {
						_ = c.writeResponse(protocol.NewSessionMaxTimeout())
					}
					c.shutdown("session expired")
					return
				}
				c.logger.Debug("session still valid", "expires_in", expiresAt.Sub(now).Round(time.Second).String())
			}
		}
	}()
}

// haltVMRelay closes the VM side and waits until the relay has written its
// last bytes to the client, so nothing from the VM follows a notice. A VM
// frame cut short by the close is not completed. It reports false when the
// relay did not stop in time or the connection is already closing.
func (c *connection) haltVMRelay() bool {
	c.mu.Lock()
	vm, done := c.vm, c.vmRelayDone
	closeVM := !c.vmClosed
	c.vmClosed = true
	c.vmHalted = true
	c.mu.Unlock()

	if closeVM && vm != nil {
		if err := vm.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("error closing VM socket", "error", err)
		}
	}
	if done == nil {
		return true
	}

	timer := time.NewTimer(relayStopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.logger.Warn("VM relay did not stop, closing without notice")
		return false
	}
}

// shutdown releases the connection. Each side is closed exactly once no
// matter how many events trigger it or from which goroutine.
func (c *connection) shutdown(reason string) {
	c.mu.Lock()
	closeClient := !c.clientClosed
	closeVM := !c.vmClosed
	c.clientClosed = true
	c.vmClosed = true
	s, stop, vm := c.session, c.expiryStop, c.vm
	c.mu.Unlock()

	if closeClient {
		c.logger.Info("user disconnected", "reason", reason)
		if s != nil {
			if err := c.h.sessions.Disconnect(context.WithoutCancel(c.ctx), s); err != nil {
				c.logger.Error("failed to save session", "error", err)
			}
		}
		if stop != nil {
			close(stop)
		}
		close(c.done)
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("error closing client socket", "error", err)
		}
	}
	if closeVM && vm != nil {
		if err := vm.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("error closing VM socket", "error", err)
		}
	}
}

func (c *connection) writeResponse(r *protocol.Response) error {
	if err := protocol.WriteResponse(c.clientW, r); err != nil {
		c.logger.Debug("failed to write to client", "type", r.Type.String(), "error", err)
		return err
	}
	return nil
}

func (c *connection) logRequest(frame []byte) {
	if !c.logger.Enabled(c.ctx, slog.LevelDebug) {
		return
	}
	req, err := protocol.UnmarshalRequest(frame)
	if err != nil {
		c.logger.Debug("could not read request", "error", err)
		return
	}
	if !c.h.filter[req.Type] {
		c.logger.Debug("received request from client", "type", req.Type.String())
	}
}

func (c *connection) logReadError(side string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("socket closed", "side", side)
	case isTimeout(err):
		c.logger.Info("socket timed out", "side", side)
	default:
		c.logger.Warn("socket error", "side", side, "error", err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// lockedWriter serializes writes from the relay and the expiry loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// idleTimeoutConn fails reads once no traffic has crossed the connection in
// either direction for the timeout.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleTimeoutConn(conn net.Conn, timeout time.Duration) *idleTimeoutConn {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	return &idleTimeoutConn{Conn: conn, timeout: timeout}
}

func (c *idleTimeoutConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}

func (c *idleTimeoutConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}
