// Package transport owns the WebSocket connection to the detection backend.
//
// A Manager holds at most one connection. Raw frames are handed to a Listener
// on a single read goroutine, in arrival order; the manager never decodes
// them, so a malformed frame cannot change connection state. Lifecycle changes
// (connected, disconnected, error, auth_expired) are reported to the same
// Listener.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/health"
	"github.com/c360/posturestream/identity"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/pkg/tlsutil"
	"github.com/c360/posturestream/wire"
)

// Listener receives everything the connection produces.
type Listener interface {
	OnFrame(frame []byte)
	OnLifecycle(ev wire.ConnectionLifecycle)
}

// Close codes the backend uses when it refuses a token after the upgrade.
var authCloseCodes = map[int]bool{
	websocket.ClosePolicyViolation: true,
	4001:                           true,
	4003:                           true,
	4401:                           true,
	4403:                           true,
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records connection state and attempts.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now for lifecycle timestamps and the auth
// rejection window.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithReleaseHook registers fn to run on every Disconnect.
func WithReleaseHook(fn func()) Option {
	return func(m *Manager) { m.AddReleaseHook(fn) }
}

type link struct {
	id       string
	conn     *websocket.Conn
	openedAt time.Time
	writeMu  sync.Mutex
	lastSeen atomic.Int64
	closing  atomic.Bool
	done     chan struct{}
}

func (l *link) touch(at time.Time) { l.lastSeen.Store(at.UnixNano()) }

func (l *link) lastActivity() time.Time {
	ns := l.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Manager drives the connection state machine. It is safe for concurrent use,
// and Disconnect may be called from inside a Listener callback.
type Manager struct {
	cfg      Config
	dialer   *websocket.Dialer
	listener Listener
	logger   *slog.Logger
	metrics  *metric.Metrics
	now      func() time.Time

	mu              sync.Mutex
	state           State
	link            *link
	lastLink        *link
	epoch           uint64 // bumped by Disconnect; stale connects and reconnects compare against it
	cancelPending   context.CancelFunc
	cancelReconnect context.CancelFunc
	identity        identity.Identity
	info            ConnectionInfo
	retries         int
	faults          int
	releaseHooks    []func()
}

// New creates an idle manager. listener may be nil.
func New(cfg Config, listener Listener, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		listener: listener,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "transport")
	tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, errors.Wrap(err, "transport", "New", "tls config")
	}
	m.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  tlsConfig,
	}
	m.info.Endpoint = redactURL(cfg.URL)
	m.setState(StateIdle)
	return m, nil
}

// AddReleaseHook registers fn to run on every Disconnect. Hooks should be
// idempotent.
func (m *Manager) AddReleaseHook(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseHooks = append(m.releaseHooks, fn)
}

// Connect opens the connection for id. It is a no-op when a connection is
// already open or being opened. The attempt is bounded by ConnectTimeout and
// by ctx, and is abandoned with ErrConnectCancelled if Disconnect runs first.
func (m *Manager) Connect(ctx context.Context, id identity.Identity) error {
	if !id.Valid() {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "Connect", "identity check")
	}
	endpoint, err := m.endpoint(id)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "Connect", "endpoint build")
	}

	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateOpen:
		m.mu.Unlock()
		return nil
	case StateClosing:
		m.mu.Unlock()
		return errors.WrapTransient(errors.ErrConnectCancelled, "Manager", "Connect", "connect while closing")
	}
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	epoch := m.epoch
	m.cancelPending = cancel
	m.identity = id
	m.setState(StateConnecting)
	m.mu.Unlock()

	m.logger.Debug("Connecting", "endpoint", redactURL(endpoint), "client_id", id.ClientID)
	conn, resp, dialErr := m.dialer.DialContext(attemptCtx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.metrics.RecordConnectAttempt("cancelled")
		m.logger.Debug("Connect abandoned by disconnect")
		return errors.Wrap(errors.ErrConnectCancelled, "Manager", "Connect", "dial")
	}
	m.cancelPending = nil
	if dialErr != nil {
		m.faults++
		m.setState(StateFaulted)
		m.mu.Unlock()
		return m.connectFailed(ctx, attemptCtx, resp, dialErr)
	}

	l := &link{
		id:       uuid.NewString(),
		conn:     conn,
		openedAt: m.now(),
		done:     make(chan struct{}),
	}
	l.touch(l.openedAt)
	m.link = l
	m.lastLink = l
	m.info = ConnectionInfo{
		ID:          l.id,
		Endpoint:    redactURL(endpoint),
		ClientID:    id.ClientID,
		ConnectedAt: l.openedAt,
	}
	m.setState(StateOpen)
	m.mu.Unlock()

	m.configure(l)
	m.metrics.RecordConnectAttempt("success")
	m.logger.Info("Connected", "connection_id", l.id, "endpoint", m.info.Endpoint)
	m.emit(wire.ConnectionLifecycle{Status: wire.StatusConnected, ConnectionID: l.id, At: l.openedAt})

	go m.readLoop(l)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(l)
	}
	return nil
}

func (m *Manager) connectFailed(ctx, attemptCtx context.Context, resp *http.Response, err error) error {
	at := m.now()

	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		m.metrics.RecordConnectAttempt("auth_rejected")
		m.logger.Warn("Handshake rejected", "status", resp.StatusCode)
		m.emit(wire.ConnectionLifecycle{
			Status:  wire.StatusAuthExpired,
			Err:     errors.ErrAuthExpired,
			Message: http.StatusText(resp.StatusCode),
			At:      at,
		})
		return errors.WrapFatal(errors.ErrAuthExpired, "Manager", "Connect", "handshake")
	}

	cause, result := err, "error"
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		cause = errors.Join(errors.ErrConnectionTimeout, err)
		result = "timeout"
	}
	te := &errors.TransportError{Op: "dial", Err: cause}
	m.metrics.RecordConnectAttempt(result)
	m.logger.Warn("Connect failed", "result", result, "error", health.Sanitize(err.Error()))
	m.emit(wire.ConnectionLifecycle{
		Status:  wire.StatusError,
		Err:     te,
		Message: health.Sanitize(te.Error()),
		At:      at,
	})
	return errors.WrapTransient(te, "Manager", "Connect", "dial")
}

func (m *Manager) configure(l *link) {
	if m.cfg.MaxMessageBytes > 0 {
		l.conn.SetReadLimit(m.cfg.MaxMessageBytes)
	}
	if m.cfg.PingInterval <= 0 {
		return
	}
	_ = l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		l.touch(m.now())
		return l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})
}

func (m *Manager) readLoop(l *link) {
	defer close(l.done)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			m.readFailed(l, err)
			return
		}
		if l.closing.Load() {
			return
		}
		l.touch(m.now())
		if m.cfg.PingInterval > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		}
		if m.listener != nil {
			m.listener.OnFrame(data)
		}
	}
}

// readFailed handles the end of a read loop. A link that Disconnect already
// detached exits silently.
func (m *Manager) readFailed(l *link, err error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.faults++
	m.setState(StateFaulted)
	id := m.identity
	m.mu.Unlock()
	_ = l.conn.Close()

	at := m.now()
	authRejected := m.isAuthRejection(l, err, at)
	te := &errors.TransportError{Op: "read", Err: err}

	m.logger.Warn("Connection closed unexpectedly",
		"connection_id", l.id,
		"open_for", at.Sub(l.openedAt),
		"auth_rejected", authRejected,
		"error", err)
	m.emit(wire.ConnectionLifecycle{
		Status:       wire.StatusDisconnected,
		ConnectionID: l.id,
		Err:          te,
		Message:      health.Sanitize(te.Error()),
		At:           at,
	})

	if authRejected {
		m.emit(wire.ConnectionLifecycle{
			Status:       wire.StatusAuthExpired,
			ConnectionID: l.id,
			Err:          errors.ErrAuthExpired,
			Message:      "connection refused after authentication",
			At:           at,
		})
		return
	}
	if m.cfg.Reconnect.Enabled {
		m.startReconnect(id)
	}
}

func (m *Manager) isAuthRejection(l *link, err error, at time.Time) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && authCloseCodes[ce.Code] {
		return true
	}
	return m.cfg.AuthRejectWindow > 0 && at.Sub(l.openedAt) < m.cfg.AuthRejectWindow
}

func (m *Manager) pingLoop(l *link) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeTimeout())); err != nil {
				if !l.closing.Load() {
					m.logger.Debug("Ping failed", "connection_id", l.id, "error", err)
				}
				return
			}
		}
	}
}

// Disconnect closes the connection from any state. It cancels a pending
// Connect and any reconnect loop, emits a disconnected lifecycle event when a
// connection was open, then runs the release hooks. It is idempotent and does
// not wait for the read goroutine.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.cancelPending != nil {
		m.cancelPending()
		m.cancelPending = nil
	}
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
	l := m.link
	m.link = nil
	if l != nil {
		m.setState(StateClosing)
	} else {
		m.setState(StateIdle)
	}
	hooks := append([]func(){}, m.releaseHooks...)
	m.mu.Unlock()

	if l != nil {
		l.closing.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.writeTimeout()))
		_ = l.conn.Close()

		m.mu.Lock()
		if m.state == StateClosing {
			m.setState(StateIdle)
		}
		m.mu.Unlock()

		m.logger.Info("Disconnected", "connection_id", l.id)
		m.emit(wire.ConnectionLifecycle{
			Status:       wire.StatusDisconnected,
			ConnectionID: l.id,
			Expected:     true,
			At:           m.now(),
		})
	}

	for _, hook := range hooks {
		m.runHook(hook)
	}
}

func (m *Manager) runHook(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Release hook panicked", "panic", r)
		}
	}()
	hook()
}

// Send writes one text frame. It returns errors.ErrNotConnected unless the
// connection is open; nothing is queued.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	l := m.link
	open := m.state == StateOpen
	m.mu.Unlock()
	if l == nil || !open {
		return errors.ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if m.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if l.closing.Load() {
			return errors.ErrNotConnected
		}
		return errors.WrapTransient(&errors.TransportError{Op: "write", Err: err}, "Manager", "Send", "write frame")
	}
	l.touch(m.now())
	return nil
}

// IsOpen reports whether Send would currently write.
func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info describes the current or most recent connection.
func (m *Manager) Info() ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.info
	info.State = m.state
	info.RetryCount = m.retries
	if m.lastLink != nil {
		info.LastActivity = m.lastLink.lastActivity()
	}
	return info
}

// Health implements health.Checker.
func (m *Manager) Health() health.Status {
	info := m.Info()
	m.mu.Lock()
	faults := m.faults
	m.mu.Unlock()

	var status health.Status
	switch info.State {
	case StateOpen:
		status = health.NewHealthy("transport", "connected to "+info.Endpoint)
	case StateConnecting:
		status = health.NewDegraded("transport", "connecting")
	case StateFaulted:
		status = health.NewUnhealthy("transport", "connection faulted")
	default:
		status = health.NewDegraded("transport", "not connected")
	}

	metrics := &health.Metrics{ErrorCount: faults, LastActivity: info.LastActivity}
	if info.State == StateOpen {
		metrics.Uptime = m.now().Sub(info.ConnectedAt)
	}
	return status.WithMetrics(metrics)
}

func (m *Manager) setState(s State) {
	m.state = s
	m.metrics.RecordConnectionState(int(s))
}

func (m *Manager) emit(ev wire.ConnectionLifecycle) {
	if m.listener != nil {
		m.listener.OnLifecycle(ev)
	}
}

func (m *Manager) writeTimeout() time.Duration {
	if m.cfg.WriteTimeout > 0 {
		return m.cfg.WriteTimeout
	}
	return time.Second
}

func (m *Manager) endpoint(id identity.Identity) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", id.ClientID)
	q.Set("token", id.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	u.User = nil
	return u.String()
}
