package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/observability"
	"github.com/noteflow/notes-gateway/internal/resilience"
)

var (
	// ErrNotConnected means there is no live transport to emit on.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrNotAuthenticated means the server has not confirmed authentication
	// for the current connection. Emitting a summarize request in this state
	// is a defined error path, not a crash.
	ErrNotAuthenticated = errors.New("stream: not authenticated")
	// ErrAuthTimeout means the server did not answer the authenticate
	// handshake within the configured bound.
	ErrAuthTimeout = errors.New("stream: authenticate handshake timed out")
	// ErrClosed means the manager has been shut down.
	ErrClosed = errors.New("stream: manager closed")
)

// TokenSource supplies the freshest available bearer token. An empty token
// with a nil error means no session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Handlers receives events the manager cannot resolve on its own.
type Handlers struct {
	// OnSummary receives decoded summary_stream variants in arrival order.
	OnSummary func(SummaryEvent)
	// OnAuthFailure fires when the server rejects an authenticate handshake,
	// so in-flight requests can react.
	OnAuthFailure func(error)
	// OnSessionExpired fires when a disconnect carries an authorization
	// signal and the user should sign in again.
	OnSessionExpired func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthTimeout bounds the authenticate handshake.
func WithAuthTimeout(d time.Duration) Option {
	return func(m *Manager) { m.authTimeout = d }
}

// WithReconnectConfig overrides the transport-level reconnection policy.
func WithReconnectConfig(cfg *resilience.ReconnectConfig) Option {
	return func(m *Manager) { m.reconnectCfg = cfg }
}

// Manager owns the lifecycle of exactly one connection to the summarization
// backend. All readers query it for the current connection state rather than
// capturing a snapshot; only the manager creates or destroys connections.
type Manager struct {
	dialer       Dialer
	tokens       TokenSource
	logger       zerolog.Logger
	authTimeout  time.Duration
	reconnectCfg *resilience.ReconnectConfig

	handlers Handlers

	mu       sync.RWMutex
	current  *Conn
	closed   bool
	authWait chan AuthResult

	// authMu serializes authenticate round trips so one auth_result can never
	// be attributed to the wrong waiter.
	authMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a connection manager. SetHandlers must be called before
// Start.
func NewManager(dialer Dialer, tokens TokenSource, logger zerolog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer:       dialer,
		tokens:       tokens,
		logger:       logger,
		authTimeout:  2 * time.Second,
		reconnectCfg: resilience.DefaultReconnectConfig(),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandlers installs the downstream event handlers.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// Start opens the initial connection and runs the post-connect authenticate
// handshake. Connection failures here are non-fatal: the transport retry has
// already run its course, and a later session change or explicit Reconnect
// can bring the link up.
func (m *Manager) Start(ctx context.Context) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	return m.establish(ctx, token)
}

// Connected reports whether the current connection's transport is up.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.Connected()
}

// Authenticated reports whether the server has confirmed authentication on
// the current connection.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.Authenticated()
}

// ConnectionID returns the identity of the current connection, or "".
func (m *Manager) ConnectionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID()
}

// Authenticate runs one authenticate round trip on the current connection:
// it re-fetches the freshest token (the one used to open the socket may
// already be stale), emits it, and waits for the server's confirmation. It
// always performs the round trip even when the connection already reports
// authenticated, so callers get a current answer.
func (m *Manager) Authenticate(ctx context.Context) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	m.mu.RLock()
	conn := m.current
	m.mu.RUnlock()
	if conn == nil || !conn.Connected() {
		return ErrNotConnected
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}

	wait := make(chan AuthResult, 1)
	m.mu.Lock()
	m.authWait = wait
	m.mu.Unlock()

	if err := conn.Emit(EventAuthenticate, Credentials{Token: token}); err != nil {
		m.clearAuthWait()
		return err
	}

	timeout := time.NewTimer(m.authTimeout)
	defer timeout.Stop()

	select {
	case res := <-wait:
		if !res.OK {
			observability.RecordAuthFailure()
			return fmt.Errorf("authentication rejected: %s", res.Error)
		}
		return nil
	case <-timeout.C:
		m.clearAuthWait()
		observability.RecordAuthFailure()
		return ErrAuthTimeout
	case <-ctx.Done():
		m.clearAuthWait()
		return ctx.Err()
	case <-conn.closed:
		m.clearAuthWait()
		return ErrNotConnected
	}
}

// Summarize emits a streaming summarize request. The connection must have
// server-confirmed authentication.
func (m *Manager) Summarize(text string) error {
	m.mu.RLock()
	conn := m.current
	m.mu.RUnlock()
	if conn == nil || !conn.Connected() {
		return ErrNotConnected
	}
	if !conn.Authenticated() {
		return ErrNotAuthenticated
	}
	return conn.Emit(EventSummarize, SummarizeRequest{Text: text})
}

// StopStream asks the backend to stop emitting for the active request. This
// is cooperative cancellation; the caller does not wait for acknowledgment.
func (m *Manager) StopStream() error {
	m.mu.RLock()
	conn := m.current
	m.mu.RUnlock()
	if conn == nil || !conn.Connected() {
		return ErrNotConnected
	}
	return conn.Emit(EventStopStream, nil)
}

// SessionChanged replaces the current connection with one carrying the new
// token. An empty token means signed out: the connection is torn down and not
// replaced until a session appears again.
func (m *Manager) SessionChanged(ctx context.Context, token string) error {
	m.closeCurrent()
	if token == "" {
		m.logger.Info().Msg("Session ended, stream connection closed")
		return nil
	}
	return m.establish(ctx, token)
}

// Close shuts the manager down permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.closeCurrent()
	return nil
}

// closeCurrent tears down the current connection, if any. The swap happens
// before the close so no reader can observe the superseded connection.
func (m *Manager) closeCurrent() {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// establish replaces the current connection with a new one opened with the
// given connect-time token, then re-runs the authenticate handshake (the
// handshake never survives a transport-level reconnect).
func (m *Manager) establish(ctx context.Context, token string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	m.closeCurrent()

	var wire WireConn
	err := resilience.Reconnect(ctx, m.logger, func() error {
		var dialErr error
		wire, dialErr = m.dialer.Dial(ctx, token)
		return dialErr
	}, m.reconnectCfg)
	if err != nil {
		observability.RecordError("connect_error", "stream")
		if isAuthError(err) && m.handlers.OnSessionExpired != nil {
			m.handlers.OnSessionExpired()
		}
		return fmt.Errorf("connect: %w", err)
	}

	conn := newConn(wire)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.current = conn
	m.mu.Unlock()

	observability.RecordReconnect()
	m.logger.Info().Str("conn_id", conn.ID()).Msg("Stream connection established")

	go conn.readLoop(connHandlers{
		onAuthResult: m.onAuthResult,
		onSummary:    m.onSummary,
		onDisconnect: func(err error) { m.onDisconnect(conn, err) },
	})

	// Post-connect handshake with the freshest token, independent of the
	// connect-time credential.
	authCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()
	if err := m.Authenticate(authCtx); err != nil {
		m.logger.Warn().Err(err).Msg("Post-connect authenticate failed")
	}

	return nil
}

func (m *Manager) clearAuthWait() {
	m.mu.Lock()
	m.authWait = nil
	m.mu.Unlock()
}

func (m *Manager) onAuthResult(res AuthResult) {
	m.mu.Lock()
	wait := m.authWait
	m.authWait = nil
	handlers := m.handlers
	m.mu.Unlock()

	if wait != nil {
		wait <- res
		return
	}

	// Unsolicited rejection: inform the coordinator so in-flight requests
	// can react.
	if !res.OK {
		observability.RecordAuthFailure()
		if handlers.OnAuthFailure != nil {
			handlers.OnAuthFailure(fmt.Errorf("authentication rejected: %s", res.Error))
		}
	}
}

func (m *Manager) onSummary(ev SummaryEvent) {
	m.mu.RLock()
	handler := m.handlers.OnSummary
	m.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

func (m *Manager) onDisconnect(conn *Conn, err error) {
	m.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("Stream connection lost")
	observability.RecordError("disconnect", "stream")

	if isAuthError(err) {
		m.mu.RLock()
		expired := m.handlers.OnSessionExpired
		m.mu.RUnlock()
		if expired != nil {
			expired()
		}
		return
	}

	// Transport-level retry: rebuild the link in the background unless the
	// manager was closed or this connection has already been superseded.
	m.mu.RLock()
	stale := m.closed || m.current != conn
	m.mu.RUnlock()
	if stale {
		return
	}

	go func() {
		token, tokenErr := m.tokens.Token(m.ctx)
		if tokenErr != nil {
			m.logger.Error().Err(tokenErr).Msg("Cannot reconnect: token fetch failed")
			return
		}
		if token == "" {
			m.logger.Info().Msg("Cannot reconnect: no session")
			return
		}
		if err := m.establish(m.ctx, token); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Error().Err(err).Msg("Stream reconnection failed")
		}
	}()
}

// isAuthError classifies transport errors that carry an authorization signal.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403")
}
