package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WireConn is the minimal transport surface the stream package needs.
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type WireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens one transport connection carrying the connect-time credential.
type Dialer interface {
	Dial(ctx context.Context, token string) (WireConn, error)
}

// WebsocketDialer dials the backend's websocket endpoint. The token rides both
// as a query parameter and as a bearer header for transport fallback
// compatibility.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

// Dial opens the websocket connection.
func (d *WebsocketDialer) Dial(ctx context.Context, token string) (WireConn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	wsDialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := wsDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// connHandlers receives decoded server events from one connection's read loop.
type connHandlers struct {
	onAuthResult func(AuthResult)
	onSummary    func(SummaryEvent)
	onDisconnect func(error)
}

// Conn is one live connection to the summarization backend. Connections are
// replaced, never mutated in place: when the session changes the manager
// closes this one and creates a fresh Conn.
type Conn struct {
	id   string
	wire WireConn

	mu            sync.RWMutex
	connected     bool
	authenticated bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(wire WireConn) *Conn {
	return &Conn{
		id:        uuid.New().String(),
		wire:      wire,
		connected: true,
		closed:    make(chan struct{}),
	}
}

// ID returns the connection identity.
func (c *Conn) ID() string { return c.id }

// Connected reports whether the transport is up.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Authenticated reports whether the server has confirmed authentication.
// Authentication state does not survive a transport-level reconnect.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.authenticated
}

func (c *Conn) setAuthenticated(ok bool) {
	c.mu.Lock()
	c.authenticated = ok
	c.mu.Unlock()
}

// Emit sends one event envelope to the server.
func (c *Conn) Emit(event string, data interface{}) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.WriteJSON(env)
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.authenticated = false
		c.mu.Unlock()
		close(c.closed)
		err = c.wire.Close()
	})
	return err
}

// readLoop dispatches server events until the transport fails or the
// connection is closed. Handlers are bound to this Conn for its whole
// lifetime; a superseded connection is closed before a new one is created, so
// no stale handler can receive events meant for the replacement.
func (c *Conn) readLoop(h connHandlers) {
	for {
		_, payload, err := c.wire.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.authenticated = false
			c.mu.Unlock()

			select {
			case <-c.closed:
				// Deliberate close, not a transport failure.
				return
			default:
			}
			if wasConnected && h.onDisconnect != nil {
				h.onDisconnect(err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}

		switch env.Event {
		case EventAuthResult:
			var res AuthResult
			if err := json.Unmarshal(env.Data, &res); err != nil {
				continue
			}
			c.setAuthenticated(res.OK)
			if h.onAuthResult != nil {
				h.onAuthResult(res)
			}

		case EventSummaryStream:
			events, err := DecodeSummaryEvents(env.Data)
			if err != nil {
				continue
			}
			if h.onSummary != nil {
				for _, ev := range events {
					h.onSummary(ev)
				}
			}

		case EventConnectAck:
			// Informational; nothing to dispatch.
		}
	}
}
