// Package upstream owns the persistent websocket to the agent service:
// dialing, loss detection, reconnection with backoff, and the ordered
// stream of decoded inbound frames.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaybot/internal/metrics"
	"relaybot/internal/protocol"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
	eventBuffer        = 64
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("upstream: not connected")

// ConnectError reports a transport failure before the connection became ready.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Event is one item on the manager's ordered event stream: a decoded
// frame, or a transport error when the connection is lost. The manager
// does not interpret frame semantics.
type Event struct {
	Frame protocol.Frame
	Err   error
}

// Config configures the connection manager.
type Config struct {
	Endpoint    string        // websocket URL of the agent service
	BaseDelay   time.Duration // reconnect backoff unit (default 1s)
	MaxAttempts int           // automatic reconnect ceiling (default 5)
	Logger      *slog.Logger
	Dialer      *websocket.Dialer // optional, defaults to websocket.DefaultDialer
}

// Manager owns the agent connection and its lifecycle.
type Manager struct {
	endpoint    string
	baseDelay   time.Duration
	maxAttempts int
	dialer      *websocket.Dialer
	logger      *slog.Logger
	events      chan Event

	mu       sync.Mutex
	conn     *Conn
	attempts int // consecutive failed-open count, reset only on successful open
	closed   bool
}

// New creates a connection manager. No connection is opened until
// EnsureConnected is called.
func New(cfg Config) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		endpoint:    cfg.Endpoint,
		baseDelay:   cfg.BaseDelay,
		maxAttempts: cfg.MaxAttempts,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger,
		events:      make(chan Event, eventBuffer),
	}
}

// Events returns the ordered stream of inbound frames and transport errors.
func (m *Manager) Events() <-chan Event { return m.events }

// EnsureConnected returns immediately if a connection is open, otherwise
// dials a new one with a fresh session identifier. A dial here is always
// attempted, regardless of how many automatic reconnects have failed.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := m.dial(ctx)
	return err
}

// Send writes one request frame on the current connection.
func (m *Manager) Send(req protocol.ChatRequest) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.send(req)
}

// Connected reports whether a connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Close tears down the current connection and disables reconnection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

func (m *Manager) dial(ctx context.Context) (*Conn, error) {
	sessionID := uuid.NewString()
	target, err := sessionURL(m.endpoint, sessionID)
	if err != nil {
		return nil, &ConnectError{Endpoint: m.endpoint, Err: err}
	}

	ws, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, &ConnectError{Endpoint: m.endpoint, Err: err}
	}

	conn := &Conn{sessionID: sessionID, ws: ws}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.close()
		return nil, &ConnectError{Endpoint: m.endpoint, Err: errors.New("manager closed")}
	}
	if m.conn != nil {
		// A concurrent dial won; keep the existing connection.
		existing := m.conn
		m.mu.Unlock()
		conn.close()
		return existing, nil
	}
	m.conn = conn
	m.attempts = 0
	m.mu.Unlock()

	metrics.UpstreamConnected.Set(1)
	m.logger.Info("agent connection established", "session", sessionID)

	go m.readLoop(conn)
	return conn, nil
}

// readLoop is the single producer of events for its connection, so
// frames are delivered in arrival order and the transport error always
// comes last.
func (m *Manager) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		frame := protocol.Decode(data, m.logger)
		if frame == nil {
			metrics.ParseFailures.Inc()
			continue
		}
		metrics.FramesTotal.Inc()
		m.events <- Event{Frame: frame}
	}
}

func (m *Manager) handleDisconnect(conn *Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// Already replaced or closed deliberately.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closed := m.closed
	if !closed {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	conn.close()
	metrics.UpstreamConnected.Set(0)
	if closed {
		return
	}

	m.logger.Warn("agent connection lost", "session", conn.SessionID(), "err", cause)
	m.events <- Event{Err: cause}
}

// scheduleReconnectLocked arms a redial timer unless the attempt ceiling
// has been reached. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.maxAttempts {
		m.logger.Error("reconnect attempts exhausted, waiting for next turn", "attempts", m.attempts)
		return
	}
	m.attempts++
	delay := time.Duration(m.attempts) * m.baseDelay
	metrics.ReconnectsTotal.Inc()
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || m.conn != nil {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if _, err := m.dial(context.Background()); err != nil {
			m.logger.Warn("reconnect failed", "err", err)
			m.mu.Lock()
			if !m.closed {
				m.scheduleReconnectLocked()
			}
			m.mu.Unlock()
		}
	})
}

func sessionURL(endpoint, sessionID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
