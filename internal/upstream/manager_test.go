package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relaybot/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// agentStub is a websocket server standing in for the agent service.
type agentStub struct {
	srv      *httptest.Server
	sessions chan string // session query param of each accepted connection
	conns    chan *websocket.Conn
}

func newAgentStub(t *testing.T) *agentStub {
	t.Helper()
	stub := &agentStub{
		sessions: make(chan string, 16),
		conns:    make(chan *websocket.Conn, 16),
	}
	upgrader := websocket.Upgrader{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.sessions <- r.URL.Query().Get("session")
		stub.conns <- conn
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *agentStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *agentStub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func newTestManager(stub *agentStub, baseDelay time.Duration, maxAttempts int, dialer *websocket.Dialer) *Manager {
	return New(Config{
		Endpoint:    stub.wsURL(),
		BaseDelay:   baseDelay,
		MaxAttempts: maxAttempts,
		Logger:      testLogger(),
		Dialer:      dialer,
	})
}

func TestManager_EnsureConnected(t *testing.T) {
	stub := newAgentStub(t)
	m := newTestManager(stub, time.Millisecond, 5, nil)
	defer m.Close()

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !m.Connected() {
		t.Fatal("manager should report connected")
	}
	if session := <-stub.sessions; session == "" {
		t.Error("connection carried no session identifier")
	}

	// A second call is a no-op on an open connection.
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	select {
	case <-stub.sessions:
		t.Error("unexpected second dial while connected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_ConnectErrorOnDeadEndpoint(t *testing.T) {
	m := New(Config{
		Endpoint: "ws://127.0.0.1:1/stream", // nothing listens here
		Logger:   testLogger(),
	})
	defer m.Close()

	err := m.EnsureConnected(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError, got %T", err)
	}
}

func TestManager_SendWithoutConnection(t *testing.T) {
	stub := newAgentStub(t)
	m := newTestManager(stub, time.Millisecond, 5, nil)
	defer m.Close()

	if err := m.Send(protocol.NewChatRequest("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestManager_SendAndReceiveFrames(t *testing.T) {
	stub := newAgentStub(t)
	m := newTestManager(stub, time.Millisecond, 5, nil)
	defer m.Close()

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := stub.accept(t)

	if err := m.Send(protocol.NewChatRequest("question")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if want := `{"type":"chat","content":"question"}`; string(data) != want {
		t.Errorf("wire request: got %s", data)
	}

	// Frames come back decoded, in order, with junk discarded.
	payloads := []string{
		`{"type":"stream_chunk","content":"a"}`,
		`not json`,
		`{"type":"stream_chunk","content":"b"}`,
		`{"type":"stream_complete"}`,
	}
	for _, p := range payloads {
		if err := server.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	want := []protocol.Frame{
		protocol.StreamChunk{Content: "a"},
		protocol.StreamChunk{Content: "b"},
		protocol.StreamComplete{},
	}
	for i, w := range want {
		select {
		case ev := <-m.Events():
			if ev.Err != nil {
				t.Fatalf("event %d: unexpected error %v", i, ev.Err)
			}
			if ev.Frame != w {
				t.Errorf("event %d: got %#v, want %#v", i, ev.Frame, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestManager_ReconnectUsesFreshSession(t *testing.T) {
	stub := newAgentStub(t)
	m := newTestManager(stub, 5*time.Millisecond, 5, nil)
	defer m.Close()

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := <-stub.sessions
	server := stub.accept(t)

	// Kill the connection; the manager should redial on its own.
	server.Close()

	select {
	case second := <-stub.sessions:
		if second == "" || second == first {
			t.Errorf("reconnect must use a fresh session id, got %q then %q", first, second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no automatic reconnect happened")
	}

	// A transport error event was emitted for the lost connection.
	select {
	case ev := <-m.Events():
		if ev.Err == nil {
			t.Errorf("expected transport error event, got frame %#v", ev.Frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transport error event")
	}
}

func TestManager_ReconnectCeilingAndManualRetry(t *testing.T) {
	stub := newAgentStub(t)

	var dials atomic.Int32
	dialer := &websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			dials.Add(1)
			return net.Dial(network, addr)
		},
	}

	const maxAttempts = 3
	m := newTestManager(stub, 5*time.Millisecond, maxAttempts, dialer)
	defer m.Close()

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}

	// Take the server down entirely so every redial fails, then drop
	// the live connection to start the backoff sequence.
	server := stub.accept(t)
	stub.srv.CloseClientConnections()
	stub.srv.Close()
	server.Close()

	// Drain the transport error so the events channel cannot fill up.
	select {
	case <-m.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no transport error event")
	}

	// 1 initial + maxAttempts failed redials, then the ceiling stops it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dials.Load() >= 1+maxAttempts {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := dials.Load(); got != 1+maxAttempts {
		t.Fatalf("expected %d dials, got %d", 1+maxAttempts, got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 1+maxAttempts {
		t.Fatalf("reconnect scheduled past the ceiling: %d dials", got)
	}

	// A new turn still dials, independent of the exhausted counter.
	if err := m.EnsureConnected(context.Background()); err == nil {
		t.Fatal("expected connect error against a dead server")
	}
	if got := dials.Load(); got != 1+maxAttempts+1 {
		t.Fatalf("EnsureConnected after exhaustion must dial: %d dials", got)
	}
}

func TestManager_AttemptCounterResetsOnOpen(t *testing.T) {
	stub := newAgentStub(t)
	m := newTestManager(stub, 5*time.Millisecond, 5, nil)
	defer m.Close()

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := stub.accept(t)
	server.Close()

	// Wait for the automatic reconnect to land.
	select {
	case <-stub.sessions: // first dial's session
	case <-time.After(time.Second):
		t.Fatal("missing first session")
	}
	select {
	case <-stub.sessions: // reconnect's session
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}

	// Give dial a moment to store the new connection.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !m.Connected() {
		time.Sleep(5 * time.Millisecond)
	}

	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	if attempts != 0 {
		t.Errorf("attempt counter must reset on successful open, got %d", attempts)
	}
}

func TestManager_CloseStopsReconnection(t *testing.T) {
	stub := newAgentStub(t)
	m := newTestManager(stub, 5*time.Millisecond, 5, nil)

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-stub.sessions
	m.Close()

	// No redial after a deliberate close.
	select {
	case s := <-stub.sessions:
		t.Errorf("unexpected dial after Close: session %q", s)
	case <-time.After(100 * time.Millisecond):
	}
}
