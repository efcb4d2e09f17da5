package upstream

import (
	"sync"

	"github.com/gorilla/websocket"

	"relaybot/internal/protocol"
)

// Conn is one open agent connection. Each connection carries a session
// identifier generated fresh at dial time and never reused.
type Conn struct {
	sessionID string
	ws        *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// SessionID returns the session identifier this connection was dialed with.
func (c *Conn) SessionID() string { return c.sessionID }

// send writes one outbound frame. Safe for concurrent use.
func (c *Conn) send(req protocol.ChatRequest) error {
	data, err := req.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close tears the socket down. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}
