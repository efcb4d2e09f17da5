// Package protocol defines the JSON frame protocol spoken with the
// agent service and the codec between raw socket text and typed frames.
package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// connectionAckMarker identifies the informational greeting the agent
// sends right after a connection opens. It is logged and never
// delivered to frame consumers.
const connectionAckMarker = "Connected to agent"

// Frame is one decoded inbound protocol frame. Exactly one concrete
// type exists per frame kind; consumers dispatch with a type switch.
type Frame interface {
	frame()
}

// StreamChunk carries an incremental content fragment of a streamed response.
type StreamChunk struct {
	Content string
}

// StreamComplete marks the end of a streamed response.
type StreamComplete struct{}

// Response is a complete, non-incremental agent response. Only
// meaningful when no streaming is in progress for the current turn.
type Response struct {
	Content string
}

// ErrorFrame reports a backend failure for the current turn.
type ErrorFrame struct {
	Message string
}

func (StreamChunk) frame()    {}
func (StreamComplete) frame() {}
func (Response) frame()       {}
func (ErrorFrame) frame()     {}

// ChatRequest is the only frame sent upstream.
type ChatRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewChatRequest builds the outbound frame for one user turn.
func NewChatRequest(content string) ChatRequest {
	return ChatRequest{Type: "chat", Content: content}
}

// Encode serializes the request for the wire.
func (r ChatRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// wireFrame is the superset shape of every inbound frame.
type wireFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Error   string `json:"error"`
}

// Decode parses one raw inbound message into a typed frame. Anything
// that should not reach consumers yields nil: malformed JSON, unknown
// frame types, and the informational connection greeting. Decode never
// fails loudly and never mutates caller state.
func Decode(raw []byte, logger *slog.Logger) Frame {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		logger.Warn("discarding malformed frame", "err", err, "bytes", len(raw))
		return nil
	}

	if strings.Contains(wf.Content, connectionAckMarker) {
		logger.Info("agent session acknowledged", "type", wf.Type)
		return nil
	}

	switch wf.Type {
	case "connection_ack":
		logger.Info("agent session acknowledged", "content", wf.Content)
		return nil
	case "stream_chunk":
		return StreamChunk{Content: wf.Content}
	case "stream_complete":
		return StreamComplete{}
	case "chat_response", "stream":
		return Response{Content: wf.Content}
	case "error":
		return ErrorFrame{Message: wf.Error}
	default:
		logger.Warn("discarding unknown frame", "type", wf.Type)
		return nil
	}
}
