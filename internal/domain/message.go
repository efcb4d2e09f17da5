package domain

import "time"

// TurnRequest is one user conversation turn arriving from a chat platform.
type TurnRequest struct {
	Platform  string // registered platform name ("slack", "telegram", "discord")
	Channel   string // platform channel / chat identifier
	ThreadID  string // optional parent message to thread the reply under
	SenderID  string
	Content   string
	Timestamp time.Time
}

// MessageRef identifies a posted platform message so it can be updated later.
type MessageRef struct {
	Channel string
	ID      string
}

// TurnSink accepts user turns for relaying. Implemented by relay.Relay.
type TurnSink interface {
	Submit(turn TurnRequest)
}
