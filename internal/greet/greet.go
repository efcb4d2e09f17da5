// Package greet answers trivial pleasantries locally so they never
// occupy the agent relay.
package greet

import "strings"

// Responder matches greeting messages and produces canned replies.
type Responder struct {
	botName string
}

// New creates a responder that introduces itself with the given name.
func New(botName string) *Responder {
	if botName == "" {
		botName = "relaybot"
	}
	return &Responder{botName: botName}
}

// Reply returns a canned response and true when text is a greeting.
func (r *Responder) Reply(text string) (string, bool) {
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), "!.? "))
	switch normalized {
	case "hi", "hello", "hey", "yo", "howdy":
		return "👋 Hello! I'm " + r.botName + ". Send me a message and I'll pass it along to the agent.", true
	case "ping":
		return "pong", true
	default:
		return "", false
	}
}
