package relay

import "relaybot/internal/domain"

// session is the state of one in-flight turn: the originating request,
// the platform message being updated, and the stream aggregator. A
// fresh session is created per turn and dropped when the turn ends, so
// no turn state outlives or leaks into another.
type session struct {
	turn   domain.TurnRequest
	target domain.MessageRef
	agg    *Aggregator
}
