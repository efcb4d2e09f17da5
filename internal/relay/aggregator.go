package relay

import (
	"strings"
	"time"
)

// DefaultFlushInterval is the minimum time between platform update
// calls while a response is streaming.
const DefaultFlushInterval = 500 * time.Millisecond

// Aggregator accumulates streamed fragments for one turn and decides
// when the buffer should be flushed to the target message. Accumulation
// is cumulative and every flush carries the whole buffer, so the final
// rendered text always equals the concatenation of all chunks no matter
// how flushes were scheduled.
type Aggregator struct {
	interval  time.Duration
	now       func() time.Time
	buf       strings.Builder
	streaming bool
	lastFlush time.Time
}

// NewAggregator creates an aggregator with the given minimum
// inter-flush interval (DefaultFlushInterval when zero).
func NewAggregator(interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Aggregator{interval: interval, now: time.Now}
}

// OnChunk appends a streamed fragment. It returns the full accumulated
// buffer and true when enough time has passed since the last flush;
// otherwise the content keeps accumulating until a later chunk crosses
// the threshold or OnComplete forces a flush.
func (a *Aggregator) OnChunk(content string) (string, bool) {
	a.streaming = true
	a.buf.WriteString(content)

	now := a.now()
	if now.Sub(a.lastFlush) >= a.interval {
		a.lastFlush = now
		return a.buf.String(), true
	}
	return "", false
}

// OnComplete ends streaming and returns the final buffer, forcing one
// last flush regardless of elapsed time. The second return is false
// when nothing accumulated. The aggregator is reset either way.
func (a *Aggregator) OnComplete() (string, bool) {
	a.streaming = false
	text := a.buf.String()
	a.buf.Reset()
	a.lastFlush = time.Time{}
	return text, text != ""
}

// Streaming reports whether a streamed response is in progress. While
// true, complete-message frames must not render; the streaming path
// owns the turn.
func (a *Aggregator) Streaming() bool { return a.streaming }
