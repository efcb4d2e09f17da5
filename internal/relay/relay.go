// Package relay is the core of relaybot: it carries user turns to the
// agent service and renders the streamed response back into the chat
// platform as incrementally updated messages.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/protocol"
	"relaybot/internal/upstream"
)

const (
	defaultQueueSize    = 32
	maxRateLimitRetries = 8
	defaultRetryDelay   = time.Second

	placeholderText      = "_Thinking..._"
	transportFailureText = "⚠️ The agent connection was interrupted. Please try again."
	connectFailureText   = "⚠️ Could not reach the agent service. Please try again later."
)

// Upstream is the relay's view of the agent connection.
type Upstream interface {
	EnsureConnected(ctx context.Context) error
	Send(req protocol.ChatRequest) error
	Events() <-chan upstream.Event
}

// Config holds dependencies and tuning parameters for the relay.
type Config struct {
	Upstream      Upstream
	Logger        *slog.Logger
	FlushInterval time.Duration // minimum time between streamed updates (default 500ms)
	MaxChunkLen   int           // chunk target for oversized final content (default 3000)
	QueueSize     int           // turn mailbox depth (default 32)
}

// Relay drives the session state machine. All turns flow through a
// single actor goroutine, so one turn is in flight at a time and a
// second turn waits in the mailbox instead of clobbering the first.
type Relay struct {
	upstream      Upstream
	logger        *slog.Logger
	flushInterval time.Duration
	maxChunkLen   int
	mailbox       chan domain.TurnRequest

	mu        sync.RWMutex
	platforms map[string]domain.Platform
}

// New creates a relay. Platforms must be registered before their turns
// are submitted.
func New(cfg Config) *Relay {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxChunkLen <= 0 {
		cfg.MaxChunkLen = DefaultMaxChunkLen
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Relay{
		upstream:      cfg.Upstream,
		logger:        cfg.Logger,
		flushInterval: cfg.FlushInterval,
		maxChunkLen:   cfg.MaxChunkLen,
		mailbox:       make(chan domain.TurnRequest, cfg.QueueSize),
		platforms:     make(map[string]domain.Platform),
	}
}

// RegisterPlatform makes a platform available for posting and updating
// messages for turns that name it.
func (r *Relay) RegisterPlatform(p domain.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.Name()] = p
}

func (r *Relay) platform(name string) domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.platforms[name]
}

// Submit queues a user turn for processing. When the mailbox is full
// the turn is dropped with a log line rather than blocking the caller's
// event loop.
func (r *Relay) Submit(turn domain.TurnRequest) {
	select {
	case r.mailbox <- turn:
		metrics.QueuedTurns.Inc()
	default:
		r.logger.Error("turn mailbox full, dropping turn",
			"platform", turn.Platform,
			"channel", turn.Channel,
			"sender", turn.SenderID,
		)
	}
}

// Run processes turns until ctx is cancelled. Upstream events arriving
// between turns (stray frames, transport errors with no turn in flight)
// are logged and dropped.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case turn := <-r.mailbox:
			metrics.QueuedTurns.Dec()
			r.processTurn(ctx, turn)
		case ev := <-r.upstream.Events():
			r.logIdleEvent(ev)
		}
	}
}

func (r *Relay) logIdleEvent(ev upstream.Event) {
	if ev.Err != nil {
		r.logger.Warn("upstream error with no turn in flight", "err", ev.Err)
		return
	}
	r.logger.Debug("dropping frame with no turn in flight", "frame", ev.Frame)
}

// processTurn runs one turn through the session state machine:
// ensure connection → post placeholder → send request → consume frames
// until completion or error. Every failure path resolves by updating
// the target message or logging; nothing propagates past here.
func (r *Relay) processTurn(ctx context.Context, turn domain.TurnRequest) {
	plat := r.platform(turn.Platform)
	if plat == nil {
		r.logger.Error("no platform registered for turn", "platform", turn.Platform)
		return
	}

	metrics.TurnsTotal.Inc()
	start := time.Now()

	if err := r.upstream.EnsureConnected(ctx); err != nil {
		r.logger.Error("agent connection failed", "err", err)
		if _, perr := r.postWithRetry(ctx, plat, turn.Channel, connectFailureText,
			domain.PostOptions{ThreadParent: turn.ThreadID}); perr != nil {
			r.logger.Error("failed to post connect failure notice", "err", perr)
		}
		return
	}

	ref, err := r.postWithRetry(ctx, plat, turn.Channel, placeholderText,
		domain.PostOptions{ThreadParent: turn.ThreadID})
	if err != nil {
		r.logger.Error("failed to post placeholder", "err", err, "channel", turn.Channel)
		return
	}

	// A previous turn that ended in an error may have left frames
	// behind; they must not leak into this turn.
	r.drainStaleEvents()

	session := &session{
		turn:   turn,
		target: ref,
		agg:    NewAggregator(r.flushInterval),
	}

	if err := r.upstream.Send(protocol.NewChatRequest(turn.Content)); err != nil {
		r.logger.Error("failed to send chat request", "err", err)
		r.fail(ctx, plat, session, transportFailureText)
		return
	}

	r.consumeEvents(ctx, plat, session)
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
}

func (r *Relay) drainStaleEvents() {
	for {
		select {
		case ev := <-r.upstream.Events():
			r.logger.Debug("discarding stale upstream event", "err", ev.Err)
		default:
			return
		}
	}
}

// consumeEvents drives the streaming state machine for one session.
func (r *Relay) consumeEvents(ctx context.Context, plat domain.Platform, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.upstream.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				r.fail(ctx, plat, s, transportFailureText)
				return
			}
			if done := r.handleFrame(ctx, plat, s, ev.Frame); done {
				return
			}
		}
	}
}

// handleFrame applies one frame to the session. It returns true when
// the turn is finished.
func (r *Relay) handleFrame(ctx context.Context, plat domain.Platform, s *session, frame protocol.Frame) bool {
	switch f := frame.(type) {
	case protocol.StreamChunk:
		if text, due := s.agg.OnChunk(f.Content); due {
			metrics.FlushesTotal.Inc()
			if err := r.updateWithRetry(ctx, plat, s.target, text); err != nil {
				// Logged only; the user keeps the previous render.
				r.logger.Error("stream flush failed", "err", err)
			}
		}
		return false

	case protocol.StreamComplete:
		if text, nonEmpty := s.agg.OnComplete(); nonEmpty {
			r.renderFinal(ctx, plat, s.target, text)
		}
		return true

	case protocol.Response:
		if s.agg.Streaming() {
			// The streaming path owns rendering for this turn.
			r.logger.Debug("ignoring complete response during streaming")
			return false
		}
		r.renderFinal(ctx, plat, s.target, f.Content)
		return true

	case protocol.ErrorFrame:
		r.fail(ctx, plat, s, "⚠️ "+f.Message)
		return true

	default:
		r.logger.Warn("unhandled frame kind", "frame", frame)
		return false
	}
}

// renderFinal writes finished content to the target message. Content
// over the chunk limit is split on line boundaries: the first chunk
// overwrites the target, the rest are threaded under it in order.
func (r *Relay) renderFinal(ctx context.Context, plat domain.Platform, ref domain.MessageRef, content string) {
	chunks := Split(content, r.maxChunkLen)

	if err := r.updateWithRetry(ctx, plat, ref, chunks[0]); err != nil {
		r.logger.Error("final update failed", "err", err, "channel", ref.Channel)
	}
	for _, chunk := range chunks[1:] {
		if chunk == "" {
			continue
		}
		if _, err := r.postWithRetry(ctx, plat, ref.Channel, chunk,
			domain.PostOptions{ThreadParent: ref.ID}); err != nil {
			r.logger.Error("chunk post failed", "err", err, "channel", ref.Channel)
		}
	}
}

// fail overwrites the target message with a human-readable error. This
// is terminal for the turn.
func (r *Relay) fail(ctx context.Context, plat domain.Platform, s *session, text string) {
	metrics.TurnErrors.Inc()
	if err := r.updateWithRetry(ctx, plat, s.target, text); err != nil {
		r.logger.Error("failed to render turn error", "err", err,
			"platform", s.turn.Platform, "channel", s.turn.Channel)
	}
}

// postWithRetry posts a message, waiting out platform rate limits with
// a bounded retry loop. Non-rate-limit errors return immediately.
func (r *Relay) postWithRetry(ctx context.Context, plat domain.Platform, channel, text string, opts domain.PostOptions) (domain.MessageRef, error) {
	var ref domain.MessageRef
	err := r.withRateLimitRetry(ctx, func() error {
		var err error
		ref, err = plat.PostMessage(ctx, channel, text, opts)
		return err
	})
	return ref, err
}

func (r *Relay) updateWithRetry(ctx context.Context, plat domain.Platform, ref domain.MessageRef, text string) error {
	return r.withRateLimitRetry(ctx, func() error {
		return plat.UpdateMessage(ctx, ref, text)
	})
}

func (r *Relay) withRateLimitRetry(ctx context.Context, call func() error) error {
	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		var rle *domain.RateLimitedError
		if !errors.As(err, &rle) || attempt >= maxRateLimitRetries {
			return err
		}
		delay := rle.RetryAfter
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		metrics.RateLimitRetries.Inc()
		r.logger.Warn("platform rate limited, retrying", "delay", delay, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
