package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/protocol"
	"relaybot/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream scripts the agent side of a turn: events are delivered
// once the chat request is sent, mirroring request/response ordering.
type fakeUpstream struct {
	mu         sync.Mutex
	events     chan upstream.Event
	script     []upstream.Event
	sent       []protocol.ChatRequest
	connectErr error
	sendErr    error
}

func newFakeUpstream(script ...upstream.Event) *fakeUpstream {
	return &fakeUpstream{
		events: make(chan upstream.Event, len(script)+16),
		script: script,
	}
}

func (f *fakeUpstream) EnsureConnected(ctx context.Context) error { return f.connectErr }

func (f *fakeUpstream) Send(req protocol.ChatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	for _, ev := range f.script {
		f.events <- ev
	}
	return nil
}

func (f *fakeUpstream) Events() <-chan upstream.Event { return f.events }

func frameEvent(f protocol.Frame) upstream.Event { return upstream.Event{Frame: f} }

type postCall struct {
	Channel string
	Text    string
	Parent  string
}

type updateCall struct {
	Ref  domain.MessageRef
	Text string
}

// fakePlatform records posts and updates; it can simulate rate limiting
// for the first N calls of each kind.
type fakePlatform struct {
	mu               sync.Mutex
	posts            []postCall
	updates          []updateCall
	nextID           int
	rateLimitPosts   int
	rateLimitUpdates int
	updateErr        error
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) PostMessage(ctx context.Context, channel, text string, opts domain.PostOptions) (domain.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rateLimitPosts > 0 {
		p.rateLimitPosts--
		return domain.MessageRef{}, &domain.RateLimitedError{RetryAfter: time.Millisecond}
	}
	p.nextID++
	p.posts = append(p.posts, postCall{Channel: channel, Text: text, Parent: opts.ThreadParent})
	return domain.MessageRef{Channel: channel, ID: fmt.Sprintf("msg-%d", p.nextID)}, nil
}

func (p *fakePlatform) UpdateMessage(ctx context.Context, ref domain.MessageRef, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rateLimitUpdates > 0 {
		p.rateLimitUpdates--
		return &domain.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if p.updateErr != nil {
		return p.updateErr
	}
	p.updates = append(p.updates, updateCall{Ref: ref, Text: text})
	return nil
}

func (p *fakePlatform) snapshot() ([]postCall, []updateCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]postCall(nil), p.posts...), append([]updateCall(nil), p.updates...)
}

func newTestRelay(up Upstream, plat domain.Platform) *Relay {
	r := New(Config{
		Upstream: up,
		Logger:   testLogger(),
	})
	r.RegisterPlatform(plat)
	return r
}

func turn(content string) domain.TurnRequest {
	return domain.TurnRequest{
		Platform:  "fake",
		Channel:   "C123",
		SenderID:  "U456",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestRelay_StreamedTurn(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "Hello "}),
		frameEvent(protocol.StreamChunk{Content: "world"}),
		frameEvent(protocol.StreamComplete{}),
	)
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("hi agent"))

	posts, updates := plat.snapshot()
	if len(posts) != 1 {
		t.Fatalf("expected 1 post (placeholder), got %d", len(posts))
	}
	if posts[0].Text != placeholderText {
		t.Errorf("placeholder text: got %q", posts[0].Text)
	}
	if len(up.sent) != 1 || up.sent[0].Content != "hi agent" {
		t.Fatalf("expected one chat request with the user text, got %+v", up.sent)
	}

	// First chunk flushes immediately, completion forces the final one.
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d: %+v", len(updates), updates)
	}
	if updates[0].Text != "Hello " {
		t.Errorf("first flush: expected %q, got %q", "Hello ", updates[0].Text)
	}
	if updates[1].Text != "Hello world" {
		t.Errorf("final flush: expected %q, got %q", "Hello world", updates[1].Text)
	}
}

// Every flush targets the same message, so displayed content only grows.
func TestRelay_FlushesTargetOneMessage(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "a"}),
		frameEvent(protocol.StreamChunk{Content: "b"}),
		frameEvent(protocol.StreamComplete{}),
	)
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("q"))

	_, updates := plat.snapshot()
	for i := 1; i < len(updates); i++ {
		if updates[i].Ref != updates[0].Ref {
			t.Fatal("updates went to different messages")
		}
		if !strings.HasPrefix(updates[i].Text, updates[i-1].Text) {
			t.Errorf("rendered content rewound: %q then %q", updates[i-1].Text, updates[i].Text)
		}
	}
}

func TestRelay_CompleteResponseSplitsIntoThread(t *testing.T) {
	// 7000 chars across 200 lines of 34 chars.
	line := strings.Repeat("x", 34)
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = line
	}
	content := strings.Join(lines, "\n")

	up := newFakeUpstream(frameEvent(protocol.Response{Content: content}))
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("big question"))

	posts, updates := plat.snapshot()
	if len(updates) != 1 {
		t.Fatalf("expected exactly 1 update for the first chunk, got %d", len(updates))
	}
	if len(posts) < 2 {
		t.Fatalf("expected thread replies for the remaining chunks, got %d posts", len(posts))
	}

	// Placeholder first, then thread replies under the target message.
	targetID := updates[0].Ref.ID
	var rebuilt []string
	rebuilt = append(rebuilt, updates[0].Text)
	for _, p := range posts[1:] {
		if p.Parent != targetID {
			t.Errorf("chunk not threaded under target: parent %q, want %q", p.Parent, targetID)
		}
		rebuilt = append(rebuilt, p.Text)
	}
	if got := strings.Join(rebuilt, "\n"); got != content {
		t.Errorf("reassembled content does not match original (%d vs %d chars)", len(got), len(content))
	}
}

func TestRelay_ErrorFrameOverwritesTarget(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "partial"}),
		frameEvent(protocol.ErrorFrame{Message: "backend down"}),
	)
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("q"))

	_, updates := plat.snapshot()
	if len(updates) == 0 {
		t.Fatal("expected the target message to be updated")
	}
	last := updates[len(updates)-1]
	if !strings.Contains(last.Text, "backend down") {
		t.Errorf("expected error text on target, got %q", last.Text)
	}
}

func TestRelay_TransportErrorSurfacedOnTarget(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "partial"}),
		upstream.Event{Err: errors.New("connection reset")},
	)
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("q"))

	_, updates := plat.snapshot()
	last := updates[len(updates)-1]
	if last.Text != transportFailureText {
		t.Errorf("expected generic transport failure text, got %q", last.Text)
	}
}

func TestRelay_ResponseIgnoredWhileStreaming(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "streamed"}),
		frameEvent(protocol.Response{Content: "SHOULD BE IGNORED"}),
		frameEvent(protocol.StreamComplete{}),
	)
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("q"))

	_, updates := plat.snapshot()
	for _, u := range updates {
		if strings.Contains(u.Text, "IGNORED") {
			t.Fatal("complete-message frame rendered during streaming")
		}
	}
	if updates[len(updates)-1].Text != "streamed" {
		t.Errorf("final text: got %q", updates[len(updates)-1].Text)
	}
}

func TestRelay_EmptyStreamCompleteIsNoop(t *testing.T) {
	up := newFakeUpstream(frameEvent(protocol.StreamComplete{}))
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("q"))

	_, updates := plat.snapshot()
	if len(updates) != 0 {
		t.Errorf("expected no updates for an empty stream, got %d", len(updates))
	}
}

func TestRelay_RateLimitedUpdateRetries(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "hello"}),
		frameEvent(protocol.StreamComplete{}),
	)
	plat := &fakePlatform{rateLimitUpdates: 2}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("q"))

	_, updates := plat.snapshot()
	if len(updates) != 2 {
		t.Fatalf("expected both flushes to land after retries, got %d", len(updates))
	}
	if updates[len(updates)-1].Text != "hello" {
		t.Errorf("final text: got %q", updates[len(updates)-1].Text)
	}
}

func TestRelay_ConnectFailurePostsNotice(t *testing.T) {
	up := newFakeUpstream()
	up.connectErr = errors.New("dial tcp: refused")
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	r.processTurn(context.Background(), turn("q"))

	posts, _ := plat.snapshot()
	if len(posts) != 1 {
		t.Fatalf("expected a single failure notice, got %d posts", len(posts))
	}
	if posts[0].Text != connectFailureText {
		t.Errorf("notice text: got %q", posts[0].Text)
	}
	if len(up.sent) != 0 {
		t.Error("no chat request should be sent without a connection")
	}
}

func TestRelay_PlatformOtherErrorIsLoggedOnly(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "hello"}),
		frameEvent(protocol.StreamComplete{}),
	)
	plat := &fakePlatform{updateErr: errors.New("channel archived")}
	r := newTestRelay(up, plat)

	// Must not panic or propagate; the turn just ends.
	r.processTurn(context.Background(), turn("q"))
}

func TestRelay_RunProcessesSubmittedTurn(t *testing.T) {
	up := newFakeUpstream(
		frameEvent(protocol.StreamChunk{Content: "answer"}),
		frameEvent(protocol.StreamComplete{}),
	)
	plat := &fakePlatform{}
	r := newTestRelay(up, plat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Submit(turn("question"))

	deadline := time.After(2 * time.Second)
	for {
		_, updates := plat.snapshot()
		if len(updates) > 0 && updates[len(updates)-1].Text == "answer" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("turn was not processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRelay_UnregisteredPlatformDropsTurn(t *testing.T) {
	up := newFakeUpstream()
	r := New(Config{Upstream: up, Logger: testLogger()})

	// Must not panic.
	r.processTurn(context.Background(), domain.TurnRequest{Platform: "nope"})
}
