package goSignIn

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goSignIn/turn"
	"github.com/rs/zerolog"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

type panicSink struct {
	next *countingSink
}

func (s *panicSink) Emit(ctx context.Context, event AuditEvent) {
	if event.EventType == "boom" {
		panic("sink failure")
	}
	s.next.Emit(ctx, event)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAuditDisabledNoDispatcher(t *testing.T) {
	if d := newAuditDispatcher(AuditConfig{Enabled: false}, &countingSink{}, zerolog.Nop()); d != nil {
		t.Fatal("disabled audit must not start a dispatcher")
	}
	var d *auditDispatcher
	d.Emit(context.Background(), AuditEvent{EventType: "e1"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher must report zero drops")
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	var logs syncBuffer
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink, zerolog.New(&logs))
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
	if !strings.Contains(logs.String(), "audit buffer full") {
		t.Fatal("expected a warning on the first drop")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink, zerolog.Nop())
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditSinkPanicDoesNotStopDispatcher(t *testing.T) {
	counter := &countingSink{}
	dispatcher := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, &panicSink{next: counter}, zerolog.Nop())

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "boom"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "after"})
	dispatcher.Close()

	if counter.count.Load() != 1 {
		t.Fatalf("expected the event after the panic to be delivered, got %d", counter.count.Load())
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      auditEventSignInCompleted,
		ChannelID:      "msteams",
		ConversationID: "conv-1",
		Handler:        "graph",
		Success:        true,
	})

	out := buf.String()
	if !strings.Contains(out, `"event_type":"signin_completed"`) {
		t.Fatalf("expected event type in %q", out)
	}
	if !strings.Contains(out, `"conversation_id":"conv-1"`) || !strings.HasSuffix(out, "\n") {
		t.Fatalf("expected one JSON line with conversation id, got %q", out)
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, &countingSink{}, zerolog.Nop())

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})
}

func TestAuditNoTokensInEvents(t *testing.T) {
	h := &fakeHandler{start: func(_ *turn.Context, force bool) SignInResponse {
		if force {
			return PendingResponse()
		}
		return CompleteResponse("eyJhbGciOiJSUzI1NiJ9.secret-payload")
	}}
	var buf syncBuffer
	env := newTestEnv(t, map[string]FlowHandler{"graph": h}, func(b *Builder) {
		cfg := DefaultConfig()
		cfg.AutoSignIn = true
		cfg.Audit.Enabled = true
		cfg.Audit.DropIfFull = false
		b.WithConfig(cfg).WithAuditSink(NewJSONWriterSink(&buf))
	})

	tc, _ := newTurn(newMessage("m1", "hi"))
	if _, err := env.orch.StartOrContinueSignInUser(context.Background(), tc, ""); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	tc2, _ := newTurn(newMessage("m2", "123456"))
	if _, err := env.orch.StartOrContinueSignInUser(context.Background(), tc2, ""); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	env.orch.Close()

	out := buf.String()
	for _, want := range []string{auditEventSignInStarted, auditEventSignInPending, auditEventSignInCompleted, auditEventSignInReplayed} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in audit log %q", want, out)
		}
	}
	if strings.Contains(out, "secret-payload") {
		t.Fatal("audit events must not carry tokens")
	}
}
