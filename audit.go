package goSignIn

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/MrEthical07/goSignIn/turn"
)

const (
	auditEventSignInStarted          = "signin_started"
	auditEventSignInPending          = "signin_pending"
	auditEventSignInCompleted        = "signin_completed"
	auditEventSignInFailed           = "signin_failed"
	auditEventSignInTimeout          = "signin_timeout"
	auditEventSignInReset            = "signin_reset"
	auditEventSignInReplayed         = "signin_replayed"
	auditEventTokenExchangeFailed    = "token_exchange_failed"
	auditEventTokenExchangeDuplicate = "token_exchange_duplicate"
)

// AuditEvent describes one sign-in transition. Tokens are never included.
type AuditEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	EventType      string            `json:"event_type"`
	ChannelID      string            `json:"channel_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Handler        string            `json:"handler,omitempty"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a buffered channel.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// emitAudit fills the routing fields from the turn activity.
func (o *Orchestrator) emitAudit(ctx context.Context, tc *turn.Context, eventType, handler string, success bool, err error, metadata map[string]string) {
	if o == nil || o.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp: o.clock.Now().UTC(),
		EventType: eventType,
		Handler:   handler,
		Success:   success,
		Metadata:  metadata,
	}
	if tc != nil {
		if a := tc.Activity(); a != nil {
			event.ChannelID = a.ChannelID
			event.ConversationID = a.Conversation.ID
			event.UserID = a.From.ID
		}
	}
	if err != nil {
		event.Error = err.Error()
	}
	o.audit.Emit(ctx, event)
}
