package viewgate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	auditEventInitialize         = "router_initialize"
	auditEventStorageChange      = "router_storage_change"
	auditEventNavigate           = "router_navigate"
	auditEventStaleUserKeyClear  = "stale_user_key_cleared"
	auditEventOrphanSessionClear = "orphan_session_cleared"
	auditEventStoreError         = "store_error"
)

// AuditEvent records one router decision or store cleanup.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Profile   string            `json:"profile"`
	Origin    string            `json:"origin,omitempty"`
	UserKey   string            `json:"user_key,omitempty"`
	FromView  View              `json:"from_view,omitempty"`
	ToView    View              `json:"to_view,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
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

// SlogSink logs events through a structured logger at info level.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.logger == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("id", event.ID),
		slog.String("profile", event.Profile),
		slog.String("origin", event.Origin),
		slog.Bool("success", event.Success),
	}
	if event.UserKey != "" {
		attrs = append(attrs, slog.String("user_key", event.UserKey))
	}
	if event.FromView != "" || event.ToView != "" {
		attrs = append(attrs, slog.String("from_view", string(event.FromView)), slog.String("to_view", string(event.ToView)))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit."+event.EventType, attrs...)
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newAuditID(now time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), ulidEntropy)
	if err != nil {
		return ""
	}
	return id.String()
}
