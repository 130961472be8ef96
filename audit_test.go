package viewgate

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okiedoc/viewgate/store"
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

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func auditConfig(buffer int, dropIfFull bool) Config {
	cfg := DefaultConfig()
	cfg.Audit = AuditConfig{Enabled: true, BufferSize: buffer, DropIfFull: dropIfFull}
	return cfg
}

func nextEvent(t *testing.T, sink *ChannelSink, eventType string) AuditEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
			return AuditEvent{}
		}
	}
}

func TestAuditRecordsOrphanCleanup(t *testing.T) {
	sink := NewChannelSink(32)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	g, err := New().
		WithConfig(auditConfig(32, true)).
		WithAuditSink(sink).
		withClock(func() time.Time { return fixed }).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer g.Close()

	st := store.NewMemory().Context()
	seed(t, st, map[string]string{"isLoggedIn": "true", "currentUser": testEmail})

	r, err := g.NewRouter("patient", st)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	ctx := WithUserAgent(WithClientIP(context.Background(), "10.0.0.7"), "test-agent")
	r.OnExternalStorageChange(ctx)

	ev := nextEvent(t, sink, auditEventOrphanSessionClear)
	if !ev.Success || ev.UserKey != testEmail || ev.Profile != "patient" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.IP != "10.0.0.7" || ev.Metadata["user_agent"] != "test-agent" {
		t.Fatalf("request attributes missing: %+v", ev)
	}
	if !ev.Timestamp.Equal(fixed) || ev.Timestamp.Location() != time.UTC {
		t.Fatalf("unexpected timestamp %v", ev.Timestamp)
	}
	if len(ev.ID) != 26 {
		t.Fatalf("expected ULID id, got %q", ev.ID)
	}

	change := nextEvent(t, sink, auditEventStorageChange)
	if change.ToView != ViewLogin {
		t.Fatalf("expected transition to login, got %+v", change)
	}
}

func TestAuditDisabledRecordsNothing(t *testing.T) {
	sink := &countingSink{}
	g, err := New().WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r, _ := g.NewRouter("patient", store.NewMemory().Context())
	r.Initialize(context.Background())
	_ = g.Close()

	if sink.count.Load() != 0 {
		t.Fatalf("expected no events, got %d", sink.count.Load())
	}
}

func TestAuditDropIfFullNeverBlocksRouter(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	g, err := New().WithConfig(auditConfig(1, true)).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r, _ := g.NewRouter("patient", store.NewMemory().Context())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_ = r.NavigateTo(ViewDashboard)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router blocked on a full audit buffer")
	}
	if g.AuditDropped() == 0 {
		t.Fatal("expected dropped audit events")
	}

	close(sink.gate)
	_ = g.Close()
}

func TestAuditCloseFlushesQueue(t *testing.T) {
	sink := &countingSink{}
	g, err := New().WithConfig(auditConfig(64, true)).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r, _ := g.NewRouter("patient", store.NewMemory().Context())
	for i := 0; i < 10; i++ {
		_ = r.NavigateTo(ViewDashboard)
	}
	_ = g.Close()

	if got := sink.count.Load(); got != 10 {
		t.Fatalf("expected 10 events after flush, got %d", got)
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{ID: "1", EventType: auditEventNavigate, ToView: ViewDashboard})
	sink.Emit(context.Background(), AuditEvent{ID: "2", EventType: auditEventNavigate, ToView: ViewLogin})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ToView != ViewLogin {
		t.Fatalf("unexpected view %q", ev.ToView)
	}
}

func TestAuditIDsAreMonotonic(t *testing.T) {
	now := time.Now()
	prev := newAuditID(now)
	for i := 0; i < 100; i++ {
		id := newAuditID(now)
		if id <= prev {
			t.Fatalf("ids not increasing: %s <= %s", id, prev)
		}
		prev = id
	}
}
