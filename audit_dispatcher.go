package viewgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// auditor stamps router events and hands them to the sink on one background goroutine, so
// a slow sink never holds a router lock.
type auditor struct {
	dropIfFull bool
	sink       AuditSink
	now        func() time.Time

	queue     chan AuditEvent
	stop      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	emitted   atomic.Uint64
	stopped   atomic.Bool
	closeOnce sync.Once
}

// newAuditor returns nil when audit is disabled; every method is nil-safe.
func newAuditor(cfg AuditConfig, sink AuditSink, now func() time.Time) *auditor {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if now == nil {
		now = time.Now
	}

	a := &auditor{
		dropIfFull: cfg.DropIfFull,
		sink:       sink,
		now:        now,
		queue:      make(chan AuditEvent, size),
		stop:       make(chan struct{}),
	}

	a.wg.Add(1)
	go a.loop()

	return a
}

func (a *auditor) loop() {
	defer a.wg.Done()

	for {
		select {
		case ev := <-a.queue:
			a.deliver(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.queue:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *auditor) deliver(ev AuditEvent) {
	a.sink.Emit(context.Background(), ev)
	a.emitted.Add(1)
}

// record fills in ID, timestamp and request attributes from ctx, then queues ev.
func (a *auditor) record(ctx context.Context, ev AuditEvent) {
	if a == nil || a.stopped.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ev.Timestamp = a.now().UTC()
	ev.ID = newAuditID(ev.Timestamp)
	if ev.IP == "" {
		ev.IP = clientIPFromContext(ctx)
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, 1)
		}
		ev.Metadata["user_agent"] = ua
	}

	if a.dropIfFull {
		select {
		case a.queue <- ev:
		case <-a.stop:
		default:
			a.dropped.Add(1)
		}
		return
	}

	select {
	case a.queue <- ev:
	case <-ctx.Done():
		a.dropped.Add(1)
	case <-a.stop:
	}
}

// Close flushes queued events and stops the goroutine.
func (a *auditor) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		a.stopped.Store(true)
		close(a.stop)
		a.wg.Wait()
	})
}

func (a *auditor) Dropped() uint64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

func (a *auditor) Emitted() uint64 {
	if a == nil {
		return 0
	}
	return a.emitted.Load()
}
