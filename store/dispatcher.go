package store

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriptionBuffer = 64

// dispatcher runs one subscriber callback on its own goroutine. Deliveries never block the
// writer: when the buffer is full the change is dropped and counted. Subscribers re-read the
// store on every notification, so a dropped change is covered by the ones still queued.
type dispatcher struct {
	fn        func(Change)
	ch        chan Change
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

func newDispatcher(buffer int, fn func(Change), onClose func()) *dispatcher {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}

	d := &dispatcher{
		fn:      fn,
		ch:      make(chan Change, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case change := <-d.ch:
			// Close may have raced with the receive; do not call back after it.
			if d.closed.Load() {
				return
			}
			d.fn(change)
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) deliver(change Change) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- change:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close stops delivery and waits for an in-flight callback to return. It must not be
// called from inside the callback itself.
func (d *dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
		if d.onClose != nil {
			d.onClose()
		}
	})
	return nil
}

// Dropped reports how many changes were coalesced away because the buffer was full.
func (d *dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
