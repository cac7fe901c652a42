package audit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops routine events when the buffer is full. Session
	// ending events are always delivered.
	DropIfFull bool
}

// mustDeliver lists the event types that record a session ending or a
// credential change. A full buffer makes Emit wait for these.
var mustDeliver = map[string]bool{
	TypeLogout:          true,
	TypeSessionEvicted:  true,
	TypeRefreshFailed:   true,
	TypePasswordChanged: true,
}

// MustDeliver reports whether eventType bypasses DropIfFull.
func MustDeliver(eventType string) bool {
	return mustDeliver[eventType]
}

// Dispatcher relays session audit events to a sink on one goroutine, in the
// order they were emitted.
type Dispatcher struct {
	sink      Sink
	dropFull  bool
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	delivered atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	dropped map[string]uint64
}

// NewDispatcher starts the relay goroutine. It returns nil when audit is
// disabled; a nil *Dispatcher accepts and ignores every call.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:     sink,
		dropFull: cfg.DropIfFull,
		ch:       make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
		dropped:  make(map[string]uint64),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain delivers whatever is still buffered after Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.sink.Emit(context.Background(), event)
	d.delivered.Add(1)
}

// Emit queues event for delivery. A missing id or timestamp is filled in.
//
// Routine events are dropped and counted when the buffer is full and
// DropIfFull is set. Events for which [MustDeliver] is true, and every
// event without DropIfFull, wait for room until ctx ends or the dispatcher
// closes.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event = stamp(event)

	if d.dropFull && !MustDeliver(event.EventType) {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.drop(event.EventType)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
		d.drop(event.EventType)
	case <-d.done:
	}
}

func stamp(event Event) Event {
	if event.ID != "" && !event.Timestamp.IsZero() {
		return event
	}
	fresh := NewEvent(event.EventType, event.Success)
	if event.ID == "" {
		event.ID = fresh.ID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = fresh.Timestamp
	}
	return event
}

func (d *Dispatcher) drop(eventType string) {
	d.mu.Lock()
	d.dropped[eventType]++
	d.mu.Unlock()
}

// Close stops accepting events and flushes what is buffered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were never delivered, in total.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var total uint64
	for _, n := range d.dropped {
		total += n
	}
	return total
}

// DroppedByType reports the dropped count per event type. Types with no
// drops are absent.
func (d *Dispatcher) DroppedByType() map[string]uint64 {
	out := make(map[string]uint64)
	if d == nil {
		return out
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.dropped {
		out[k] = v
	}
	return out
}

// Delivered reports how many events reached the sink.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}

// Types lists every event type in a stable order.
func Types() []string {
	out := []string{
		TypeLoginSuccess,
		TypeLoginFailure,
		TypeRegisterSuccess,
		TypeRegisterFailure,
		TypeLogout,
		TypeRefreshFailed,
		TypeSessionEvicted,
		TypePasswordChanged,
		TypeProfileUpdated,
	}
	sort.Strings(out)
	return out
}
