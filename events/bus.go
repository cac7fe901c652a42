// Package events is the typed observer bus for token lifecycle
// notifications.
//
// Delivery is synchronous and in subscription order. A listener that panics
// is recovered and logged; the remaining listeners still run.
package events

import (
	"reflect"
	"sync"
	"time"

	"github.com/eattestation/authclient/tokenstore"
	"go.uber.org/zap"
)

// Kind identifies a token lifecycle event.
type Kind uint8

const (
	// TokensUpdated fires after a new pair is stored.
	TokensUpdated Kind = iota + 1
	// TokensCleared fires after local tokens are removed.
	TokensCleared
	// RefreshFailed fires when a refresh fails terminally.
	RefreshFailed
)

func (k Kind) String() string {
	switch k {
	case TokensUpdated:
		return "tokensUpdated"
	case TokensCleared:
		return "tokensCleared"
	case RefreshFailed:
		return "refreshFailed"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Tokens is set for TokensUpdated, Err for
// RefreshFailed.
type Event struct {
	Kind   Kind
	Tokens tokenstore.Pair
	Err    error
	At     time.Time
}

// Listener receives events.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener. Functions are not comparable,
// so each registration of a ListenerFunc is distinct.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

type subscription struct {
	id       uint64
	listener Listener
}

// Bus fans events out to listeners registered per Kind.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
	logger *zap.Logger
	now    func() time.Time
}

// NewBus returns an empty Bus. logger may be nil.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[Kind][]subscription),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers l for kind. Registering the same comparable listener
// twice for a kind keeps a single registration; both returned functions then
// remove it.
func (b *Bus) Subscribe(kind Kind, l Listener) (unsubscribe func()) {
	if l == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if reflect.TypeOf(l).Comparable() {
		for _, s := range b.subs[kind] {
			if sameListener(s.listener, l) {
				return b.remover(kind, s.id)
			}
		}
	}
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, listener: l})
	return b.remover(kind, id)
}

// SubscribeFunc registers fn for kind.
func (b *Bus) SubscribeFunc(kind Kind, fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return b.Subscribe(kind, ListenerFunc(fn))
}

func sameListener(a, b Listener) (same bool) {
	// Interface comparison panics when a comparable type holds an
	// uncomparable dynamic value in one of its fields.
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func (b *Bus) remover(kind Kind, id uint64) func() {
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, s := range subs {
			if s.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of listeners registered for kind.
func (b *Bus) Len(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Publish delivers e to the listeners of e.Kind. A zero At is stamped with
// the current time.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.mu.RLock()
	subs := b.subs[e.Kind]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.deliver(s.listener, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.Stringer("event", e.Kind),
				zap.Any("panic", r),
			)
		}
	}()
	l.HandleEvent(e)
}
