// Package network tracks client connectivity and notifies subscribers on
// online/offline transitions.
//
// The platform signal is fed through [Monitor.SetOnline]. Hosts without such a
// signal can run [Monitor.Run] with a [Probe] to derive it periodically.
package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor holds the current connectivity state.
type Monitor struct {
	online atomic.Bool

	mu        sync.Mutex
	nextID    uint64
	listeners []listener
}

type listener struct {
	id uint64
	fn func(online bool)
}

// NewMonitor returns a Monitor seeded with the platform's initial signal.
func NewMonitor(initialOnline bool) *Monitor {
	m := &Monitor{}
	m.online.Store(initialOnline)
	return m
}

// IsAvailable reports whether the client is currently online.
func (m *Monitor) IsAvailable() bool {
	return m.online.Load()
}

// SetOnline records a connectivity signal. Listeners run synchronously, in
// subscription order, only when the state actually changes. It reports
// whether a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	if m.online.Swap(online) == online {
		return false
	}
	m.mu.Lock()
	snapshot := make([]listener, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	for _, l := range snapshot {
		l.fn(online)
	}
	return true
}

// Subscribe registers fn for transitions and returns a function that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// OnOnline registers fn for offline-to-online transitions only.
func (m *Monitor) OnOnline(fn func()) (unsubscribe func()) {
	return m.Subscribe(func(online bool) {
		if online {
			fn()
		}
	})
}

// Probe reports whether the network is reachable.
type Probe func(ctx context.Context) bool

// Run probes immediately and then every interval until ctx is done, feeding
// each result to SetOnline.
func (m *Monitor) Run(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	m.SetOnline(probe(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(probe(ctx))
		}
	}
}

// DialProbe returns a Probe that opens a TCP connection to addr.
func DialProbe(addr string, timeout time.Duration) Probe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
