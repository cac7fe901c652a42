package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eattestation/authclient/network"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned to callers still waiting when the queue closes.
var ErrQueueClosed = errors.New("request queue closed")

type queuedItem struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Queue defers operations submitted while offline and replays them in
// submission order once the monitor reports connectivity again.
type Queue struct {
	monitor *network.Monitor
	logger  *zap.Logger

	mu       sync.Mutex
	items    []*queuedItem
	draining bool
	closed   bool

	unsubscribe func()
	wg          sync.WaitGroup
}

// NewQueue returns a Queue that drains on every offline-to-online transition
// of monitor.
func NewQueue(monitor *network.Monitor, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{monitor: monitor, logger: logger}
	q.unsubscribe = monitor.OnOnline(q.kick)
	return q
}

// Do runs fn immediately when online. Otherwise fn is queued and Do blocks
// until fn has run during a drain or ctx is done. Abandoned items are skipped
// by the drain.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	if q.monitor.IsAvailable() {
		return fn(ctx)
	}

	item := &queuedItem{ctx: ctx, fn: fn, done: make(chan error, 1)}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	pending := len(q.items)
	q.mu.Unlock()
	q.logger.Debug("request queued while offline", zap.Int("pending", pending))

	// Connectivity may have returned between the check and the append.
	if q.monitor.IsAvailable() {
		q.kick()
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) kick() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.wg.Done()
		q.Drain()
	}()
}

// Drain runs queued operations one at a time in FIFO order. It stops early
// if connectivity drops again; remaining items wait for the next transition.
// Only one drain runs at a time.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	for {
		ran := 0
		for q.monitor.IsAvailable() {
			item := q.pop()
			if item == nil {
				break
			}
			item.done <- q.run(item)
			ran++
		}
		if ran > 0 {
			q.logger.Debug("drained queued requests", zap.Int("count", ran))
		}

		q.mu.Lock()
		if len(q.items) == 0 || !q.monitor.IsAvailable() {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

func (q *Queue) pop() *queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item
}

func (q *Queue) run(item *queuedItem) (err error) {
	if err := item.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued request panicked", zap.Any("panic", r))
			err = fmt.Errorf("queued request panicked: %v", r)
		}
	}()
	return item.fn(item.ctx)
}

// Close stops draining and fails every waiting caller with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	q.unsubscribe()
	for _, item := range items {
		item.done <- ErrQueueClosed
	}
	q.wg.Wait()
}
