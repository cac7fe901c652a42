// Package usercache keeps the last known authenticated user for a short
// time so a client can show who is signed in before the network confirms it.
//
// A cached user is never proof of authentication. Entries expire after
// MaxAge (5 minutes by default) and are purged on read once stale or
// unreadable.
package usercache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/store"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAge is how long a cached user stays usable.
	DefaultMaxAge = 5 * time.Minute

	entryVersionCurrent = 1
)

type entry struct {
	User      *api.User `json:"user"`
	Timestamp int64     `json:"timestamp"`
	Version   int       `json:"version"`
}

// Stats is a side-effect free snapshot of the cache entry.
type Stats struct {
	Exists    bool
	HasUser   bool
	Age       time.Duration
	IsValid   bool
	ExpiresIn time.Duration
	CacheSize int
}

// Counters reports cumulative read outcomes.
type Counters struct {
	Hits    uint64
	Misses  uint64
	Evicted uint64
}

// Config configures a [Cache].
type Config struct {
	MaxAge time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// Cache stores one user record under the userCache key.
type Cache struct {
	kv     store.KV
	maxAge time.Duration
	now    func() time.Time
	logger *zap.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

// New returns a Cache over kv.
func New(kv store.KV, cfg Config) *Cache {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		kv:     kv,
		maxAge: cfg.MaxAge,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// MaxAge returns the configured entry lifetime.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}

// Store caches user with the current time. A user without an ID is ignored
// with a warning.
func (c *Cache) Store(ctx context.Context, user *api.User) {
	if user == nil || user.ID == "" {
		c.logger.Warn("refusing to cache user without id")
		return
	}
	cp := *user
	data, err := json.Marshal(entry{User: &cp, Timestamp: c.now().UnixMilli(), Version: entryVersionCurrent})
	if err != nil {
		c.logger.Warn("encode user cache entry", zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, store.KeyUserCache, string(data)); err != nil {
		c.logger.Warn("persist user cache entry", zap.Error(err))
	}
}

func (c *Cache) read(ctx context.Context) (raw string, e *entry, ok bool) {
	raw, found, err := c.kv.Get(ctx, store.KeyUserCache)
	if err != nil {
		c.logger.Warn("read user cache entry", zap.Error(err))
		return "", nil, false
	}
	if !found {
		return "", nil, false
	}
	var decoded entry
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw, nil, true
	}
	return raw, &decoded, true
}

func (c *Cache) age(e *entry) time.Duration {
	return c.now().Sub(time.UnixMilli(e.Timestamp))
}

func (c *Cache) usable(e *entry) bool {
	if e == nil || e.Version != entryVersionCurrent || !e.User.Valid() || e.Timestamp <= 0 {
		return false
	}
	return c.age(e) < c.maxAge
}

// Get returns the cached user, or nil when none is cached. Stale or
// malformed entries are removed.
func (c *Cache) Get(ctx context.Context) *api.User {
	_, e, found := c.read(ctx)
	if !found {
		c.misses.Add(1)
		return nil
	}
	if !c.usable(e) {
		c.misses.Add(1)
		c.evicted.Add(1)
		c.Clear(ctx)
		return nil
	}
	c.hits.Add(1)
	u := *e.User
	return &u
}

// IsValid reports whether Get would return a user.
func (c *Cache) IsValid(ctx context.Context) bool {
	return c.Get(ctx) != nil
}

// Clear removes the cached entry.
func (c *Cache) Clear(ctx context.Context) {
	if err := c.kv.Delete(ctx, store.KeyUserCache); err != nil {
		c.logger.Warn("clear user cache entry", zap.Error(err))
	}
}

// Touch re-stores the cached user with a fresh timestamp when the current
// entry is still valid.
func (c *Cache) Touch(ctx context.Context) bool {
	u := c.Get(ctx)
	if u == nil {
		return false
	}
	c.Store(ctx, u)
	return true
}

// Stats inspects the entry without purging it.
func (c *Cache) Stats(ctx context.Context) Stats {
	raw, e, found := c.read(ctx)
	if !found {
		return Stats{}
	}
	s := Stats{Exists: true, CacheSize: len(raw)}
	if e == nil {
		return s
	}
	s.HasUser = e.User != nil
	if e.Timestamp > 0 {
		s.Age = c.age(e)
	}
	s.IsValid = c.usable(e)
	if s.IsValid {
		s.ExpiresIn = c.maxAge - s.Age
	}
	return s
}

// Counters returns cumulative hit/miss/eviction counts.
func (c *Cache) Counters() Counters {
	return Counters{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Evicted: c.evicted.Load(),
	}
}
