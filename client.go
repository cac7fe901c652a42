package authclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/middleware"
	"github.com/eattestation/authclient/network"
	"github.com/eattestation/authclient/refresh"
	"github.com/eattestation/authclient/store"
	"github.com/eattestation/authclient/usercache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client defines a public type used by authclient APIs.
//
// Client owns every component of the authentication core and their
// background goroutines. Create it with [Builder.Build], call [Client.Start]
// once, and [Client.Close] when done.
type Client struct {
	cfg        Config
	logger     *zap.Logger
	kv         store.KV
	ownedRedis redis.UniversalClient

	api        *api.Client
	transport  *middleware.Transport
	httpClient *http.Client
	manager    *refresh.Manager
	cache      *usercache.Cache
	monitor    *network.Monitor
	session    *Session
	metrics    *Metrics
	audit      auditor

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Session returns the authentication state machine.
func (c *Client) Session() *Session { return c.session }

// Tokens returns the token manager.
func (c *Client) Tokens() *refresh.Manager { return c.manager }

// Cache returns the user cache.
func (c *Client) Cache() *usercache.Cache { return c.cache }

// Monitor returns the connectivity monitor. Feed platform signals to it with
// [network.Monitor.SetOnline].
func (c *Client) Monitor() *network.Monitor { return c.monitor }

// HTTPClient returns an http.Client whose requests carry the current bearer
// token and are replayed once after a refresh on 401.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// API returns the remote auth API client. Its requests go through the
// authenticating transport.
func (c *Client) API() *api.Client { return c.api }

// Storage returns the key-value backend.
func (c *Client) Storage() store.KV { return c.kv }

// Start launches background work: the connectivity probe when
// Network.ProbeInterval is set, proactive refresh when
// Tokens.ProactiveInterval is set, and the initial auth status check.
// Calling Start more than once is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	if c.cfg.Network.ProbeInterval > 0 {
		addr := c.cfg.Network.ProbeAddr
		if addr == "" {
			addr = probeAddr(c.cfg.API.BaseURL)
		}
		probe := network.DialProbe(addr, c.cfg.Network.ProbeTimeout)
		c.goRun(func() { c.monitor.Run(runCtx, probe, c.cfg.Network.ProbeInterval) })
		c.logger.Debug("connectivity probe started", zap.String("addr", addr))
	}
	if c.cfg.Tokens.ProactiveInterval > 0 {
		c.goRun(func() { c.manager.KeepFresh(runCtx, c.cfg.Tokens.ProactiveInterval) })
	}
	c.session.Start()
	return nil
}

func (c *Client) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close stops background work, flushes the audit sink and releases a Redis
// client created from configuration. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.session.Close()
	c.manager.Close()
	c.wg.Wait()
	c.audit.close()

	if c.ownedRedis != nil {
		if err := c.ownedRedis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// AuditDropped reports how many audit events were dropped because the
// buffer was full.
func (c *Client) AuditDropped() uint64 {
	return c.audit.dropped()
}

// Theme returns the stored UI theme, ThemeLight when none is stored or the
// stored value is unknown.
func (c *Client) Theme(ctx context.Context) (Theme, error) {
	raw, ok, err := c.kv.Get(ctx, store.KeyTheme)
	if err != nil {
		return ThemeLight, err
	}
	t := Theme(raw)
	if !ok || !t.Valid() {
		return ThemeLight, nil
	}
	return t, nil
}

// SetTheme persists the UI theme preference.
func (c *Client) SetTheme(ctx context.Context, t Theme) error {
	if !t.Valid() {
		return ErrInvalidTheme
	}
	return c.kv.Set(ctx, store.KeyTheme, string(t))
}

// probeAddr derives host:port from the API base URL.
func probeAddr(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
