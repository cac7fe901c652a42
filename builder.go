package authclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/events"
	"github.com/eattestation/authclient/internal/audit"
	"github.com/eattestation/authclient/internal/retry"
	"github.com/eattestation/authclient/jwt"
	"github.com/eattestation/authclient/middleware"
	"github.com/eattestation/authclient/network"
	"github.com/eattestation/authclient/refresh"
	"github.com/eattestation/authclient/store"
	"github.com/eattestation/authclient/tokenstore"
	"github.com/eattestation/authclient/usercache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder defines a public type used by authclient APIs.
//
// A Builder collects configuration and collaborators and produces exactly one
// [Client]. Every With* method returns the receiver for chaining.
type Builder struct {
	config Config
	kv     store.KV
	redis  redis.UniversalClient

	logger        *zap.Logger
	httpClient    *http.Client
	monitor       *network.Monitor
	auditSink     AuditSink
	now           func() time.Time
	sleep         retry.Sleeper
	onAuthFailure func()

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStorage uses kv for tokens, the user cache and preferences, bypassing
// Config.Storage.
func (b *Builder) WithStorage(kv store.KV) *Builder {
	b.kv = kv
	return b
}

// WithRedis stores client state in Redis through client. It takes precedence
// over Config.Storage.Backend but not over WithStorage.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithHTTPClient uses client's Transport as the base of the authenticating
// interceptor. The client itself is not modified.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// WithMonitor shares an existing connectivity monitor.
func (b *Builder) WithMonitor(m *network.Monitor) *Builder {
	b.monitor = m
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock injects the clock used for token validity and cache age.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithSleeper injects the delay function used by every retry loop.
func (b *Builder) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Builder {
	b.sleep = sleep
	return b
}

// WithAuthFailureHandler registers fn to run when an API request stays
// unauthorized after a refresh attempt, typically to show the login view.
func (b *Builder) WithAuthFailureHandler(fn func()) *Builder {
	b.onAuthFailure = fn
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component. The initial
// session state is seeded from storage; network activity starts with
// [Client.Start].
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- STORAGE --------
	kv, ownedRedis, err := b.storage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	// -------- CONNECTIVITY, METRICS, AUDIT --------
	monitor := b.monitor
	if monitor == nil {
		monitor = network.NewMonitor(cfg.Network.InitialOnline)
	}
	metrics := NewMetrics(cfg.Metrics)
	sink := b.auditSink
	if sink == nil {
		sink = audit.NoOpSink{}
	}
	aud := auditor{d: audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink)}

	// -------- HTTP --------
	var base http.RoundTripper
	if b.httpClient != nil {
		base = b.httpClient.Transport
	}
	skip := append(append([]string(nil), api.PublicPaths...), cfg.API.HealthPath)
	transport := middleware.NewTransport(base, middleware.TransportConfig{
		SkipPaths: skip,
		Logger:    logger.Named("http"),
	})
	httpClient := &http.Client{Transport: transport, Timeout: cfg.API.Timeout}

	apiClient, err := api.NewClient(api.Config{
		BaseURL:       cfg.API.BaseURL,
		HealthTimeout: cfg.API.HealthTimeout,
		HealthPath:    cfg.API.HealthPath,
		HTTPClient:    httpClient,
		Logger:        logger.Named("api"),
	})
	if err != nil {
		aud.close()
		return nil, err
	}

	// -------- TOKENS --------
	inspector := jwt.NewInspector(now)
	inspector.ValidityBuffer = cfg.Tokens.ValidityBuffer
	inspector.ExpiryHorizon = cfg.Tokens.ExpiryHorizon
	tokens := tokenstore.NewWithInspector(kv, inspector)

	manager, err := refresh.New(refresh.Config{
		MaxRetries:     cfg.Refresh.MaxRetries,
		RetryDelay:     cfg.Refresh.RetryDelay,
		RefreshTimeout: cfg.Refresh.Timeout,
	}, refresh.Deps{
		Tokens:  tokens,
		Remote:  apiClient,
		Monitor: monitor,
		Bus:     events.NewBus(logger.Named("events")),
		Sleep:   b.sleep,
		Logger:  logger.Named("refresh"),
		Hooks:   refreshHooks(metrics),
	})
	if err != nil {
		aud.close()
		return nil, err
	}
	transport.Bind(manager)

	// -------- SESSION --------
	cache := usercache.New(kv, usercache.Config{
		MaxAge: cfg.Cache.MaxAge,
		Now:    now,
		Logger: logger.Named("usercache"),
	})
	session := newSession(context.Background(), cfg.Session, sessionDeps{
		api:     apiClient,
		tokens:  manager,
		cache:   cache,
		metrics: metrics,
		audit:   aud,
		sleep:   b.sleep,
		logger:  logger,
	})

	onAuthFailure := b.onAuthFailure
	transport.SetAuthFailureHandler(func(req *http.Request, err error) {
		logger.Info("request unauthorized after refresh",
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		session.handleUnauthorized(err)
		if onAuthFailure != nil {
			onAuthFailure()
		}
	})

	b.built = true

	return &Client{
		cfg:        cfg,
		logger:     logger,
		kv:         kv,
		ownedRedis: ownedRedis,
		api:        apiClient,
		transport:  transport,
		httpClient: httpClient,
		manager:    manager,
		cache:      cache,
		monitor:    monitor,
		session:    session,
		metrics:    metrics,
		audit:      aud,
	}, nil
}

func (b *Builder) storage(cfg StorageConfig) (store.KV, redis.UniversalClient, error) {
	if b.kv != nil {
		return b.kv, nil, nil
	}
	if b.redis != nil {
		return store.NewRedis(b.redis, cfg.RedisPrefix, cfg.RedisTTL), nil, nil
	}

	switch cfg.Backend {
	case StorageMemory:
		return store.NewMemory(), nil, nil
	case StorageFile:
		kv, err := store.NewFile(cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return kv, nil, nil
	case StorageRedis:
		if cfg.RedisAddr == "" {
			return nil, nil, errors.New("Storage RedisAddr is required for the redis backend")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return store.NewRedis(client, cfg.RedisPrefix, cfg.RedisTTL), client, nil
	default:
		return nil, nil, ErrUnknownStorageBackend
	}
}

func refreshHooks(m *Metrics) refresh.Hooks {
	return refresh.Hooks{
		OnRefresh: func(d time.Duration, kind api.ErrorKind) {
			m.Observe(MetricRefreshLatency, d)
			if kind == api.KindNone {
				m.Inc(MetricRefreshSuccess)
				return
			}
			m.Inc(MetricRefreshFailure)
		},
		OnRetry: func(int, time.Duration, api.ErrorKind) {
			m.Inc(MetricRefreshRetry)
		},
		OnQueued: func() {
			m.Inc(MetricRefreshQueued)
		},
		OnTerminal: func(api.ErrorKind, error) {
			m.Inc(MetricRefreshTerminal)
		},
	}
}
