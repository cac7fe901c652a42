package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/events"
	"github.com/eattestation/authclient/internal/retry"
	"github.com/eattestation/authclient/network"
	"github.com/eattestation/authclient/store"
	"github.com/eattestation/authclient/tokenstore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultRefreshTimeout = 10 * time.Second

	refreshKey = "refresh"
	retryKey   = "refresh-with-retry"
)

var (
	// ErrNoRefreshToken is returned when a refresh is attempted without a stored refresh token.
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrMissingDependency is returned by New when a required dependency is nil.
	ErrMissingDependency = errors.New("refresh: missing dependency")
)

// RefreshError reports a terminal refresh failure. Local tokens have been
// cleared by the time it is returned.
type RefreshError struct {
	Kind     api.ErrorKind
	Attempts int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (%s after %d attempts): %v", e.Kind, e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Remote is the subset of the API client the manager calls.
type Remote interface {
	RefreshToken(ctx context.Context, refreshToken string) (*api.TokenSet, error)
	Health(ctx context.Context) api.HealthResult
}

// Config tunes the refresh policy.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	RefreshTimeout time.Duration
}

// Hooks observe refresh outcomes. Every field is optional.
type Hooks struct {
	// OnRefresh runs after each network refresh; kind is KindNone on success.
	OnRefresh func(d time.Duration, kind api.ErrorKind)
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, kind api.ErrorKind)
	// OnQueued runs when a refresh is deferred because the client is offline.
	OnQueued func()
	// OnTerminal runs after tokens were cleared for a terminal failure.
	OnTerminal func(kind api.ErrorKind, err error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Tokens  *tokenstore.Store
	Remote  Remote
	Monitor *network.Monitor
	Bus     *events.Bus
	Sleep   retry.Sleeper
	Logger  *zap.Logger
	Hooks   Hooks
}

// Manager coordinates token validity checks, single-flight refresh, retry
// with exponential backoff and offline queuing. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	tokens  *tokenstore.Store
	remote  Remote
	monitor *network.Monitor
	bus     *events.Bus
	sleep   retry.Sleeper
	backoff retry.Exponential
	logger  *zap.Logger
	hooks   Hooks
	queue   *Queue

	// life bounds shared retry loops, which outlive any one caller.
	life context.Context
	stop context.CancelFunc

	flight       singleflight.Group
	inFlight     atomic.Bool
	waiters      atomic.Int64
	retryWaiters atomic.Int64
	retryCount   atomic.Int64
	lastFailure  atomic.Value
}

// New validates deps and returns a Manager. Zero Config fields take the
// defaults: 3 retries, 1s base delay, 10s refresh timeout.
func New(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Tokens == nil:
		return nil, fmt.Errorf("%w: token store", ErrMissingDependency)
	case deps.Remote == nil:
		return nil, fmt.Errorf("%w: remote api", ErrMissingDependency)
	case deps.Monitor == nil:
		return nil, fmt.Errorf("%w: network monitor", ErrMissingDependency)
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("refresh: max retries must be >= 0")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.Sleep
	}

	m := &Manager{
		cfg:     cfg,
		tokens:  deps.Tokens,
		remote:  deps.Remote,
		monitor: deps.Monitor,
		bus:     deps.Bus,
		sleep:   deps.Sleep,
		backoff: retry.Exponential{Base: cfg.RetryDelay},
		logger:  deps.Logger,
		hooks:   deps.Hooks,
		queue:   NewQueue(deps.Monitor, deps.Logger),
	}
	m.life, m.stop = context.WithCancel(context.Background())
	m.lastFailure.Store(api.KindNone)
	return m, nil
}

// Bus returns the event bus the manager publishes to.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Queue returns the offline request queue.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// Close stops shared retry loops and releases the offline queue; waiting
// callers receive ErrQueueClosed.
func (m *Manager) Close() {
	m.stop()
	m.queue.Close()
}

// Classify maps err onto the failure taxonomy using the current connectivity.
func (m *Manager) Classify(err error) api.ErrorKind {
	return api.Classify(err, m.monitor.IsAvailable())
}

// EnsureValidToken returns a usable access token. An empty token with a nil
// error means the client is unauthenticated: either no token pair is stored
// or refreshing failed terminally and the tokens were cleared. Errors are
// returned only for storage failures and ctx cancellation.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	pair, err := m.tokens.GetTokens(ctx)
	if err != nil {
		return "", err
	}
	if !pair.Complete() {
		return "", nil
	}
	if m.tokens.IsValid(pair.AccessToken) {
		m.retryCount.Store(0)
		return pair.AccessToken, nil
	}

	next, err := m.RefreshWithRetry(ctx)
	if err != nil {
		var terminal *RefreshError
		if errors.As(err, &terminal) {
			return "", nil
		}
		return "", err
	}
	return next.AccessToken, nil
}

// RefreshToken performs a single-flight refresh: callers arriving while a
// refresh is in flight share its outcome instead of issuing another call.
// The shared call is bounded by the refresh timeout and is not cancelled
// when one caller's ctx ends; that caller just stops waiting.
func (m *Manager) RefreshToken(ctx context.Context) (tokenstore.Pair, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(refreshKey, func() (any, error) {
		m.inFlight.Store(true)
		defer m.inFlight.Store(false)

		callCtx, cancel := context.WithTimeout(detached, m.cfg.RefreshTimeout)
		defer cancel()
		return m.performRefresh(callCtx)
	})
	m.waiters.Add(1)
	defer m.waiters.Add(-1)

	select {
	case res := <-ch:
		if res.Err != nil {
			return tokenstore.Pair{}, res.Err
		}
		return res.Val.(tokenstore.Pair), nil
	case <-ctx.Done():
		return tokenstore.Pair{}, ctx.Err()
	}
}

// performRefresh issues one refresh call and stores the result. Failures
// are returned unchanged; tokens are never cleared here.
func (m *Manager) performRefresh(ctx context.Context) (tokenstore.Pair, error) {
	start := time.Now()
	current, err := m.tokens.GetTokens(ctx)
	if err != nil {
		return tokenstore.Pair{}, err
	}
	if current.RefreshToken == "" {
		return tokenstore.Pair{}, ErrNoRefreshToken
	}

	set, err := m.remote.RefreshToken(ctx, current.RefreshToken)
	if err == nil && (set == nil || set.AccessToken == "") {
		err = fmt.Errorf("%w: refresh returned no access token", api.ErrMalformedResponse)
	}
	if err != nil {
		kind := m.Classify(err)
		m.report(time.Since(start), kind)
		m.logger.Warn("token refresh attempt failed",
			zap.String("kind", string(kind)),
			zap.Int("status", api.StatusCode(err)),
			zap.Error(err),
		)
		return tokenstore.Pair{}, err
	}

	next := tokenstore.Pair{AccessToken: set.AccessToken, RefreshToken: set.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if err := m.tokens.SetTokens(ctx, next); err != nil {
		return tokenstore.Pair{}, err
	}
	m.report(time.Since(start), api.KindNone)
	m.bus.Publish(events.Event{Kind: events.TokensUpdated, Tokens: next})
	return next, nil
}

func (m *Manager) report(d time.Duration, kind api.ErrorKind) {
	if m.hooks.OnRefresh != nil {
		m.hooks.OnRefresh(d, kind)
	}
}

// RefreshWithRetry refreshes with the retry policy. While offline the whole
// operation waits in the queue until connectivity returns. Transient
// failures (offline, network, server) are retried up to MaxRetries times
// after RetryDelay*2^attempt; any other failure, or exhausting the retries,
// clears the tokens, publishes refreshFailed and returns a *RefreshError.
//
// Concurrent callers share one retry loop, so a terminal failure clears the
// tokens and publishes refreshFailed once however many callers wait on it.
func (m *Manager) RefreshWithRetry(ctx context.Context) (tokenstore.Pair, error) {
	var out tokenstore.Pair
	op := func(ctx context.Context) error {
		pair, err := m.sharedRefreshLoop(ctx)
		out = pair
		return err
	}

	if !m.monitor.IsAvailable() {
		if m.hooks.OnQueued != nil {
			m.hooks.OnQueued()
		}
		m.logger.Info("offline, deferring token refresh")
	}
	if err := m.queue.Do(ctx, op); err != nil {
		return tokenstore.Pair{}, err
	}
	return out, nil
}

// sharedRefreshLoop joins the retry loop already running, or starts one. The
// loop runs on the manager's lifetime, not the caller's ctx; a caller whose
// ctx ends stops waiting and gets ctx.Err().
func (m *Manager) sharedRefreshLoop(ctx context.Context) (tokenstore.Pair, error) {
	ch := m.flight.DoChan(retryKey, func() (any, error) {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		unwatch := context.AfterFunc(m.life, cancel)
		defer unwatch()
		return m.refreshLoop(loopCtx)
	})
	m.retryWaiters.Add(1)
	defer m.retryWaiters.Add(-1)

	select {
	case res := <-ch:
		if res.Err != nil {
			return tokenstore.Pair{}, res.Err
		}
		return res.Val.(tokenstore.Pair), nil
	case <-ctx.Done():
		return tokenstore.Pair{}, ctx.Err()
	}
}

func (m *Manager) refreshLoop(ctx context.Context) (tokenstore.Pair, error) {
	for attempt := 0; ; attempt++ {
		pair, err := m.RefreshToken(ctx)
		if err == nil {
			m.retryCount.Store(0)
			m.lastFailure.Store(api.KindNone)
			return pair, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tokenstore.Pair{}, ctxErr
		}
		if errors.Is(err, store.ErrUnavailable) {
			return tokenstore.Pair{}, err
		}

		kind := m.Classify(err)
		m.lastFailure.Store(kind)
		if kind.Retryable() && attempt < m.cfg.MaxRetries {
			delay := m.backoff.Delay(attempt)
			m.retryCount.Store(int64(attempt + 1))
			if m.hooks.OnRetry != nil {
				m.hooks.OnRetry(attempt+1, delay, kind)
			}
			m.logger.Info("retrying token refresh",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", m.cfg.MaxRetries),
				zap.Duration("delay", delay),
				zap.String("kind", string(kind)),
			)
			if err := m.sleep(ctx, delay); err != nil {
				return tokenstore.Pair{}, err
			}
			continue
		}

		m.retryCount.Store(0)
		m.fail(ctx, kind, err)
		return tokenstore.Pair{}, &RefreshError{Kind: kind, Attempts: attempt + 1, Err: err}
	}
}

func (m *Manager) fail(ctx context.Context, kind api.ErrorKind, err error) {
	ctx = context.WithoutCancel(ctx)
	m.logger.Warn("token refresh failed terminally, clearing tokens",
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	if clearErr := m.ClearTokens(ctx); clearErr != nil {
		m.logger.Error("clear tokens after refresh failure", zap.Error(clearErr))
	}
	m.bus.Publish(events.Event{Kind: events.RefreshFailed, Err: err})
	if m.hooks.OnTerminal != nil {
		m.hooks.OnTerminal(kind, err)
	}
}

// StoreTokens persists p (non-empty fields only) and publishes tokensUpdated
// with the resulting stored pair.
func (m *Manager) StoreTokens(ctx context.Context, p tokenstore.Pair) error {
	if err := m.tokens.SetTokens(ctx, p); err != nil {
		return err
	}
	stored, err := m.tokens.GetTokens(ctx)
	if err != nil {
		return err
	}
	m.retryCount.Store(0)
	m.lastFailure.Store(api.KindNone)
	m.bus.Publish(events.Event{Kind: events.TokensUpdated, Tokens: stored})
	return nil
}

// ClearTokens removes both tokens and publishes tokensCleared.
func (m *Manager) ClearTokens(ctx context.Context) error {
	if err := m.tokens.Clear(ctx); err != nil {
		return err
	}
	m.bus.Publish(events.Event{Kind: events.TokensCleared})
	return nil
}

// HasTokens reports whether a complete token pair is stored.
func (m *Manager) HasTokens(ctx context.Context) (bool, error) {
	return m.tokens.HasTokens(ctx)
}

// HasValidAccessToken reports whether a complete pair is stored and the
// access token outlives the validity buffer. It never refreshes.
func (m *Manager) HasValidAccessToken(ctx context.Context) (bool, error) {
	pair, err := m.tokens.GetTokens(ctx)
	if err != nil {
		return false, err
	}
	return pair.Complete() && m.tokens.IsValid(pair.AccessToken), nil
}

// HealthCheck probes the API liveness endpoint. It never fails; see
// api.HealthResult.
func (m *Manager) HealthCheck(ctx context.Context) api.HealthResult {
	return m.remote.Health(ctx)
}
