package authclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/events"
	"github.com/eattestation/authclient/internal/retry"
	"github.com/eattestation/authclient/refresh"
	"github.com/eattestation/authclient/tokenstore"
	"github.com/eattestation/authclient/usercache"
	"go.uber.org/zap"
)

// Phase is the position of the session state machine.
type Phase uint8

const (
	PhaseInitializing Phase = iota
	PhaseAuthenticated
	PhaseUnauthenticated
	// PhaseError is transient: a retry is pending and the session resolves
	// to authenticated or unauthenticated afterwards.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "INITIALIZING"
	case PhaseAuthenticated:
		return "AUTHENTICATED"
	case PhaseUnauthenticated:
		return "UNAUTHENTICATED"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SyncPhase separates the optimistic seed from network reconciliation.
type SyncPhase uint8

const (
	// SyncSeed: state was painted from the user cache and token presence only.
	SyncSeed SyncPhase = iota
	// SyncReconcile: the network has been consulted at least once.
	SyncReconcile
)

// SessionState defines a public type used by authclient APIs.
//
// SessionState values are snapshots. IsAuthenticated implies User != nil.
// Version increases with every change so listeners can discard stale
// snapshots delivered out of order.
type SessionState struct {
	Version         uint64
	Phase           Phase
	Sync            SyncPhase
	IsAuthenticated bool
	User            *User
	Loading         bool
	AuthError       string
}

// sessionAPI is the part of the remote API the session drives directly.
type sessionAPI interface {
	Login(ctx context.Context, req api.LoginRequest) (*api.AuthPayload, error)
	Register(ctx context.Context, req api.RegisterRequest) (*api.AuthPayload, error)
	Logout(ctx context.Context, logoutAll bool) error
	Profile(ctx context.Context) (*api.User, error)
	UpdateProfile(ctx context.Context, update api.ProfileUpdate) (*api.User, error)
	ChangePassword(ctx context.Context, req api.ChangePasswordRequest) (string, error)
	ForgotPassword(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) (string, error)
}

type sessionDeps struct {
	api     sessionAPI
	tokens  *refresh.Manager
	cache   *usercache.Cache
	metrics *Metrics
	audit   auditor
	sleep   retry.Sleeper
	logger  *zap.Logger
}

type stateListener struct {
	id uint64
	fn func(SessionState)
}

// Session is the authentication state machine. It owns the answer to "who
// is signed in" and exposes the operations that change it. Operations never
// return errors; failures are reported as human-readable messages.
type Session struct {
	cfg     SessionConfig
	api     sessionAPI
	tokens  *refresh.Manager
	cache   *usercache.Cache
	metrics *Metrics
	audit   auditor
	sleep   retry.Sleeper
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     SessionState
	listeners []stateListener
	nextID    uint64
	closed    bool

	// epoch changes whenever the signed-in identity is decided by login or
	// logout; late results of an older check are dropped.
	epoch        atomic.Uint64
	background   atomic.Bool
	syncFailures atomic.Int64
	unsubscribe  []func()
}

func newSession(ctx context.Context, cfg SessionConfig, deps sessionDeps) *Session {
	logger := deps.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := deps.sleep
	if sleep == nil {
		sleep = retry.Sleep
	}

	s := &Session{
		cfg:     cfg,
		api:     deps.api,
		tokens:  deps.tokens,
		cache:   deps.cache,
		metrics: deps.metrics,
		audit:   deps.audit,
		sleep:   sleep,
		logger:  logger.Named("session"),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.state = s.seed(ctx)

	bus := s.tokens.Bus()
	s.unsubscribe = append(s.unsubscribe,
		bus.SubscribeFunc(events.TokensCleared, s.onTokensCleared),
		bus.SubscribeFunc(events.RefreshFailed, s.onRefreshFailed),
	)
	return s
}

// seed paints the initial state from local data only.
func (s *Session) seed(ctx context.Context) SessionState {
	st := SessionState{Phase: PhaseInitializing, Sync: SyncSeed, Loading: true}
	has, err := s.tokens.HasTokens(ctx)
	if err != nil {
		s.logger.Warn("read tokens for initial session state", zap.Error(err))
		return st
	}
	if !has {
		return st
	}
	if user := s.cache.Get(ctx); user != nil {
		st.IsAuthenticated = true
		st.User = user
	}
	return st
}

// Start runs the initial CheckAuthStatus in the background.
func (s *Session) Start() {
	s.spawn(func(ctx context.Context) {
		s.CheckAuthStatus(ctx)
	})
}

func (s *Session) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Close stops pending background work and detaches from token events.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, unsub := range s.unsubscribe {
		unsub()
	}
}

// State returns a snapshot of the session.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionState {
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

// Subscribe registers fn to receive every state change and returns a
// function that removes it. fn runs synchronously on the goroutine that
// changed the state and must not block.
func (s *Session) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, stateListener{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// update applies fn under the lock and notifies listeners. fn returns false
// to leave the state untouched.
func (s *Session) update(fn func(st *SessionState) bool) bool {
	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}
	s.state.Version++
	snap := s.snapshotLocked()
	listeners := make([]stateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		s.notify(l.fn, snap)
	}
	return true
}

func (s *Session) notify(fn func(SessionState), st SessionState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session listener panicked", zap.Any("panic", r))
		}
	}()
	fn(st)
}

func (s *Session) setAuthenticated(epoch uint64, user *User) bool {
	u := *user
	return s.update(func(st *SessionState) bool {
		if s.epoch.Load() != epoch {
			return false
		}
		st.Phase = PhaseAuthenticated
		st.Sync = SyncReconcile
		st.IsAuthenticated = true
		st.User = &u
		st.AuthError = ""
		return true
	})
}

func (s *Session) setUnauthenticated(msg string) {
	s.update(func(st *SessionState) bool {
		st.Phase = PhaseUnauthenticated
		st.Sync = SyncReconcile
		st.IsAuthenticated = false
		st.User = nil
		st.AuthError = msg
		return true
	})
}

func (s *Session) setRetrying(msg string) {
	s.update(func(st *SessionState) bool {
		st.Phase = PhaseError
		st.Sync = SyncReconcile
		st.AuthError = msg
		return true
	})
}

func (s *Session) setAuthError(msg string) {
	s.update(func(st *SessionState) bool {
		if st.AuthError == msg {
			return false
		}
		st.AuthError = msg
		return true
	})
}

func (s *Session) startLoading() {
	s.update(func(st *SessionState) bool {
		if st.Loading {
			return false
		}
		st.Loading = true
		return true
	})
}

func (s *Session) finishLoading() {
	s.update(func(st *SessionState) bool {
		if !st.Loading {
			return false
		}
		st.Loading = false
		return true
	})
}

func (s *Session) currentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.User == nil {
		return ""
	}
	return s.state.User.ID
}

// logoutLocal drops every local trace of the session. State is reset before
// the tokens are cleared so the resulting tokensCleared event finds nothing
// to evict.
func (s *Session) logoutLocal(ctx context.Context, msg string) {
	ctx = context.WithoutCancel(ctx)
	s.epoch.Add(1)
	s.syncFailures.Store(0)
	s.cache.Clear(ctx)
	s.setUnauthenticated(msg)
	if err := s.tokens.ClearTokens(ctx); err != nil {
		s.logger.Error("clear tokens on logout", zap.Error(err))
	}
}

// evict ends an authenticated session the user did not end themselves.
func (s *Session) evict(ctx context.Context, reason string, kind api.ErrorKind) {
	userID := s.currentUserID()
	wasAuthenticated := s.State().IsAuthenticated
	s.logoutLocal(ctx, reason)
	if !wasAuthenticated {
		return
	}
	s.metrics.Inc(MetricSessionEvicted)
	s.audit.emit(ctx, AuditSessionEvicted, true, func(e *AuditEvent) {
		e.UserID = userID
		e.ErrorKind = string(kind)
	})
	s.logger.Info("session evicted", zap.String("user_id", userID), zap.String("kind", string(kind)))
}

func (s *Session) onTokensCleared(events.Event) {
	st := s.State()
	if !st.IsAuthenticated {
		return
	}
	if s.background.Load() {
		s.setAuthError(msgSyncWarning)
		return
	}
	s.evict(s.ctx, msgSessionExpired, api.KindAuthError)
}

func (s *Session) onRefreshFailed(e events.Event) {
	kind := s.tokens.Classify(e.Err)
	msg := msgSessionExpired
	if kind.Retryable() || kind == api.KindMalformedResponse {
		msg = userMessage(kind, nil)
	}
	s.setAuthError(msg)
	s.audit.emit(s.ctx, AuditRefreshFailed, false, func(ev *AuditEvent) {
		ev.UserID = s.currentUserID()
		ev.ErrorKind = string(kind)
	})
}

// handleUnauthorized reacts to a request that stayed unauthorized after the
// interceptor tried to refresh. Only definitive rejections end the session.
func (s *Session) handleUnauthorized(err error) {
	s.metrics.Inc(MetricRequestUnauthorized)
	kind := s.tokens.Classify(err)
	if kind.Retryable() && !errors.Is(err, refresh.ErrNoRefreshToken) {
		s.setAuthError(userMessage(kind, nil))
		return
	}
	if s.background.Load() {
		s.setAuthError(msgSyncWarning)
		return
	}
	s.evict(s.ctx, msgSessionExpired, api.KindAuthError)
}

// Login authenticates against the remote API. On success the tokens and
// user are persisted and the session becomes authenticated.
func (s *Session) Login(ctx context.Context, req LoginRequest) Result {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return failed(api.KindNone, msgMissingLogin)
	}
	payload, err := s.api.Login(ctx, req)
	if err != nil {
		return s.authFailed(ctx, AuditLoginFailure, MetricLoginFailure, req.Email, err)
	}
	return s.establish(ctx, payload, AuditLoginSuccess, MetricLoginSuccess, MetricLoginFailure)
}

// Register creates an account and signs in with the returned session.
func (s *Session) Register(ctx context.Context, req RegisterRequest) Result {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return failed(api.KindNone, msgMissingLogin)
	}
	payload, err := s.api.Register(ctx, req)
	if err != nil {
		return s.authFailed(ctx, AuditRegisterFailure, MetricRegisterFailure, req.Email, err)
	}
	return s.establish(ctx, payload, AuditRegisterSuccess, MetricRegisterSuccess, MetricRegisterFailure)
}

func (s *Session) authFailed(ctx context.Context, eventType string, metric MetricID, email string, err error) Result {
	kind := s.tokens.Classify(err)
	msg := userMessage(kind, err)
	if kind == api.KindAuthError && api.ServerMessage(err) == "" {
		msg = msgInvalidLogin
	}
	s.metrics.Inc(metric)
	s.audit.emit(ctx, eventType, false, func(e *AuditEvent) {
		e.Email = email
		e.ErrorKind = string(kind)
		e.Error = msg
	})
	s.logger.Warn("authentication request failed",
		zap.String("event", eventType),
		zap.String("kind", string(kind)),
		zap.Int("status", api.StatusCode(err)),
		zap.Error(err),
	)
	return failed(kind, msg)
}

func (s *Session) establish(ctx context.Context, payload *api.AuthPayload, eventType string, success, failure MetricID) Result {
	epoch := s.epoch.Add(1)
	pair := tokenstore.Pair{AccessToken: payload.Tokens.AccessToken, RefreshToken: payload.Tokens.RefreshToken}
	if err := s.tokens.StoreTokens(ctx, pair); err != nil {
		s.metrics.Inc(failure)
		s.logger.Error("store tokens after authentication", zap.Error(err))
		return failed(api.KindUnknownError, msgStorage)
	}
	user := payload.User
	s.cache.Store(ctx, &user)
	s.syncFailures.Store(0)
	s.setAuthenticated(epoch, &user)
	s.finishLoading()

	s.metrics.Inc(success)
	s.audit.emit(ctx, eventType, true, func(e *AuditEvent) {
		e.UserID = user.ID
		e.Email = user.Email
	})
	s.logger.Info("session established", zap.String("user_id", user.ID))
	return succeeded("")
}

// Logout invalidates the session remotely when possible and always clears
// local state. Remote failures are logged and otherwise ignored.
func (s *Session) Logout(ctx context.Context, logoutAll bool) {
	userID := s.currentUserID()
	if err := s.api.Logout(ctx, logoutAll); err != nil {
		s.logger.Info("remote logout failed, clearing local session anyway",
			zap.Int("status", api.StatusCode(err)),
			zap.Error(err),
		)
	}
	s.logoutLocal(ctx, "")
	s.finishLoading()

	s.metrics.Inc(MetricLogout)
	s.audit.emit(ctx, AuditLogout, true, func(e *AuditEvent) {
		e.UserID = userID
		if logoutAll {
			e.Metadata = map[string]string{"scope": "all"}
		}
	})
}

// UpdateProfile patches the profile and refreshes the cached user.
func (s *Session) UpdateProfile(ctx context.Context, update ProfileUpdate) Result {
	user, err := s.api.UpdateProfile(ctx, update)
	if err != nil {
		kind := s.tokens.Classify(err)
		return failed(kind, userMessage(kind, err))
	}
	if !user.Valid() {
		return failed(api.KindMalformedResponse, msgMalformed)
	}
	s.adoptUser(ctx, user)
	s.audit.emit(ctx, AuditProfileUpdated, true, func(e *AuditEvent) {
		e.UserID = user.ID
	})
	return succeeded("")
}

// ChangePassword changes the password and refreshes the cached user.
func (s *Session) ChangePassword(ctx context.Context, current, next string) Result {
	if current == "" || next == "" {
		return failed(api.KindNone, "Current and new password are required.")
	}
	msg, err := s.api.ChangePassword(ctx, api.ChangePasswordRequest{CurrentPassword: current, NewPassword: next})
	if err != nil {
		kind := s.tokens.Classify(err)
		return failed(kind, userMessage(kind, err))
	}
	if user, err := s.api.Profile(ctx); err == nil && user.Valid() {
		s.adoptUser(ctx, user)
	} else if err != nil {
		s.logger.Info("refresh user after password change", zap.Error(err))
	}
	s.audit.emit(ctx, AuditPasswordChanged, true, func(e *AuditEvent) {
		e.UserID = s.currentUserID()
	})
	return succeeded(msg)
}

// ForgotPassword asks the server to email a reset link.
func (s *Session) ForgotPassword(ctx context.Context, email string) Result {
	email = strings.TrimSpace(email)
	if email == "" {
		return failed(api.KindNone, "Email is required.")
	}
	msg, err := s.api.ForgotPassword(ctx, email)
	if err != nil {
		kind := s.tokens.Classify(err)
		return failed(kind, userMessage(kind, err))
	}
	return succeeded(msg)
}

// ResetPassword completes a password reset with the emailed token.
func (s *Session) ResetPassword(ctx context.Context, token, newPassword string) Result {
	if token == "" || newPassword == "" {
		return failed(api.KindNone, "Reset token and new password are required.")
	}
	msg, err := s.api.ResetPassword(ctx, token, newPassword)
	if err != nil {
		kind := s.tokens.Classify(err)
		return failed(kind, userMessage(kind, err))
	}
	return succeeded(msg)
}

// adoptUser caches user and, when signed in, replaces the session user.
func (s *Session) adoptUser(ctx context.Context, user *User) {
	s.cache.Store(ctx, user)
	u := *user
	s.update(func(st *SessionState) bool {
		if !st.IsAuthenticated {
			return false
		}
		st.User = &u
		return true
	})
}
