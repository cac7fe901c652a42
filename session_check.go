package authclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/internal/retry"
	"github.com/eattestation/authclient/store"
	"go.uber.org/zap"
)

type checkOutcome uint8

const (
	checkDone checkOutcome = iota
	checkServerUnhealthy
	checkFailed
)

var (
	errSyncNoTokens        = errors.New("tokens disappeared during background sync")
	errSyncUnauthenticated = errors.New("no valid token obtainable during background sync")
	errSyncServerDown      = errors.New("server unhealthy during background sync")
)

// CheckAuthStatus reconciles the session with the server. Loading is set
// when the check starts and cleared exactly once when it settles, retries
// included.
//
//  1. No stored tokens: the cache is cleared and the session is unauthenticated.
//  2. A valid cached user: adopted immediately, then a background sync is scheduled.
//  3. Otherwise the server is probed, a valid token obtained and the user fetched.
//     While the server is unhealthy an expired token is kept rather than
//     refreshed, so the health retries run against the stored session.
//
// Failures are classified: an unhealthy server and network errors retry with
// progressive delays, server errors retry with a fixed delay, everything
// else (or running out of retries) logs the session out locally.
func (s *Session) CheckAuthStatus(ctx context.Context) {
	epoch := s.epoch.Load()
	s.startLoading()
	defer s.finishLoading()

	var healthAttempt, networkAttempt, serverAttempt int
	for {
		outcome, err := s.checkOnce(ctx, false, epoch)
		if outcome == checkDone || ctx.Err() != nil {
			return
		}

		var delay time.Duration
		switch {
		case outcome == checkServerUnhealthy:
			if healthAttempt >= s.cfg.HealthRetries {
				s.logger.Warn("server unhealthy, giving up session check", zap.Int("attempts", healthAttempt+1))
				s.logoutLocal(ctx, msgServerDown)
				return
			}
			delay = retry.Linear{Step: s.cfg.HealthRetryDelay}.Delay(healthAttempt)
			healthAttempt++
			s.setRetrying(fmt.Sprintf(msgServerRetrying, healthAttempt, s.cfg.HealthRetries))

		case errors.Is(err, store.ErrUnavailable):
			s.logger.Error("session check could not read local storage", zap.Error(err))
			s.update(func(st *SessionState) bool {
				st.Phase = PhaseError
				st.Sync = SyncReconcile
				st.AuthError = msgStorage
				return true
			})
			return

		default:
			kind := s.tokens.Classify(err)
			switch kind {
			case api.KindNetworkOffline, api.KindNetworkError:
				if networkAttempt >= s.cfg.NetworkRetries {
					s.giveUp(ctx, kind, err)
					return
				}
				delay = retry.Linear{Step: s.cfg.NetworkRetryDelay}.Delay(networkAttempt)
				networkAttempt++
				s.setRetrying(fmt.Sprintf(msgNetworkRetrying, networkAttempt, s.cfg.NetworkRetries))
			case api.KindServerError:
				if serverAttempt >= s.cfg.ServerRetries {
					s.giveUp(ctx, kind, err)
					return
				}
				delay = retry.Fixed{Interval: s.cfg.ServerRetryDelay}.Delay(serverAttempt)
				serverAttempt++
				s.setRetrying(fmt.Sprintf(msgServerRetrying, serverAttempt, s.cfg.ServerRetries))
			default:
				s.giveUp(ctx, kind, err)
				return
			}
		}

		s.metrics.Inc(MetricAuthCheckRetry)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (s *Session) giveUp(ctx context.Context, kind api.ErrorKind, err error) {
	s.logger.Warn("session check failed, logging out",
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	msg := userMessage(kind, nil)
	if kind == api.KindAuthError || kind == api.KindForbiddenError {
		msg = msgSessionExpired
	}
	s.evict(ctx, msg, kind)
}

// checkOnce runs one pass of the reconciliation. In background mode it never
// changes who is signed in on failure; it reports checkFailed instead.
func (s *Session) checkOnce(ctx context.Context, background bool, epoch uint64) (checkOutcome, error) {
	has, err := s.tokens.HasTokens(ctx)
	if err != nil {
		return checkFailed, err
	}
	if !has {
		if background {
			return checkFailed, errSyncNoTokens
		}
		s.cache.Clear(ctx)
		s.setUnauthenticated("")
		return checkDone, nil
	}

	if !background {
		if user := s.cache.Get(ctx); user != nil {
			s.metrics.Inc(MetricCacheHit)
			s.setAuthenticated(epoch, user)
			s.finishLoading()
			s.scheduleBackgroundSync()
			return checkDone, nil
		}
		s.metrics.Inc(MetricCacheMiss)
	}

	health := s.tokens.HealthCheck(ctx)
	if !health.Healthy {
		usable, err := s.tokens.HasValidAccessToken(ctx)
		if err != nil {
			return checkFailed, err
		}
		if !usable {
			if background {
				return checkFailed, errSyncServerDown
			}
			return checkServerUnhealthy, nil
		}
	}
	token, err := s.tokens.EnsureValidToken(ctx)
	if err != nil {
		return checkFailed, err
	}
	if token == "" {
		switch {
		case background:
			return checkFailed, errSyncUnauthenticated
		case health.Healthy:
			s.evict(ctx, msgSessionExpired, api.KindAuthError)
			return checkDone, nil
		default:
			return checkServerUnhealthy, nil
		}
	}

	user, err := s.fetchUser(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidUser) && !background {
			s.evict(ctx, msgMalformed, api.KindMalformedResponse)
			return checkDone, nil
		}
		return checkFailed, err
	}
	s.cache.Store(ctx, user)
	s.setAuthenticated(epoch, user)
	return checkDone, nil
}

// fetchUser loads the current user with its own bounded policy: network and
// server failures and structurally invalid records are retried
// UserFetchRetries times with a linear delay.
func (s *Session) fetchUser(ctx context.Context) (*User, error) {
	retryable := func(err error) bool {
		if errors.Is(err, ErrInvalidUser) {
			return true
		}
		return s.tokens.Classify(err).Retryable()
	}
	return retry.Do(ctx, s.cfg.UserFetchRetries, retry.Linear{Step: s.cfg.UserFetchDelay}, s.sleep, retryable,
		func(ctx context.Context, attempt int) (*User, error) {
			user, err := s.api.Profile(ctx)
			if err != nil {
				return nil, err
			}
			if !user.Valid() {
				s.logger.Warn("profile response lacks id or email", zap.Int("attempt", attempt+1))
				return nil, ErrInvalidUser
			}
			return user, nil
		})
}

func (s *Session) scheduleBackgroundSync() {
	s.spawn(func(ctx context.Context) {
		if err := s.sleep(ctx, s.cfg.BackgroundSyncDelay); err != nil {
			return
		}
		s.BackgroundSync(ctx)
	})
}

// BackgroundSync revalidates a session that is already shown as signed in.
// A failure only records a warning in AuthError and never evicts the user,
// unless BackgroundSyncMaxFailures consecutive syncs have failed. Concurrent
// calls collapse into the one already running.
func (s *Session) BackgroundSync(ctx context.Context) {
	if !s.background.CompareAndSwap(false, true) {
		return
	}
	defer s.background.Store(false)

	epoch := s.epoch.Load()
	outcome, err := s.checkOnce(ctx, true, epoch)
	if outcome == checkDone {
		s.syncFailures.Store(0)
		return
	}
	if ctx.Err() != nil {
		return
	}

	failures := s.syncFailures.Add(1)
	s.metrics.Inc(MetricBackgroundSyncFailure)
	s.logger.Warn("background session sync failed",
		zap.Int64("consecutive_failures", failures),
		zap.Error(err),
	)

	if limit := s.cfg.BackgroundSyncMaxFailures; limit > 0 && failures >= int64(limit) {
		s.background.Store(false)
		s.evict(ctx, msgSessionExpired, s.tokens.Classify(err))
		return
	}
	s.setAuthError(msgSyncWarning)
}
