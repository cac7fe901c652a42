package refresh

import (
	"context"

	"github.com/eattestation/authclient/api"
)

// TokenStatus is the conceptual state of the stored credentials.
type TokenStatus uint8

const (
	StatusNoTokens TokenStatus = iota
	StatusValid
	StatusExpiringSoon
	StatusExpired
	StatusRefreshing
	StatusRefreshFailedRetryable
	StatusRefreshFailedTerminal
)

func (s TokenStatus) String() string {
	switch s {
	case StatusNoTokens:
		return "NO_TOKENS"
	case StatusValid:
		return "VALID"
	case StatusExpiringSoon:
		return "EXPIRING_SOON"
	case StatusExpired:
		return "EXPIRED"
	case StatusRefreshing:
		return "REFRESHING"
	case StatusRefreshFailedRetryable:
		return "REFRESH_FAILED_RETRYABLE"
	case StatusRefreshFailedTerminal:
		return "REFRESH_FAILED_TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// State is a diagnostic snapshot of the manager. RefreshWaiters counts
// callers of a single refresh call, RetryWaiters callers sharing the retry
// loop.
type State struct {
	Refreshing     bool
	RefreshWaiters int
	RetryWaiters   int
	RetryCount     int
	Pending        int
	LastFailure    api.ErrorKind
}

// State returns the in-memory refresh state.
func (m *Manager) State() State {
	kind, _ := m.lastFailure.Load().(api.ErrorKind)
	return State{
		Refreshing:     m.inFlight.Load(),
		RefreshWaiters: int(m.waiters.Load()),
		RetryWaiters:   int(m.retryWaiters.Load()),
		RetryCount:     int(m.retryCount.Load()),
		Pending:        m.queue.Len(),
		LastFailure:    kind,
	}
}

// Status derives the token state machine position from storage and the
// in-memory refresh state.
func (m *Manager) Status(ctx context.Context) (TokenStatus, error) {
	if m.inFlight.Load() {
		return StatusRefreshing, nil
	}
	if m.retryCount.Load() > 0 {
		return StatusRefreshFailedRetryable, nil
	}
	pair, err := m.tokens.GetTokens(ctx)
	if err != nil {
		return StatusNoTokens, err
	}
	if !pair.Complete() {
		if kind, _ := m.lastFailure.Load().(api.ErrorKind); kind != api.KindNone {
			return StatusRefreshFailedTerminal, nil
		}
		return StatusNoTokens, nil
	}
	switch {
	case !m.tokens.IsValid(pair.AccessToken):
		return StatusExpired, nil
	case m.tokens.IsExpiringSoon(pair.AccessToken):
		return StatusExpiringSoon, nil
	default:
		return StatusValid, nil
	}
}
