package refresh

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// KeepFresh checks the stored access token every interval and refreshes it
// once it enters the expiry horizon, so interactive requests rarely pay for
// a refresh. It returns when ctx is done.
func (m *Manager) KeepFresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshIfExpiringSoon(ctx)
		}
	}
}

func (m *Manager) refreshIfExpiringSoon(ctx context.Context) {
	pair, err := m.tokens.GetTokens(ctx)
	if err != nil || !pair.Complete() || !m.tokens.IsExpiringSoon(pair.AccessToken) {
		return
	}
	if !m.monitor.IsAvailable() {
		return
	}
	if _, err := m.RefreshWithRetry(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("proactive token refresh failed", zap.Error(err))
	}
}
