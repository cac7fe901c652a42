package authclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/store"
	"github.com/stretchr/testify/require"
)

func TestLoginEstablishesSession(t *testing.T) {
	c := newTestClient(t, newFakeAPI(t), nil, nil)
	c.login(t)

	st := c.Session().State()
	require.True(t, st.IsAuthenticated)
	require.Equal(t, PhaseAuthenticated, st.Phase)
	require.False(t, st.Loading)
	require.Empty(t, st.AuthError)
	require.Equal(t, testUserID, st.User.ID)
	require.Equal(t, testEmail, st.User.Email)

	access, refresh := c.storedTokens(t)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	require.Equal(t, testUserID, c.Cache().Get(context.Background()).ID)
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricLoginSuccess])
	require.Eventually(t, func() bool { return c.audit.count(AuditLoginSuccess) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoginInvalidCredentials(t *testing.T) {
	c := newTestClient(t, newFakeAPI(t), nil, nil)

	res := c.Session().Login(context.Background(), LoginRequest{Email: testEmail, Password: "wrong"})
	require.False(t, res.Success)
	require.Equal(t, msgInvalidLogin, res.Message)
	require.Equal(t, api.KindAuthError, res.Kind)
	require.False(t, c.Session().State().IsAuthenticated)

	access, _ := c.storedTokens(t)
	require.Empty(t, access)
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricLoginFailure])
}

func TestLoginRequiresCredentials(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)

	res := c.Session().Login(context.Background(), LoginRequest{Email: "  ", Password: testPassword})
	require.False(t, res.Success)
	require.Equal(t, msgMissingLogin, res.Message)
	require.Equal(t, api.KindNone, res.Kind)

	res = c.Session().Register(context.Background(), RegisterRequest{Email: testEmail})
	require.False(t, res.Success)
	require.Equal(t, msgMissingLogin, res.Message)

	// Rejected locally: nothing was counted as a remote failure.
	require.Zero(t, c.MetricsSnapshot().Counters[MetricLoginFailure])
	require.Zero(t, c.MetricsSnapshot().Counters[MetricRegisterFailure])
}

func TestRegisterSurfacesServerMessage(t *testing.T) {
	c := newTestClient(t, newFakeAPI(t), nil, nil)

	res := c.Session().Register(context.Background(), RegisterRequest{Email: testEmail, Password: testPassword, AcceptTerms: true})
	require.False(t, res.Success)
	require.Equal(t, "Email already registered", res.Message)

	res = c.Session().Register(context.Background(), RegisterRequest{Email: "new@b.com", Password: testPassword, AcceptTerms: true})
	require.True(t, res.Success, res.Message)
	require.Equal(t, "u2", c.Session().State().User.ID)
}

func TestCheckAuthStatusWithoutTokens(t *testing.T) {
	c := newTestClient(t, newFakeAPI(t), nil, nil)
	require.True(t, c.Session().State().Loading)

	c.Session().CheckAuthStatus(context.Background())

	st := c.Session().State()
	require.Equal(t, PhaseUnauthenticated, st.Phase)
	require.False(t, st.IsAuthenticated)
	require.False(t, st.Loading)
	require.Zero(t, c.api.profileCalls.Load())
}

func TestCheckAuthStatusUsesCachedUserThenSyncs(t *testing.T) {
	f := newFakeAPI(t)
	kv := store.NewMemory()
	first := newTestClient(t, f, kv, nil)
	first.login(t)

	second := newTestClient(t, f, kv, nil)
	seeded := second.Session().State()
	require.True(t, seeded.IsAuthenticated)
	require.Equal(t, SyncSeed, seeded.Sync)

	second.Session().CheckAuthStatus(context.Background())

	st := second.Session().State()
	require.True(t, st.IsAuthenticated)
	require.Equal(t, SyncReconcile, st.Sync)
	require.Equal(t, uint64(1), second.MetricsSnapshot().Counters[MetricCacheHit])
	require.Eventually(t, func() bool { return f.profileCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCheckAuthStatusFetchesUserOnCacheMiss(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	c.Cache().Clear(context.Background())

	c.Session().CheckAuthStatus(context.Background())

	st := c.Session().State()
	require.True(t, st.IsAuthenticated)
	require.Equal(t, int64(1), f.profileCalls.Load())
	require.NotNil(t, c.Cache().Get(context.Background()))
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricCacheMiss])
}

func TestCheckAuthStatusRetriesServerErrorsThenLogsOut(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	c.Cache().Clear(context.Background())
	f.profileStatus.Store(500)

	c.Session().CheckAuthStatus(context.Background())

	st := c.Session().State()
	require.False(t, st.IsAuthenticated)
	require.Equal(t, PhaseUnauthenticated, st.Phase)
	require.Equal(t, msgServer, st.AuthError)
	require.False(t, st.Loading)

	// Three passes, each with one call plus two user fetch retries.
	require.Equal(t, int64(9), f.profileCalls.Load())
	require.Equal(t, uint64(2), c.MetricsSnapshot().Counters[MetricAuthCheckRetry])
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricSessionEvicted])
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 2 * time.Second,
		time.Second, 2 * time.Second, 2 * time.Second,
		time.Second, 2 * time.Second,
	}, c.sleeper.recorded())

	access, _ := c.storedTokens(t)
	require.Empty(t, access)
}

func TestCheckAuthStatusRecheckShowsLoading(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	c.Cache().Clear(context.Background())
	require.False(t, c.Session().State().Loading)

	var (
		mu      sync.Mutex
		loading []bool
	)
	unsubscribe := c.Session().Subscribe(func(st SessionState) {
		mu.Lock()
		loading = append(loading, st.Loading)
		mu.Unlock()
	})
	defer unsubscribe()

	c.Session().CheckAuthStatus(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, loading)
	require.True(t, loading[0], "recheck must start loading")
	require.False(t, loading[len(loading)-1])

	settled := 0
	for i := 1; i < len(loading); i++ {
		if loading[i-1] && !loading[i] {
			settled++
		}
	}
	require.Equal(t, 1, settled)
	require.True(t, c.Session().State().IsAuthenticated)
}

func TestCheckAuthStatusRetriesUnhealthyServerWithoutRefreshing(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	f.healthStatus.Store(503)
	f.refreshStatus.Store(503)

	// Same storage an hour later: the access token and cached user are stale.
	later := newTestClientAt(t, f, c.kv, func() time.Time { return time.Now().Add(time.Hour) }, nil)

	var (
		mu       sync.Mutex
		messages []string
	)
	unsubscribe := later.Session().Subscribe(func(st SessionState) {
		mu.Lock()
		messages = append(messages, st.AuthError)
		mu.Unlock()
	})
	defer unsubscribe()

	later.Session().CheckAuthStatus(context.Background())

	st := later.Session().State()
	require.False(t, st.IsAuthenticated)
	require.Equal(t, PhaseUnauthenticated, st.Phase)
	require.Equal(t, msgServerDown, st.AuthError)
	require.False(t, st.Loading)

	require.Zero(t, f.refreshCalls.Load())
	require.Zero(t, f.profileCalls.Load())
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, later.sleeper.recorded())
	require.Equal(t, uint64(3), later.MetricsSnapshot().Counters[MetricAuthCheckRetry])

	mu.Lock()
	require.Contains(t, messages, "Server unavailable, retrying (1/3)...")
	require.Contains(t, messages, "Server unavailable, retrying (2/3)...")
	require.Contains(t, messages, "Server unavailable, retrying (3/3)...")
	mu.Unlock()

	access, refresh := later.storedTokens(t)
	require.Empty(t, access)
	require.Empty(t, refresh)
}

func TestCheckAuthStatusRecoversWhenServerReturns(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	f.healthStatus.Store(503)

	later := newTestClientAt(t, f, c.kv, func() time.Time { return time.Now().Add(time.Hour) }, nil)
	later.Session().Subscribe(func(st SessionState) {
		if st.AuthError == "Server unavailable, retrying (2/3)..." {
			f.healthStatus.Store(0)
		}
	})

	later.Session().CheckAuthStatus(context.Background())

	st := later.Session().State()
	require.True(t, st.IsAuthenticated)
	require.Empty(t, st.AuthError)
	require.Positive(t, f.refreshCalls.Load())
	require.Equal(t, int64(1), f.profileCalls.Load())
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, later.sleeper.recorded())
}

func TestCheckAuthStatusEvictsInvalidUserRecord(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	c.Cache().Clear(context.Background())
	f.invalidUser.Store(true)

	c.Session().CheckAuthStatus(context.Background())

	st := c.Session().State()
	require.False(t, st.IsAuthenticated)
	require.Equal(t, msgMalformed, st.AuthError)
	require.Equal(t, int64(3), f.profileCalls.Load())
}

func TestBackgroundSyncFailureKeepsSession(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	f.profileStatus.Store(503)

	c.Session().BackgroundSync(context.Background())

	st := c.Session().State()
	require.True(t, st.IsAuthenticated)
	require.Equal(t, msgSyncWarning, st.AuthError)
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricBackgroundSyncFailure])
	require.Zero(t, c.MetricsSnapshot().Counters[MetricSessionEvicted])

	access, _ := c.storedTokens(t)
	require.NotEmpty(t, access)

	f.profileStatus.Store(0)
	c.Session().BackgroundSync(context.Background())
	st = c.Session().State()
	require.True(t, st.IsAuthenticated)
	require.Empty(t, st.AuthError)
}

func TestBackgroundSyncSurvivesNetworkLoss(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	f.srv.Close()

	c.Session().BackgroundSync(context.Background())

	st := c.Session().State()
	require.True(t, st.IsAuthenticated)
	require.Equal(t, testUserID, st.User.ID)
	require.Equal(t, msgSyncWarning, st.AuthError)
}

func TestBackgroundSyncEvictsAfterConsecutiveFailures(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, func(cfg *Config) {
		cfg.Session.BackgroundSyncMaxFailures = 2
	})
	c.login(t)
	f.profileStatus.Store(500)

	c.Session().BackgroundSync(context.Background())
	require.True(t, c.Session().State().IsAuthenticated)

	c.Session().BackgroundSync(context.Background())
	st := c.Session().State()
	require.False(t, st.IsAuthenticated)
	require.Equal(t, msgSessionExpired, st.AuthError)
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricSessionEvicted])
}

func TestLogoutClearsLocalStateWhenRemoteFails(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	f.logoutStatus.Store(500)

	c.Session().Logout(context.Background(), false)

	st := c.Session().State()
	require.False(t, st.IsAuthenticated)
	require.Nil(t, st.User)
	require.Empty(t, st.AuthError)
	require.Nil(t, c.Cache().Get(context.Background()))
	access, refresh := c.storedTokens(t)
	require.Empty(t, access)
	require.Empty(t, refresh)

	c.Session().Logout(context.Background(), true)
	require.False(t, c.Session().State().IsAuthenticated)
	require.Equal(t, uint64(2), c.MetricsSnapshot().Counters[MetricLogout])
	require.Zero(t, c.MetricsSnapshot().Counters[MetricSessionEvicted])
}

func TestRejectedRefreshAfter401EvictsSession(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil, nil)
	c.login(t)
	access, _ := c.storedTokens(t)
	f.revoke(access)
	f.refreshStatus.Store(401)

	_, err := c.API().Profile(context.Background())
	require.Error(t, err)

	st := c.Session().State()
	require.False(t, st.IsAuthenticated)
	require.Equal(t, msgSessionExpired, st.AuthError)
	require.Equal(t, int64(1), f.refreshCalls.Load())
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricRefreshFailure])
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricRequestUnauthorized])
	require.Equal(t, uint64(1), c.MetricsSnapshot().Counters[MetricSessionEvicted])

	access, _ = c.storedTokens(t)
	require.Empty(t, access)
}

func TestUpdateProfileReplacesUser(t *testing.T) {
	c := newTestClient(t, newFakeAPI(t), nil, nil)
	c.login(t)

	name := "Grace"
	res := c.Session().UpdateProfile(context.Background(), ProfileUpdate{FirstName: &name})
	require.True(t, res.Success, res.Message)
	require.Equal(t, "Grace", c.Session().State().User.FirstName)
	require.Equal(t, "Grace", c.Cache().Get(context.Background()).FirstName)
}

func TestPasswordOperationsReturnServerMessages(t *testing.T) {
	c := newTestClient(t, newFakeAPI(t), nil, nil)
	c.login(t)
	ctx := context.Background()

	res := c.Session().ChangePassword(ctx, testPassword, "N3wSecret!")
	require.True(t, res.Success)
	require.Equal(t, "Password changed", res.Message)

	res = c.Session().ForgotPassword(ctx, testEmail)
	require.True(t, res.Success)
	require.Equal(t, "Reset link sent", res.Message)

	res = c.Session().ResetPassword(ctx, "", "x")
	require.False(t, res.Success)

	res = c.Session().ResetPassword(ctx, "reset-token", "N3wSecret!")
	require.True(t, res.Success)
	require.Equal(t, "Password reset", res.Message)
}

func TestSessionSubscribersSeeTransitions(t *testing.T) {
	c := newTestClient(t, newFakeAPI(t), nil, nil)

	var (
		mu     sync.Mutex
		phases []Phase
	)
	unsubscribe := c.Session().Subscribe(func(st SessionState) {
		mu.Lock()
		phases = append(phases, st.Phase)
		mu.Unlock()
	})

	c.login(t)
	c.Session().Logout(context.Background(), false)
	unsubscribe()
	c.login(t)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, phases, PhaseAuthenticated)
	require.Equal(t, PhaseUnauthenticated, phases[len(phases)-1])
}
