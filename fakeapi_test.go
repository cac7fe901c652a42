package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eattestation/authclient/jwt"
	"github.com/eattestation/authclient/middleware"
	"github.com/eattestation/authclient/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "a@b.com"
	testPassword = "Secret123!"
	testUserID   = "u1"
)

// fakeAPI is an in-process stand-in for the eAttestation auth API.
type fakeAPI struct {
	t      *testing.T
	srv    *httptest.Server
	signer *jwt.Signer

	healthStatus  atomic.Int32
	profileStatus atomic.Int32
	refreshStatus atomic.Int32
	logoutStatus  atomic.Int32
	invalidUser   atomic.Bool

	profileCalls   atomic.Int64
	refreshCalls   atomic.Int64
	logoutCalls    atomic.Int64
	rejectedTokens atomic.Int64

	mu            sync.Mutex
	revoked       map[string]bool
	refreshTokens map[string]bool
	refreshGate   chan struct{}
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	signer, err := jwt.NewSigner(jwt.SignerConfig{
		AccessTTL:     15 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("fake-api-signing-key-0123456789abcdef"),
		Issuer:        "fake-api",
	})
	require.NoError(t, err)

	f := &fakeAPI{
		t:             t,
		signer:        signer,
		revoked:       map[string]bool{},
		refreshTokens: map[string]bool{},
	}

	r := chi.NewRouter()
	r.Get("/health", f.health)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", f.login)
		r.Post("/register", f.register)
		r.Post("/refresh-token", f.refresh)
		r.Post("/forgot-password", f.message("Reset link sent"))
		r.Post("/reset-password", f.message("Password reset"))

		r.Group(func(r chi.Router) {
			r.Use(f.rejectRevoked)
			r.Use(middleware.RequireBearer(signer))
			r.Get("/profile", f.profile)
			r.Patch("/profile", f.updateProfile)
			r.Post("/change-password", f.message("Password changed"))
			r.Post("/logout", f.logout)
		})
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) baseURL() string {
	return f.srv.URL + "/api"
}

func (f *fakeAPI) revoke(token string) {
	f.mu.Lock()
	f.revoked[token] = true
	f.mu.Unlock()
}

func (f *fakeAPI) holdRefresh() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.refreshGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeAPI) user() map[string]any {
	if f.invalidUser.Load() {
		return map[string]any{"id": testUserID}
	}
	return map[string]any{"id": testUserID, "email": testEmail, "firstName": "Ada", "role": "auditor"}
}

func (f *fakeAPI) issue(userID, email string) map[string]any {
	access, err := f.signer.Issue(userID, email, "auditor", uuid.NewString())
	require.NoError(f.t, err)
	refresh := uuid.NewString()
	f.mu.Lock()
	f.refreshTokens[refresh] = true
	f.mu.Unlock()
	return map[string]any{"accessToken": access, "refreshToken": refresh, "expiresIn": 900, "tokenType": "Bearer"}
}

func (f *fakeAPI) health(w http.ResponseWriter, _ *http.Request) {
	if status := f.healthStatus.Load(); status != 0 {
		writeJSON(w, int(status), map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (f *fakeAPI) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	if req.Email != testEmail || req.Password != testPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"data": map[string]any{
		"tokens": f.issue(testUserID, testEmail),
		"user":   f.user(),
	}}})
}

func (f *fakeAPI) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	if req.Email == testEmail {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "Email already registered"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"data": map[string]any{
		"tokens": f.issue("u2", req.Email),
		"user":   map[string]any{"id": "u2", "email": req.Email},
	}}})
}

func (f *fakeAPI) refresh(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	gate := f.refreshGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	if status := f.refreshStatus.Load(); status != 0 {
		writeJSON(w, int(status), map[string]string{"message": "refresh rejected"})
		return
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	known := f.refreshTokens[req.RefreshToken]
	f.mu.Unlock()
	if !known {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid refresh token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": f.issue(testUserID, testEmail)})
}

func (f *fakeAPI) rejectRevoked(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := middleware.BearerToken(r.Header.Get("Authorization"))
		f.mu.Lock()
		revoked := f.revoked[token]
		f.mu.Unlock()
		if revoked {
			f.rejectedTokens.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token revoked"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeAPI) profile(w http.ResponseWriter, _ *http.Request) {
	f.profileCalls.Add(1)
	if status := f.profileStatus.Load(); status != 0 {
		writeJSON(w, int(status), map[string]string{"message": "profile unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": f.user()})
}

func (f *fakeAPI) updateProfile(w http.ResponseWriter, r *http.Request) {
	var update ProfileUpdate
	_ = json.NewDecoder(r.Body).Decode(&update)
	user := f.user()
	if update.FirstName != nil {
		user["firstName"] = *update.FirstName
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (f *fakeAPI) message(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

func (f *fakeAPI) logout(w http.ResponseWriter, _ *http.Request) {
	f.logoutCalls.Add(1)
	if status := f.logoutStatus.Load(); status != 0 {
		writeJSON(w, int(status), map[string]string{"message": "logout failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordingSleeper returns immediately and remembers every requested delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type testClient struct {
	*Client
	api     *fakeAPI
	kv      *store.Memory
	sleeper *recordingSleeper
	audit   *countingSink
}

func newTestClient(t *testing.T, f *fakeAPI, kv *store.Memory, mutate func(*Config)) *testClient {
	t.Helper()
	return newTestClientAt(t, f, kv, nil, mutate)
}

// newTestClientAt builds a test client whose token and cache checks use now.
func newTestClientAt(t *testing.T, f *fakeAPI, kv *store.Memory, now func() time.Time, mutate func(*Config)) *testClient {
	t.Helper()
	if kv == nil {
		kv = store.NewMemory()
	}
	cfg := DefaultConfig()
	cfg.API.BaseURL = f.baseURL()
	cfg.API.Timeout = 5 * time.Second
	cfg.Audit.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	sleeper := &recordingSleeper{}
	sink := &countingSink{}
	b := New().
		WithConfig(cfg).
		WithStorage(kv).
		WithSleeper(sleeper.sleep).
		WithAuditSink(sink)
	if now != nil {
		b = b.WithClock(now)
	}
	c, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &testClient{Client: c, api: f, kv: kv, sleeper: sleeper, audit: sink}
}

func (c *testClient) login(t *testing.T) {
	t.Helper()
	res := c.Session().Login(context.Background(), LoginRequest{Email: testEmail, Password: testPassword})
	require.True(t, res.Success, res.Message)
}

func (c *testClient) storedTokens(t *testing.T) (access, refresh string) {
	t.Helper()
	ctx := context.Background()
	access, _, err := c.kv.Get(ctx, store.KeyAccessToken)
	require.NoError(t, err)
	refresh, _, err = c.kv.Get(ctx, store.KeyRefreshToken)
	require.NoError(t, err)
	return access, refresh
}

// countingSink records every audit event by type.
type countingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *countingSink) Emit(_ context.Context, e AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *countingSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}
