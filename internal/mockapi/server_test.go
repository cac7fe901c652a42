package mockapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	srv  *Server
	http *httptest.Server
	mr   *miniredis.Miniredis
	logs *observer.ObservedLogs
	user api.User
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	signer, err := jwt.NewSigner(jwt.SignerConfig{
		AccessTTL:     15 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("mockapi-test-signing-key-0123456789"),
		Issuer:        "mockapi-test",
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	cfg := Config{Signer: signer, Redis: rdb, Logger: zap.New(core)}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	user, err := srv.AddUser(api.User{Email: "Alice@Example.com", FirstName: "Alice", Role: "user"}, "correct-horse")
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, http: ts, mr: mr, logs: logs, user: user}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (h *harness) login(t *testing.T, password string) (int, api.TokenSet) {
	t.Helper()
	status, body := h.do(t, http.MethodPost, "/api/auth/login", "", api.LoginRequest{Email: "alice@example.com", Password: password})
	if status != http.StatusOK {
		return status, api.TokenSet{}
	}
	tokens := body["data"].(map[string]any)["data"].(map[string]any)["tokens"].(map[string]any)
	return status, api.TokenSet{
		AccessToken:  tokens["accessToken"].(string),
		RefreshToken: tokens["refreshToken"].(string),
	}
}

func TestNewRequiresSignerAndRedis(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	signer, err := jwt.NewSigner(jwt.SignerConfig{AccessTTL: time.Minute, SigningMethod: jwt.MethodHS256, PrivateKey: []byte("k")})
	require.NoError(t, err)
	_, err = New(Config{Signer: signer})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	status, body := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestLoginIssuesVerifiableTokens(t *testing.T) {
	h := newHarness(t, nil)

	status, tokens := h.login(t, "correct-horse")
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, tokens.RefreshToken)

	claims, err := h.srv.signer.Verify(tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, h.user.ID, claims.UserID())
	require.Equal(t, "alice@example.com", claims.Email)
	require.NotEmpty(t, claims.ID)

	require.True(t, h.mr.Exists("rt:"+tokens.RefreshToken))
}

func TestLoginWrongPasswordIsThrottled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxLoginAttempts = 2 })

	for range 2 {
		status, _ := h.login(t, "nope")
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, _ := h.login(t, "correct-horse")
	require.Equal(t, http.StatusTooManyRequests, status)

	h.mr.FastForward(16 * time.Minute)
	status, _ = h.login(t, "correct-horse")
	require.Equal(t, http.StatusOK, status)
	require.False(t, h.mr.Exists("al:alice@example.com"))
}

func TestLoginUnknownAccountMatchesWrongPassword(t *testing.T) {
	h := newHarness(t, nil)
	status, body := h.do(t, http.MethodPost, "/api/auth/login", "", api.LoginRequest{Email: "ghost@example.com", Password: "whatever1"})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "Invalid email or password", body["message"])
}

func TestRegister(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/api/auth/register", "", api.RegisterRequest{
		Email: "bob@example.com", Password: "long-enough", FirstName: "Bob", AcceptTerms: true,
	})
	require.Equal(t, http.StatusCreated, status)
	user := body["data"].(map[string]any)["data"].(map[string]any)["user"].(map[string]any)
	require.Equal(t, "bob@example.com", user["email"])
	require.NotEmpty(t, user["id"])

	status, _ = h.do(t, http.MethodPost, "/api/auth/register", "", api.RegisterRequest{
		Email: "ALICE@example.com", Password: "long-enough", AcceptTerms: true,
	})
	require.Equal(t, http.StatusConflict, status)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]api.RegisterRequest{
		"bad email":      {Email: "not-an-email", Password: "long-enough", AcceptTerms: true},
		"short password": {Email: "c@example.com", Password: "short", AcceptTerms: true},
		"terms":          {Email: "c@example.com", Password: "long-enough"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			status, body := h.do(t, http.MethodPost, "/api/auth/register", "", req)
			require.Equal(t, http.StatusBadRequest, status)
			require.NotEmpty(t, body["message"])
		})
	}
}

func TestRefreshRotatesSingleUse(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.login(t, "correct-horse")

	status, body := h.do(t, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": tokens.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	next := body["tokens"].(map[string]any)
	require.NotEqual(t, tokens.RefreshToken, next["refreshToken"])
	require.NotEmpty(t, next["accessToken"])

	status, _ = h.do(t, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestRefreshTokenExpires(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RefreshTTL = time.Hour })
	_, tokens := h.login(t, "correct-horse")

	h.mr.FastForward(2 * time.Hour)
	status, _ := h.do(t, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	h := newHarness(t, nil)
	status, _ := h.do(t, http.MethodGet, "/api/auth/profile", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.do(t, http.MethodGet, "/api/auth/profile", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestProfileReadAndUpdate(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.login(t, "correct-horse")

	status, body := h.do(t, http.MethodGet, "/api/auth/profile", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Alice", body["user"].(map[string]any)["firstName"])

	last := "Liddell"
	status, body = h.do(t, http.MethodPatch, "/api/auth/profile", tokens.AccessToken, api.ProfileUpdate{LastName: &last})
	require.Equal(t, http.StatusOK, status)
	user := body["user"].(map[string]any)
	require.Equal(t, "Alice", user["firstName"])
	require.Equal(t, "Liddell", user["lastName"])
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.login(t, "correct-horse")

	status, _ := h.do(t, http.MethodPost, "/api/auth/change-password", tokens.AccessToken,
		api.ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "battery-staple"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/api/auth/change-password", tokens.AccessToken,
		api.ChangePasswordRequest{CurrentPassword: "correct-horse", NewPassword: "battery-staple"})
	require.Equal(t, http.StatusOK, status)

	status, _ = h.login(t, "correct-horse")
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.login(t, "battery-staple")
	require.Equal(t, http.StatusOK, status)
}

func TestLogoutAllRevokesRefreshTokens(t *testing.T) {
	h := newHarness(t, nil)
	_, first := h.login(t, "correct-horse")
	_, second := h.login(t, "correct-horse")

	status, _ := h.do(t, http.MethodPost, "/api/auth/logout", first.AccessToken, map[string]bool{"logoutAll": false})
	require.Equal(t, http.StatusOK, status)
	require.True(t, h.mr.Exists("rt:"+second.RefreshToken))

	status, _ = h.do(t, http.MethodPost, "/api/auth/logout", first.AccessToken, map[string]bool{"logoutAll": true})
	require.Equal(t, http.StatusOK, status)
	for _, rt := range []string{first.RefreshToken, second.RefreshToken} {
		status, _ = h.do(t, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": rt})
		require.Equal(t, http.StatusUnauthorized, status)
	}
}

func TestForgotAndResetPassword(t *testing.T) {
	h := newHarness(t, nil)
	_, tokens := h.login(t, "correct-horse")

	status, unknown := h.do(t, http.MethodPost, "/api/auth/forgot-password", "", map[string]string{"email": "ghost@example.com"})
	require.Equal(t, http.StatusOK, status)
	status, known := h.do(t, http.MethodPost, "/api/auth/forgot-password", "", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, unknown["message"], known["message"])

	entries := h.logs.FilterMessage("password reset requested").All()
	require.Len(t, entries, 1)
	resetToken := entries[0].ContextMap()["reset_token"].(string)

	status, _ = h.do(t, http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": resetToken, "password": "battery-staple"})
	require.Equal(t, http.StatusOK, status)

	status, _ = h.do(t, http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": resetToken, "password": "another-one"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refreshToken": tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.login(t, "battery-staple")
	require.Equal(t, http.StatusOK, status)
}

func TestAPIClientAgainstServer(t *testing.T) {
	h := newHarness(t, nil)
	client, err := api.NewClient(api.Config{BaseURL: h.http.URL + "/api"})
	require.NoError(t, err)

	payload, err := client.Login(context.Background(), api.LoginRequest{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	require.Equal(t, h.user.ID, payload.User.ID)

	next, err := client.RefreshToken(context.Background(), payload.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, next.AccessToken)

	health := client.Health(context.Background())
	require.True(t, health.Healthy)
}
