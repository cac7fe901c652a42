package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", HealthTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a url", "/relative"} {
		_, err := NewClient(Config{BaseURL: raw})
		require.Error(t, err, "base url %q", raw)
	}
}

func TestLoginParsesNestedEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathLogin, r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var body LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "a@b.com", body.Email)
		require.True(t, body.RememberMe)
		writeJSON(w, http.StatusOK, `{"data":{"data":{"tokens":{"accessToken":"eyJ.a.b","refreshToken":"r1","expiresIn":3600,"tokenType":"Bearer"},"user":{"id":"u1","email":"a@b.com"}}}}`)
	})

	payload, err := c.Login(context.Background(), LoginRequest{Email: "a@b.com", Password: "Secret123!", RememberMe: true})
	require.NoError(t, err)
	require.Equal(t, "eyJ.a.b", payload.Tokens.AccessToken)
	require.Equal(t, "r1", payload.Tokens.RefreshToken)
	require.Equal(t, int64(3600), payload.Tokens.ExpiresIn)
	require.Equal(t, "u1", payload.User.ID)
}

func TestLoginRejectsMalformedEnvelopes(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"data":{}}`,
		`{"data":{"data":{"user":{"id":"u1","email":"a@b.com"}}}}`,
		`{"data":{"data":{"tokens":{"refreshToken":"r1"},"user":{"id":"u1","email":"a@b.com"}}}}`,
		`{"data":{"data":{"tokens":{"accessToken":42,"refreshToken":"r1"},"user":{"id":"u1","email":"a@b.com"}}}}`,
		`{"data":{"data":{"tokens":{"accessToken":"a","refreshToken":"r1"}}}}`,
		`{"data":{"data":{"tokens":{"accessToken":"a","refreshToken":"r1"},"user":{"email":"a@b.com"}}}}`,
		`{"tokens":{"accessToken":"a","refreshToken":"r1"},"user":{"id":"u1","email":"a@b.com"}}`,
		``,
		`not json`,
	}
	for _, body := range bodies {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, body)
		})
		_, err := c.Login(context.Background(), LoginRequest{Email: "a@b.com", Password: "x"})
		require.Error(t, err, "body %q", body)
		require.True(t, errors.Is(err, ErrMalformedResponse), "body %q: %v", body, err)
		require.Equal(t, KindMalformedResponse, Classify(err, true))
	}
}

func TestRefreshTokenEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["refreshToken"] == "r1" {
			writeJSON(w, http.StatusOK, `{"tokens":{"accessToken":"a2","refreshToken":"r2"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"tokens":{"refreshToken":"r2"}}`)
	})

	tokens, err := c.RefreshToken(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "a2", tokens.AccessToken)
	require.Equal(t, "r2", tokens.RefreshToken)

	_, err = c.RefreshToken(context.Background(), "other")
	require.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestStatusErrorsCarryServerMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"Invalid credentials"}`)
	})

	_, err := c.Login(context.Background(), LoginRequest{Email: "a@b.com", Password: "bad"})
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, StatusCode(err))
	require.Equal(t, "Invalid credentials", ServerMessage(err))
	require.Equal(t, KindAuthError, Classify(err, true))
}

func TestClassifyByStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{status: http.StatusUnauthorized, want: KindAuthError},
		{status: http.StatusForbidden, want: KindForbiddenError},
		{status: http.StatusInternalServerError, want: KindServerError},
		{status: http.StatusBadGateway, want: KindServerError},
		{status: http.StatusServiceUnavailable, want: KindServerError},
		{status: http.StatusBadRequest, want: KindUnknownError},
		{status: http.StatusNotFound, want: KindUnknownError},
	}
	for _, tc := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := c.Profile(context.Background())
		require.Error(t, err)
		require.Equal(t, tc.want, Classify(err, true), "status %d", tc.status)
		require.Equal(t, KindNetworkOffline, Classify(err, false), "status %d offline", tc.status)
	}
}

func TestClassifyNoResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := NewClient(Config{BaseURL: "http://" + addr, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Profile(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, StatusCode(err))
	require.Equal(t, KindNetworkError, Classify(err, true))
	require.True(t, Classify(err, true).Retryable())

	require.Equal(t, KindNetworkError, Classify(context.DeadlineExceeded, true))
	require.Equal(t, KindUnknownError, Classify(errors.New("boom"), true))
	require.Equal(t, KindNone, Classify(nil, false))
}

func TestProfileAndUpdateProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathProfile, r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, `{"user":{"id":"u1","email":"a@b.com","firstName":"Ada"}}`)
		case http.MethodPatch:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, map[string]string{"firstName": "Grace"}, body)
			writeJSON(w, http.StatusOK, `{"user":{"id":"u1","email":"a@b.com","firstName":"Grace"}}`)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	u, err := c.Profile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Ada", u.DisplayName())

	name := "Grace"
	u, err = c.UpdateProfile(context.Background(), ProfileUpdate{FirstName: &name})
	require.NoError(t, err)
	require.Equal(t, "Grace", u.FirstName)
}

func TestLogoutAndMessages(t *testing.T) {
	var logoutAll bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathLogout:
			var body map[string]bool
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			logoutAll = body["logoutAll"]
			w.WriteHeader(http.StatusNoContent)
		case PathChangePassword:
			writeJSON(w, http.StatusOK, `{"message":"Password updated"}`)
		default:
			writeJSON(w, http.StatusOK, `{"message":"ok"}`)
		}
	})

	require.NoError(t, c.Logout(context.Background(), true))
	require.True(t, logoutAll)

	msg, err := c.ChangePassword(context.Background(), ChangePasswordRequest{CurrentPassword: "a", NewPassword: "b"})
	require.NoError(t, err)
	require.Equal(t, "Password updated", msg)

	msg, err = c.ForgotPassword(context.Background(), "a@b.com")
	require.NoError(t, err)
	require.Equal(t, "ok", msg)
}

func TestHealthNeverErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	res := c.Health(context.Background())
	require.True(t, res.Healthy)
	require.Equal(t, http.StatusOK, res.Status)
	require.NoError(t, res.Err)

	down := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	res = down.Health(context.Background())
	require.False(t, res.Healthy)
	require.Equal(t, http.StatusServiceUnavailable, res.Status)
	require.Error(t, res.Err)

	slow := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	res = slow.Health(context.Background())
	require.False(t, res.Healthy)
	require.Zero(t, res.Status)
	require.Equal(t, KindNetworkError, Classify(res.Err, true))
}
