package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eattestation/authclient/tokenstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries a per-request correlation id.
const RequestIDHeader = "X-Request-Id"

// ErrUnauthorized is reported to OnAuthFailure when a replayed request is
// rejected again.
var ErrUnauthorized = errors.New("request unauthorized after token refresh")

// TokenSource supplies access tokens. *refresh.Manager implements it.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (tokenstore.Pair, error)
}

// TransportConfig configures a [Transport].
type TransportConfig struct {
	// SkipPaths are path suffixes that never receive a bearer token.
	SkipPaths []string
	// OnAuthFailure runs when a request stays unauthorized: the refresh
	// after a 401 failed, or the replayed request got another 401.
	OnAuthFailure func(req *http.Request, err error)
	Logger        *zap.Logger
}

type sourceBox struct {
	src TokenSource
}

// Transport is an http.RoundTripper that authenticates requests with tokens
// from a TokenSource. The source may be bound after construction, which
// lets the API client that the source itself depends on share this
// transport.
type Transport struct {
	base          http.RoundTripper
	skip          []string
	onAuthFailure func(req *http.Request, err error)
	logger        *zap.Logger
	source        atomic.Pointer[sourceBox]
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, cfg TransportConfig) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		base:          base,
		skip:          append([]string(nil), cfg.SkipPaths...),
		onAuthFailure: cfg.OnAuthFailure,
		logger:        logger,
	}
}

// Bind sets the token source. Until bound, requests pass through unchanged.
func (t *Transport) Bind(src TokenSource) {
	if src == nil {
		t.source.Store(nil)
		return
	}
	t.source.Store(&sourceBox{src: src})
}

func (t *Transport) tokenSource() TokenSource {
	box := t.source.Load()
	if box == nil {
		return nil
	}
	return box.src
}

// SetAuthFailureHandler replaces the OnAuthFailure hook.
func (t *Transport) SetAuthFailureHandler(fn func(req *http.Request, err error)) {
	t.onAuthFailure = fn
}

func (t *Transport) skipped(path string) bool {
	for _, p := range t.skip {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

type retriedKey struct{}

func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

// IsRetry reports whether ctx belongs to a request replayed after a 401.
func IsRetry(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()
	out := req.Clone(ctx)
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}
	reqID := out.Header.Get(RequestIDHeader)

	src := t.tokenSource()
	if src == nil || t.skipped(req.URL.Path) {
		resp, err := t.base.RoundTrip(out)
		t.log(out, resp, err, start, false)
		return resp, err
	}

	token, err := src.EnsureValidToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn("token lookup failed, sending request without credentials",
			zap.String("request_id", reqID),
			zap.Error(err),
		)
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(out)
	t.log(out, resp, err, start, false)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || IsRetry(ctx) {
		return resp, err
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.authFailure(req, ErrUnauthorized)
		return resp, nil
	}

	// A concurrent request may already have rotated the token.
	next, _ := src.EnsureValidToken(ctx)
	if next == "" || next == token {
		pair, refreshErr := src.RefreshToken(ctx)
		if refreshErr != nil || pair.AccessToken == "" {
			if refreshErr == nil {
				refreshErr = ErrUnauthorized
			}
			t.authFailure(req, refreshErr)
			return resp, nil
		}
		next = pair.AccessToken
	}

	retryCtx := withRetried(ctx)
	replay := req.Clone(retryCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		replay.Body = body
	}
	drain(resp)

	replay.Header.Set(RequestIDHeader, reqID)
	replay.Header.Set("Authorization", "Bearer "+next)
	retryStart := time.Now()
	resp, err = t.base.RoundTrip(replay)
	t.log(replay, resp, err, retryStart, true)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		t.authFailure(req, ErrUnauthorized)
	}
	return resp, err
}

func (t *Transport) authFailure(req *http.Request, err error) {
	if t.onAuthFailure != nil {
		t.onAuthFailure(req, err)
	}
}

func (t *Transport) log(req *http.Request, resp *http.Response, err error, start time.Time, retried bool) {
	fields := []zap.Field{
		zap.String("request_id", req.Header.Get(RequestIDHeader)),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("retried", retried),
	}
	if err != nil {
		t.logger.Debug("api round trip failed", append(fields, zap.Error(err))...)
		return
	}
	t.logger.Debug("api round trip", append(fields, zap.Int("status", resp.StatusCode))...)
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
