package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultHealthTimeout = 5 * time.Second
	maxResponseBytes     = 2 * 1024 * 1024
)

// Config configures a [Client].
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	HealthTimeout time.Duration
	HealthPath    string
	// HTTPClient, when set, is used as-is (its Transport typically attaches
	// bearer tokens). Timeout is ignored in that case.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the remote authentication API.
type Client struct {
	baseURL       string
	healthURL     string
	healthTimeout time.Duration
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, &RequestError{Op: "create api client", Err: errors.New("api base url is empty")}
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, &RequestError{Op: "parse api base url", Err: err}
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, &RequestError{Op: "validate api base url", Err: fmt.Errorf("invalid api base url: %s", trimmed)}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := strings.TrimRight(trimmed, "/")
	return &Client{
		baseURL:       base,
		healthURL:     healthURL(parsed, healthPath),
		healthTimeout: healthTimeout,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// healthURL resolves the liveness endpoint against the server root, since
// the API base usually carries a path prefix such as /api.
func healthURL(base *url.URL, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	root := url.URL{Scheme: base.Scheme, Host: base.Host}
	return root.String() + ensureLeadingSlash(path)
}

// BaseURL returns the normalized API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type messageBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, requestBody, responseBody any) (int, error) {
	if c == nil || c.httpClient == nil {
		return 0, &RequestError{Op: op, Err: errors.New("api client is not initialized")}
	}

	var bodyReader io.Reader
	var payload []byte
	if requestBody != nil {
		raw, err := json.Marshal(requestBody)
		if err != nil {
			return 0, &RequestError{Op: op, Err: fmt.Errorf("marshal request body: %w", err)}
		}
		payload = raw
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+ensureLeadingSlash(path), bodyReader)
	if err != nil {
		return 0, &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return resp.StatusCode, &RequestError{Op: op, StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := extractMessage(raw)
		errText := msg
		if errText == "" {
			errText = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("api request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
		)
		return resp.StatusCode, &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Err:        errors.New(errText),
		}
	}

	if responseBody == nil {
		return resp.StatusCode, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: empty body", ErrMalformedResponse),
		}
	}
	if err := json.Unmarshal(raw, responseBody); err != nil {
		return resp.StatusCode, &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %v", ErrMalformedResponse, err),
		}
	}
	return resp.StatusCode, nil
}

func extractMessage(raw []byte) string {
	var body messageBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

func malformed(op string, status int, detail string) error {
	return &RequestError{
		Op:         op,
		StatusCode: status,
		Err:        fmt.Errorf("%w: %s", ErrMalformedResponse, detail),
	}
}

func ensureLeadingSlash(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/"
	}
	if strings.HasPrefix(trimmed, "/") {
		return trimmed
	}
	return "/" + trimmed
}
