package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrMalformedResponse reports a 2xx response whose body does not match the
// documented envelope. It is never retried.
var ErrMalformedResponse = errors.New("malformed response")

// RequestError describes a failed API call. StatusCode is 0 when no HTTP
// response was received.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status=%d", e.Op, e.StatusCode)
	default:
		return e.Op
	}
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HasResponse reports whether the server answered at all.
func (e *RequestError) HasResponse() bool {
	return e != nil && e.StatusCode > 0
}

// ErrorKind is the failure taxonomy shared by the token manager and session.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindNetworkOffline    ErrorKind = "NETWORK_OFFLINE"
	KindNetworkError      ErrorKind = "NETWORK_ERROR"
	KindServerError       ErrorKind = "SERVER_ERROR"
	KindAuthError         ErrorKind = "AUTH_ERROR"
	KindForbiddenError    ErrorKind = "FORBIDDEN_ERROR"
	KindMalformedResponse ErrorKind = "MALFORMED_RESPONSE"
	KindUnknownError      ErrorKind = "UNKNOWN_ERROR"
)

// Retryable reports whether failures of this kind are transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetworkOffline, KindNetworkError, KindServerError:
		return true
	default:
		return false
	}
}

// Classify maps err onto an ErrorKind. online is the current connectivity
// signal; when false every failure is reported as KindNetworkOffline.
func Classify(err error, online bool) ErrorKind {
	if err == nil {
		return KindNone
	}
	if !online {
		return KindNetworkOffline
	}
	if errors.Is(err, ErrMalformedResponse) {
		return KindMalformedResponse
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch {
		case !reqErr.HasResponse():
			return KindNetworkError
		case reqErr.StatusCode >= http.StatusInternalServerError:
			return KindServerError
		case reqErr.StatusCode == http.StatusUnauthorized:
			return KindAuthError
		case reqErr.StatusCode == http.StatusForbidden:
			return KindForbiddenError
		default:
			return KindUnknownError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkError
	}
	return KindUnknownError
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

// ServerMessage extracts the server-provided message carried by err, if any.
func ServerMessage(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Message
	}
	return ""
}
