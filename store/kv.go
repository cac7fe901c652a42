package store

import (
	"context"
	"errors"
)

// Keys used by the client. Values are raw strings; the user cache stores JSON.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUserCache    = "userCache"
	KeyTheme        = "theme"
)

// ErrUnavailable wraps backend failures (connection loss, I/O errors).
var ErrUnavailable = errors.New("storage unavailable")

// KV is the persistence contract shared by all backends.
//
// Get reports ok=false for missing keys without an error. Delete is
// idempotent and ignores missing keys.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// BatchSetter is implemented by backends that can write several keys as one
// unit. Callers fall back to sequential Set calls otherwise.
type BatchSetter interface {
	SetMany(ctx context.Context, values map[string]string) error
}

// SetAll writes values through kv, atomically when kv implements [BatchSetter].
func SetAll(ctx context.Context, kv KV, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	if b, ok := kv.(BatchSetter); ok {
		return b.SetMany(ctx, values)
	}
	for k, v := range values {
		if err := kv.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}
