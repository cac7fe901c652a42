package mockapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errTokenUnknown = errors.New("token unknown or expired")

// tokenRegistry keeps opaque single-use tokens (refresh and password reset)
// in Redis, indexed per user so they can be revoked together.
type tokenRegistry struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func (r tokenRegistry) key(token string) string { return r.prefix + ":" + token }
func (r tokenRegistry) index(userID string) string { return r.prefix + "u:" + userID }

func (r tokenRegistry) put(ctx context.Context, token, userID string) error {
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(token), userID, r.ttl)
		p.SAdd(ctx, r.index(userID), token)
		p.Expire(ctx, r.index(userID), r.ttl)
		return nil
	})
	return err
}

// take consumes token and returns its owner. A token can be taken once.
func (r tokenRegistry) take(ctx context.Context, token string) (string, error) {
	userID, err := r.redis.GetDel(ctx, r.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", errTokenUnknown
	}
	if err != nil {
		return "", err
	}
	if err := r.redis.SRem(ctx, r.index(userID), token).Err(); err != nil {
		return "", err
	}
	return userID, nil
}

// revokeAll drops every token of userID and reports how many were live.
func (r tokenRegistry) revokeAll(ctx context.Context, userID string) (int, error) {
	tokens, err := r.redis.SMembers(ctx, r.index(userID)).Result()
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, r.key(t))
	}
	keys = append(keys, r.index(userID))
	n, err := r.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		n--
	}
	return int(n), nil
}

var errThrottled = errors.New("too many attempts")

// throttle is a fixed-window attempt counter: INCR, with EXPIRE on the first
// hit of a window.
type throttle struct {
	redis  redis.UniversalClient
	max    int
	window time.Duration
}

func (t throttle) key(subject string) string { return "al:" + subject }

func (t throttle) check(ctx context.Context, subject string) error {
	count, err := t.redis.Get(ctx, t.key(subject)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read attempts: %w", err)
	}
	if count >= int64(t.max) {
		return errThrottled
	}
	return nil
}

func (t throttle) fail(ctx context.Context, subject string) error {
	count, err := t.redis.Incr(ctx, t.key(subject)).Result()
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if count == 1 {
		if err := t.redis.Expire(ctx, t.key(subject), t.window).Err(); err != nil {
			return fmt.Errorf("set attempt window: %w", err)
		}
	}
	return nil
}

func (t throttle) reset(ctx context.Context, subject string) error {
	return t.redis.Del(ctx, t.key(subject)).Err()
}
