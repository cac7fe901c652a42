// Package tokenstore persists the access/refresh token pair and answers
// expiry questions about the stored access token.
//
// The store is passive: it never emits events. Notifying listeners about
// token changes is the refresh manager's job.
package tokenstore

import (
	"context"
	"time"

	"github.com/eattestation/authclient/jwt"
	"github.com/eattestation/authclient/store"
)

// Pair is the access/refresh token pair. Either field may be empty when read
// from storage.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Complete reports whether both tokens are present.
func (p Pair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Store reads and writes the token pair through a KV backend.
type Store struct {
	kv        store.KV
	inspector *jwt.Inspector
}

// New returns a Store over kv. now is the clock used for validity checks;
// nil means time.Now.
func New(kv store.KV, now func() time.Time) *Store {
	return &Store{kv: kv, inspector: jwt.NewInspector(now)}
}

// NewWithInspector returns a Store whose validity windows come from insp.
func NewWithInspector(kv store.KV, insp *jwt.Inspector) *Store {
	if insp == nil {
		insp = jwt.NewInspector(nil)
	}
	return &Store{kv: kv, inspector: insp}
}

// GetTokens returns the raw stored pair without validation.
func (s *Store) GetTokens(ctx context.Context) (Pair, error) {
	access, _, err := s.kv.Get(ctx, store.KeyAccessToken)
	if err != nil {
		return Pair{}, err
	}
	refresh, _, err := s.kv.Get(ctx, store.KeyRefreshToken)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// SetTokens writes the non-empty fields of p and leaves the others untouched.
func (s *Store) SetTokens(ctx context.Context, p Pair) error {
	values := make(map[string]string, 2)
	if p.AccessToken != "" {
		values[store.KeyAccessToken] = p.AccessToken
	}
	if p.RefreshToken != "" {
		values[store.KeyRefreshToken] = p.RefreshToken
	}
	return store.SetAll(ctx, s.kv, values)
}

// Clear removes both tokens.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, store.KeyAccessToken, store.KeyRefreshToken)
}

// HasTokens reports whether a complete pair is stored.
func (s *Store) HasTokens(ctx context.Context) (bool, error) {
	p, err := s.GetTokens(ctx)
	if err != nil {
		return false, err
	}
	return p.Complete(), nil
}

// Decode returns the claims of token, or nil when it is malformed.
func (s *Store) Decode(token string) *jwt.Claims {
	return jwt.Decode(token)
}

// IsValid reports whether token outlives the validity buffer (30s by default).
func (s *Store) IsValid(token string) bool {
	return s.inspector.IsValid(token)
}

// IsExpiringSoon reports whether token is absent or invalid, or expires
// within the expiry horizon (5m by default).
func (s *Store) IsExpiringSoon(token string) bool {
	return s.inspector.IsExpiringSoon(token)
}

// ExpiresIn returns the remaining lifetime of token.
func (s *Store) ExpiresIn(token string) (time.Duration, bool) {
	return s.inspector.ExpiresIn(token)
}
