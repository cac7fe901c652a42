package jwt

import "time"

// Inspector defines a public type used by authclient APIs.
//
// Inspector instances are intended to be configured during initialization and
// then treated as immutable. All comparisons are made in whole Unix seconds,
// matching the precision of the exp claim.
type Inspector struct {
	Now            func() time.Time
	ValidityBuffer time.Duration
	ExpiryHorizon  time.Duration
}

// NewInspector returns an Inspector with the default 30s validity buffer and
// 5m expiry horizon. A nil clock falls back to time.Now.
func NewInspector(now func() time.Time) *Inspector {
	if now == nil {
		now = time.Now
	}
	return &Inspector{
		Now:            now,
		ValidityBuffer: DefaultValidityBuffer,
		ExpiryHorizon:  DefaultExpiryHorizon,
	}
}

func (i *Inspector) now() time.Time {
	if i == nil || i.Now == nil {
		return time.Now()
	}
	return i.Now()
}

func (i *Inspector) buffer() time.Duration {
	if i == nil || i.ValidityBuffer <= 0 {
		return DefaultValidityBuffer
	}
	return i.ValidityBuffer
}

func (i *Inspector) horizon() time.Duration {
	if i == nil || i.ExpiryHorizon <= 0 {
		return DefaultExpiryHorizon
	}
	return i.ExpiryHorizon
}

func expiry(token string) (int64, bool) {
	claims := Decode(token)
	if claims == nil || claims.ExpiresAt == nil {
		return 0, false
	}
	return claims.ExpiresAt.Unix(), true
}

// IsValid reports whether token is present, decodable, carries an exp claim
// and outlives the validity buffer: exp > now + buffer.
func (i *Inspector) IsValid(token string) bool {
	exp, ok := expiry(token)
	if !ok {
		return false
	}
	threshold := i.now().Add(i.buffer()).Unix()
	return exp > threshold
}

// IsExpiringSoon reports true for absent or undecodable tokens and for tokens
// with exp < now + horizon.
func (i *Inspector) IsExpiringSoon(token string) bool {
	exp, ok := expiry(token)
	if !ok {
		return true
	}
	threshold := i.now().Add(i.horizon()).Unix()
	return exp < threshold
}

// ExpiresIn returns the remaining lifetime of token. The boolean is false
// when the token carries no readable exp claim.
func (i *Inspector) ExpiresIn(token string) (time.Duration, bool) {
	exp, ok := expiry(token)
	if !ok {
		return 0, false
	}
	return time.Duration(exp-i.now().Unix()) * time.Second, true
}
