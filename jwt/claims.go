package jwt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultValidityBuffer is the minimum remaining lifetime a token needs to be attached to a request.
	DefaultValidityBuffer = 30 * time.Second
	// DefaultExpiryHorizon is the remaining lifetime under which a token is reported as expiring soon.
	DefaultExpiryHorizon = 5 * time.Minute
)

// Claims defines a public type used by authclient APIs.
//
// Claims instances are decoded from access tokens issued by the remote API and
// are treated as read-only snapshots.
type Claims struct {
	UID   string `json:"uid,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the user identifier carried by the token, preferring uid over sub.
func (c *Claims) UserID() string {
	if c == nil {
		return ""
	}
	if c.UID != "" {
		return c.UID
	}
	return c.RegisteredClaims.Subject
}

var segments = jwt.NewParser()

// Decode describes the decode operation and its observable behavior.
//
// Decode splits the token on '.', base64url-decodes the payload and parses it
// as JSON claims. The header is not inspected, so a token without a
// recognised alg still decodes. It returns nil for any malformed payload and
// never panics. The signature is not verified.
func Decode(token string) *Claims {
	token = strings.TrimSpace(token)
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil
	}
	payload, err := segments.DecodeSegment(parts[1])
	if err != nil {
		return nil
	}
	claims := &Claims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil
	}
	return claims
}
