package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod defines a public type used by authclient APIs.
type SigningMethod string

const (
	// MethodEd25519 signs with an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
)

// SignerConfig defines a public type used by authclient APIs.
//
// SignerConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SignerConfig struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Now           func() time.Time
}

// Signer issues and verifies access tokens. The client library never signs
// tokens itself; Signer backs local fakes of the remote API.
type Signer struct {
	config SignerConfig
}

// NewSigner describes the newsigner operation and its observable behavior.
//
// NewSigner may return an error when the TTL or key material is invalid.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key")
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	return &Signer{config: cfg}, nil
}

// Issue signs an access token for the given user with the configured TTL.
// A non-empty jti is recorded so successive tokens for the same user differ.
func (s *Signer) Issue(uid, email, role, jti string) (string, error) {
	return s.IssueWithTTL(uid, email, role, jti, s.config.AccessTTL)
}

// IssueWithTTL is Issue with an explicit lifetime, which may be negative to
// mint already-expired tokens.
func (s *Signer) IssueWithTTL(uid, email, role, jti string, ttl time.Duration) (string, error) {
	now := s.config.Now()
	claims := Claims{
		UID:   uid,
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
		},
	}

	signKey, err := s.signKey()
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(s.method(), claims).SignedString(signKey)
}

// Verify parses token and checks its signature, algorithm, expiry and issuer.
func (s *Signer) Verify(token string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method().Alg()}),
		jwt.WithTimeFunc(s.config.Now),
	}
	if s.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.config.Issuer))
	}

	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != s.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return s.verifyKey()
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (s *Signer) method() jwt.SigningMethod {
	if s.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (s *Signer) signKey() (interface{}, error) {
	if s.config.SigningMethod == MethodHS256 {
		return s.config.PrivateKey, nil
	}
	if len(s.config.PrivateKey) == 0 {
		return nil, errors.New("signer has no private key")
	}
	return parseEdPrivateKey(s.config.PrivateKey)
}

func (s *Signer) verifyKey() (interface{}, error) {
	if s.config.SigningMethod == MethodHS256 {
		return s.config.PrivateKey, nil
	}
	return parseEdPublicKey(s.config.PublicKey)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
