// Package token signs and verifies the compact session tokens handed to relay clients.
//
// Tokens are HS256 JWTs: header.payload.signature, each segment base64url without padding.
// The payload carries the session identity and the triple which established it, so a client
// can be routed back to its session without the relay storing anything per token.
//
// Validation follows jwt/v5: a token whose exp equals the current second is already expired,
// and a payload altered after signing usually fails to decode and reports ErrMalformed rather
// than ErrInvalidSignature. Callers treat both as the same 401.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed        = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token has expired")
)

// Claims identify a relay session. The embedded registered claims only carry an expiry when
// the codec was configured with a TTL.
type Claims struct {
	SessionID string `json:"sessionId"`
	APIKey    string `json:"apiKey"`
	StreamKey string `json:"streamKey"`
	Domain    string `json:"domain"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

type Option func(c *Codec)

// WithTTL stamps an exp claim of now+ttl on tokens which do not already carry one.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		c.ttl = ttl
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Codec) {
		c.clock = clk
	}
}

func NewCodec(secret []byte, opts ...Option) *Codec {
	c := &Codec{
		secret: secret,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sign serialises the claims and returns the signed compact token.
func (c *Codec) Sign(claims Claims) (string, error) {
	if c.ttl > 0 && claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(c.clock.Now().Add(c.ttl))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token.Sign: %w", err)
	}
	return tok, nil
}

// Verify checks the signature and expiry of tok and returns its claims. Errors wrap one of
// ErrMalformed, ErrInvalidSignature or ErrExpired.
func (c *Codec) Verify(tok string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.clock.Now),
	)
	switch {
	case err == nil:
		return &claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %s", ErrExpired, err)
	default:
		// remaining failures are claim validation e.g nbf in the future
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
}
