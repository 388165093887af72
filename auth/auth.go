// Package auth guards relay routes: a bearer gate for session tokens and an admin gate for
// the key management API.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lcyt/lcyt-relay/internal"
	"github.com/lcyt/lcyt-relay/token"
)

const AdminKeyHeader = "X-Admin-Key"

type ctxKey string

var claimsKey ctxKey = "lcyt_claims"

// Verifier checks session tokens.
type Verifier interface {
	Verify(tok string) (*token.Claims, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

// CheckBearer verifies the request's bearer token and returns its claims.
func CheckBearer(v Verifier, header string) (*token.Claims, *internal.HandlerError) {
	tok, ok := BearerToken(header)
	if !ok {
		return nil, internal.Unauthorized("Authorization header required")
	}
	claims, err := v.Verify(tok)
	if err != nil {
		logger.Trace().Err(err).Msg("rejected bearer token")
		return nil, internal.Unauthorized("Invalid or expired token")
	}
	return claims, nil
}

// Bearer rejects requests without a valid session token with 401. The claims of accepted
// requests are available through ClaimsFromContext.
func Bearer(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			claims, herr := CheckBearer(v, req.Header.Get("Authorization"))
			if herr != nil {
				internal.WriteError(w, herr)
				return
			}
			internal.SetRequestContextSessionID(req.Context(), claims.SessionID)
			next.ServeHTTP(w, req.WithContext(WithClaims(req.Context(), claims)))
		})
	}
}

func WithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims set by Bearer, or nil.
func ClaimsFromContext(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsKey).(*token.Claims)
	return claims
}

// CheckAdmin compares the provided admin key to the configured one in constant time. An
// empty secret means the admin API is disabled.
func CheckAdmin(secret, provided string) *internal.HandlerError {
	if secret == "" {
		return internal.ServiceUnavailable("Admin API not configured")
	}
	if provided == "" {
		return internal.Unauthorized("%s header required", AdminKeyHeader)
	}
	// compare digests so the comparison does not leak the secret's length
	want := sha256.Sum256([]byte(secret))
	got := sha256.Sum256([]byte(provided))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return internal.Forbidden("Invalid admin key")
	}
	return nil
}

// Admin guards the key management API with the X-Admin-Key header.
func Admin(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if herr := CheckAdmin(secret, req.Header.Get(AdminKeyHeader)); herr != nil {
				if herr.StatusCode == http.StatusForbidden {
					logger.Warn().Str("ip", req.RemoteAddr).Msg("invalid admin key")
				}
				internal.WriteError(w, herr)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
