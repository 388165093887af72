package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var aliceClaims = Claims{
	SessionID: "0123456789abcdef",
	APIKey:    "key-alice",
	StreamKey: "stream-alice",
	Domain:    "https://alice.example.com",
}

func TestSignVerifyRoundTrip(t *testing.T) {
	codec := NewCodec([]byte("test-secret"))
	tok, err := codec.Sign(aliceClaims)
	require.NoError(t, err)

	segments := strings.Split(tok, ".")
	require.Len(t, segments, 3)
	for i, seg := range segments {
		assert.NotContains(t, seg, "=", "segment %d is padded", i)
		_, err := base64.RawURLEncoding.DecodeString(seg)
		assert.NoError(t, err, "segment %d is not base64url", i)
	}

	got, err := codec.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, aliceClaims, *got)
}

func TestSignIsDeterministic(t *testing.T) {
	codec := NewCodec([]byte("test-secret"))
	tok1, err := codec.Sign(aliceClaims)
	require.NoError(t, err)
	tok2, err := codec.Sign(aliceClaims)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
}

func TestVerifyFailures(t *testing.T) {
	codec := NewCodec([]byte("test-secret"))
	tok, err := codec.Sign(aliceClaims)
	require.NoError(t, err)
	segments := strings.Split(tok, ".")

	otherCodec := NewCodec([]byte("other-secret"))
	forged, err := otherCodec.Sign(aliceClaims)
	require.NoError(t, err)

	tampered := aliceClaims
	tampered.SessionID = "fedcba9876543210"
	tamperedTok, err := otherCodec.Sign(tampered)
	require.NoError(t, err)
	tamperedSegments := strings.Split(tamperedTok, ".")

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "", wantErr: ErrMalformed},
		{name: "two segments", token: segments[0] + "." + segments[1], wantErr: ErrMalformed},
		{name: "four segments", token: tok + ".extra", wantErr: ErrMalformed},
		{name: "garbage payload", token: segments[0] + ".!!!." + segments[2], wantErr: ErrMalformed},
		{name: "wrong secret", token: forged, wantErr: ErrInvalidSignature},
		{name: "swapped payload", token: segments[0] + "." + tamperedSegments[1] + "." + segments[2], wantErr: ErrInvalidSignature},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Verify(tc.token)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Verify(%q) got error %v want %v", tc.token, err, tc.wantErr)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	codec := NewCodec([]byte("test-secret"))
	claims := aliceClaims
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	tok, err := codec.Sign(claims)
	require.NoError(t, err)

	_, err = codec.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)

	t.Log("A future expiry verifies and round-trips.")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	tok, err = codec.Sign(claims)
	require.NoError(t, err)
	got, err := codec.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, claims.SessionID, got.SessionID)
	assert.Equal(t, claims.ExpiresAt.Unix(), got.ExpiresAt.Unix())
}

func TestTTL(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	codec := NewCodec([]byte("test-secret"), WithTTL(time.Hour), WithClock(clk))

	tok, err := codec.Sign(aliceClaims)
	require.NoError(t, err)
	got, err := codec.Verify(tok)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, clk.Now().Add(time.Hour).Unix(), got.ExpiresAt.Unix())

	clk.Add(2 * time.Hour)
	_, err = codec.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestExpiryAtCurrentSecond(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	codec := NewCodec([]byte("test-secret"), WithClock(clk))
	claims := aliceClaims
	claims.ExpiresAt = jwt.NewNumericDate(clk.Now().Add(time.Second))
	tok, err := codec.Sign(claims)
	require.NoError(t, err)

	_, err = codec.Verify(tok)
	require.NoError(t, err)
	clk.Add(time.Second)
	_, err = codec.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired, "exp equal to now is expired")
}
