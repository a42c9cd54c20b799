package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-zhu/easyimg/internal/apperrors"
)

const secret = "test-secret"

func hmacToken(t *testing.T, claims jwt.Claims, key string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestHMACVerifier(t *testing.T) {
	v, err := NewHMACVerifier(secret, 0)
	require.NoError(t, err)
	ctx := context.Background()

	tok, err := Issue(secret, "alice", time.Hour)
	require.NoError(t, err)
	id, err := v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)

	expired := hmacToken(t, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}, secret)
	_, err = v.Verify(ctx, expired)
	assert.ErrorIs(t, err, apperrors.ErrExpired)

	forged := hmacToken(t, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, "other-secret")
	_, err = v.Verify(ctx, forged)
	assert.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))

	noExp := hmacToken(t, jwt.RegisteredClaims{Subject: "alice"}, secret)
	_, err = v.Verify(ctx, noExp)
	assert.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))

	noSub := hmacToken(t, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, secret)
	_, err = v.Verify(ctx, noSub)
	assert.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err = v.Verify(ctx, tok)
		assert.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err), tok)
	}
}

func TestHMACVerifierLeeway(t *testing.T) {
	v, err := NewHMACVerifier(secret, time.Minute)
	require.NoError(t, err)

	tok := hmacToken(t, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
	}, secret)
	id, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Subject)
}

func TestNewHMACVerifierRequiresSecret(t *testing.T) {
	_, err := NewHMACVerifier("", 0)
	assert.Error(t, err)
}

func jwksJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	set := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	data, _ := json.Marshal(set)
	return data
}

func TestKeyfuncVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kf, err := keyfunc.NewJWKSetJSON(jwksJSON(&key.PublicKey, "k1"))
	require.NoError(t, err)
	v := NewKeyfuncVerifier(kf, 0)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "moderator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "moderator", id.Subject)

	// HMAC tokens are not accepted by an asymmetric key set.
	_, err = v.Verify(context.Background(), hmacToken(t, jwt.RegisteredClaims{
		Subject:   "moderator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, secret))
	assert.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/i/x.png?token=from-query", nil)
	assert.Equal(t, "from-query", ExtractToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", ExtractToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "", ExtractToken(r))

	r = httptest.NewRequest("GET", "/i/x.png", nil)
	assert.Equal(t, "", ExtractToken(r))
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{Subject: "alice"})
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", id.Subject)
}
