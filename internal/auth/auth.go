// Package auth verifies the bearer credentials carried by upload and
// retrieval requests. Tokens are JWTs signed either with a shared HMAC
// secret or by an identity provider publishing a JWKS endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chaos-zhu/easyimg/internal/apperrors"
)

// Identity is the caller a token was issued to.
type Identity struct {
	Subject string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier checks signature, expiry and subject of a token.
type JWTVerifier struct {
	keyfunc func(ctx context.Context) jwt.Keyfunc
	methods []string
	leeway  time.Duration
}

func NewHMACVerifier(secret string, leeway time.Duration) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	key := []byte(secret)
	return &JWTVerifier{
		keyfunc: func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (any, error) { return key, nil }
		},
		methods: []string{"HS256", "HS384", "HS512"},
		leeway:  leeway,
	}, nil
}

// NewJWKSVerifier fetches signing keys from url and refreshes them in the
// background. Startup does not fail when the endpoint is not reachable yet.
func NewJWKSVerifier(url string, refresh, leeway time.Duration, logger *slog.Logger) (*JWTVerifier, error) {
	storage, err := jwkset.NewStorageFromHTTP(url, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: 10 * time.Second},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refresh,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed",
				slog.String("error", err.Error()),
				slog.String("url", url),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("create keyfunc: %w", err)
	}
	return NewKeyfuncVerifier(k, leeway), nil
}

// NewKeyfuncVerifier verifies asymmetric tokens against an already built key set.
func NewKeyfuncVerifier(k keyfunc.Keyfunc, leeway time.Duration) *JWTVerifier {
	return &JWTVerifier{
		keyfunc: k.KeyfuncCtx,
		methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"},
		leeway:  leeway,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.ErrUnauthorized
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyfunc(ctx),
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, apperrors.ErrExpired
	}
	if err != nil {
		return Identity{}, apperrors.Wrap(apperrors.KindUnauthorized, "invalid token", err)
	}
	if !parsed.Valid {
		return Identity{}, apperrors.ErrUnauthorized
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, apperrors.New(apperrors.KindUnauthorized, "token has no subject")
	}
	return Identity{Subject: sub}, nil
}

// Issue signs an HS256 token for subject, valid for ttl.
func Issue(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty jwt secret")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ExtractToken reads the credential from the Authorization header, falling
// back to the token query parameter used by <img src> embeds.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
