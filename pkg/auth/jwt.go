package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls bearer token validation.
type JWTConfig struct {
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Audiences, when set, must intersect the aud claim.
	Audiences []string
	// AllowedAlgs restricts the signing algorithms accepted.
	AllowedAlgs []string
	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// JWTAuthenticator validates signed JWT bearer tokens. The sub claim becomes
// the principal; scopes come from "scope" (space separated) or "scp".
type JWTAuthenticator struct {
	cfg     JWTConfig
	keyfunc jwt.Keyfunc
	now     func() time.Time
}

// NewHMACAuthenticator validates tokens signed with a shared secret.
func NewHMACAuthenticator(secret []byte, cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256", "HS384", "HS512"}
	}
	return newJWTAuthenticator(cfg, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return secret, nil
	}), nil
}

// NewJWKSAuthenticator validates tokens against keys fetched from a JWKS
// endpoint. The key set is refreshed in the background until ctx is done.
func NewJWKSAuthenticator(ctx context.Context, jwksURL string, cfg JWTConfig) (*JWTAuthenticator, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newJWTAuthenticator(cfg, kf.Keyfunc), nil
}

func newJWTAuthenticator(cfg JWTConfig, kf jwt.Keyfunc) *JWTAuthenticator {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &JWTAuthenticator{cfg: cfg, keyfunc: kf, now: time.Now}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Info, error) {
	if creds.Empty() {
		return nil, ErrCredentialsRequired
	}
	if creds.Scheme != "" && creds.Scheme != "bearer" {
		return nil, ErrInvalidCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	parsed, err := jwt.NewParser(opts...).Parse(creds.Token, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if len(a.cfg.Audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !audIntersects(aud, a.cfg.Audiences) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidCredentials)
		}
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidCredentials)
	}

	return NewInfo(sub, "jwt", scopesFromClaims(claims), a.now()), nil
}

func audIntersects(aud []string, wants []string) bool {
	for _, a := range aud {
		if slices.Contains(wants, a) {
			return true
		}
	}
	return false
}

func scopesFromClaims(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	switch v := claims["scp"].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
