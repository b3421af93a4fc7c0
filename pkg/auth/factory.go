package auth

import (
	"context"
	"fmt"
	"time"
)

// Authentication types accepted by NewFromConfig.
const (
	TypeNone   = "none"
	TypeAPIKey = "apikey"
	TypeJWT    = "jwt"
)

// Config selects and configures an Authenticator.
type Config struct {
	Type string

	// APIKeys in ParseAPIKeys format.
	APIKeys string

	JWTSecret   string
	JWKSURL     string
	JWTIssuer   string
	JWTAudience []string
	JWTLeeway   time.Duration
}

// NewFromConfig builds the Authenticator described by cfg. Type "none" or ""
// returns nil, meaning sessions are not authenticated.
func NewFromConfig(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil

	case TypeAPIKey:
		keys, err := ParseAPIKeys(cfg.APIKeys)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("auth type %q requires at least one api key", cfg.Type)
		}
		return NewAPIKeyAuthenticator(keys...)

	case TypeJWT:
		jwtCfg := JWTConfig{
			Issuer:    cfg.JWTIssuer,
			Audiences: cfg.JWTAudience,
			Leeway:    cfg.JWTLeeway,
		}
		if cfg.JWKSURL != "" {
			return NewJWKSAuthenticator(ctx, cfg.JWKSURL, jwtCfg)
		}
		return NewHMACAuthenticator([]byte(cfg.JWTSecret), jwtCfg)

	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}
