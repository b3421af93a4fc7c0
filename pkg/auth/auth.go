// Package auth validates client credentials and produces the identity that
// is attached to a session. Authenticators never touch session state; the
// transport decides what to do with the result.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
)

// Sentinel errors returned by every Authenticator.
var (
	// ErrCredentialsRequired means no credentials were presented.
	ErrCredentialsRequired = errors.New("auth: credentials required")

	// ErrInvalidCredentials is returned for an unknown principal and a wrong
	// secret alike, so callers cannot enumerate principals.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Info is the identity established by a successful authentication. It is
// immutable; re-authenticating replaces the pointer held by the session.
type Info struct {
	Principal       string    `json:"principal"`
	Scopes          []string  `json:"scopes,omitempty"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	Method          string    `json:"method"`
}

// NewInfo copies scopes so later mutation of the caller's slice cannot leak in.
func NewInfo(principal, method string, scopes []string, at time.Time) *Info {
	var cp []string
	if len(scopes) > 0 {
		cp = make([]string, len(scopes))
		copy(cp, scopes)
	}
	return &Info{Principal: principal, Scopes: cp, AuthenticatedAt: at, Method: method}
}

// HasScope reports whether the identity was granted scope.
func (i *Info) HasScope(scope string) bool {
	if i == nil {
		return false
	}
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Credentials are the raw values presented by a client.
type Credentials struct {
	// Scheme is the Authorization scheme in lower case, e.g. "bearer".
	Scheme string
	// Token is the value following the scheme, or an API key header value.
	Token string
}

// Empty reports whether nothing was presented.
func (c Credentials) Empty() bool {
	return c.Token == ""
}

// CredentialsFromRequest extracts credentials from the Authorization header,
// falling back to X-API-Key.
func CredentialsFromRequest(r *http.Request) Credentials {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found {
			return Credentials{Token: h}
		}
		return Credentials{Scheme: strings.ToLower(scheme), Token: strings.TrimSpace(token)}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return Credentials{Scheme: "apikey", Token: key}
	}
	return Credentials{}
}

// Authenticator validates credentials. Implementations must be safe for
// concurrent use and idempotent: the same credentials yield the same
// principal and scopes.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Info, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (*Info, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) (*Info, error) {
	return f(ctx, creds)
}

// ToMCPError maps an authentication failure onto the wire taxonomy without
// revealing which check failed.
func ToMCPError(err error) mcperrors.MCPError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCredentialsRequired):
		return mcperrors.AuthRequired()
	case errors.Is(err, ErrInvalidCredentials):
		return mcperrors.InvalidCredentials()
	default:
		if mcpErr, ok := mcperrors.AsMCPError(err); ok && mcpErr.Category() == mcperrors.CategoryAuth {
			return mcpErr
		}
		return mcperrors.Unauthorized("authentication failed")
	}
}
