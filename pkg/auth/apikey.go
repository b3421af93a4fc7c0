package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"
)

// APIKey describes one accepted key.
type APIKey struct {
	Key       string
	Principal string
	Scopes    []string
}

// APIKeyAuthenticator accepts a fixed set of API keys. Keys are stored as
// SHA-256 digests and compared in constant time.
type APIKeyAuthenticator struct {
	mu      sync.RWMutex
	entries []apiKeyEntry
	now     func() time.Time
}

type apiKeyEntry struct {
	digest    [sha256.Size]byte
	principal string
	scopes    []string
}

// NewAPIKeyAuthenticator builds an authenticator from keys. Empty keys or
// principals are rejected.
func NewAPIKeyAuthenticator(keys ...APIKey) (*APIKeyAuthenticator, error) {
	a := &APIKeyAuthenticator{now: time.Now}
	for _, k := range keys {
		if err := a.Add(k); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ParseAPIKeys parses "key:principal[:scope1 scope2]" entries separated by
// commas, the format of MCP_API_KEYS.
func ParseAPIKeys(s string) ([]APIKey, error) {
	var out []APIKey
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("api key entry must be key:principal[:scopes], got %d fields", len(parts))
		}
		k := APIKey{Key: parts[0], Principal: parts[1]}
		if len(parts) == 3 {
			k.Scopes = strings.Fields(parts[2])
		}
		out = append(out, k)
	}
	return out, nil
}

// Add registers another key.
func (a *APIKeyAuthenticator) Add(k APIKey) error {
	if k.Key == "" || k.Principal == "" {
		return fmt.Errorf("api key and principal are required")
	}
	entry := apiKeyEntry{
		digest:    sha256.Sum256([]byte(k.Key)),
		principal: k.Principal,
		scopes:    append([]string(nil), k.Scopes...),
	}
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
	return nil
}

// Authenticate accepts "Bearer <key>", "ApiKey <key>" or a bare X-API-Key.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Info, error) {
	if creds.Empty() {
		return nil, ErrCredentialsRequired
	}
	switch creds.Scheme {
	case "", "bearer", "apikey":
	default:
		return nil, ErrInvalidCredentials
	}

	digest := sha256.Sum256([]byte(creds.Token))

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Every entry is compared so timing does not depend on the match position.
	var match *apiKeyEntry
	for i := range a.entries {
		if subtle.ConstantTimeCompare(digest[:], a.entries[i].digest[:]) == 1 {
			match = &a.entries[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidCredentials
	}
	return NewInfo(match.principal, "apikey", match.scopes, a.now()), nil
}

