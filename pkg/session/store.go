package session

import (
	"context"
	"errors"
	"time"

	"github.com/ajitpratap0/mcp-transport-go/pkg/auth"
)

// ErrNotFound is returned by a Store when a record does not exist or has
// expired.
var ErrNotFound = errors.New("session: record not found")

// Record is the persisted form of a Session.
type Record struct {
	ID           string     `json:"id"`
	State        State      `json:"state"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	Auth         *auth.Info `json:"auth,omitempty"`
}

// Store persists session records with a time-to-live. A zero ttl means the
// entry does not expire. Implementations must be safe for concurrent use.
type Store interface {
	// Save creates or replaces the record for rec.ID.
	Save(ctx context.Context, rec Record, ttl time.Duration) error
	// Load returns ErrNotFound for missing or expired records.
	Load(ctx context.Context, id string) (Record, error)
	// Delete removes a record; deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
	// Revoke writes a marker that outlives the record so a closed session
	// can never be resumed.
	Revoke(ctx context.Context, id string, ttl time.Duration) error
	IsRevoked(ctx context.Context, id string) (bool, error)
	Close() error
}
