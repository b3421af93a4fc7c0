// Package redisstore implements session.Store on Redis so several server
// instances can share and resume sessions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The store takes ownership and
// closes it on Close.
func NewWithClient(cl *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "mcp:sessions:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

func (s *Store) recordKey(id string) string { return s.keyPrefix + "record:" + id }
func (s *Store) revokedKey(id string) string { return s.keyPrefix + "revoked:" + id }

func (s *Store) Save(ctx context.Context, rec session.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, s.recordKey(rec.ID), data, ttl).Err()
}

func (s *Store) Load(ctx context.Context, id string) (session.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, err
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return session.Record{}, fmt.Errorf("decode session record: %w", err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.recordKey(id)).Err()
}

func (s *Store) Revoke(ctx context.Context, id string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(context.WithoutCancel(ctx), s.revokedKey(id), "1", ttl).Err()
}

func (s *Store) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.revokedKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ session.Store = (*Store)(nil)
