// Package kvstore provides the opaque key/value collaborator used for
// best-effort persistence of job records and monitor aggregates. Callers
// treat failures as non-fatal: log and proceed.
package kvstore

import (
	"context"
	"time"
)

// Store is the Redis-like KVStore interface the core depends on. No
// strong consistency is assumed; implementations serialize per-key
// operations themselves.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Publish(ctx context.Context, channel string, msg []byte) error
	Close() error
}
