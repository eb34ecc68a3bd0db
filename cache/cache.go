// Package cache stores realtime point values with per-entry expiry.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for keys that hold no entry.
	ErrNotFound = errors.New("cache: key not found")
	// ErrExpired is returned for entries whose expiry passed but which were
	// not evicted yet.
	ErrExpired = errors.New("cache: entry expired")
)

// Cache is a byte-valued key/value store with per-entry expiry.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
