// Package cache is the shared TTL key-value layer used for exchanged
// tokens, sessions, and login state. Backends: in-process memory for
// single-node runs, Redis for anything shared.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a TTL key-value store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New picks a backend from a URL: "mem://" for in-process memory,
// "redis://..." (or "rediss://...") for Redis.
func New(url string) (Cache, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "mem://"):
		return NewMemory(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedis(url)
	}
	return nil, fmt.Errorf("cache: unsupported url %q", url)
}
