// Package cache holds the analytics report cache. Reports are expensive
// aggregations over the transaction table, so they sit behind a small
// get/set interface with a redis implementation and a no-op fallback.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized values under string keys. A miss returns
// (nil, false, nil); only infrastructure failures produce an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Noop satisfies Cache without storing anything. Used when no redis address
// is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Close() error                                             { return nil }
