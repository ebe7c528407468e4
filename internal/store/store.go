// Package store defines the typed slice of Redis that dpq.Queue holds
// alongside the atomic Lua engine: redis.Scripter plus read-only depth
// and health calls. dpq.Queue keeps a Store but does not call it; depth
// for the stats endpoint and the tests comes from Queue.GetSize, and the
// engine registrar is handed the *redis.Client directly. No mutating
// call goes through this package — every multi-key mutation goes through
// engine.Registrar.Eval so it stays atomic.
package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Store is the typed surface this project relies on from a Redis-
// compatible client (a *redis.Client in production, miniredis in tests).
type Store interface {
	redis.Scripter

	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// New wraps an existing *redis.Client. It exists so callers depend on the
// Store interface above rather than go-redis's full client surface.
func New(rdb *redis.Client) Store {
	return rdb
}
