// Package cache provides the key-value accelerator tier: a Store abstraction
// over Redis wrapped in a circuit breaker. Entries are disposable; the
// durable store can always reconstruct them, and a lost entry must never be
// treated as an authorization grant.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is a normal outcome, never an availability failure.
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrCircuitOpen fast-fails an operation while the breaker cools down.
	// Callers must treat it as a distinct outcome from a miss.
	ErrCircuitOpen = errors.New("cache: circuit open")
)

// Store is the minimal command set the session core needs: plain get/set,
// atomic SETNX and INCR, deletes, and scripted compare-ops for locks.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Ping(ctx context.Context) error
}

// IsUnavailable reports whether err means the cache tier could not serve the
// request (outage or open circuit), as opposed to a successful miss.
func IsUnavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrKeyNotFound)
}
