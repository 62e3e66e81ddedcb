// Package lock provides per-resource mutual exclusion on top of the cache
// tier's SETNX+TTL primitives. Its single consumer is refresh serialization.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/identityplane/sessioncore/internal/cache"
)

var (
	// ErrLockTimeout means the retry budget was exhausted; the caller should
	// back off and retry, never block indefinitely.
	ErrLockTimeout = errors.New("lock: acquisition timed out")

	// ErrNotHeld means a release was attempted with a stale holder token,
	// typically after the lock expired and was acquired by someone else.
	ErrNotHeld = errors.New("lock: not held by this token")
)

// releaseScript deletes the key only when the stored holder token matches,
// so an expired holder can never release a successor's lock.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// Manager acquires and releases TTL-bounded locks.
type Manager struct {
	store       cache.Store
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
}

func NewManager(store cache.Store, maxRetries int, baseBackoff time.Duration, logger *slog.Logger) *Manager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseBackoff <= 0 {
		baseBackoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, maxRetries: maxRetries, baseBackoff: baseBackoff, logger: logger}
}

// Key namespaces a resource identifier into the lock keyspace.
func Key(resource string) string { return "lock:" + resource }

// Acquire takes the lock for key, retrying with exponential backoff up to the
// configured budget. It returns an opaque holder token that must be passed to
// Release. Cache-tier outages propagate immediately; there is no safe way to
// serialize without the shared store.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	backoff := m.baseBackoff

	for attempt := 0; ; attempt++ {
		ok, err := m.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			return "", fmt.Errorf("lock acquire: %w", err)
		}
		if ok {
			return token, nil
		}
		if attempt >= m.maxRetries {
			return "", ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("lock acquire: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Release frees the lock if and only if token still holds it.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	res, err := m.store.Eval(ctx, releaseScript, []string{key}, token)
	if err != nil {
		m.logger.WarnContext(ctx, "lock release failed", "key", key, "error", err)
		return fmt.Errorf("lock release: %w", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotHeld
	}
	return nil
}
