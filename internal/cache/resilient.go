package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ResilientStore wraps a Store with a circuit breaker. A miss counts as a
// success for breaker accounting; only real command failures trip it.
type ResilientStore struct {
	store   Store
	breaker *Breaker
	logger  *slog.Logger
}

func NewResilientStore(store Store, breaker *Breaker, logger *slog.Logger) *ResilientStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientStore{store: store, breaker: breaker, logger: logger}
}

// Breaker exposes the underlying breaker for state inspection.
func (r *ResilientStore) Breaker() *Breaker { return r.breaker }

func (r *ResilientStore) Get(ctx context.Context, key string) (string, error) {
	if !r.breaker.Allow() {
		return "", ErrCircuitOpen
	}
	v, err := r.store.Get(ctx, key)
	return v, r.observe(ctx, "get", err)
}

func (r *ResilientStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !r.breaker.Allow() {
		return ErrCircuitOpen
	}
	return r.observe(ctx, "set", r.store.Set(ctx, key, value, ttl))
}

func (r *ResilientStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !r.breaker.Allow() {
		return false, ErrCircuitOpen
	}
	ok, err := r.store.SetNX(ctx, key, value, ttl)
	return ok, r.observe(ctx, "setnx", err)
}

func (r *ResilientStore) Incr(ctx context.Context, key string) (int64, error) {
	if !r.breaker.Allow() {
		return 0, ErrCircuitOpen
	}
	n, err := r.store.Incr(ctx, key)
	return n, r.observe(ctx, "incr", err)
}

func (r *ResilientStore) Del(ctx context.Context, keys ...string) error {
	if !r.breaker.Allow() {
		return ErrCircuitOpen
	}
	return r.observe(ctx, "del", r.store.Del(ctx, keys...))
}

func (r *ResilientStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	if !r.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	res, err := r.store.Eval(ctx, script, keys, args...)
	return res, r.observe(ctx, "eval", err)
}

func (r *ResilientStore) Ping(ctx context.Context) error {
	if !r.breaker.Allow() {
		return ErrCircuitOpen
	}
	return r.observe(ctx, "ping", r.store.Ping(ctx))
}

// observe feeds the breaker and normalizes errors. ErrKeyNotFound passes
// through untouched; anything else marks the tier unavailable.
func (r *ResilientStore) observe(ctx context.Context, op string, err error) error {
	if err == nil || errors.Is(err, ErrKeyNotFound) {
		r.breaker.RecordSuccess()
		return err
	}
	r.breaker.RecordFailure()
	r.logger.WarnContext(ctx, "cache operation failed", "op", op, "error", err)
	return fmt.Errorf("cache %s: %w", op, err)
}
