package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/identityplane/sessioncore/internal/cache"
	"github.com/identityplane/sessioncore/internal/domain"
	"github.com/identityplane/sessioncore/internal/repository"
)

// SessionAnalytics serves aggregate counts over active sessions. Results are
// cached for a short window; the counts are informational and may lag the
// store by up to the cache TTL.
type SessionAnalytics struct {
	repo     repository.SessionRepository
	store    cache.Store
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Snapshot is a point-in-time view of the active session population.
type Snapshot struct {
	ActiveTotal  int64                        `json:"active_total"`
	ActiveByType map[domain.SessionType]int64 `json:"active_by_type"`
	TakenAt      time.Time                    `json:"taken_at"`
}

func NewSessionAnalytics(repo repository.SessionRepository, store cache.Store, cacheTTL time.Duration, logger *slog.Logger) *SessionAnalytics {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAnalytics{
		repo:     repo,
		store:    store,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (a *SessionAnalytics) WithClock(now func() time.Time) *SessionAnalytics {
	a.now = now
	return a
}

// ActiveCount returns the number of active sessions across all users.
func (a *SessionAnalytics) ActiveCount(ctx context.Context) (int64, error) {
	if raw, err := a.store.Get(ctx, analyticsActiveCountKey); err == nil {
		if count, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			return count, nil
		}
	}
	count, err := a.repo.CountActive(ctx, a.now())
	if err != nil {
		return 0, fmt.Errorf("%w: count active: %v", domain.ErrDependencyUnavailable, err)
	}
	if err := a.store.Set(ctx, analyticsActiveCountKey, strconv.FormatInt(count, 10), a.cacheTTL); err != nil && cache.IsUnavailable(err) {
		a.logger.DebugContext(ctx, "analytics cache write skipped", "error", err)
	}
	return count, nil
}

// CountByType returns active sessions grouped by session type.
func (a *SessionAnalytics) CountByType(ctx context.Context) (map[domain.SessionType]int64, error) {
	if raw, err := a.store.Get(ctx, analyticsByTypeKey); err == nil {
		var counts map[domain.SessionType]int64
		if json.Unmarshal([]byte(raw), &counts) == nil {
			return counts, nil
		}
	}
	counts, err := a.repo.CountActiveByType(ctx, a.now())
	if err != nil {
		return nil, fmt.Errorf("%w: count by type: %v", domain.ErrDependencyUnavailable, err)
	}
	if payload, merr := json.Marshal(counts); merr == nil {
		if err := a.store.Set(ctx, analyticsByTypeKey, string(payload), a.cacheTTL); err != nil && cache.IsUnavailable(err) {
			a.logger.DebugContext(ctx, "analytics cache write skipped", "error", err)
		}
	}
	return counts, nil
}

// Snapshot gathers both aggregates concurrently.
func (a *SessionAnalytics) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: a.now()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, err := a.ActiveCount(gctx)
		if err != nil {
			return err
		}
		snap.ActiveTotal = total
		return nil
	})
	g.Go(func() error {
		byType, err := a.CountByType(gctx)
		if err != nil {
			return err
		}
		snap.ActiveByType = byType
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}
