// Package app wires the session core together: config, telemetry, the
// durable store, the cache tier with its breaker, and the services on top.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/identityplane/sessioncore/internal/cache"
	"github.com/identityplane/sessioncore/internal/config"
	"github.com/identityplane/sessioncore/internal/domain"
	"github.com/identityplane/sessioncore/internal/lock"
	"github.com/identityplane/sessioncore/internal/observability"
	"github.com/identityplane/sessioncore/internal/repository"
	"github.com/identityplane/sessioncore/internal/security"
	"github.com/identityplane/sessioncore/internal/service"
)

// App is the assembled session core. Embedders pull the services they need
// and call Close on shutdown.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Sessions  *service.SessionManager
	Tokens    *service.TokenService
	Analytics *service.SessionAnalytics
	Audit     *observability.Dispatcher

	runtime *observability.Runtime
	db      *gorm.DB
}

// New builds the full dependency graph from configuration. Redis must be
// reachable at startup; afterwards the breaker handles outages.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	runtime, err := observability.InitRuntime(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	logger := runtime.Logger

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&domain.Session{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	client, err := cache.Connect(ctx, cache.ConnectConfig{
		URL:            cfg.RedisURL,
		RetryAttempts:  cfg.RedisRetryAttempts,
		RetryInterval:  cfg.RedisRetryInterval,
		ConnectTimeout: cfg.RedisConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	breaker := cache.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerCooldown)
	breaker.OnTransition(func(from, to cache.BreakerState) {
		logger.Warn("cache circuit transition", "from", from.String(), "to", to.String())
		observability.RecordCircuitTransition(from.String(), to.String())
	})
	store := cache.NewResilientStore(cache.NewRedisStore(client), breaker, logger)

	locks := lock.NewManager(store, cfg.LockMaxRetries, cfg.LockBaseBackoff, logger)

	codec := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret, cfg.JWTRefreshSecret)
	tokens := service.NewTokenService(codec, store, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger)

	audit := observability.NewDispatcher(observability.NewSlogSink(logger), cfg.AuditBufferSize)

	repo := repository.NewSessionRepository(db)
	sessions := service.NewSessionManager(repo, tokens, store, locks, audit, logger, service.Options{
		SessionTTL:      cfg.SessionTTL,
		IdleExtension:   cfg.SessionIdleExtension,
		MaxConcurrent:   cfg.MaxConcurrentSessions,
		ContextCacheTTL: cfg.ContextCacheTTL,
		LockTTL:         cfg.LockTTL,
	})
	analytics := service.NewSessionAnalytics(repo, store, cfg.AnalyticsCacheTTL, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Sessions:  sessions,
		Tokens:    tokens,
		Analytics: analytics,
		Audit:     audit,
		runtime:   runtime,
		db:        db,
	}, nil
}

// Close flushes audit events and shuts the telemetry providers down.
func (a *App) Close(ctx context.Context) error {
	a.Audit.Close()
	var errs []error
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.runtime.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
