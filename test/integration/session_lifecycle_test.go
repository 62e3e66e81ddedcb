package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/identityplane/sessioncore/internal/cache"
	"github.com/identityplane/sessioncore/internal/domain"
	"github.com/identityplane/sessioncore/internal/lock"
	"github.com/identityplane/sessioncore/internal/observability"
	"github.com/identityplane/sessioncore/internal/repository"
	"github.com/identityplane/sessioncore/internal/security"
	"github.com/identityplane/sessioncore/internal/service"
)

type stack struct {
	sessions  *service.SessionManager
	analytics *service.SessionAnalytics
	breaker   *cache.Breaker
	mr        *miniredis.Miniredis
}

func newStack(t *testing.T) *stack {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	breaker := cache.NewBreaker(5, 1, time.Minute)
	store := cache.NewResilientStore(cache.NewRedisStore(client), breaker, nil)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Session{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := repository.NewSessionRepository(db)

	codec := security.NewJWTManager("sessioncore-it", "identity-platform",
		strings.Repeat("a", 32), strings.Repeat("b", 32))
	tokens := service.NewTokenService(codec, store, 15*time.Minute, 720*time.Hour, nil)
	locks := lock.NewManager(store, 5, time.Millisecond, nil)

	audit := observability.NewDispatcher(observability.NewSlogSink(nil), 64)
	t.Cleanup(audit.Close)

	sessions := service.NewSessionManager(repo, tokens, store, locks, audit, nil, service.Options{
		SessionTTL:      24 * time.Hour,
		IdleExtension:   30 * time.Minute,
		MaxConcurrent:   5,
		ContextCacheTTL: time.Minute,
		LockTTL:         10 * time.Second,
	})
	analytics := service.NewSessionAnalytics(repo, store, time.Second, nil)

	return &stack{sessions: sessions, analytics: analytics, breaker: breaker, mr: mr}
}

func TestSessionLifecycle(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	pair, err := s.sessions.Create(ctx, service.CreateSessionInput{
		UserID:   "alice",
		Type:     domain.SessionTypeWeb,
		TenantID: "acme",
		Device: domain.DeviceInfo{
			Name: "laptop", Platform: "linux",
			IPAddress: "203.0.113.5", UserAgent: "firefox",
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sctx, err := s.sessions.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sctx.UserID != "alice" || sctx.TenantID != "acme" {
		t.Fatalf("context = %+v", sctx)
	}

	s.sessions.UpdateActivity(ctx, sctx.SessionID)

	rotated, err := s.sessions.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := s.sessions.Validate(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("validate rotated: %v", err)
	}
	if _, err := s.sessions.Validate(ctx, pair.AccessToken); domain.AuthReason(err) != domain.ReasonRevoked {
		t.Fatalf("old access reason = %q, want revoked", domain.AuthReason(err))
	}

	count, err := s.analytics.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if count != 1 {
		t.Fatalf("active = %d, want 1", count)
	}

	if err := s.sessions.Revoke(ctx, sctx.SessionID, "user_logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.sessions.Validate(ctx, rotated.AccessToken); domain.AuthReason(err) != domain.ReasonRevoked {
		t.Fatalf("post-logout reason = %q, want revoked", domain.AuthReason(err))
	}
}

func TestStolenRefreshTokenEndsTheFamily(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	pair, err := s.sessions.Create(ctx, service.CreateSessionInput{
		UserID: "bob",
		Type:   domain.SessionTypeMobile,
		Device: domain.DeviceInfo{Platform: "iOS", IPAddress: "198.51.100.7"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Legitimate rotation, then the attacker replays the stolen token.
	rotated, err := s.sessions.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := s.sessions.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrTokenReplay) {
		t.Fatalf("replay err = %v, want ErrTokenReplay", err)
	}

	// Both the attacker's and the victim's tokens are dead.
	if _, err := s.sessions.Validate(ctx, rotated.AccessToken); domain.AuthReason(err) != domain.ReasonRevoked {
		t.Fatalf("victim token reason = %q, want revoked", domain.AuthReason(err))
	}
	if _, err := s.sessions.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("victim refresh should fail after family revocation")
	}
}

func TestCacheOutageKeepsSessionsUsable(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	pair, err := s.sessions.Create(ctx, service.CreateSessionInput{
		UserID: "carol",
		Type:   domain.SessionTypeAPI,
		Device: domain.DeviceInfo{UserAgent: "svc/1.0"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Kill Redis: the breaker opens and validation falls back to the store.
	s.mr.Close()
	for i := 0; i < 5; i++ {
		_, _ = s.sessions.Validate(ctx, pair.AccessToken)
	}
	if s.breaker.State() != cache.BreakerOpen {
		t.Fatal("breaker did not open")
	}

	sctx, err := s.sessions.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate during outage: %v", err)
	}
	if sctx.UserID != "carol" {
		t.Fatalf("context = %+v", sctx)
	}
}
