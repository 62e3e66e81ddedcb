package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/identityplane/sessioncore/internal/domain"
	"github.com/identityplane/sessioncore/internal/repository"
)

func newAnalyticsFixture(t *testing.T) (*SessionAnalytics, repository.SessionRepository, *toggleStore) {
	t.Helper()
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

	store, _ := newTestCache(t)
	toggle := &toggleStore{inner: store}
	return NewSessionAnalytics(repo, toggle, 30*time.Second, nil), repo, toggle
}

func seedAnalyticsSession(t *testing.T, repo repository.SessionRepository, typ domain.SessionType) {
	t.Helper()
	now := time.Now()
	s := &domain.Session{
		ID:            uuid.NewString(),
		UserID:        "user-1",
		Type:          typ,
		TokenID:       uuid.NewString(),
		TokenIssuedAt: now,
		FamilyID:      uuid.NewString(),
		SecurityLevel: domain.SecurityLevelStandard,
		CreatedAt:     now,
		LastActiveAt:  now,
		ExpiresAt:     now.Add(time.Hour),
	}
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestActiveCount(t *testing.T) {
	a, repo, _ := newAnalyticsFixture(t)
	ctx := context.Background()

	seedAnalyticsSession(t, repo, domain.SessionTypeWeb)
	seedAnalyticsSession(t, repo, domain.SessionTypeMobile)

	count, err := a.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	// Cached within the TTL: a new row is not visible yet.
	seedAnalyticsSession(t, repo, domain.SessionTypeAPI)
	count, err = a.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("cached count = %d, want 2", count)
	}
}

func TestCountByType(t *testing.T) {
	a, repo, _ := newAnalyticsFixture(t)
	ctx := context.Background()

	seedAnalyticsSession(t, repo, domain.SessionTypeWeb)
	seedAnalyticsSession(t, repo, domain.SessionTypeWeb)
	seedAnalyticsSession(t, repo, domain.SessionTypeSSO)

	counts, err := a.CountByType(ctx)
	if err != nil {
		t.Fatalf("count by type: %v", err)
	}
	if counts[domain.SessionTypeWeb] != 2 || counts[domain.SessionTypeSSO] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestAnalyticsDegradesWithoutCache(t *testing.T) {
	a, repo, toggle := newAnalyticsFixture(t)
	ctx := context.Background()
	seedAnalyticsSession(t, repo, domain.SessionTypeWeb)

	toggle.setFailing(true)
	count, err := a.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("count during outage: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestSnapshot(t *testing.T) {
	a, repo, _ := newAnalyticsFixture(t)
	seedAnalyticsSession(t, repo, domain.SessionTypeWeb)
	seedAnalyticsSession(t, repo, domain.SessionTypeMobile)

	snap, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ActiveTotal != 2 {
		t.Fatalf("total = %d, want 2", snap.ActiveTotal)
	}
	if snap.ActiveByType[domain.SessionTypeWeb] != 1 || snap.ActiveByType[domain.SessionTypeMobile] != 1 {
		t.Fatalf("by type = %v", snap.ActiveByType)
	}
	if snap.TakenAt.IsZero() {
		t.Fatal("missing timestamp")
	}
}
