package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/identityplane/sessioncore/internal/domain"
	"github.com/identityplane/sessioncore/internal/observability"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionRepository is the authoritative tier. It is always consulted when
// the cache disagrees or is unavailable; failure here is fatal to the request.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	FindByTokenID(ctx context.Context, jti string) (*domain.Session, error)
	ListByUser(ctx context.Context, userID string, includeExpired bool) ([]domain.Session, error)
	CountActiveByUser(ctx context.Context, userID string) (int64, error)
	OldestActiveByUser(ctx context.Context, userID string) (*domain.Session, error)
	TouchActivity(ctx context.Context, id string, at time.Time, slideTo time.Time) error
	RotateTokenID(ctx context.Context, id, oldJTI, newJTI string, extendTo time.Time) error
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, keepID, reason string, at time.Time) (int64, error)
	RevokeByFamilyID(ctx context.Context, familyID, reason string, at time.Time) (int64, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	MigrateToSSO(ctx context.Context, id, provider string) (*domain.Session, error)
	CountActive(ctx context.Context, now time.Time) (int64, error)
	CountActiveByType(ctx context.Context, now time.Time) (map[domain.SessionType]int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		observability.RecordStoreOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordStoreOperation(ctx, "session", "find_by_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordStoreOperation(ctx, "session", "find_by_id", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "session", "find_by_id", "success")
	return &s, nil
}

func (r *GormSessionRepository) FindByTokenID(ctx context.Context, jti string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("jti = ?", jti).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordStoreOperation(ctx, "session", "find_by_token_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordStoreOperation(ctx, "session", "find_by_token_id", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "session", "find_by_token_id", "success")
	return &s, nil
}

func (r *GormSessionRepository) ListByUser(ctx context.Context, userID string, includeExpired bool) ([]domain.Session, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if !includeExpired {
		q = q.Where("revoked = ? AND expires_at > ?", false, time.Now())
	}
	var sessions []domain.Session
	if err := q.Order("created_at DESC").Find(&sessions).Error; err != nil {
		observability.RecordStoreOperation(ctx, "session", "list_by_user", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "session", "list_by_user", "success")
	return sessions, nil
}

func (r *GormSessionRepository) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Count(&count).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "session", "count_active_by_user", "error")
		return 0, err
	}
	observability.RecordStoreOperation(ctx, "session", "count_active_by_user", "success")
	return count, nil
}

func (r *GormSessionRepository) OldestActiveByUser(ctx context.Context, userID string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Order("created_at ASC").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordStoreOperation(ctx, "session", "oldest_active_by_user", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordStoreOperation(ctx, "session", "oldest_active_by_user", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "session", "oldest_active_by_user", "success")
	return &s, nil
}

// TouchActivity bumps the activity counters. slideTo extends expires_at when
// it is later than the current value; a zero slideTo leaves expiry untouched.
func (r *GormSessionRepository) TouchActivity(ctx context.Context, id string, at time.Time, slideTo time.Time) error {
	updates := map[string]any{
		"access_count":   gorm.Expr("access_count + 1"),
		"last_active_at": at,
	}
	q := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND revoked = ? AND expires_at > ?", id, false, at)
	if !slideTo.IsZero() {
		q = q.Where("expires_at < ?", slideTo)
		updates["expires_at"] = slideTo
		res := q.Updates(updates)
		if res.Error != nil {
			observability.RecordStoreOperation(ctx, "session", "touch_activity", "error")
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Expiry already beyond slideTo; retry without the slide.
			delete(updates, "expires_at")
			err := r.db.WithContext(ctx).Model(&domain.Session{}).
				Where("id = ? AND revoked = ? AND expires_at > ?", id, false, at).
				Updates(updates).Error
			if err != nil {
				observability.RecordStoreOperation(ctx, "session", "touch_activity", "error")
				return err
			}
		}
		observability.RecordStoreOperation(ctx, "session", "touch_activity", "success")
		return nil
	}
	if err := q.Updates(updates).Error; err != nil {
		observability.RecordStoreOperation(ctx, "session", "touch_activity", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "session", "touch_activity", "success")
	return nil
}

// RotateTokenID swaps the session's current jti inside a transaction with a
// row lock. The guard on the old jti turns a lost race into ErrSessionNotFound
// instead of silently double-rotating.
func (r *GormSessionRepository) RotateTokenID(ctx context.Context, id, oldJTI, newJTI string, extendTo time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND jti = ? AND revoked = ? AND expires_at > ?", id, oldJTI, false, time.Now()).
			First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		updates := map[string]any{
			"jti":             newJTI,
			"token_issued_at": time.Now().UTC(),
			"last_active_at":  time.Now().UTC(),
			"access_count":    gorm.Expr("access_count + 1"),
		}
		if !extendTo.IsZero() && extendTo.After(s.ExpiresAt) {
			updates["expires_at"] = extendTo
		}
		return tx.Model(&domain.Session{}).Where("id = ?", s.ID).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordStoreOperation(ctx, "session", "rotate_token_id", "not_found")
		} else {
			observability.RecordStoreOperation(ctx, "session", "rotate_token_id", "error")
		}
		return err
	}
	observability.RecordStoreOperation(ctx, "session", "rotate_token_id", "success")
	return nil
}

func (r *GormSessionRepository) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{"revoked": true, "revoked_reason": reason, "revoked_at": at})
	if res.Error != nil {
		observability.RecordStoreOperation(ctx, "session", "revoke", "error")
		return false, res.Error
	}
	observability.RecordStoreOperation(ctx, "session", "revoke", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) RevokeAllForUser(ctx context.Context, userID, keepID, reason string, at time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND revoked = ?", userID, false)
	if keepID != "" {
		q = q.Where("id <> ?", keepID)
	}
	res := q.Updates(map[string]any{"revoked": true, "revoked_reason": reason, "revoked_at": at})
	if res.Error != nil {
		observability.RecordStoreOperation(ctx, "session", "revoke_all_for_user", "error")
		return 0, res.Error
	}
	observability.RecordStoreOperation(ctx, "session", "revoke_all_for_user", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) RevokeByFamilyID(ctx context.Context, familyID, reason string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("family_id = ? AND revoked = ?", familyID, false).
		Updates(map[string]any{"revoked": true, "revoked_reason": reason, "revoked_at": at})
	if res.Error != nil {
		observability.RecordStoreOperation(ctx, "session", "revoke_by_family_id", "error")
		return 0, res.Error
	}
	observability.RecordStoreOperation(ctx, "session", "revoke_by_family_id", "success")
	return res.RowsAffected, nil
}

// MarkExpired moves timed-out rows to their terminal state. Rows are kept,
// not deleted, so listings and the durable fallback stay truthful.
func (r *GormSessionRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("expires_at < ? AND revoked = ?", now, false).
		Updates(map[string]any{"revoked": true, "revoked_reason": "expired", "revoked_at": now})
	if res.Error != nil {
		observability.RecordStoreOperation(ctx, "session", "mark_expired", "error")
		return 0, res.Error
	}
	observability.RecordStoreOperation(ctx, "session", "mark_expired", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) MigrateToSSO(ctx context.Context, id, provider string) (*domain.Session, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{"type": domain.SessionTypeSSO, "sso_provider": provider})
	if res.Error != nil {
		observability.RecordStoreOperation(ctx, "session", "migrate_to_sso", "error")
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordStoreOperation(ctx, "session", "migrate_to_sso", "not_found")
		return nil, ErrSessionNotFound
	}
	observability.RecordStoreOperation(ctx, "session", "migrate_to_sso", "success")
	return r.FindByID(ctx, id)
}

func (r *GormSessionRepository) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("revoked = ? AND expires_at > ?", false, now).
		Count(&count).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "session", "count_active", "error")
		return 0, err
	}
	observability.RecordStoreOperation(ctx, "session", "count_active", "success")
	return count, nil
}

func (r *GormSessionRepository) CountActiveByType(ctx context.Context, now time.Time) (map[domain.SessionType]int64, error) {
	type row struct {
		Type  domain.SessionType
		Count int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Select("type, COUNT(*) as count").
		Where("revoked = ? AND expires_at > ?", false, now).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		observability.RecordStoreOperation(ctx, "session", "count_active_by_type", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "session", "count_active_by_type", "success")
	counts := make(map[domain.SessionType]int64, len(rows))
	for _, r := range rows {
		counts[r.Type] = r.Count
	}
	return counts, nil
}
