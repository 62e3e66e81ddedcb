package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/identityplane/sessioncore/internal/cache"
	"github.com/identityplane/sessioncore/internal/domain"
	"github.com/identityplane/sessioncore/internal/lock"
	"github.com/identityplane/sessioncore/internal/observability"
	"github.com/identityplane/sessioncore/internal/repository"
	"github.com/identityplane/sessioncore/internal/security"
)

// Revocation reasons written to the session row and the blacklist. The
// refresh path branches on these: a rotated or replayed jti presented again
// is a theft signal, any other reason is an ordinary revoked session.
const (
	reasonRotated          = "rotated"
	reasonReplayDetected   = "replay_detected"
	reasonConcurrencyLimit = "concurrency_limit"
	reasonExpired          = "expired"
	reasonUserRevokedAll   = "user_revoked_all"
)

// Options tunes the session manager. Zero values get safe defaults.
type Options struct {
	SessionTTL      time.Duration
	IdleExtension   time.Duration
	MaxConcurrent   int
	ContextCacheTTL time.Duration
	LockTTL         time.Duration
}

func (o *Options) withDefaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 24 * time.Hour
	}
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 5
	}
	if o.ContextCacheTTL <= 0 {
		o.ContextCacheTTL = time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
}

// CreateSessionInput is the post-authentication request to open a session.
// Credential verification happens upstream; this core trusts the caller.
type CreateSessionInput struct {
	UserID         string
	Type           domain.SessionType
	Device         domain.DeviceInfo
	TenantID       string
	OrganizationID string
	SecurityLevel  domain.SecurityLevel
}

// SessionManager is the single entry point for the session lifecycle. The
// durable store is the source of truth; the cache only accelerates, and every
// disagreement between the two resolves toward the store.
type SessionManager struct {
	repo   repository.SessionRepository
	tokens *TokenService
	store  cache.Store
	locks  *lock.Manager
	audit  *observability.Dispatcher
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

func NewSessionManager(
	repo repository.SessionRepository,
	tokens *TokenService,
	store cache.Store,
	locks *lock.Manager,
	audit *observability.Dispatcher,
	logger *slog.Logger,
	opts Options,
) *SessionManager {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		repo:   repo,
		tokens: tokens,
		store:  store,
		locks:  locks,
		audit:  audit,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	m.now = now
	return m
}

// Create opens a session and issues its first token pair. When the user is
// already at the concurrency limit the oldest active session is evicted
// first, so creation never fails for limit reasons.
func (m *SessionManager) Create(ctx context.Context, in CreateSessionInput) (*domain.TokenPair, error) {
	if in.UserID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if !in.Type.Valid() {
		return nil, &domain.ValidationError{Field: "type", Message: fmt.Sprintf("unknown session type %q", in.Type)}
	}
	level := in.SecurityLevel
	if level == "" {
		level = domain.SecurityLevelStandard
	}
	if !level.Valid() {
		return nil, &domain.ValidationError{Field: "security_level", Message: fmt.Sprintf("unknown level %q", level)}
	}

	now := m.now()
	if err := m.evictIfAtLimit(ctx, in.UserID, now); err != nil {
		observability.RecordSessionCreate("error")
		return nil, err
	}

	sessionID := uuid.NewString()
	familyID := uuid.NewString()
	pair, jti, err := m.tokens.CreateTokens(TokenRequest{
		UserID:         in.UserID,
		TenantID:       in.TenantID,
		OrganizationID: in.OrganizationID,
		SessionID:      sessionID,
		FamilyID:       familyID,
	})
	if err != nil {
		observability.RecordSessionCreate("error")
		return nil, err
	}

	sess := &domain.Session{
		ID:             sessionID,
		UserID:         in.UserID,
		TenantID:       in.TenantID,
		OrganizationID: in.OrganizationID,
		Type:           in.Type,
		TokenID:        jti,
		TokenIssuedAt:  now,
		FamilyID:       familyID,
		Fingerprint:    security.Fingerprint(in.Device),
		IPAddress:      security.MaskIP(in.Device.IPAddress),
		SecurityLevel:  level,
		CreatedAt:      now,
		LastActiveAt:   now,
		ExpiresAt:      now.Add(m.opts.SessionTTL),
	}
	if err := m.repo.Create(ctx, sess); err != nil {
		observability.RecordSessionCreate("error")
		return nil, fmt.Errorf("%w: create session: %v", domain.ErrDependencyUnavailable, err)
	}

	m.cacheContext(ctx, jti, contextFrom(sess))
	m.audit.Emit(observability.Event{
		Name: "session.created", At: now,
		UserID: in.UserID, SessionID: sessionID, TenantID: in.TenantID,
		Fields: map[string]any{"type": string(in.Type), "security_level": string(level)},
	})
	observability.RecordSessionCreate("success")
	return pair, nil
}

func (m *SessionManager) evictIfAtLimit(ctx context.Context, userID string, now time.Time) error {
	count, err := m.repo.CountActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: count sessions: %v", domain.ErrDependencyUnavailable, err)
	}
	if count < int64(m.opts.MaxConcurrent) {
		return nil
	}
	oldest, err := m.repo.OldestActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("%w: find oldest session: %v", domain.ErrDependencyUnavailable, err)
	}
	changed, err := m.repo.Revoke(ctx, oldest.ID, reasonConcurrencyLimit, now)
	if err != nil {
		return fmt.Errorf("%w: evict session: %v", domain.ErrDependencyUnavailable, err)
	}
	if !changed {
		return nil
	}
	m.blacklistBestEffort(ctx, oldest.TokenID, reasonConcurrencyLimit, m.pairLifetimeLeft(oldest, now))
	m.audit.Emit(observability.Event{
		Name: "session.revoked", At: now,
		UserID: userID, SessionID: oldest.ID, TenantID: oldest.TenantID,
		Fields: map[string]any{"reason": reasonConcurrencyLimit},
	})
	observability.RecordSessionRevocation("eviction")
	return nil
}

// Validate checks an access token and resolves its session context. The
// blacklist is consulted first; when the cache tier is unavailable the
// durable store answers instead; an outage is never proof of validity.
func (m *SessionManager) Validate(ctx context.Context, accessToken string) (*domain.SessionContext, error) {
	claims, err := m.tokens.VerifyToken(accessToken, security.TokenTypeAccess)
	if err != nil {
		observability.RecordSessionValidate(validateOutcome(err))
		return nil, err
	}

	blacklisted, _, blErr := m.tokens.IsBlacklisted(ctx, claims.ID)
	if blErr != nil {
		sctx, ferr := m.validateAgainstStore(ctx, claims)
		observability.RecordSessionValidate(validateOutcome(ferr))
		return sctx, ferr
	}
	if blacklisted {
		observability.RecordSessionValidate(string(domain.ReasonRevoked))
		return nil, domain.NewAuthError(domain.ReasonRevoked, nil)
	}
	if m.userRevokedSince(ctx, claims) {
		observability.RecordSessionValidate(string(domain.ReasonRevoked))
		return nil, domain.NewAuthError(domain.ReasonRevoked, nil)
	}

	if sctx := m.cachedContext(ctx, claims.ID); sctx != nil {
		observability.RecordSessionValidate("success")
		return sctx, nil
	}
	sctx, err := m.validateAgainstStore(ctx, claims)
	if err != nil {
		observability.RecordSessionValidate(validateOutcome(err))
		return nil, err
	}
	m.cacheContext(ctx, claims.ID, sctx)
	observability.RecordSessionValidate("success")
	return sctx, nil
}

// validateAgainstStore is the authoritative check: row present, not revoked,
// not expired, and the presented jti is still the session's current one.
func (m *SessionManager) validateAgainstStore(ctx context.Context, claims *security.Claims) (*domain.SessionContext, error) {
	sess, err := m.repo.FindByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, domain.NewAuthError(domain.ReasonNotFound, err)
		}
		return nil, fmt.Errorf("%w: session lookup: %v", domain.ErrDependencyUnavailable, err)
	}
	now := m.now()
	switch {
	case !sess.ExpiresAt.After(now):
		return nil, domain.NewAuthError(domain.ReasonExpired, nil)
	case sess.Revoked:
		return nil, domain.NewAuthError(domain.ReasonRevoked, nil)
	case sess.TokenID != claims.ID:
		// Superseded by rotation; only the current pair is valid.
		return nil, domain.NewAuthError(domain.ReasonRevoked, nil)
	}
	return contextFrom(sess), nil
}

// UpdateActivity bumps access_count and last_active_at, sliding expiry
// forward by the idle extension. Best-effort: failures are logged, never
// surfaced into the caller's hot path.
func (m *SessionManager) UpdateActivity(ctx context.Context, sessionID string) {
	now := m.now()
	var slideTo time.Time
	if m.opts.IdleExtension > 0 {
		slideTo = now.Add(m.opts.IdleExtension)
	}
	if err := m.repo.TouchActivity(ctx, sessionID, now, slideTo); err != nil {
		m.logger.WarnContext(ctx, "activity update failed", "session_id", sessionID, "error", err)
	}
}

// Refresh rotates a token pair. Refreshes of the same session are strictly
// serialized through the distributed lock; reuse of an already-rotated
// refresh token revokes the whole family.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	claims, err := m.tokens.VerifyToken(refreshToken, security.TokenTypeRefresh)
	if err != nil {
		observability.RecordSessionRefresh("rejected")
		return nil, err
	}

	lockKey := lock.Key(claims.SessionID)
	holder, err := m.locks.Acquire(ctx, lockKey, m.opts.LockTTL)
	if err != nil {
		observability.RecordSessionRefresh("contended")
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: refresh already in progress", domain.ErrConcurrency)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, err)
	}
	defer func() {
		// Release must run even when the caller's context is already gone.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := m.locks.Release(releaseCtx, lockKey, holder); rerr != nil && !errors.Is(rerr, lock.ErrNotHeld) {
			m.logger.WarnContext(ctx, "refresh lock release failed", "session_id", claims.SessionID, "error", rerr)
		}
	}()

	blacklisted, blReason, blErr := m.tokens.IsBlacklisted(ctx, claims.ID)
	if blErr != nil {
		// Cache down: the jti comparison against the row below still
		// catches reuse; proceed on the durable answer alone.
		blacklisted = false
	}

	sess, err := m.repo.FindByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordSessionRefresh("rejected")
			return nil, domain.NewAuthError(domain.ReasonNotFound, err)
		}
		return nil, fmt.Errorf("%w: session lookup: %v", domain.ErrDependencyUnavailable, err)
	}

	now := m.now()
	if blacklisted && blReason != reasonRotated && blReason != reasonReplayDetected {
		observability.RecordSessionRefresh("rejected")
		return nil, domain.NewAuthError(domain.ReasonRevoked, nil)
	}
	if sess.Revoked && !isLineageReason(sess.RevokedReason) {
		observability.RecordSessionRefresh("rejected")
		if reason := derefString(sess.RevokedReason); reason == reasonExpired {
			return nil, domain.NewAuthError(domain.ReasonExpired, nil)
		}
		return nil, domain.NewAuthError(domain.ReasonRevoked, nil)
	}
	if blacklisted || sess.TokenID != claims.ID {
		return nil, m.handleReplay(ctx, claims, sess, now)
	}
	if !sess.ExpiresAt.After(now) {
		observability.RecordSessionRefresh("rejected")
		return nil, domain.NewAuthError(domain.ReasonExpired, nil)
	}
	if sess.Revoked {
		observability.RecordSessionRefresh("rejected")
		return nil, domain.NewAuthError(domain.ReasonRevoked, nil)
	}

	pair, newJTI, err := m.tokens.CreateTokens(TokenRequest{
		UserID:         sess.UserID,
		TenantID:       sess.TenantID,
		OrganizationID: sess.OrganizationID,
		SessionID:      sess.ID,
		FamilyID:       sess.FamilyID,
	})
	if err != nil {
		observability.RecordSessionRefresh("error")
		return nil, err
	}

	// The old pair dies before the new one becomes visible. If the cache is
	// down the durable jti swap below still supersedes the old token.
	if err := m.tokens.RevokeToken(ctx, claims.ID, reasonRotated, m.tokens.RemainingLifetime(claims)); err != nil {
		m.logger.WarnContext(ctx, "blacklist write skipped during rotation", "session_id", sess.ID, "error", err)
	}

	if err := m.repo.RotateTokenID(ctx, sess.ID, claims.ID, newJTI, now.Add(m.opts.SessionTTL)); err != nil {
		observability.RecordSessionRefresh("error")
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session rotated concurrently", domain.ErrConcurrency)
		}
		return nil, fmt.Errorf("%w: rotate session: %v", domain.ErrDependencyUnavailable, err)
	}

	m.dropContext(ctx, claims.ID)
	m.audit.Emit(observability.Event{
		Name: "session.refreshed", At: now,
		UserID: sess.UserID, SessionID: sess.ID, TenantID: sess.TenantID,
	})
	observability.RecordSessionRefresh("success")
	return pair, nil
}

// handleReplay is the theft response: every session in the family dies, the
// security event is emitted unconditionally, and the caller gets
// ErrTokenReplay. This path is never silently swallowed.
func (m *SessionManager) handleReplay(ctx context.Context, claims *security.Claims, sess *domain.Session, now time.Time) error {
	count, err := m.repo.RevokeByFamilyID(ctx, claims.FamilyID, reasonReplayDetected, now)
	if err != nil {
		m.logger.ErrorContext(ctx, "family revocation failed after replay", "family_id", claims.FamilyID, "error", err)
	}
	m.blacklistBestEffort(ctx, claims.ID, reasonReplayDetected, m.tokens.RemainingLifetime(claims))
	if sess.TokenID != claims.ID {
		m.blacklistBestEffort(ctx, sess.TokenID, reasonReplayDetected, m.pairLifetimeLeft(sess, now))
	}
	m.audit.Emit(observability.Event{
		Name: "security.token_replay", At: now,
		UserID: sess.UserID, SessionID: sess.ID, TenantID: sess.TenantID,
		Fields: map[string]any{"family_id": claims.FamilyID, "revoked_sessions": count},
	})
	observability.RecordTokenReplay()
	observability.RecordSessionRefresh("replay")
	return fmt.Errorf("%w: family %s revoked", domain.ErrTokenReplay, claims.FamilyID)
}

// Revoke terminates one session and blacklists its current token pair.
func (m *SessionManager) Revoke(ctx context.Context, sessionID, reason string) error {
	sess, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("%w: session lookup: %v", domain.ErrDependencyUnavailable, err)
	}
	now := m.now()
	changed, err := m.repo.Revoke(ctx, sessionID, reason, now)
	if err != nil {
		return fmt.Errorf("%w: revoke session: %v", domain.ErrDependencyUnavailable, err)
	}
	if !changed {
		return nil
	}
	m.blacklistBestEffort(ctx, sess.TokenID, reason, m.pairLifetimeLeft(sess, now))
	m.audit.Emit(observability.Event{
		Name: "session.revoked", At: now,
		UserID: sess.UserID, SessionID: sessionID, TenantID: sess.TenantID,
		Fields: map[string]any{"reason": reason},
	})
	observability.RecordSessionRevocation("single")
	return nil
}

// RevokeAllForUser terminates every active session of a user, optionally
// keeping one (the caller's own). Returns the number of sessions revoked.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID, exceptSessionID string) (int64, error) {
	active, err := m.repo.ListByUser(ctx, userID, false)
	if err != nil {
		return 0, fmt.Errorf("%w: list sessions: %v", domain.ErrDependencyUnavailable, err)
	}
	now := m.now()
	count, err := m.repo.RevokeAllForUser(ctx, userID, exceptSessionID, reasonUserRevokedAll, now)
	if err != nil {
		return 0, fmt.Errorf("%w: revoke sessions: %v", domain.ErrDependencyUnavailable, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range active {
		if s.ID == exceptSessionID {
			continue
		}
		jti := s.TokenID
		remaining := m.pairLifetimeLeft(&s, now)
		g.Go(func() error {
			return m.tokens.RevokeToken(gctx, jti, reasonUserRevokedAll, remaining)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.WarnContext(ctx, "bulk blacklist incomplete", "user_id", userID, "error", err)
	}

	if exceptSessionID == "" {
		// User-wide marker: tokens issued before now are dead even if an
		// individual blacklist write above was lost. Nanoseconds, because
		// jwt issued-at is truncated to seconds and the comparison must not
		// miss a revocation inside the same second.
		if err := m.store.Set(ctx, revokedUserKey(userID), strconv.FormatInt(now.UnixNano(), 10), m.tokens.RefreshTTL()); err != nil {
			m.logger.WarnContext(ctx, "revoked-user marker write failed", "user_id", userID, "error", err)
		}
	}

	m.audit.Emit(observability.Event{
		Name: "sessions.revoked_all", At: now, UserID: userID,
		Fields: map[string]any{"count": count, "kept_session_id": exceptSessionID},
	})
	observability.RecordSessionRevocation("all_for_user")
	return count, nil
}

// ListForUser reads sessions from the durable store. With includeExpired set
// it returns the full history, terminal rows included.
func (m *SessionManager) ListForUser(ctx context.Context, userID string, includeExpired bool) ([]domain.Session, error) {
	sessions, err := m.repo.ListByUser(ctx, userID, includeExpired)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", domain.ErrDependencyUnavailable, err)
	}
	return sessions, nil
}

// CleanupExpired sweeps timed-out sessions into their terminal state. Meant
// to run on a schedule external to this core.
func (m *SessionManager) CleanupExpired(ctx context.Context) (int64, error) {
	count, err := m.repo.MarkExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", domain.ErrDependencyUnavailable, err)
	}
	if count > 0 {
		m.logger.InfoContext(ctx, "expired sessions cleaned up", "count", count)
	}
	return count, nil
}

// MigrateToSSO rewrites a session as SSO-established after an upstream SSO
// flow claims it.
func (m *SessionManager) MigrateToSSO(ctx context.Context, sessionID, provider string) (*domain.Session, error) {
	if provider == "" {
		return nil, &domain.ValidationError{Field: "provider", Message: "must not be empty"}
	}
	sess, err := m.repo.MigrateToSSO(ctx, sessionID, provider)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: migrate session: %v", domain.ErrDependencyUnavailable, err)
	}
	m.dropContext(ctx, sess.TokenID)
	m.audit.Emit(observability.Event{
		Name: "session.migrated_sso", At: m.now(),
		UserID: sess.UserID, SessionID: sess.ID, TenantID: sess.TenantID,
		Fields: map[string]any{"provider": provider},
	})
	return sess, nil
}

func (m *SessionManager) blacklistBestEffort(ctx context.Context, jti, reason string, remaining time.Duration) {
	if jti == "" {
		return
	}
	if err := m.tokens.RevokeToken(ctx, jti, reason, remaining); err != nil {
		m.logger.WarnContext(ctx, "blacklist write failed", "reason", reason, "error", err)
	}
	if err := m.store.Del(ctx, sessionKey(jti)); err != nil && cache.IsUnavailable(err) {
		m.logger.WarnContext(ctx, "context cache invalidation failed", "error", err)
	}
}

// pairLifetimeLeft bounds a blacklist entry by the refresh token's own expiry
// so entries never outlive the tokens they cover.
func (m *SessionManager) pairLifetimeLeft(s *domain.Session, now time.Time) time.Duration {
	if s.TokenIssuedAt.IsZero() {
		return m.tokens.RefreshTTL()
	}
	remaining := s.TokenIssuedAt.Add(m.tokens.RefreshTTL()).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// userRevokedSince consults the revoked_user marker: tokens issued before a
// user-wide revocation are dead regardless of per-jti blacklist state.
func (m *SessionManager) userRevokedSince(ctx context.Context, claims *security.Claims) bool {
	v, err := m.store.Get(ctx, revokedUserKey(claims.Subject))
	if err != nil {
		return false
	}
	revokedAt, err := strconv.ParseInt(v, 10, 64)
	if err != nil || claims.IssuedAt == nil {
		return false
	}
	return claims.IssuedAt.Time.UnixNano() < revokedAt
}

func (m *SessionManager) cachedContext(ctx context.Context, jti string) *domain.SessionContext {
	raw, err := m.store.Get(ctx, sessionKey(jti))
	if err != nil {
		return nil
	}
	var sctx domain.SessionContext
	if err := json.Unmarshal([]byte(raw), &sctx); err != nil {
		return nil
	}
	return &sctx
}

func (m *SessionManager) cacheContext(ctx context.Context, jti string, sctx *domain.SessionContext) {
	payload, err := json.Marshal(sctx)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, sessionKey(jti), string(payload), m.opts.ContextCacheTTL); err != nil && cache.IsUnavailable(err) {
		m.logger.DebugContext(ctx, "context cache write skipped", "error", err)
	}
}

func (m *SessionManager) dropContext(ctx context.Context, jti string) {
	if err := m.store.Del(ctx, sessionKey(jti)); err != nil && cache.IsUnavailable(err) {
		m.logger.DebugContext(ctx, "context cache delete skipped", "error", err)
	}
}

func contextFrom(s *domain.Session) *domain.SessionContext {
	return &domain.SessionContext{
		SessionID:      s.ID,
		UserID:         s.UserID,
		TenantID:       s.TenantID,
		OrganizationID: s.OrganizationID,
		Type:           s.Type,
		SecurityLevel:  s.SecurityLevel,
	}
}

func isLineageReason(reason *string) bool {
	r := derefString(reason)
	return r == reasonRotated || r == reasonReplayDetected
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func validateOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if reason := domain.AuthReason(err); reason != "" {
		return string(reason)
	}
	return "error"
}
