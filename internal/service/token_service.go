package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/identityplane/sessioncore/internal/cache"
	"github.com/identityplane/sessioncore/internal/domain"
	"github.com/identityplane/sessioncore/internal/security"
)

// TokenRequest is the identity payload a new token pair is minted for.
type TokenRequest struct {
	UserID         string
	TenantID       string
	OrganizationID string
	SessionID      string
	FamilyID       string
}

// TokenService issues, verifies and revokes token pairs. It owns the
// blacklist but not the fallback policy: on a cache outage IsBlacklisted
// surfaces the failure so the session manager can consult the durable store
// instead of silently treating the token as clean.
type TokenService struct {
	codec      *security.JWTManager
	store      cache.Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewTokenService(codec *security.JWTManager, store cache.Store, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		codec:      codec,
		store:      store,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source for deterministic expiry tests.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// CreateTokens mints an access+refresh pair sharing one jti and the session's
// family id. The shared jti means one blacklist entry kills both halves.
func (s *TokenService) CreateTokens(req TokenRequest) (*domain.TokenPair, string, error) {
	jti := uuid.NewString()
	in := security.TokenInput{
		UserID:         req.UserID,
		TenantID:       req.TenantID,
		OrganizationID: req.OrganizationID,
		SessionID:      req.SessionID,
		FamilyID:       req.FamilyID,
		JTI:            jti,
	}

	in.TTL = s.accessTTL
	access, err := s.codec.SignAccessToken(in)
	if err != nil {
		return nil, "", fmt.Errorf("sign access token: %w", err)
	}
	in.TTL = s.refreshTTL
	refresh, err := s.codec.SignRefreshToken(in)
	if err != nil {
		return nil, "", fmt.Errorf("sign refresh token: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		TokenType:    "Bearer",
	}, jti, nil
}

// VerifyToken checks signature, expiry and token type. It never consults the
// blacklist; revocation policy belongs to the session manager.
func (s *TokenService) VerifyToken(raw, expectType string) (*security.Claims, error) {
	var claims *security.Claims
	var err error
	switch expectType {
	case security.TokenTypeAccess:
		claims, err = s.codec.ParseAccessToken(raw)
	case security.TokenTypeRefresh:
		claims, err = s.codec.ParseRefreshToken(raw)
	default:
		return nil, &domain.ValidationError{Field: "token_type", Message: "unknown expected type"}
	}
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, domain.NewAuthError(domain.ReasonExpired, err)
		}
		return nil, domain.NewAuthError(domain.ReasonInvalid, err)
	}
	return claims, nil
}

// RevokeToken blacklists a jti for its remaining lifetime. Entries expire on
// their own, so the blacklist never needs sweeping.
func (s *TokenService) RevokeToken(ctx context.Context, jti, reason string, remaining time.Duration) error {
	if remaining <= 0 {
		// Already expired; the signature check rejects it without our help.
		return nil
	}
	if err := s.store.Set(ctx, blacklistKey(jti), reason, remaining); err != nil {
		return fmt.Errorf("%w: blacklist write: %v", domain.ErrDependencyUnavailable, err)
	}
	return nil
}

// IsBlacklisted reports whether the jti has been revoked, and the recorded
// reason. A circuit-open cache surfaces ErrDependencyUnavailable; the caller
// must never interpret that as "not blacklisted".
func (s *TokenService) IsBlacklisted(ctx context.Context, jti string) (bool, string, error) {
	reason, err := s.store.Get(ctx, blacklistKey(jti))
	if err == nil {
		return true, reason, nil
	}
	if errors.Is(err, cache.ErrKeyNotFound) {
		return false, "", nil
	}
	return false, "", fmt.Errorf("%w: blacklist read: %v", domain.ErrDependencyUnavailable, err)
}

// RemainingLifetime is the time until the claims' expiry, floored at zero.
func (s *TokenService) RemainingLifetime(claims *security.Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	remaining := claims.ExpiresAt.Time.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AccessTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL exposes the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }
