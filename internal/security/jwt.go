package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrTokenExpired  = errors.New("token is expired")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrWrongTokenUse = errors.New("unexpected token type")
)

// Claims is the wire shape of both token halves. It is deliberately distinct
// from the persistence entity; the services map between the two explicitly.
type Claims struct {
	TokenType      string `json:"type"`
	TenantID       string `json:"tid,omitempty"`
	OrganizationID string `json:"oid,omitempty"`
	SessionID      string `json:"session_id"`
	FamilyID       string `json:"family_id"`
	jwt.RegisteredClaims
}

// TokenInput is everything the codec needs to mint one token.
type TokenInput struct {
	UserID         string
	TenantID       string
	OrganizationID string
	SessionID      string
	FamilyID       string
	JTI            string
	TTL            time.Duration
}

// JWTManager signs and verifies HS256 token pairs. Access and refresh tokens
// use independent secrets so a leaked access secret cannot mint refreshes.
type JWTManager struct {
	issuer        string
	audience      string
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewJWTManager(issuer, audience, accessSecret, refreshSecret string) *JWTManager {
	return &JWTManager{
		issuer:        issuer,
		audience:      audience,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		now:           time.Now,
	}
}

// WithClock overrides the time source; tests use it to mint expired tokens.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	m.now = now
	return m
}

func (m *JWTManager) SignAccessToken(in TokenInput) (string, error) {
	return m.sign(in, TokenTypeAccess, m.accessSecret)
}

func (m *JWTManager) SignRefreshToken(in TokenInput) (string, error) {
	return m.sign(in, TokenTypeRefresh, m.refreshSecret)
}

func (m *JWTManager) sign(in TokenInput, tokenType string, secret []byte) (string, error) {
	now := m.now()
	claims := Claims{
		TokenType:      tokenType,
		TenantID:       in.TenantID,
		OrganizationID: in.OrganizationID,
		SessionID:      in.SessionID,
		FamilyID:       in.FamilyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   in.UserID,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(in.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        in.JTI,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, TokenTypeAccess)
}

func (m *JWTManager) ParseRefreshToken(raw string) (*Claims, error) {
	return m.parse(raw, m.refreshSecret, TokenTypeRefresh)
}

func (m *JWTManager) parse(raw string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !tok.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenUse, claims.TokenType)
	}
	if claims.ID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing token or session identifier", ErrTokenInvalid)
	}
	return claims, nil
}
