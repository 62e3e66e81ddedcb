package domain

import "time"

// SessionType classifies how a session was established.
type SessionType string

const (
	SessionTypeWeb    SessionType = "WEB"
	SessionTypeMobile SessionType = "MOBILE"
	SessionTypeAPI    SessionType = "API"
	SessionTypeSSO    SessionType = "SSO"
)

func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeWeb, SessionTypeMobile, SessionTypeAPI, SessionTypeSSO:
		return true
	}
	return false
}

// SecurityLevel tags a session with the assurance level of the login that
// produced it.
type SecurityLevel string

const (
	SecurityLevelStandard SecurityLevel = "standard"
	SecurityLevelHigh     SecurityLevel = "high"
	SecurityLevelMaximum  SecurityLevel = "maximum"
)

func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityLevelStandard, SecurityLevelHigh, SecurityLevelMaximum:
		return true
	}
	return false
}

// Session is the authoritative record in the durable store. TokenID holds the
// jti of the currently valid token pair and TokenIssuedAt the instant that
// pair was minted; FamilyID is shared by every pair descended from the same
// login and drives replay-triggered mass revocation.
type Session struct {
	ID             string        `gorm:"primaryKey;size:36" json:"id"`
	UserID         string        `gorm:"size:64;index;not null" json:"user_id"`
	TenantID       string        `gorm:"size:64;index" json:"tenant_id,omitempty"`
	OrganizationID string        `gorm:"size:64" json:"organization_id,omitempty"`
	Type           SessionType   `gorm:"size:16;not null" json:"type"`
	TokenID        string        `gorm:"column:jti;size:64;uniqueIndex;not null" json:"-"`
	TokenIssuedAt  time.Time     `gorm:"not null" json:"-"`
	FamilyID       string        `gorm:"size:64;index;not null" json:"-"`
	Fingerprint    string        `gorm:"size:64" json:"-"`
	IPAddress      string        `gorm:"size:64" json:"ip_address"`
	SecurityLevel  SecurityLevel `gorm:"size:16;not null" json:"security_level"`
	SSOProvider    string        `gorm:"size:64" json:"sso_provider,omitempty"`
	AccessCount    int64         `gorm:"not null;default:0" json:"access_count"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActiveAt   time.Time     `gorm:"index" json:"last_active_at"`
	ExpiresAt      time.Time     `gorm:"index;not null" json:"expires_at"`
	Revoked        bool          `gorm:"index;not null;default:false" json:"revoked"`
	RevokedReason  *string       `gorm:"size:64" json:"revoked_reason,omitempty"`
	RevokedAt      *time.Time    `json:"revoked_at,omitempty"`
}

// Active reports whether the session is usable at the given instant.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && s.ExpiresAt.After(now)
}

// DeviceInfo carries the client signals hashed into a session fingerprint.
// It is an input to session creation, never persisted verbatim.
type DeviceInfo struct {
	Name      string
	Platform  string
	IPAddress string
	UserAgent string
}

// TokenPair is the issuance result handed to the outer API layer.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// SessionContext is what a successful validation yields: just enough identity
// to authorize the request, decoupled from the persistence entity.
type SessionContext struct {
	SessionID      string        `json:"session_id"`
	UserID         string        `json:"user_id"`
	TenantID       string        `json:"tenant_id,omitempty"`
	OrganizationID string        `json:"organization_id,omitempty"`
	Type           SessionType   `json:"type"`
	SecurityLevel  SecurityLevel `json:"security_level"`
}
