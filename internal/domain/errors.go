package domain

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable rejection code attached to every expected
// failure. Rejections never surface as bare booleans.
type Reason string

const (
	ReasonExpired     Reason = "expired"
	ReasonRevoked     Reason = "revoked"
	ReasonInvalid     Reason = "invalid"
	ReasonReplayed    Reason = "replayed"
	ReasonRateLimited Reason = "rate_limited"
	ReasonNotFound    Reason = "not_found"
)

var (
	// ErrTokenReplay marks reuse of an already-rotated refresh token. It is
	// always accompanied by family-wide revocation and a security audit event.
	ErrTokenReplay = errors.New("refresh token replay detected")

	// ErrConcurrency indicates a lost race (lock acquisition timeout or a
	// concurrent modification); the caller should retry.
	ErrConcurrency = errors.New("concurrent operation in progress")

	// ErrDependencyUnavailable wraps infrastructure failures: the cache tier
	// with its circuit open, or the durable store being unreachable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// AuthError is the expected-outcome rejection for token and session checks.
// Expired, revoked and malformed tokens are routine, not exceptional.
type AuthError struct {
	Reason Reason
	cause  error
}

func NewAuthError(reason Reason, cause error) *AuthError {
	return &AuthError{Reason: reason, cause: cause}
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.cause }

// AuthReason extracts the rejection reason from an error chain, or "" when
// the error is not an authentication rejection.
func AuthReason(err error) Reason {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
