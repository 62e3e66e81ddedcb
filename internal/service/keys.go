package service

// Cache key namespaces. Entries under these keys are reconstructable from the
// durable store at any time; none of them is an authorization grant on its own.
func blacklistKey(jti string) string      { return "blacklist:" + jti }
func sessionKey(jti string) string        { return "session:" + jti }
func revokedUserKey(userID string) string { return "revoked_user:" + userID }

const (
	analyticsActiveCountKey = "analytics:active_count"
	analyticsByTypeKey      = "analytics:by_type"
)
