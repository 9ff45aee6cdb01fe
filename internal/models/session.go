package models

import "time"

// Session tracks one logical login instance. It is the authoritative
// revocation point for access tokens: revoking the session kills the live
// access token identified by AccessTokenID without waiting for its expiry.
type Session struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	SessionID         string     `db:"session_id" json:"session_id"`
	AccessTokenID     string     `db:"access_token_id" json:"access_token_id"`
	DeviceFingerprint string     `db:"device_fingerprint" json:"device_fingerprint"`
	DeviceInfo        string     `db:"device_info" json:"device_info"`
	IPAddress         string     `db:"ip_address" json:"ip_address"`
	UserAgent         string     `db:"user_agent" json:"user_agent"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	LastActivityAt    time.Time  `db:"last_activity_at" json:"last_activity_at"`
	Active            bool       `db:"active" json:"active"`
	RevokedAt         *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the session outlived its expiry.
func (s *Session) IsExpired() bool {
	return !time.Now().UTC().Before(s.ExpiresAt)
}

// IsValid reports whether the session still authorizes requests.
func (s *Session) IsValid() bool {
	return s.Active && !s.IsExpired()
}
