package models

import "time"

// RefreshToken represents one issuance of the long-lived credential. The
// token string is globally unique and never reused; once revoked the record
// only survives until the retention sweeper reaps it.
type RefreshToken struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	Token             string     `db:"token" json:"-"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	Revoked           bool       `db:"revoked" json:"revoked"`
	RevokedAt         *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	DeviceInfo        string     `db:"device_info" json:"device_info"`
	IPAddress         string     `db:"ip_address" json:"ip_address"`
	UserAgent         string     `db:"user_agent" json:"user_agent"`
	DeviceFingerprint string     `db:"device_fingerprint" json:"device_fingerprint"`
	SessionID         string     `db:"session_id" json:"session_id"`
	LastActivityAt    time.Time  `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the token's lifetime has elapsed.
func (t *RefreshToken) IsExpired() bool {
	return !time.Now().UTC().Before(t.ExpiresAt)
}

// IsValid reports whether the token can still be exchanged.
func (t *RefreshToken) IsValid() bool {
	return !t.Revoked && !t.IsExpired()
}
