package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// SignupRequest registers a new identity and logs it in.
type SignupRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Password  string `json:"password" validate:"required,min=8"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshRequest exchanges a refresh token for a new credential pair.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// AuthUser is the minimal profile echoed back on login and refresh.
type AuthUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthResponse is the credential issuance contract shared by login, signup
// and refresh. Field names are part of the client contract; do not rename.
type AuthResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	SessionID    string    `json:"sessionId"`
	User         AuthUser  `json:"user"`
}

// SessionInfo describes an active device session for client display.
type SessionInfo struct {
	SessionID      string    `json:"sessionId"`
	DeviceInfo     string    `json:"deviceInfo"`
	IPAddress      string    `json:"ipAddress"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Current        bool      `json:"current"`
}

// AccessTokenClaims is the JWT payload for access tokens. The registered ID
// claim (jti) doubles as the session kill-switch key.
type AccessTokenClaims struct {
	UserID            string `json:"user_id"`
	Email             string `json:"email"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	SessionID         string `json:"session_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	jwt.RegisteredClaims
}
