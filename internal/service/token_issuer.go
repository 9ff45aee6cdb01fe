package service

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/reachforge/identity-api/internal/models"
	"github.com/reachforge/identity-api/pkg/config"
)

// ErrMissingSigningSecret is returned at construction when no JWT secret is
// configured. Callers treat it as a fatal startup error.
var ErrMissingSigningSecret = errors.New("token issuer: signing secret is not configured")

// TokenIssuer mints signed access tokens and opaque refresh tokens.
type TokenIssuer struct {
	cfg config.JWTConfig
}

// NewTokenIssuer validates the signing configuration up front so that a
// misconfigured secret fails the process at boot instead of per request.
func NewTokenIssuer(cfg config.JWTConfig) (*TokenIssuer, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSigningSecret
	}
	if cfg.AccessTokenExpiry <= 0 {
		cfg.AccessTokenExpiry = time.Hour
	}
	if cfg.RefreshTokenExpiry <= 0 {
		cfg.RefreshTokenExpiry = 168 * time.Hour
	}
	return &TokenIssuer{cfg: cfg}, nil
}

// AccessTokenExpiry exposes the configured access token lifetime.
func (i *TokenIssuer) AccessTokenExpiry() time.Duration {
	return i.cfg.AccessTokenExpiry
}

// RefreshTokenExpiry exposes the configured refresh token lifetime.
func (i *TokenIssuer) RefreshTokenExpiry() time.Duration {
	return i.cfg.RefreshTokenExpiry
}

// IssueAccessToken signs a short-lived bearer token. accessTokenID becomes
// the jti claim, which the session gate later uses to revoke live tokens.
func (i *TokenIssuer) IssueAccessToken(user *models.User, sessionID, accessTokenID, fingerprint string) (string, time.Time, error) {
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(i.cfg.AccessTokenExpiry)
	claims := &models.AccessTokenClaims{
		UserID:            user.ID,
		Email:             user.Email,
		FirstName:         user.FirstName,
		LastName:          user.LastName,
		SessionID:         sessionID,
		DeviceFingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        accessTokenID,
			Issuer:    i.cfg.Issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings(i.cfg.Audience),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseAccessToken verifies a token's signature and expiry and returns its
// claims.
func (i *TokenIssuer) ParseAccessToken(tokenString string) (*models.AccessTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(i.cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*models.AccessTokenClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// IssueRefreshToken produces a cryptographically random opaque string.
func (i *TokenIssuer) IssueRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
