package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/reachforge/identity-api/internal/device"
	"github.com/reachforge/identity-api/internal/models"
	"github.com/reachforge/identity-api/internal/repository"
	appErrors "github.com/reachforge/identity-api/pkg/errors"
)

type identityRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
	ListAuditLogs(ctx context.Context, userID string, filter models.AuditFilter) ([]models.AuditLog, int, error)
}

type credentialRepository interface {
	FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	CreateCredentials(ctx context.Context, token *models.RefreshToken, session *models.Session) error
	ConsumeRefreshToken(ctx context.Context, id string, revokedAt time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	RevokeAllRefreshTokens(ctx context.Context, userID string) error
	FindSessionByID(ctx context.Context, sessionID string) (*models.Session, error)
	FindSessionByAccessTokenID(ctx context.Context, accessTokenID string) (*models.Session, error)
	ListActiveSessions(ctx context.Context, userID string) ([]models.Session, error)
	RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error
	TouchSessionActivity(ctx context.Context, sessionID string, ts time.Time) error
}

// AuthPolicy tunes orchestrator behaviour around device checks.
type AuthPolicy struct {
	// StrictDeviceCheck rejects a refresh when the presenting device's
	// fingerprint differs from the one the token was issued to. When false
	// the mismatch is logged and audited but the exchange proceeds.
	StrictDeviceCheck bool
}

// AuthService orchestrates the credential lifecycle: it is the single
// authority for the one-active-session-per-user policy, performing
// revoke-then-issue as one logical step on every issuance path.
type AuthService struct {
	users     identityRepository
	creds     credentialRepository
	issuer    *TokenIssuer
	throttle  *LoginThrottle
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	policy    AuthPolicy
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users identityRepository, creds credentialRepository, issuer *TokenIssuer, throttle *LoginThrottle, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, policy AuthPolicy) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		users:     users,
		creds:     creds,
		issuer:    issuer,
		throttle:  throttle,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		policy:    policy,
	}
}

// Signup registers a new identity and immediately issues credentials for it.
func (s *AuthService) Signup(ctx context.Context, req models.SignupRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid signup payload")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email is already registered")
		}
		return nil, appErrors.Storage(err, "failed to create user")
	}

	res, err := s.issueCredentials(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionSignup, req.IP, req.UserAgent, map[string]any{"status": "success"})
	return res, nil
}

// Login authenticates a user and returns newly issued credentials. Any
// previously valid session and refresh token for the user are revoked
// first, keeping at most one valid pair outstanding.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	if s.throttle.Blocked(ctx, req.Email, req.IP) {
		return nil, appErrors.Clone(appErrors.ErrTooManyRequests, "too many failed login attempts, try again later")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Same message as a wrong password so callers cannot probe
			// which emails exist.
			s.throttle.RecordFailure(ctx, req.Email, req.IP)
			s.recordLogin("failure")
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
		}
		return nil, appErrors.Storage(err, "failed to fetch user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.throttle.RecordFailure(ctx, req.Email, req.IP)
		s.recordLogin("failure")
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	s.throttle.Reset(ctx, req.Email, req.IP)

	if _, err := s.creds.RevokeAllForUser(ctx, user.ID); err != nil {
		return nil, appErrors.Storage(err, "failed to revoke previous credentials")
	}

	res, err := s.issueCredentials(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		s.recordLogin("failure")
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.audit(ctx, user.ID, models.AuditActionLogin, req.IP, req.UserAgent, map[string]any{"status": "success", "session_id": res.SessionID})
	s.recordLogin("success")
	return res, nil
}

// Refresh rotates a refresh token: the presented token is consumed first and
// can never be used again, whether or not the exchange succeeds.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	stored, err := s.creds.FindRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.recordRefresh("invalid")
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "invalid refresh token")
		}
		return nil, appErrors.Storage(err, "failed to fetch refresh token")
	}

	if !stored.IsValid() {
		s.recordRefresh("expired_or_revoked")
		return nil, appErrors.Clone(appErrors.ErrTokenExpiredOrRevoked, "refresh token is expired or revoked")
	}

	fingerprint := device.Fingerprint(req.IP, req.UserAgent)
	if fingerprint != stored.DeviceFingerprint {
		s.logger.Warn("refresh token presented from a different device",
			zap.String("user_id", stored.UserID),
			zap.String("session_id", stored.SessionID),
			zap.String("ip", req.IP))
		s.audit(ctx, stored.UserID, models.AuditActionDeviceMismatch, req.IP, req.UserAgent, map[string]any{"session_id": stored.SessionID})
		if s.policy.StrictDeviceCheck {
			// Burn the token even though the exchange is rejected.
			if _, err := s.creds.ConsumeRefreshToken(ctx, stored.ID, time.Now().UTC()); err != nil {
				s.logger.Warn("failed to consume mismatched refresh token", zap.Error(err))
			}
			s.recordRefresh("device_mismatch")
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token rejected for this device")
		}
	}

	// Compare-and-set revoke: of two concurrent exchanges of the same token
	// exactly one wins, the other observes it already consumed.
	consumed, err := s.creds.ConsumeRefreshToken(ctx, stored.ID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Storage(err, "failed to consume refresh token")
	}
	if !consumed {
		s.recordRefresh("expired_or_revoked")
		return nil, appErrors.Clone(appErrors.ErrTokenExpiredOrRevoked, "refresh token is expired or revoked")
	}

	// The CAS winner then sweeps whatever else the user still holds,
	// including the session the consumed token belonged to. Rotation is a
	// full revoke-then-issue: the superseded access token dies here, not at
	// its expiry claim.
	if _, err := s.creds.RevokeAllForUser(ctx, stored.UserID); err != nil {
		return nil, appErrors.Storage(err, "failed to revoke previous credentials")
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.recordRefresh("invalid")
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "associated user no longer exists")
		}
		return nil, appErrors.Storage(err, "failed to load user")
	}

	res, err := s.issueCredentials(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		s.recordRefresh("failure")
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionRefresh, req.IP, req.UserAgent, map[string]any{"rotated_from": stored.SessionID, "session_id": res.SessionID})
	s.recordRefresh("success")
	return res, nil
}

// Logout revokes the given session and every outstanding refresh token for
// the user. Logging out twice is not an error.
func (s *AuthService) Logout(ctx context.Context, userID, sessionID, ip, userAgent string) error {
	if err := s.creds.RevokeSession(ctx, sessionID, time.Now().UTC()); err != nil {
		return appErrors.Storage(err, "failed to revoke session")
	}
	if err := s.creds.RevokeAllRefreshTokens(ctx, userID); err != nil {
		return appErrors.Storage(err, "failed to revoke refresh tokens")
	}
	s.audit(ctx, userID, models.AuditActionLogout, ip, userAgent, map[string]any{"session_id": sessionID})
	s.recordSessionsRevoked(1)
	return nil
}

// LogoutAll revokes every valid session and refresh token for the user.
func (s *AuthService) LogoutAll(ctx context.Context, userID, ip, userAgent string) error {
	revoked, err := s.creds.RevokeAllForUser(ctx, userID)
	if err != nil {
		return appErrors.Storage(err, "failed to revoke credentials")
	}
	s.audit(ctx, userID, models.AuditActionLogoutAll, ip, userAgent, map[string]any{"status": "success", "sessions_revoked": revoked})
	s.recordSessionsRevoked(int(revoked))
	return nil
}

// CheckSession is the inbound gate for bearer requests: the session backing
// the access token id must still be valid, otherwise the token is dead even
// if its own expiry claim has not elapsed.
func (s *AuthService) CheckSession(ctx context.Context, accessTokenID string) (*models.Session, error) {
	session, err := s.creds.FindSessionByAccessTokenID(ctx, accessTokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "Token has been revoked or session is invalid. Please login again.")
		}
		return nil, appErrors.Storage(err, "failed to load session")
	}
	if !session.IsValid() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "Token has been revoked or session is invalid. Please login again.")
	}

	// Best effort: a lost activity update never fails the request.
	if err := s.creds.TouchSessionActivity(ctx, session.SessionID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update session activity", zap.Error(err))
	}

	return session, nil
}

// CurrentUser loads the minimal profile for an authenticated user id.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*models.AuthUser, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Storage(err, "failed to load user")
	}
	return &models.AuthUser{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		CreatedAt: user.CreatedAt,
	}, nil
}

// ListSessions returns the user's active device sessions.
func (s *AuthService) ListSessions(ctx context.Context, userID, currentSessionID string) ([]models.SessionInfo, error) {
	sessions, err := s.creds.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, appErrors.Storage(err, "failed to list sessions")
	}

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, models.SessionInfo{
			SessionID:      sess.SessionID,
			DeviceInfo:     sess.DeviceInfo,
			IPAddress:      sess.IPAddress,
			LastActivityAt: sess.LastActivityAt,
			ExpiresAt:      sess.ExpiresAt,
			Current:        sess.SessionID == currentSessionID,
		})
	}
	return infos, nil
}

// AuditTrail returns the user's credential audit history.
func (s *AuthService) AuditTrail(ctx context.Context, userID string, filter models.AuditFilter) ([]models.AuditLog, *models.Pagination, error) {
	logs, total, err := s.users.ListAuditLogs(ctx, userID, filter)
	if err != nil {
		return nil, nil, appErrors.Storage(err, "failed to list audit logs")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return logs, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// issueCredentials mints a correlated (access token, refresh token, session)
// triple and persists the refresh token and session atomically.
func (s *AuthService) issueCredentials(ctx context.Context, user *models.User, ip, userAgent string) (*models.AuthResponse, error) {
	fingerprint := device.Fingerprint(ip, userAgent)
	deviceInfo := device.Class(userAgent)
	sessionID := uuid.NewString()
	accessTokenID := uuid.NewString()

	accessToken, expiresAt, err := s.issuer.IssueAccessToken(user, sessionID, accessTokenID, fingerprint)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshValue, err := s.issuer.IssueRefreshToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	now := time.Now().UTC()
	token := &models.RefreshToken{
		UserID:            user.ID,
		Token:             refreshValue,
		ExpiresAt:         now.Add(s.issuer.RefreshTokenExpiry()),
		DeviceInfo:        deviceInfo,
		IPAddress:         ip,
		UserAgent:         userAgent,
		DeviceFingerprint: fingerprint,
		SessionID:         sessionID,
	}
	session := &models.Session{
		UserID:            user.ID,
		SessionID:         sessionID,
		AccessTokenID:     accessTokenID,
		DeviceFingerprint: fingerprint,
		DeviceInfo:        deviceInfo,
		IPAddress:         ip,
		UserAgent:         userAgent,
		ExpiresAt:         expiresAt,
		Active:            true,
	}

	if err := s.creds.CreateCredentials(ctx, token, session); err != nil {
		return nil, appErrors.Storage(err, "failed to persist credentials")
	}

	return &models.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshValue,
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
		User: models.AuthUser{
			ID:        user.ID,
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			CreatedAt: user.CreatedAt,
		},
	}, nil
}

func (s *AuthService) audit(ctx context.Context, userID, action, ip, userAgent string, payload map[string]any) {
	values, _ := json.Marshal(payload)
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &userID,
		NewValues:  values,
		IPAddress:  ip,
		UserAgent:  userAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *AuthService) recordLogin(result string) {
	if s.metrics != nil {
		s.metrics.RecordLogin(result)
	}
}

func (s *AuthService) recordRefresh(result string) {
	if s.metrics != nil {
		s.metrics.RecordRefresh(result)
	}
}

func (s *AuthService) recordSessionsRevoked(n int) {
	if s.metrics != nil {
		s.metrics.RecordSessionsRevoked(n)
	}
}
