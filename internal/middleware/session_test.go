package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reachforge/identity-api/internal/models"
	"github.com/reachforge/identity-api/internal/service"
	"github.com/reachforge/identity-api/pkg/config"
)

type guardUsersStub struct{}

func (guardUsersStub) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, sql.ErrNoRows
}

func (guardUsersStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	return nil, sql.ErrNoRows
}

func (guardUsersStub) Create(ctx context.Context, user *models.User) error { return nil }

func (guardUsersStub) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	return nil
}

func (guardUsersStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error { return nil }

func (guardUsersStub) ListAuditLogs(ctx context.Context, userID string, filter models.AuditFilter) ([]models.AuditLog, int, error) {
	return nil, 0, nil
}

// guardCredsStub keys sessions by access token id, the only lookup the
// session gate performs.
type guardCredsStub struct {
	sessions map[string]*models.Session
}

func (s *guardCredsStub) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	return nil, sql.ErrNoRows
}

func (s *guardCredsStub) CreateCredentials(ctx context.Context, token *models.RefreshToken, session *models.Session) error {
	return nil
}

func (s *guardCredsStub) ConsumeRefreshToken(ctx context.Context, id string, revokedAt time.Time) (bool, error) {
	return false, nil
}

func (s *guardCredsStub) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return 0, nil
}

func (s *guardCredsStub) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	return nil
}

func (s *guardCredsStub) FindSessionByID(ctx context.Context, sessionID string) (*models.Session, error) {
	return nil, sql.ErrNoRows
}

func (s *guardCredsStub) FindSessionByAccessTokenID(ctx context.Context, accessTokenID string) (*models.Session, error) {
	sess, ok := s.sessions[accessTokenID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return sess, nil
}

func (s *guardCredsStub) ListActiveSessions(ctx context.Context, userID string) ([]models.Session, error) {
	return nil, nil
}

func (s *guardCredsStub) RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	return nil
}

func (s *guardCredsStub) TouchSessionActivity(ctx context.Context, sessionID string, ts time.Time) error {
	return nil
}

func guardTestRouter(t *testing.T, svc *service.AuthService, issuer *service.TokenIssuer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", JWT(issuer), SessionGuard(svc), func(c *gin.Context) {
		claims, ok := CurrentClaims(c)
		require.True(t, ok)
		session, ok := CurrentSession(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user": claims.UserID, "session": session.SessionID})
	})
	return r
}

func guardTestService(t *testing.T) (*service.AuthService, *service.TokenIssuer, *guardCredsStub) {
	t.Helper()
	issuer, err := service.NewTokenIssuer(config.JWTConfig{
		Secret:             "test-secret",
		AccessTokenExpiry:  time.Hour,
		RefreshTokenExpiry: 168 * time.Hour,
	})
	require.NoError(t, err)
	creds := &guardCredsStub{sessions: make(map[string]*models.Session)}
	svc := service.NewAuthService(guardUsersStub{}, creds, issuer, nil, nil, zap.NewNop(), nil, service.AuthPolicy{})
	return svc, issuer, creds
}

func doProtected(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSessionGuardAllowsLiveSession(t *testing.T) {
	svc, issuer, creds := guardTestService(t)
	r := guardTestRouter(t, svc, issuer)

	token, _, err := issuer.IssueAccessToken(&models.User{ID: "u1", Email: "a@example.com"}, "s1", "at1", "fp")
	require.NoError(t, err)
	creds.sessions["at1"] = &models.Session{
		UserID: "u1", SessionID: "s1", AccessTokenID: "at1",
		Active: true, ExpiresAt: time.Now().Add(time.Hour),
	}

	w := doProtected(r, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"session":"s1"`)
}

func TestSessionGuardRejectsRevokedSession(t *testing.T) {
	svc, issuer, creds := guardTestService(t)
	r := guardTestRouter(t, svc, issuer)

	token, _, err := issuer.IssueAccessToken(&models.User{ID: "u1"}, "s1", "at1", "fp")
	require.NoError(t, err)
	creds.sessions["at1"] = &models.Session{
		UserID: "u1", SessionID: "s1", AccessTokenID: "at1",
		Active: false, ExpiresAt: time.Now().Add(time.Hour),
	}

	w := doProtected(r, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Token has been revoked or session is invalid. Please login again.")
}

func TestSessionGuardRejectsUnknownSession(t *testing.T) {
	svc, issuer, _ := guardTestService(t)
	r := guardTestRouter(t, svc, issuer)

	// Signed token whose session was never persisted (or already purged).
	token, _, err := issuer.IssueAccessToken(&models.User{ID: "u1"}, "s1", "at-unknown", "fp")
	require.NoError(t, err)

	w := doProtected(r, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTRejectsMissingAndMalformedTokens(t *testing.T) {
	svc, issuer, _ := guardTestService(t)
	r := guardTestRouter(t, svc, issuer)

	assert.Equal(t, http.StatusUnauthorized, doProtected(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doProtected(r, "not-a-jwt").Code)
}

func TestJWTRejectsWrongSignature(t *testing.T) {
	svc, issuer, _ := guardTestService(t)
	r := guardTestRouter(t, svc, issuer)

	other, err := service.NewTokenIssuer(config.JWTConfig{Secret: "other-secret"})
	require.NoError(t, err)
	forged, _, err := other.IssueAccessToken(&models.User{ID: "u1"}, "s1", "at1", "fp")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, doProtected(r, forged).Code)
}
