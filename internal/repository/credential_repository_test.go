package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachforge/identity-api/internal/models"
)

func newCredentialRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func refreshTokenRows(token *models.RefreshToken) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "token", "expires_at", "revoked", "revoked_at",
		"device_info", "ip_address", "user_agent", "device_fingerprint",
		"session_id", "last_activity_at", "created_at", "updated_at",
	}).AddRow(
		token.ID, token.UserID, token.Token, token.ExpiresAt, token.Revoked, token.RevokedAt,
		token.DeviceInfo, token.IPAddress, token.UserAgent, token.DeviceFingerprint,
		token.SessionID, token.LastActivityAt, token.CreatedAt, token.UpdatedAt,
	)
}

func sessionRows(s *models.Session) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "session_id", "access_token_id", "device_fingerprint",
		"device_info", "ip_address", "user_agent", "expires_at",
		"last_activity_at", "active", "revoked_at", "created_at", "updated_at",
	}).AddRow(
		s.ID, s.UserID, s.SessionID, s.AccessTokenID, s.DeviceFingerprint,
		s.DeviceInfo, s.IPAddress, s.UserAgent, s.ExpiresAt,
		s.LastActivityAt, s.Active, s.RevokedAt, s.CreatedAt, s.UpdatedAt,
	)
}

func TestCredentialRepositoryFindRefreshToken(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	stored := &models.RefreshToken{
		ID: "rt1", UserID: "u1", Token: "opaque", ExpiresAt: now.Add(time.Hour),
		DeviceInfo: "Desktop", IPAddress: "1.2.3.4", UserAgent: "ua",
		DeviceFingerprint: "fp", SessionID: "s1",
		LastActivityAt: now, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE token = $1 LIMIT 1")).
		WithArgs("opaque").
		WillReturnRows(refreshTokenRows(stored))

	got, err := repo.FindRefreshToken(context.Background(), "opaque")
	require.NoError(t, err)
	assert.Equal(t, "rt1", got.ID)
	assert.Equal(t, "fp", got.DeviceFingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryFindRefreshTokenNotFound(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE token = $1 LIMIT 1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindRefreshToken(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryLatestValidRefreshToken(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	stored := &models.RefreshToken{
		ID: "rt2", UserID: "u1", Token: "newest", ExpiresAt: now.Add(time.Hour),
		SessionID: "s2", LastActivityAt: now, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND expires_at > NOW() ORDER BY created_at DESC LIMIT 1")).
		WithArgs("u1").
		WillReturnRows(refreshTokenRows(stored))

	got, err := repo.LatestValidRefreshToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "rt2", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryListValidRefreshTokens(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	stored := &models.RefreshToken{
		ID: "rt1", UserID: "u1", Token: "only", ExpiresAt: now.Add(time.Hour),
		SessionID: "s1", LastActivityAt: now, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND expires_at > NOW() ORDER BY created_at DESC")).
		WithArgs("u1").
		WillReturnRows(refreshTokenRows(stored))

	tokens, err := repo.ListValidRefreshTokens(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 1, "single-session policy keeps at most one valid token")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryCreateCredentials(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	token := &models.RefreshToken{UserID: "u1", Token: "opaque", SessionID: "s1", ExpiresAt: time.Now().Add(time.Hour)}
	session := &models.Session{UserID: "u1", SessionID: "s1", AccessTokenID: "a1", Active: true, ExpiresAt: time.Now().Add(time.Hour)}

	require.NoError(t, repo.CreateCredentials(context.Background(), token, session))
	assert.NotEmpty(t, token.ID)
	assert.NotEmpty(t, session.ID)
	assert.False(t, token.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryCreateCredentialsRollsBack(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.CreateCredentials(context.Background(),
		&models.RefreshToken{UserID: "u1", Token: "opaque", SessionID: "s1"},
		&models.Session{UserID: "u1", SessionID: "s1", AccessTokenID: "a1"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryConsumeRefreshToken(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, updated_at = $2 WHERE id = $1 AND revoked = FALSE")).
		WithArgs("rt1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	consumed, err := repo.ConsumeRefreshToken(context.Background(), "rt1", now)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryConsumeRefreshTokenAlreadyRevoked(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE")).
		WithArgs("rt1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	consumed, err := repo.ConsumeRefreshToken(context.Background(), "rt1", now)
	require.NoError(t, err)
	assert.False(t, consumed, "a second consume must lose the compare-and-set")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryRevokeAllForUser(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET active = FALSE, revoked_at = $2, updated_at = $2 WHERE user_id = $1 AND active = TRUE")).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, updated_at = $2 WHERE user_id = $1 AND revoked = FALSE")).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	revoked, err := repo.RevokeAllForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), revoked, "must report the number of sessions swept")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryFindSessionByAccessTokenID(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	stored := &models.Session{
		ID: "row1", UserID: "u1", SessionID: "s1", AccessTokenID: "a1",
		DeviceFingerprint: "fp", DeviceInfo: "Desktop", IPAddress: "1.2.3.4",
		UserAgent: "ua", ExpiresAt: now.Add(time.Hour), LastActivityAt: now,
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE access_token_id = $1 LIMIT 1")).
		WithArgs("a1").
		WillReturnRows(sessionRows(stored))

	got, err := repo.FindSessionByAccessTokenID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.True(t, got.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryListActiveSessions(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	stored := &models.Session{
		ID: "row1", UserID: "u1", SessionID: "s1", AccessTokenID: "a1",
		ExpiresAt: now.Add(time.Hour), LastActivityAt: now, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE user_id = $1 AND active = TRUE AND expires_at > NOW() ORDER BY last_activity_at DESC")).
		WithArgs("u1").
		WillReturnRows(sessionRows(stored))

	sessions, err := repo.ListActiveSessions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryRevokeSession(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET active = FALSE, revoked_at = $2, updated_at = $2 WHERE session_id = $1 AND active = TRUE")).
		WithArgs("s1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Zero affected rows is still success: revocation is idempotent.
	require.NoError(t, repo.RevokeSession(context.Background(), "s1", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepositoryRetentionPurges(t *testing.T) {
	db, mock, cleanup := newCredentialRepoMock(t)
	defer cleanup()
	repo := NewCredentialRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE (revoked = TRUE AND revoked_at < $1) OR (revoked = FALSE AND expires_at < $1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sessions WHERE (active = FALSE AND revoked_at < $1) OR (active = TRUE AND expires_at < $1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	tokens, err := repo.DeleteRefreshTokensOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tokens)

	sessions, err := repo.DeleteSessionsOlderThan(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sessions)
	assert.NoError(t, mock.ExpectationsWereMet())
}
