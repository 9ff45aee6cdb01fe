package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reachforge/identity-api/internal/models"
)

const refreshTokenColumns = `id, user_id, token, expires_at, revoked, revoked_at, device_info, ip_address, user_agent, device_fingerprint, session_id, last_activity_at, created_at, updated_at`

const sessionColumns = `id, user_id, session_id, access_token_id, device_fingerprint, device_info, ip_address, user_agent, expires_at, last_activity_at, active, revoked_at, created_at, updated_at`

// CredentialRepository persists refresh tokens and sessions. The two record
// kinds are always issued together, so the pair insert and the revoke-all
// sweep run inside a single transaction.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository creates a new instance of CredentialRepository.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// FindRefreshToken returns a refresh token by its opaque value.
func (r *CredentialRepository) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// LatestValidRefreshToken returns the newest unrevoked, unexpired token for
// a user, or sql.ErrNoRows when none exists.
func (r *CredentialRepository) LatestValidRefreshToken(ctx context.Context, userID string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND expires_at > NOW() ORDER BY created_at DESC LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("latest valid refresh token: %w", err)
	}
	return &rt, nil
}

// ListValidRefreshTokens returns every still-valid token for a user. Under
// the single-session policy the result should never exceed one row.
func (r *CredentialRepository) ListValidRefreshTokens(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND expires_at > NOW() ORDER BY created_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID); err != nil {
		return nil, fmt.Errorf("list valid refresh tokens: %w", err)
	}
	return tokens, nil
}

// CreateCredentials inserts a refresh token and its session in one
// transaction so a partial issuance never leaves an orphaned credential.
func (r *CredentialRepository) CreateCredentials(ctx context.Context, token *models.RefreshToken, session *models.Session) error {
	now := time.Now().UTC()
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	token.CreatedAt, token.UpdatedAt, token.LastActivityAt = now, now, now
	session.CreatedAt, session.UpdatedAt, session.LastActivityAt = now, now, now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create credentials: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback()
		}
	}()

	const tokenInsert = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, revoked, revoked_at, device_info, ip_address, user_agent, device_fingerprint, session_id, last_activity_at, created_at, updated_at)
VALUES (:id, :user_id, :token, :expires_at, :revoked, :revoked_at, :device_info, :ip_address, :user_agent, :device_fingerprint, :session_id, :last_activity_at, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, tokenInsert, token); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	const sessionInsert = `INSERT INTO sessions (id, user_id, session_id, access_token_id, device_fingerprint, device_info, ip_address, user_agent, expires_at, last_activity_at, active, revoked_at, created_at, updated_at)
VALUES (:id, :user_id, :session_id, :access_token_id, :device_fingerprint, :device_info, :ip_address, :user_agent, :expires_at, :last_activity_at, :active, :revoked_at, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, sessionInsert, session); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create credentials: %w", err)
	}
	commit = true
	return nil
}

// ConsumeRefreshToken revokes a token as part of its exchange. The WHERE
// clause is the compare-and-set: of two concurrent refreshes presenting the
// same token, exactly one observes consumed=true.
func (r *CredentialRepository) ConsumeRefreshToken(ctx context.Context, id string, revokedAt time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, updated_at = $2 WHERE id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, revokedAt)
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume refresh token rows: %w", err)
	}
	return affected == 1, nil
}

// RevokeAllForUser revokes every valid session and refresh token for a user
// in one transaction and reports how many sessions were swept. A no-op when
// nothing is outstanding.
func (r *CredentialRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin revoke all: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback()
		}
	}()

	const revokeSessions = `UPDATE sessions SET active = FALSE, revoked_at = $2, updated_at = $2 WHERE user_id = $1 AND active = TRUE`
	res, err := tx.ExecContext(ctx, revokeSessions, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	sessionsRevoked, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions rows: %w", err)
	}

	const revokeTokens = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, updated_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	if _, err := tx.ExecContext(ctx, revokeTokens, userID, now); err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revoke all: %w", err)
	}
	commit = true
	return sessionsRevoked, nil
}

// RevokeAllRefreshTokens revokes every valid refresh token for a user while
// leaving sessions untouched. Used by single-session logout, which revokes
// its own session separately.
func (r *CredentialRepository) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, updated_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return nil
}

// FindSessionByID returns a session by its correlation id.
func (r *CredentialRepository) FindSessionByID(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1 LIMIT 1`
	var s models.Session
	if err := r.db.GetContext(ctx, &s, query, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find session by id: %w", err)
	}
	return &s, nil
}

// FindSessionByAccessTokenID returns the session backing an access token.
func (r *CredentialRepository) FindSessionByAccessTokenID(ctx context.Context, accessTokenID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE access_token_id = $1 LIMIT 1`
	var s models.Session
	if err := r.db.GetContext(ctx, &s, query, accessTokenID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find session by access token id: %w", err)
	}
	return &s, nil
}

// ListActiveSessions returns the still-valid sessions for a user ordered by
// most recent activity.
func (r *CredentialRepository) ListActiveSessions(ctx context.Context, userID string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 AND active = TRUE AND expires_at > NOW() ORDER BY last_activity_at DESC`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, userID); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// RevokeSession marks one session inactive. Revoking an already revoked or
// unknown session is a no-op.
func (r *CredentialRepository) RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	const query = `UPDATE sessions SET active = FALSE, revoked_at = $2, updated_at = $2 WHERE session_id = $1 AND active = TRUE`
	if _, err := r.db.ExecContext(ctx, query, sessionID, revokedAt); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// TouchSessionActivity bumps a session's last-activity timestamp. Lost
// updates under concurrency are acceptable.
func (r *CredentialRepository) TouchSessionActivity(ctx context.Context, sessionID string, ts time.Time) error {
	const query = `UPDATE sessions SET last_activity_at = $2, updated_at = $2 WHERE session_id = $1`
	if _, err := r.db.ExecContext(ctx, query, sessionID, ts); err != nil {
		return fmt.Errorf("touch session activity: %w", err)
	}
	return nil
}

// DeleteRefreshTokensOlderThan purges tokens revoked or expired more than
// olderThanDays ago. Rows inside the retention window are never touched.
func (r *CredentialRepository) DeleteRefreshTokensOlderThan(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	const query = `DELETE FROM refresh_tokens WHERE (revoked = TRUE AND revoked_at < $1) OR (revoked = FALSE AND expires_at < $1)`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old refresh tokens: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old refresh tokens rows: %w", err)
	}
	return deleted, nil
}

// DeleteSessionsOlderThan purges sessions revoked or expired more than
// olderThanDays ago.
func (r *CredentialRepository) DeleteSessionsOlderThan(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	const query = `DELETE FROM sessions WHERE (active = FALSE AND revoked_at < $1) OR (active = TRUE AND expires_at < $1)`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old sessions rows: %w", err)
	}
	return deleted, nil
}
