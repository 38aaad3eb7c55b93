package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"clinicdesk/internal/ids"
	"clinicdesk/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// RevokedListingWindow bounds how long tombstoned sessions stay visible in
// session listings.
const RevokedListingWindow = 7 * 24 * time.Hour

// SessionRepository is the session ledger. Rows are never deleted; revocation
// sets deleted_at and clears the token digest.
type SessionRepository struct {
	db  DB
	now func() time.Time
}

type SessionOption func(*SessionRepository)

// WithSessionClock overrides the clock used for the listing window.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(r *SessionRepository) {
		if now != nil {
			r.now = now
		}
	}
}

func NewSessionRepository(db DB, opts ...SessionOption) *SessionRepository {
	r := &SessionRepository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts a session with an empty token digest. The token is signed
// over the returned id, so BindDigest must follow once it exists.
func (r *SessionRepository) Create(ctx context.Context, userID, ip, userAgent string, expiresAt time.Time) (models.Session, error) {
	const query = `
		INSERT INTO user_sessions (
			id, user_id, token_digest, ip_address, user_agent, created_at, expires_at
		) VALUES (
			$1, $2, '', $3, $4, NOW(), $5
		)
		RETURNING created_at
	`

	session := models.Session{
		ID:        ids.New(),
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		ExpiresAt: expiresAt,
	}
	if err := r.db.QueryRow(ctx, query,
		session.ID,
		session.UserID,
		session.IPAddress,
		session.UserAgent,
		session.ExpiresAt,
	).Scan(&session.CreatedAt); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (r *SessionRepository) BindDigest(ctx context.Context, sessionID string, digest string) error {
	const query = `
		UPDATE user_sessions SET token_digest = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	cmd, err := r.db.Exec(ctx, query, sessionID, digest)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Find returns the session including revoked ones; callers decide what a
// tombstone means.
func (r *SessionRepository) Find(ctx context.Context, sessionID string) (models.Session, error) {
	const query = `
		SELECT id, user_id, token_digest, ip_address, user_agent, created_at, expires_at, deleted_at
		FROM user_sessions
		WHERE id = $1
	`

	var session models.Session
	if err := r.db.QueryRow(ctx, query, sessionID).Scan(
		&session.ID,
		&session.UserID,
		&session.TokenDigest,
		&session.IPAddress,
		&session.UserAgent,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

// Revoke tombstones one session. Revoking an already revoked session keeps
// the original revocation time.
func (r *SessionRepository) Revoke(ctx context.Context, sessionID string) error {
	const query = `
		UPDATE user_sessions
		SET deleted_at = COALESCE(deleted_at, NOW()),
		    token_digest = ''
		WHERE id = $1
	`
	cmd, err := r.db.Exec(ctx, query, sessionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAllExcept tombstones every live session of userID other than
// exceptSessionID and returns how many were revoked. Pass an empty
// exceptSessionID to revoke all of them.
func (r *SessionRepository) RevokeAllExcept(ctx context.Context, userID string, exceptSessionID string) (int64, error) {
	const query = `
		UPDATE user_sessions
		SET deleted_at = NOW(),
		    token_digest = ''
		WHERE user_id = $1 AND id <> $2 AND deleted_at IS NULL
	`
	cmd, err := r.db.Exec(ctx, query, userID, exceptSessionID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// ListByUser returns live sessions and those revoked within
// RevokedListingWindow, newest first.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	const query = `
		SELECT id, user_id, ip_address, user_agent, created_at, expires_at, deleted_at
		FROM user_sessions
		WHERE user_id = $1 AND (deleted_at IS NULL OR deleted_at > $2)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID, r.now().Add(-RevokedListingWindow))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.SessionSummary
	for rows.Next() {
		var session models.SessionSummary
		if err := rows.Scan(
			&session.ID,
			&session.UserID,
			&session.IPAddress,
			&session.UserAgent,
			&session.CreatedAt,
			&session.ExpiresAt,
			&session.RevokedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
