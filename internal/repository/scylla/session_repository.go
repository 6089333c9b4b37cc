package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/util"
)

const sessionColumns = `id, identity_id, token_hash,
	device_id, device_type, browser, os, user_agent, ip,
	created_at, last_activity, expires_at, state, is_active,
	suspicious, suspicious_reason, blocked, blocked_reason,
	invalidated_at, invalidated_reason, mfa_verified_at`

// SessionRepository keeps sessions with two lookup tables: by token digest
// for validation and by identity for cap enforcement.
type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{client: client}
}

type sessionRow struct {
	s             models.Session
	state         string
	invalidatedAt time.Time
	mfaVerifiedAt time.Time
}

func (row *sessionRow) dest() []interface{} {
	s := &row.s
	return []interface{}{
		&s.ID, &s.IdentityID, &s.TokenHash,
		&s.Device.DeviceID, &s.Device.DeviceType, &s.Device.Browser, &s.Device.OS, &s.Device.UserAgent, &s.Device.IP,
		&s.CreatedAt, &s.LastActivity, &s.ExpiresAt, &row.state, &s.IsActive,
		&s.Suspicious, &s.SuspiciousReason, &s.Blocked, &s.BlockedReason,
		&row.invalidatedAt, &s.InvalidatedReason, &row.mfaVerifiedAt,
	}
}

func (row *sessionRow) session() *models.Session {
	s := row.s
	s.State = models.SessionState(row.state)
	s.InvalidatedAt = timePtr(row.invalidatedAt)
	s.MFAVerifiedAt = timePtr(row.mfaVerifiedAt)
	return &s
}

func sessionValues(s *models.Session) []interface{} {
	return []interface{}{
		s.ID, s.IdentityID, s.TokenHash,
		s.Device.DeviceID, s.Device.DeviceType, s.Device.Browser, s.Device.OS, s.Device.UserAgent, s.Device.IP,
		s.CreatedAt, s.LastActivity, s.ExpiresAt, string(s.State), s.IsActive,
		s.Suspicious, s.SuspiciousReason, s.Blocked, s.BlockedReason,
		nullableTime(s.InvalidatedAt), s.InvalidatedReason, nullableTime(s.MFAVerifiedAt),
	}
}

const insertSession = `INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *SessionRepository) CreateSession(ctx context.Context, s *models.Session) error {
	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(insertSession, sessionValues(s)...)
	batch.Query(`INSERT INTO sessions_by_token (token_hash, session_id) VALUES (?, ?)`, s.TokenHash, s.ID)
	batch.Query(`INSERT INTO sessions_by_identity (identity_id, session_id) VALUES (?, ?)`, s.IdentityID, s.ID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create session",
			zap.String("session_id", s.ID),
			zap.String("identity_id", s.IdentityID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	q := r.client.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err := r.client.ScanWithRetry(q, row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.session(), nil
}

func (r *SessionRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	var id string
	q := r.client.Query(ctx, `SELECT session_id FROM sessions_by_token WHERE token_hash = ?`, tokenHash)
	if err := r.client.ScanWithRetry(q, &id); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up session token: %w", err)
	}
	return r.GetSession(ctx, id)
}

// UpdateSession rewrites the mutable columns with a lightweight transaction
// on state. Identity and token never change after creation so the lookup
// tables stay valid.
func (r *SessionRepository) UpdateSession(ctx context.Context, s *models.Session, expected models.SessionState) error {
	applied, err := r.client.Query(ctx, `UPDATE sessions SET
		device_id = ?, device_type = ?, browser = ?, os = ?, user_agent = ?, ip = ?,
		last_activity = ?, expires_at = ?, state = ?, is_active = ?,
		suspicious = ?, suspicious_reason = ?, blocked = ?, blocked_reason = ?,
		invalidated_at = ?, invalidated_reason = ?, mfa_verified_at = ?
		WHERE id = ? IF state = ?`,
		s.Device.DeviceID, s.Device.DeviceType, s.Device.Browser, s.Device.OS, s.Device.UserAgent, s.Device.IP,
		s.LastActivity, s.ExpiresAt, string(s.State), s.IsActive,
		s.Suspicious, s.SuspiciousReason, s.Blocked, s.BlockedReason,
		nullableTime(s.InvalidatedAt), s.InvalidatedReason, nullableTime(s.MFAVerifiedAt),
		s.ID, string(expected),
	).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		util.Error("Failed to update session", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("failed to update session: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

// setWhileActive updates one column of a session that is still active.
func (r *SessionRepository) setWhileActive(ctx context.Context, id, column string, value interface{}) error {
	applied, err := r.client.Query(ctx,
		`UPDATE sessions SET `+column+` = ? WHERE id = ? IF state = ?`,
		value, id, string(models.SessionActive),
	).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", column, err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

func (r *SessionRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	return r.setWhileActive(ctx, id, "last_activity", at)
}

func (r *SessionRepository) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	return r.setWhileActive(ctx, id, "expires_at", expiresAt)
}

func (r *SessionRepository) MarkSessionMFA(ctx context.Context, id string, at time.Time) error {
	return r.setWhileActive(ctx, id, "mfa_verified_at", at)
}

func (r *SessionRepository) DeleteSession(ctx context.Context, s *models.Session) error {
	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(`DELETE FROM sessions WHERE id = ?`, s.ID)
	batch.Query(`DELETE FROM sessions_by_token WHERE token_hash = ?`, s.TokenHash)
	batch.Query(`DELETE FROM sessions_by_identity WHERE identity_id = ? AND session_id = ?`, s.IdentityID, s.ID)
	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) ListSessionsByIdentity(ctx context.Context, identityID string) ([]*models.Session, error) {
	iter := r.client.Query(ctx,
		`SELECT session_id FROM sessions_by_identity WHERE identity_id = ?`, identityID).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list identity sessions: %w", err)
	}

	out := make([]*models.Session, 0, len(ids))
	for _, sid := range ids {
		s, err := r.GetSession(ctx, sid)
		if errors.Is(err, repository.ErrNotFound) {
			// index entry outlived a partially applied delete
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *SessionRepository) ScanSessions(ctx context.Context, visit func(*models.Session) error) error {
	iter := r.client.Query(ctx, `SELECT `+sessionColumns+` FROM sessions`).Iter()
	for {
		var row sessionRow
		if !iter.Scan(row.dest()...) {
			break
		}
		if err := visit(row.session()); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to scan sessions: %w", err)
	}
	return nil
}
