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

const identityColumns = `id, user_id, role, permissions, allowed_ips,
	two_factor_enabled, two_factor_secret, two_factor_pending,
	max_sessions, active_sessions, is_active,
	suspended_at, suspended_reason, suspended_by, expires_at, department,
	last_login_at, last_login_ip, created_by, created_at, updated_at`

type IdentityRepository struct {
	client *ScyllaClient
}

func NewIdentityRepository(client *ScyllaClient) *IdentityRepository {
	return &IdentityRepository{client: client}
}

// identityRow holds scan targets for one admin_identities row.
type identityRow struct {
	a           models.AdminIdentity
	role        string
	suspendedAt time.Time
	expiresAt   time.Time
	lastLoginAt time.Time
}

func (row *identityRow) dest() []interface{} {
	a := &row.a
	return []interface{}{
		&a.ID, &a.UserID, &row.role, &a.Permissions, &a.AllowedIPs,
		&a.TwoFactorEnabled, &a.TwoFactorSecret, &a.TwoFactorPending,
		&a.MaxSessions, &a.ActiveSessions, &a.IsActive,
		&row.suspendedAt, &a.SuspendedReason, &a.SuspendedBy, &row.expiresAt, &a.Department,
		&row.lastLoginAt, &a.LastLoginIP, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt,
	}
}

func (row *identityRow) identity() *models.AdminIdentity {
	a := row.a
	a.Role = models.RoleName(row.role)
	a.SuspendedAt = timePtr(row.suspendedAt)
	a.ExpiresAt = timePtr(row.expiresAt)
	a.LastLoginAt = timePtr(row.lastLoginAt)
	return &a
}

func identityValues(a *models.AdminIdentity) []interface{} {
	return []interface{}{
		a.ID, a.UserID, string(a.Role), a.Permissions, a.AllowedIPs,
		a.TwoFactorEnabled, a.TwoFactorSecret, a.TwoFactorPending,
		a.MaxSessions, a.ActiveSessions, a.IsActive,
		nullableTime(a.SuspendedAt), a.SuspendedReason, a.SuspendedBy, nullableTime(a.ExpiresAt), a.Department,
		nullableTime(a.LastLoginAt), a.LastLoginIP, a.CreatedBy, a.CreatedAt, a.UpdatedAt,
	}
}

// CreateIdentity claims the user id with a lightweight transaction so one
// user can never hold two identities.
func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity *models.AdminIdentity) error {
	applied, err := r.client.Query(ctx,
		`INSERT INTO identities_by_user (user_id, identity_id) VALUES (?, ?) IF NOT EXISTS`,
		identity.UserID, identity.ID,
	).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return fmt.Errorf("failed to reserve user id: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	err = r.client.Query(ctx, `INSERT INTO admin_identities (`+identityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identityValues(identity)...,
	).Exec()
	if err != nil {
		util.Error("Failed to create admin identity",
			zap.String("identity_id", identity.ID), zap.Error(err))
		_ = r.client.Query(ctx, `DELETE FROM identities_by_user WHERE user_id = ? IF identity_id = ?`,
			identity.UserID, identity.ID).Exec()
		return fmt.Errorf("failed to create admin identity: %w", err)
	}

	util.Info("Admin identity created",
		zap.String("identity_id", identity.ID),
		zap.String("role", string(identity.Role)))
	return nil
}

func (r *IdentityRepository) GetIdentity(ctx context.Context, id string) (*models.AdminIdentity, error) {
	var row identityRow
	q := r.client.Query(ctx, `SELECT `+identityColumns+` FROM admin_identities WHERE id = ?`, id)
	if err := r.client.ScanWithRetry(q, row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get admin identity: %w", err)
	}
	return row.identity(), nil
}

func (r *IdentityRepository) GetIdentityByUserID(ctx context.Context, userID string) (*models.AdminIdentity, error) {
	var id string
	q := r.client.Query(ctx, `SELECT identity_id FROM identities_by_user WHERE user_id = ?`, userID)
	if err := r.client.ScanWithRetry(q, &id); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve user id: %w", err)
	}
	return r.GetIdentity(ctx, id)
}

// UpdateIdentity is a lightweight transaction on updated_at, which every
// administrative write advances.
func (r *IdentityRepository) UpdateIdentity(ctx context.Context, identity *models.AdminIdentity, expected time.Time) error {
	a := identity
	applied, err := r.client.Query(ctx, `UPDATE admin_identities SET
		role = ?, permissions = ?, allowed_ips = ?,
		two_factor_enabled = ?, two_factor_secret = ?, two_factor_pending = ?,
		max_sessions = ?, is_active = ?,
		suspended_at = ?, suspended_reason = ?, suspended_by = ?, expires_at = ?, department = ?,
		updated_at = ?
		WHERE id = ? IF updated_at = ?`,
		string(a.Role), a.Permissions, a.AllowedIPs,
		a.TwoFactorEnabled, a.TwoFactorSecret, a.TwoFactorPending,
		a.MaxSessions, a.IsActive,
		nullableTime(a.SuspendedAt), a.SuspendedReason, a.SuspendedBy, nullableTime(a.ExpiresAt), a.Department,
		a.UpdatedAt,
		a.ID, expected,
	).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		util.Error("Failed to update admin identity",
			zap.String("identity_id", identity.ID), zap.Error(err))
		return fmt.Errorf("failed to update admin identity: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

func (r *IdentityRepository) SetActiveSessions(ctx context.Context, id string, count int) error {
	err := r.client.Query(ctx,
		`UPDATE admin_identities SET active_sessions = ? WHERE id = ?`, count, id,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to set active session count: %w", err)
	}
	return nil
}

func (r *IdentityRepository) SetLastLogin(ctx context.Context, id string, at time.Time, ip string) error {
	err := r.client.Query(ctx,
		`UPDATE admin_identities SET last_login_at = ?, last_login_ip = ? WHERE id = ?`, at, ip, id,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to record last login: %w", err)
	}
	return nil
}

func (r *IdentityRepository) ListIdentities(ctx context.Context) ([]*models.AdminIdentity, error) {
	iter := r.client.Query(ctx, `SELECT `+identityColumns+` FROM admin_identities`).Iter()
	var out []*models.AdminIdentity
	for {
		var row identityRow
		if !iter.Scan(row.dest()...) {
			break
		}
		out = append(out, row.identity())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list admin identities: %w", err)
	}
	return out, nil
}
