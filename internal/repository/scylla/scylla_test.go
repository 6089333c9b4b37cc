package scylla

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"admin-security/internal/bucketing"
	"admin-security/internal/config"
	"admin-security/internal/models"
	"admin-security/internal/repository"
)

func TestNullableTimeRoundTrip(t *testing.T) {
	assert.Nil(t, nullableTime(nil))
	assert.Nil(t, timePtr(time.Time{}))

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, now, nullableTime(&now))
	require.NotNil(t, timePtr(now))
	assert.Equal(t, now, *timePtr(now))
}

func TestSessionRowMapping(t *testing.T) {
	mfa := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s := &models.Session{
		ID: "s1", IdentityID: "i1", TokenHash: "h",
		Device:        models.DeviceInfo{DeviceType: "desktop", IP: "10.0.0.1"},
		State:         models.SessionActive,
		IsActive:      true,
		MFAVerifiedAt: &mfa,
	}
	vals := sessionValues(s)
	var row sessionRow
	require.Len(t, vals, len(row.dest()))
	assert.Len(t, vals, strings.Count(sessionColumns, ",")+1)

	row.s = *s
	row.state = string(s.State)
	row.mfaVerifiedAt = mfa
	got := row.session()
	assert.Equal(t, models.SessionActive, got.State)
	assert.Nil(t, got.InvalidatedAt)
	require.NotNil(t, got.MFAVerifiedAt)
}

func TestIdentityRowMapping(t *testing.T) {
	a := &models.AdminIdentity{ID: "i1", UserID: "u1", Role: models.RoleAnalyst}
	var row identityRow
	assert.Len(t, identityValues(a), len(row.dest()))
	assert.Len(t, identityValues(a), strings.Count(identityColumns, ",")+1)
}

// Integration tests run against SCYLLA_TEST_HOSTS=host1,host2 with a
// disposable keyspace in SCYLLA_TEST_KEYSPACE.
func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	hosts := os.Getenv("SCYLLA_TEST_HOSTS")
	if hosts == "" {
		t.Skip("SCYLLA_TEST_HOSTS not set")
	}
	cfg := &config.Config{
		Environment: "development",
		Scylla: config.ScyllaConfig{
			Enabled:  true,
			Nodes:    strings.Split(hosts, ","),
			Keyspace: os.Getenv("SCYLLA_TEST_KEYSPACE"),
		},
	}
	c, err := NewScyllaClient(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.EnsureSchema(context.Background()))
	return NewStore(c, bucketing.NewBucketingManagerWithBuckets(4))
}

func TestSessionLifecycleIntegration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s := &models.Session{
		ID: uuid.NewString(), IdentityID: uuid.NewString(), TokenHash: uuid.NewString(),
		CreatedAt: now, LastActivity: now, ExpiresAt: now.Add(time.Hour),
		State: models.SessionActive, IsActive: true,
	}
	require.NoError(t, store.Sessions.CreateSession(ctx, s))

	got, err := store.Sessions.GetSessionByTokenHash(ctx, s.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	list, err := store.Sessions.ListSessionsByIdentity(ctx, s.IdentityID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Sessions.TouchSession(ctx, s.ID, now.Add(time.Minute)))

	blocked := *got
	blocked.State = models.SessionBlocked
	blocked.Blocked = true
	blocked.BlockedReason = "compromised"
	blocked.IsActive = false
	require.NoError(t, store.Sessions.UpdateSession(ctx, &blocked, models.SessionActive))

	assert.ErrorIs(t, store.Sessions.TouchSession(ctx, s.ID, now.Add(2*time.Minute)), repository.ErrConflict)
	assert.ErrorIs(t, store.Sessions.ExtendSession(ctx, s.ID, now.Add(2*time.Hour)), repository.ErrConflict)
	revived := *got
	assert.ErrorIs(t, store.Sessions.UpdateSession(ctx, &revived, models.SessionActive), repository.ErrConflict)

	got, err = store.Sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionBlocked, got.State)

	require.NoError(t, store.Sessions.DeleteSession(ctx, s))
	_, err = store.Sessions.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAuditResolveIntegration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := &models.AuditEvent{
		ID: uuid.NewString(), Type: models.EventSessionBlocked, Severity: models.SeverityHigh,
		IP: "192.0.2.10", Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Audit.InsertAuditEvent(ctx, e))
	assert.ErrorIs(t, store.Audit.InsertAuditEvent(ctx, e), repository.ErrAlreadyExists)

	_, err := store.Audit.ResolveAuditEvent(ctx, e.ID, "analyst", "ok", time.Now().UTC())
	require.NoError(t, err)
	_, err = store.Audit.ResolveAuditEvent(ctx, e.ID, "analyst", "ok", time.Now().UTC())
	assert.ErrorIs(t, err, repository.ErrConflict)

	byIP, err := store.Audit.ListAuditEventsByIP(ctx, e.IP, e.Timestamp.Add(-time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, byIP)
}

func TestIdentityUpdateIntegration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	a := &models.AdminIdentity{
		ID: uuid.NewString(), UserID: uuid.NewString(), Role: models.RoleModerator,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Identities.CreateIdentity(ctx, a))

	stale, err := store.Identities.GetIdentity(ctx, a.ID)
	require.NoError(t, err)

	suspended := *stale
	suspendedAt := now.Add(time.Second)
	suspended.SuspendedAt = &suspendedAt
	suspended.SuspendedReason = "compromised"
	suspended.UpdatedAt = suspendedAt
	require.NoError(t, store.Identities.UpdateIdentity(ctx, &suspended, stale.UpdatedAt))

	stale.Department = "ops"
	stale.UpdatedAt = now.Add(2 * time.Second)
	assert.ErrorIs(t, store.Identities.UpdateIdentity(ctx, stale, now), repository.ErrConflict)

	require.NoError(t, store.Identities.SetLastLogin(ctx, a.ID, now, "192.0.2.1"))
	require.NoError(t, store.Identities.SetActiveSessions(ctx, a.ID, 2))

	got, err := store.Identities.GetIdentity(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSuspended())
	assert.Equal(t, "192.0.2.1", got.LastLoginIP)
	assert.Equal(t, 2, got.ActiveSessions)
}
