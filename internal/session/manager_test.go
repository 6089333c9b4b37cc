package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainHasher struct{}

func (plainHasher) Digest(token string) string       { return "h:" + token }
func (plainHasher) Candidates(token string) []string { return []string{"h:" + token} }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr        *Manager
	sessions   *memory.SessionRepository
	identities *memory.IdentityRepository
	clock      *clock
	identity   *models.AdminIdentity
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	sessions := memory.NewSessionRepository()
	identities := memory.NewIdentityRepository()
	identity := &models.AdminIdentity{
		ID: "identity-1", UserID: "user-1", Role: models.RoleAdmin,
		MaxSessions: maxSessions, IsActive: true,
	}
	require.NoError(t, identities.CreateIdentity(context.Background(), identity))

	cfg := DefaultConfig()
	cfg.Heuristic.Burst = 100
	mgr := NewManager(sessions, identities, plainHasher{}, cfg, WithClock(c.Now))
	return &fixture{mgr: mgr, sessions: sessions, identities: identities, clock: c, identity: identity}
}

func device(ip string) models.DeviceInfo {
	return models.DeviceInfo{DeviceType: "desktop", OS: "linux", Browser: "firefox", UserAgent: "Mozilla/5.0", IP: ip}
}

func TestCreate_EvictsOldestWhenAtCap(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	var created []*models.Session
	for i := 0; i < 3; i++ {
		res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
		require.NoError(t, err)
		require.Empty(t, res.Evicted)
		created = append(created, res.Session)
		f.clock.Advance(time.Minute)
	}

	// touch the oldest so the second becomes least recently active
	f.clock.Advance(20 * time.Minute)
	_, err := f.mgr.Validate(ctx, created[0].Token)
	require.NoError(t, err)

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, created[1].ID, res.Evicted[0].ID)
	assert.Equal(t, ReasonSessionLimit, res.Evicted[0].InvalidatedReason)

	live, err := f.mgr.ListForIdentity(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Len(t, live, 3)

	stored, err := f.identities.GetIdentity(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ActiveSessions)

	_, err = f.mgr.Validate(ctx, created[1].Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreate_ConcurrentNeverExceedsCap(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	live, err := f.mgr.ListForIdentity(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestCreate_TokensAreUniqueAndNotStored(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
		require.NoError(t, err)
		_, dup := seen[res.Session.Token]
		require.False(t, dup)
		seen[res.Session.Token] = struct{}{}
		assert.Len(t, res.Session.Token, 43)

		stored, err := f.sessions.GetSession(ctx, res.Session.ID)
		require.NoError(t, err)
		assert.Empty(t, stored.Token)
		assert.NotEqual(t, res.Session.Token, stored.TokenHash)
	}
}

func TestGenerateToken_ShortEntropyFails(t *testing.T) {
	_, err := GenerateToken(bytes.NewReader([]byte("short")))
	assert.Error(t, err)
}

func TestValidate_UniformNotFound(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	expired, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)
	invalidated, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)
	blocked, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	_, err = f.mgr.Invalidate(ctx, invalidated.Session.ID, "logout")
	require.NoError(t, err)
	_, err = f.mgr.Block(ctx, blocked.Session.ID, "stolen token")
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	fresh, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	for name, token := range map[string]string{
		"unknown":     "no-such-token",
		"empty":       "",
		"expired":     expired.Session.Token,
		"invalidated": invalidated.Session.Token,
		"blocked":     blocked.Session.Token,
	} {
		_, err := f.mgr.Validate(ctx, token)
		assert.Equal(t, ErrSessionNotFound, err, name)
	}

	_, err = f.mgr.Validate(ctx, fresh.Session.Token)
	assert.NoError(t, err)

	stored, err := f.sessions.GetSession(ctx, expired.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, stored.State)
}

func TestValidate_RefreshesActivityOnlyPastThreshold(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)
	created := res.Session.LastActivity

	f.clock.Advance(5 * time.Minute)
	s, err := f.mgr.Validate(ctx, res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, created, s.LastActivity)

	f.clock.Advance(15 * time.Minute)
	s, err = f.mgr.Validate(ctx, res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), s.LastActivity)

	stored, err := f.sessions.GetSession(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), stored.LastActivity)
}

type failingSessions struct {
	*memory.SessionRepository
}

func (failingSessions) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	return nil, errors.New("connection refused")
}

func TestValidate_StoreFailureIsDistinct(t *testing.T) {
	identities := memory.NewIdentityRepository()
	mgr := NewManager(failingSessions{memory.NewSessionRepository()}, identities, plainHasher{}, DefaultConfig())

	_, err := mgr.Validate(context.Background(), "token")
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}

// interleavedSessions runs between once, right after the first successful
// token lookup, so a competing write lands between a read and the write
// that follows it.
type interleavedSessions struct {
	*memory.SessionRepository
	once    sync.Once
	between func()
}

func (r *interleavedSessions) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	s, err := r.SessionRepository.GetSessionByTokenHash(ctx, tokenHash)
	if err == nil && r.between != nil {
		r.once.Do(r.between)
	}
	return s, err
}

func (f *fixture) interleaved(between func()) *Manager {
	repo := &interleavedSessions{SessionRepository: f.sessions, between: between}
	return NewManager(repo, f.identities, plainHasher{}, f.mgr.cfg, WithClock(f.clock.Now))
}

func TestValidate_BlockDuringRefreshStaysBlocked(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	mgr := f.interleaved(func() {
		changed, err := f.mgr.Block(ctx, res.Session.ID, "compromised")
		assert.NoError(t, err)
		assert.True(t, changed)
	})

	f.clock.Advance(20 * time.Minute)
	_, err = mgr.Validate(ctx, res.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	stored, err := f.sessions.GetSession(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionBlocked, stored.State)
	assert.True(t, stored.Blocked)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "compromised", stored.BlockedReason)

	_, err = f.mgr.Validate(ctx, res.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidate_EvictionDuringRefreshKeepsCap(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	first, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	var second *CreateResult
	mgr := f.interleaved(func() {
		var err error
		second, err = f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
		assert.NoError(t, err)
	})

	f.clock.Advance(20 * time.Minute)
	_, err = mgr.Validate(ctx, first.Session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NotNil(t, second)
	require.Len(t, second.Evicted, 1)
	assert.Equal(t, first.Session.ID, second.Evicted[0].ID)

	live, err := f.mgr.ListForIdentity(ctx, f.identity.ID)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, second.Session.ID, live[0].ID)
}

func TestExtend_InvalidateDuringExtendWins(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	mgr := f.interleaved(func() {
		_, err := f.mgr.Invalidate(ctx, res.Session.ID, "logout")
		assert.NoError(t, err)
	})
	// no activity refresh, so the extension write is the first write
	mgr.cfg.ActivityRefreshThreshold = 48 * time.Hour

	f.clock.Advance(23*time.Hour + 30*time.Minute)
	_, err = mgr.Extend(ctx, res.Session.Token, time.Hour)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	stored, err := f.sessions.GetSession(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInvalidated, stored.State)
	assert.Equal(t, res.Session.ExpiresAt, stored.ExpiresAt)
}

func TestInvalidatedSession_CannotBeRevivedOrBlocked(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	stale, err := f.sessions.GetSession(ctx, res.Session.ID)
	require.NoError(t, err)
	_, err = f.mgr.Invalidate(ctx, res.Session.ID, "logout")
	require.NoError(t, err)

	stale.State = models.SessionActive
	err = f.sessions.UpdateSession(ctx, stale, models.SessionActive)
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = f.mgr.Block(ctx, res.Session.ID, "abuse")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func suspendStored(f *fixture) error {
	ctx := context.Background()
	stored, err := f.identities.GetIdentity(ctx, f.identity.ID)
	if err != nil {
		return err
	}
	expected := stored.UpdatedAt
	now := f.clock.Now()
	stored.SuspendedAt = &now
	stored.SuspendedReason = "compromised"
	stored.UpdatedAt = now.Add(time.Millisecond)
	return f.identities.UpdateIdentity(ctx, stored, expected)
}

func TestCreate_RechecksStoredIdentity(t *testing.T) {
	f := newFixture(t, 5)
	require.NoError(t, suspendStored(f))

	// f.identity is the pre-suspension copy a caller may still hold
	_, err := f.mgr.Create(context.Background(), f.identity, device("10.0.0.1"))
	assert.ErrorIs(t, err, ErrIdentityDisabled)

	live, err := f.mgr.ListForIdentity(context.Background(), f.identity.ID)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestCreate_SuspensionRacingLoginsLeavesNoLiveSession(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1")); err != nil {
				assert.ErrorIs(t, err, ErrIdentityDisabled)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		assert.NoError(t, suspendStored(f))
		_, err := f.mgr.InvalidateAllForIdentity(ctx, f.identity.ID, "identity_suspended")
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	live, err := f.mgr.ListForIdentity(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestBlock_RequiresReasonAndIsIdempotent(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	_, err = f.mgr.Block(ctx, res.Session.ID, "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	changed, err := f.mgr.Block(ctx, res.Session.ID, "credential stuffing")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.mgr.Block(ctx, res.Session.ID, "again")
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := f.sessions.GetSession(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "credential stuffing", stored.BlockedReason)
	assert.True(t, stored.Blocked)

	// blocked is terminal
	changed, err = f.mgr.Invalidate(ctx, res.Session.ID, "logout")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestBlock_InvalidatedSessionRejected(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)
	_, err = f.mgr.Invalidate(ctx, res.Session.ID, "logout")
	require.NoError(t, err)

	_, err = f.mgr.Block(ctx, res.Session.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvalidateAllAndDevice(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	laptop := device("10.0.0.1")
	laptop.DeviceID = "laptop"
	phone := device("10.0.0.2")
	phone.DeviceID = "phone"

	for _, d := range []models.DeviceInfo{laptop, laptop, phone} {
		_, err := f.mgr.Create(ctx, f.identity, d)
		require.NoError(t, err)
	}

	n, err := f.mgr.InvalidateDevice(ctx, f.identity.ID, "laptop", "device lost")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.mgr.InvalidateAllForIdentity(ctx, f.identity.ID, "suspended")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.mgr.InvalidateAllForIdentity(ctx, f.identity.ID, "suspended")
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := f.identities.GetIdentity(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ActiveSessions)
}

func TestExtend(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	f.clock.Advance(20 * time.Hour)
	s, err := f.mgr.Extend(ctx, res.Session.Token, 8*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(8*time.Hour), s.ExpiresAt)

	_, err = f.mgr.Extend(ctx, res.Session.Token, 0)
	assert.ErrorIs(t, err, ErrInvalidExtension)

	_, err = f.mgr.Block(ctx, res.Session.ID, "abuse")
	require.NoError(t, err)
	_, err = f.mgr.Extend(ctx, res.Session.Token, time.Hour)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExtend_KeepsSuspiciousFlag(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	other := models.DeviceInfo{DeviceType: "mobile", OS: "ios", Browser: "safari", IP: "203.0.113.9"}
	_, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)
	res, err := f.mgr.Create(ctx, f.identity, other)
	require.NoError(t, err)
	require.True(t, res.Session.Suspicious)

	s, err := f.mgr.Extend(ctx, res.Session.Token, time.Hour)
	require.NoError(t, err)
	assert.True(t, s.Suspicious)
}

func TestMarkMFAVerified(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	s, err := f.mgr.MarkMFAVerified(ctx, res.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, s.MFAVerifiedAt)

	_, err = f.mgr.MarkMFAVerified(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweep_ExpiresAndDeletes(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.mgr.Create(ctx, f.identity, device("10.0.0.1"))
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	stats, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	f.clock.Advance(31 * 24 * time.Hour)
	stats, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, err = f.sessions.GetSession(ctx, res.Session.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLocalLocker_RespectsContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
	assert.Empty(t, l.locks)
}

func TestHeuristic(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHeuristic(DefaultHeuristicConfig())

	live := func(ip, os string, age time.Duration) *models.Session {
		return &models.Session{
			State: models.SessionActive, IsActive: true,
			CreatedAt: now.Add(-age), ExpiresAt: now.Add(time.Hour),
			Device: models.DeviceInfo{DeviceType: "desktop", OS: os, Browser: "firefox", IP: ip},
		}
	}
	desktop := models.DeviceInfo{DeviceType: "desktop", OS: "linux", Browser: "firefox", IP: "10.0.0.200"}

	tests := []struct {
		name     string
		existing []*models.Session
		dev      models.DeviceInfo
		want     bool
		reason   string
	}{
		{"first session", nil, desktop, false, ""},
		{"same subnet other device", []*models.Session{live("10.0.0.5", "windows", time.Minute)}, desktop, false, ""},
		{"other subnet same device", []*models.Session{live("192.168.1.5", "linux", time.Minute)}, desktop, false, ""},
		{"other subnet other device", []*models.Session{live("192.168.1.5", "windows", time.Minute)}, desktop, true, ReasonNewNetworkDevice},
		{"outside window", []*models.Session{live("192.168.1.5", "windows", time.Hour)}, desktop, false, ""},
		{"burst", []*models.Session{
			live("10.0.0.1", "linux", time.Minute),
			live("10.0.0.1", "linux", 2*time.Minute),
			live("10.0.0.1", "linux", 3*time.Minute),
		}, desktop, true, ReasonSessionBurst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := h.Evaluate(tt.existing, tt.dev, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestHeuristic_IPv6Prefix(t *testing.T) {
	h := NewHeuristic(DefaultHeuristicConfig())
	assert.True(t, h.sameNetwork("2001:db8:1:aaaa::1", "2001:db8:1:bbbb::2"))
	assert.False(t, h.sameNetwork("2001:db8:1::1", "2001:db8:2::1"))
	assert.False(t, h.sameNetwork("10.0.0.1", "2001:db8::1"))
	assert.False(t, h.sameNetwork("", "10.0.0.1"))
	assert.True(t, h.sameNetwork(fmt.Sprintf("10.1.2.%d", 3), "10.1.2.250"))
}
