package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrPersistenceUnavailable = errors.New("session store unavailable")
	ErrReasonRequired         = errors.New("reason is required")
	ErrInvalidTransition      = errors.New("session state does not allow this transition")
	ErrInvalidExtension       = errors.New("extension must be positive")
	ErrIdentityRequired       = errors.New("identity is required")
	ErrIdentityDisabled       = errors.New("identity cannot hold sessions")
)

const (
	ReasonSessionLimit = "session_limit_exceeded"
	ReasonExpired      = "expired"
)

type Config struct {
	Duration                 time.Duration
	ActivityRefreshThreshold time.Duration
	DefaultMaxSessions       int
	// Retention is how long ended sessions are kept before the sweep deletes them.
	Retention time.Duration
	Heuristic HeuristicConfig
}

func DefaultConfig() Config {
	return Config{
		Duration:                 24 * time.Hour,
		ActivityRefreshThreshold: 15 * time.Minute,
		DefaultMaxSessions:       5,
		Retention:                30 * 24 * time.Hour,
		Heuristic:                DefaultHeuristicConfig(),
	}
}

// CreateResult holds a new session, with its token populated, and any
// sessions evicted to make room for it.
type CreateResult struct {
	Session *models.Session
	Evicted []*models.Session
}

type SweepStats struct {
	Expired int
	Deleted int
}

type Manager struct {
	sessions   repository.SessionRepository
	identities repository.IdentityRepository
	hasher     TokenHasher
	locker     Locker
	heuristic  *Heuristic
	cfg        Config
	now        func() time.Time
	entropy    io.Reader
	logger     *zap.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithEntropy(r io.Reader) Option {
	return func(m *Manager) { m.entropy = r }
}

func NewManager(sessions repository.SessionRepository, identities repository.IdentityRepository, hasher TokenHasher, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.ActivityRefreshThreshold <= 0 {
		cfg.ActivityRefreshThreshold = def.ActivityRefreshThreshold
	}
	if cfg.DefaultMaxSessions <= 0 {
		cfg.DefaultMaxSessions = def.DefaultMaxSessions
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	m := &Manager{
		sessions:   sessions,
		identities: identities,
		hasher:     hasher,
		locker:     NewLocalLocker(),
		heuristic:  NewHeuristic(cfg.Heuristic),
		cfg:        cfg,
		now:        time.Now,
		logger:     util.Named("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistenceUnavailable, op, err)
}

func identityLockKey(identityID string) string {
	return "session_create:" + identityID
}

// Create opens a session for identity, evicting the least recently active
// sessions so the identity never exceeds its cap.
func (m *Manager) Create(ctx context.Context, identity *models.AdminIdentity, device models.DeviceInfo) (*CreateResult, error) {
	if identity == nil || identity.ID == "" {
		return nil, ErrIdentityRequired
	}

	unlock, err := m.locker.Lock(ctx, identityLockKey(identity.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	defer unlock()

	// Suspension and deactivation end sessions under this same lock, so the
	// stored identity is authoritative from here on.
	now := m.now()
	identity, err = m.identities.GetIdentity(ctx, identity.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrIdentityDisabled
	}
	if err != nil {
		return nil, unavailable("get identity", err)
	}
	if !identity.IsActive || identity.IsSuspended() || identity.IsExpired(now) {
		return nil, ErrIdentityDisabled
	}

	existing, err := m.sessions.ListSessionsByIdentity(ctx, identity.ID)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}

	live := make([]*models.Session, 0, len(existing))
	for _, s := range existing {
		if s.Live(now) {
			live = append(live, s)
		}
	}

	maxSessions := identity.MaxSessions
	if maxSessions <= 0 {
		maxSessions = m.cfg.DefaultMaxSessions
	}

	sort.Slice(live, func(i, j int) bool { return live[i].LastActivity.Before(live[j].LastActivity) })
	var evicted []*models.Session
	for len(live) > maxSessions-1 {
		victim := live[0]
		live = live[1:]
		m.markInvalidated(victim, ReasonSessionLimit, now)
		err := m.sessions.UpdateSession(ctx, victim, models.SessionActive)
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			// ended elsewhere in the meantime
			continue
		}
		if err != nil {
			return nil, unavailable("evict session", err)
		}
		evicted = append(evicted, victim)
	}

	suspicious, suspiciousReason := m.heuristic.Evaluate(existing, device, now)

	token, err := GenerateToken(m.entropy)
	if err != nil {
		return nil, err
	}

	s := &models.Session{
		ID:               uuid.NewString(),
		IdentityID:       identity.ID,
		TokenHash:        m.hasher.Digest(token),
		Device:           device,
		CreatedAt:        now,
		LastActivity:     now,
		ExpiresAt:        now.Add(m.cfg.Duration),
		State:            models.SessionActive,
		IsActive:         true,
		Suspicious:       suspicious,
		SuspiciousReason: suspiciousReason,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, unavailable("create session", err)
	}

	if err := m.identities.SetActiveSessions(ctx, identity.ID, len(live)+1); err != nil {
		m.logger.Warn("Failed to update active session count",
			zap.String("identity_id", identity.ID), zap.Error(err))
	}

	created := *s
	created.Token = token

	m.logger.Debug("Session created",
		zap.String("session_id", s.ID),
		zap.String("identity_id", identity.ID),
		zap.Int("evicted", len(evicted)),
		zap.Bool("suspicious", suspicious),
	)
	return &CreateResult{Session: &created, Evicted: evicted}, nil
}

func (m *Manager) lookup(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	for _, digest := range m.hasher.Candidates(token) {
		s, err := m.sessions.GetSessionByTokenHash(ctx, digest)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable("lookup session", err)
		}
		return s, nil
	}
	return nil, ErrSessionNotFound
}

// Validate resolves a token to its live session. Unknown, expired,
// invalidated and blocked tokens are indistinguishable to the caller.
func (m *Manager) Validate(ctx context.Context, token string) (*models.Session, error) {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if s.State != models.SessionActive || !s.IsActive || s.Blocked {
		return nil, ErrSessionNotFound
	}
	if !now.Before(s.ExpiresAt) {
		m.expire(ctx, s)
		return nil, ErrSessionNotFound
	}

	if now.Sub(s.LastActivity) >= m.cfg.ActivityRefreshThreshold {
		err := m.sessions.TouchSession(ctx, s.ID, now)
		switch {
		case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrNotFound):
			// blocked, invalidated or evicted since the lookup
			return nil, ErrSessionNotFound
		case err != nil:
			m.logger.Warn("Failed to refresh session activity",
				zap.String("session_id", s.ID), zap.Error(err))
		default:
			s.LastActivity = now
		}
	}
	return s, nil
}

func (m *Manager) expire(ctx context.Context, s *models.Session) {
	if s.State != models.SessionActive {
		return
	}
	s.State = models.SessionExpired
	s.IsActive = false
	err := m.sessions.UpdateSession(ctx, s, models.SessionActive)
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		m.logger.Warn("Failed to mark session expired",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Get returns a session by ID in whatever state it is in.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return s, nil
}

func (m *Manager) markInvalidated(s *models.Session, reason string, now time.Time) {
	s.State = models.SessionInvalidated
	s.IsActive = false
	s.InvalidatedAt = &now
	s.InvalidatedReason = reason
}

// Invalidate ends a session. It reports whether the state changed; ending an
// already-ended session is a no-op.
func (m *Manager) Invalidate(ctx context.Context, sessionID, reason string) (bool, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s.State != models.SessionActive {
		return false, nil
	}
	m.markInvalidated(s, reason, m.now())
	err = m.sessions.UpdateSession(ctx, s, models.SessionActive)
	if errors.Is(err, repository.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("invalidate session", err)
	}
	m.recount(ctx, s.IdentityID)
	return true, nil
}

// InvalidateAllForIdentity ends every active session of an identity and
// returns how many were ended.
func (m *Manager) InvalidateAllForIdentity(ctx context.Context, identityID, reason string) (int, error) {
	return m.invalidateMatching(ctx, identityID, reason, func(*models.Session) bool { return true })
}

// InvalidateDevice ends the identity's active sessions bound to deviceID.
func (m *Manager) InvalidateDevice(ctx context.Context, identityID, deviceID, reason string) (int, error) {
	if deviceID == "" {
		return 0, nil
	}
	return m.invalidateMatching(ctx, identityID, reason, func(s *models.Session) bool {
		return s.Device.DeviceID == deviceID
	})
}

// invalidateMatching holds the identity lock so no Create can slip a session
// in behind the listing.
func (m *Manager) invalidateMatching(ctx context.Context, identityID, reason string, match func(*models.Session) bool) (int, error) {
	unlock, err := m.locker.Lock(ctx, identityLockKey(identityID))
	if err != nil {
		return 0, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	defer unlock()

	sessions, err := m.sessions.ListSessionsByIdentity(ctx, identityID)
	if err != nil {
		return 0, unavailable("list sessions", err)
	}

	now := m.now()
	count := 0
	for _, s := range sessions {
		if s.State != models.SessionActive || !match(s) {
			continue
		}
		m.markInvalidated(s, reason, now)
		err := m.sessions.UpdateSession(ctx, s, models.SessionActive)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return count, unavailable("invalidate session", err)
		}
		count++
	}
	if count > 0 {
		m.recount(ctx, identityID)
	}
	return count, nil
}

// Block terminally disables a session. A reason is mandatory and persisted.
func (m *Manager) Block(ctx context.Context, sessionID, reason string) (bool, error) {
	if reason == "" {
		return false, ErrReasonRequired
	}
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s.State == models.SessionBlocked {
		return false, nil
	}
	if s.State != models.SessionActive {
		return false, ErrInvalidTransition
	}

	s.State = models.SessionBlocked
	s.Blocked = true
	s.BlockedReason = reason
	s.IsActive = false
	err = m.sessions.UpdateSession(ctx, s, models.SessionActive)
	if errors.Is(err, repository.ErrConflict) {
		current, gerr := m.Get(ctx, sessionID)
		if gerr == nil && current.State == models.SessionBlocked {
			return false, nil
		}
		return false, ErrInvalidTransition
	}
	if err != nil {
		return false, unavailable("block session", err)
	}
	m.recount(ctx, s.IdentityID)
	return true, nil
}

// Extend pushes the expiry of a live session to now+d. The suspicious flag
// is left untouched.
func (m *Manager) Extend(ctx context.Context, token string, d time.Duration) (*models.Session, error) {
	if d <= 0 {
		return nil, ErrInvalidExtension
	}
	if d > m.cfg.Duration {
		d = m.cfg.Duration
	}

	s, err := m.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	next := m.now().Add(d)
	if next.After(s.ExpiresAt) {
		err := m.sessions.ExtendSession(ctx, s.ID, next)
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, unavailable("extend session", err)
		}
		s.ExpiresAt = next
	}
	return s, nil
}

// MarkMFAVerified records a successful second-factor check on the session.
func (m *Manager) MarkMFAVerified(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Live(m.now()) {
		return nil, ErrSessionNotFound
	}
	now := m.now()
	err = m.sessions.MarkSessionMFA(ctx, s.ID, now)
	if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("mark mfa verified", err)
	}
	s.MFAVerifiedAt = &now
	return s, nil
}

// ListForIdentity returns live sessions, most recently active first.
func (m *Manager) ListForIdentity(ctx context.Context, identityID string) ([]*models.Session, error) {
	sessions, err := m.sessions.ListSessionsByIdentity(ctx, identityID)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	now := m.now()
	live := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Live(now) {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].LastActivity.After(live[j].LastActivity) })
	return live, nil
}

// Sweep marks lapsed sessions expired and deletes ended sessions older than
// the retention period.
func (m *Manager) Sweep(ctx context.Context) (SweepStats, error) {
	now := m.now()
	var stats SweepStats
	touched := make(map[string]struct{})

	err := m.sessions.ScanSessions(ctx, func(s *models.Session) error {
		switch {
		case s.State == models.SessionActive && !now.Before(s.ExpiresAt):
			s.State = models.SessionExpired
			s.IsActive = false
			err := m.sessions.UpdateSession(ctx, s, models.SessionActive)
			if errors.Is(err, repository.ErrConflict) {
				return nil
			}
			if err != nil {
				return err
			}
			stats.Expired++
			touched[s.IdentityID] = struct{}{}
		case s.State != models.SessionActive && now.Sub(endedAt(s)) > m.cfg.Retention:
			if err := m.sessions.DeleteSession(ctx, s); err != nil {
				return err
			}
			stats.Deleted++
		}
		return nil
	})
	for identityID := range touched {
		m.recount(ctx, identityID)
	}
	if err != nil {
		return stats, unavailable("sweep sessions", err)
	}
	return stats, nil
}

func endedAt(s *models.Session) time.Time {
	if s.InvalidatedAt != nil {
		return *s.InvalidatedAt
	}
	if s.ExpiresAt.After(s.LastActivity) {
		return s.ExpiresAt
	}
	return s.LastActivity
}

func (m *Manager) recount(ctx context.Context, identityID string) {
	sessions, err := m.sessions.ListSessionsByIdentity(ctx, identityID)
	if err != nil {
		m.logger.Warn("Failed to recount sessions", zap.String("identity_id", identityID), zap.Error(err))
		return
	}
	now := m.now()
	live := 0
	for _, s := range sessions {
		if s.Live(now) {
			live++
		}
	}
	if err := m.identities.SetActiveSessions(ctx, identityID, live); err != nil && !errors.Is(err, repository.ErrNotFound) {
		m.logger.Warn("Failed to update active session count", zap.String("identity_id", identityID), zap.Error(err))
	}
}
