package memory

import (
	"context"
	"sync"
	"time"

	"admin-security/internal/models"
	"admin-security/internal/repository"
)

type SessionRepository struct {
	mu         sync.RWMutex
	byID       map[string]*models.Session
	byToken    map[string]string
	byIdentity map[string]map[string]struct{}
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		byID:       make(map[string]*models.Session),
		byToken:    make(map[string]string),
		byIdentity: make(map[string]map[string]struct{}),
	}
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	c.Token = ""
	return &c
}

func (r *SessionRepository) CreateSession(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; ok {
		return repository.ErrAlreadyExists
	}
	if _, ok := r.byToken[s.TokenHash]; ok {
		return repository.ErrAlreadyExists
	}
	r.byID[s.ID] = cloneSession(s)
	r.byToken[s.TokenHash] = s.ID
	ids, ok := r.byIdentity[s.IdentityID]
	if !ok {
		ids = make(map[string]struct{})
		r.byIdentity[s.IdentityID] = ids
	}
	ids[s.ID] = struct{}{}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *SessionRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSession(r.byID[id]), nil
}

func (r *SessionRepository) UpdateSession(ctx context.Context, s *models.Session, expected models.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[s.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.State != expected {
		return repository.ErrConflict
	}
	r.byID[s.ID] = cloneSession(s)
	return nil
}

// modifyActive applies fn to the stored session while it is active.
func (r *SessionRepository) modifyActive(id string, fn func(*models.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.State != models.SessionActive {
		return repository.ErrConflict
	}
	fn(stored)
	return nil
}

func (r *SessionRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	return r.modifyActive(id, func(s *models.Session) { s.LastActivity = at })
}

func (r *SessionRepository) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	return r.modifyActive(id, func(s *models.Session) { s.ExpiresAt = expiresAt })
}

func (r *SessionRepository) MarkSessionMFA(ctx context.Context, id string, at time.Time) error {
	return r.modifyActive(id, func(s *models.Session) { s.MFAVerifiedAt = &at })
}

func (r *SessionRepository) DeleteSession(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[s.ID]
	if !ok {
		return nil
	}
	delete(r.byID, s.ID)
	delete(r.byToken, stored.TokenHash)
	if ids, ok := r.byIdentity[stored.IdentityID]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.byIdentity, stored.IdentityID)
		}
	}
	return nil
}

func (r *SessionRepository) ListSessionsByIdentity(ctx context.Context, identityID string) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byIdentity[identityID]
	out := make([]*models.Session, 0, len(ids))
	for id := range ids {
		out = append(out, cloneSession(r.byID[id]))
	}
	return out, nil
}

func (r *SessionRepository) ScanSessions(ctx context.Context, visit func(*models.Session) error) error {
	r.mu.RLock()
	snapshot := make([]*models.Session, 0, len(r.byID))
	for _, s := range r.byID {
		snapshot = append(snapshot, cloneSession(s))
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}
