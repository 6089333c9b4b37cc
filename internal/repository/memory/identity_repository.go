package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"admin-security/internal/models"
	"admin-security/internal/repository"
)

type IdentityRepository struct {
	mu       sync.RWMutex
	byID     map[string]*models.AdminIdentity
	byUserID map[string]string
}

func NewIdentityRepository() *IdentityRepository {
	return &IdentityRepository{
		byID:     make(map[string]*models.AdminIdentity),
		byUserID: make(map[string]string),
	}
}

func cloneIdentity(a *models.AdminIdentity) *models.AdminIdentity {
	c := *a
	c.Permissions = append([]string(nil), a.Permissions...)
	c.AllowedIPs = append([]string(nil), a.AllowedIPs...)
	c.TwoFactorSecret = append([]byte(nil), a.TwoFactorSecret...)
	c.TwoFactorPending = append([]byte(nil), a.TwoFactorPending...)
	return &c
}

func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity *models.AdminIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[identity.ID]; ok {
		return repository.ErrAlreadyExists
	}
	if _, ok := r.byUserID[identity.UserID]; ok {
		return repository.ErrAlreadyExists
	}
	r.byID[identity.ID] = cloneIdentity(identity)
	r.byUserID[identity.UserID] = identity.ID
	return nil
}

func (r *IdentityRepository) GetIdentity(ctx context.Context, id string) (*models.AdminIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneIdentity(a), nil
}

func (r *IdentityRepository) GetIdentityByUserID(ctx context.Context, userID string) (*models.AdminIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUserID[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneIdentity(r.byID[id]), nil
}

func (r *IdentityRepository) UpdateIdentity(ctx context.Context, identity *models.AdminIdentity, expected time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[identity.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if !stored.UpdatedAt.Equal(expected) {
		return repository.ErrConflict
	}
	next := cloneIdentity(identity)
	next.UserID = stored.UserID
	next.CreatedAt = stored.CreatedAt
	next.CreatedBy = stored.CreatedBy
	next.ActiveSessions = stored.ActiveSessions
	next.LastLoginAt = stored.LastLoginAt
	next.LastLoginIP = stored.LastLoginIP
	r.byID[identity.ID] = next
	return nil
}

func (r *IdentityRepository) SetActiveSessions(ctx context.Context, id string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.ActiveSessions = count
	return nil
}

func (r *IdentityRepository) SetLastLogin(ctx context.Context, id string, at time.Time, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.LastLoginAt = &at
	a.LastLoginIP = ip
	return nil
}

func (r *IdentityRepository) ListIdentities(ctx context.Context) ([]*models.AdminIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AdminIdentity, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, cloneIdentity(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
