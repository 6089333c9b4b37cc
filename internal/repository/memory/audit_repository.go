package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"admin-security/internal/models"
	"admin-security/internal/repository"
)

type AuditRepository struct {
	mu     sync.RWMutex
	events map[string]*models.AuditEvent
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{events: make(map[string]*models.AuditEvent)}
}

func cloneEvent(e *models.AuditEvent) *models.AuditEvent {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

func (r *AuditRepository) InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ID]; ok {
		return repository.ErrAlreadyExists
	}
	r.events[e.ID] = cloneEvent(e)
	return nil
}

func (r *AuditRepository) GetAuditEvent(ctx context.Context, id string) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEvent(e), nil
}

func (r *AuditRepository) ResolveAuditEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) (*models.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.Resolved {
		return nil, repository.ErrConflict
	}
	e.Resolved = true
	e.ResolvedBy = resolvedBy
	e.ResolvedAt = &at
	e.Notes = notes
	return cloneEvent(e), nil
}

// QueryAuditEvents returns matches newest first.
func (r *AuditRepository) QueryAuditEvents(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	out := make([]*models.AuditEvent, 0)
	for _, e := range r.events {
		if filter.Matches(e) {
			out = append(out, cloneEvent(e))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *AuditRepository) ListAuditEventsByIP(ctx context.Context, ip string, since time.Time) ([]*models.AuditEvent, error) {
	return r.QueryAuditEvents(ctx, models.AuditFilter{IP: ip, Since: since})
}
