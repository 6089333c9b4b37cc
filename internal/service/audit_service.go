package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"admin-security/internal/audit"
	"admin-security/internal/client"
	"admin-security/internal/models"
	"admin-security/internal/util"

	"go.uber.org/zap"
)

const maxSearchResults = 500

// AuditSearcher runs full-text queries against the exported audit index.
type AuditSearcher interface {
	SearchDocuments(ctx context.Context, index string, query map[string]interface{}) (*client.SearchHits, error)
}

// AuditCounter aggregates exported audit events.
type AuditCounter interface {
	CountBy(ctx context.Context, table, column string, since time.Time) (map[string]uint64, error)
}

// SearchResult is one page of full-text audit search.
type SearchResult struct {
	Total  int                  `json:"total"`
	Events []*models.AuditEvent `json:"events"`
}

// AuditService exposes the audit trail to operators.
type AuditService struct {
	trail    *audit.Trail
	searcher AuditSearcher
	index    string
	counter  AuditCounter
	now      func() time.Time
	logger   *zap.Logger
}

// NewAuditService creates a new audit service. searcher and counter may be
// nil when the corresponding backend is not configured.
func NewAuditService(trail *audit.Trail, searcher AuditSearcher, index string, counter AuditCounter, logger *zap.Logger) *AuditService {
	return &AuditService{
		trail:    trail,
		searcher: searcher,
		index:    index,
		counter:  counter,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *AuditService) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	return s.trail.Query(ctx, filter)
}

func (s *AuditService) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	return s.trail.Get(ctx, id)
}

// Resolve marks an event handled by the acting identity.
func (s *AuditService) Resolve(ctx context.Context, actor *Principal, id, notes string) (*models.AuditEvent, error) {
	return s.trail.Resolve(ctx, id, actor.actorID(), notes)
}

func (s *AuditService) Threat(ctx context.Context, ip string, window time.Duration) (*audit.ThreatAssessment, error) {
	return s.trail.AssessThreatLevel(ctx, ip, window)
}

// Search runs a full-text query over exported events, newest first.
func (s *AuditService) Search(ctx context.Context, text string, severity models.Severity, limit int) (*SearchResult, error) {
	if s.searcher == nil {
		return nil, ErrSearchUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewValidationError("q", "required")
	}
	if limit <= 0 || limit > maxSearchResults {
		limit = 50
	}

	must := []interface{}{
		map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  text,
				"fields": []string{"type", "actor_id", "ip", "path", "action", "user_agent", "details.*", "notes"},
			},
		},
	}
	if severity != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"severity": string(severity)},
		})
	}
	query := map[string]interface{}{
		"size":  limit,
		"query": map[string]interface{}{"bool": map[string]interface{}{"must": must}},
		"sort":  []interface{}{map[string]interface{}{"timestamp": map[string]string{"order": "desc"}}},
	}

	hits, err := s.searcher.SearchDocuments(ctx, s.index, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := &SearchResult{Total: hits.Hits.Total.Value, Events: make([]*models.AuditEvent, 0, len(hits.Hits.Hits))}
	for _, h := range hits.Hits.Hits {
		var e models.AuditEvent
		if err := json.Unmarshal(h.Source, &e); err != nil {
			s.logger.Warn("Skipping malformed audit search hit", util.String("id", h.ID), util.ErrorField(err))
			continue
		}
		out.Events = append(out.Events, &e)
	}
	return out, nil
}

// Stats counts exported events per type over the trailing window.
func (s *AuditService) Stats(ctx context.Context, window time.Duration) (map[string]uint64, error) {
	if s.counter == nil {
		return nil, ErrStatsUnavailable
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	counts, err := s.counter.CountBy(ctx, "audit_events", "event_type", s.now().Add(-window).UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return counts, nil
}
