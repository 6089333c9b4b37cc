package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admin-security/internal/bucketing"
	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/util"
)

const (
	auditColumns = `event_date, event_bucket, event_time, id, event_type, severity,
		actor_id, ip, user_agent, path, action, details,
		resolved, resolved_by, resolved_at, notes`
	auditByIDColumns = `id, event_date, event_bucket, event_time, event_type, severity,
		actor_id, ip, user_agent, path, action, details,
		resolved, resolved_by, resolved_at, notes`

	// defaultQuerySpan bounds partition fan-out when a query has no lower time bound.
	defaultQuerySpan = 7 * 24 * time.Hour
)

// AuditRepository writes each event to a day/bucket partition for time-range
// queries, a by-id table for lookups and resolution, and a by-ip table for
// threat scoring.
type AuditRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	now     func() time.Time
}

func NewAuditRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AuditRepository {
	return &AuditRepository{client: client, buckets: buckets, now: time.Now}
}

type auditRow struct {
	e          models.AuditEvent
	date       string
	bucket     int
	eventType  string
	severity   string
	resolvedAt time.Time
}

func (row *auditRow) dest() []interface{} {
	e := &row.e
	return []interface{}{
		&row.date, &row.bucket, &e.Timestamp, &e.ID, &row.eventType, &row.severity,
		&e.ActorID, &e.IP, &e.UserAgent, &e.Path, &e.Action, &e.Details,
		&e.Resolved, &e.ResolvedBy, &row.resolvedAt, &e.Notes,
	}
}

func (row *auditRow) byIDDest() []interface{} {
	e := &row.e
	return []interface{}{
		&e.ID, &row.date, &row.bucket, &e.Timestamp, &row.eventType, &row.severity,
		&e.ActorID, &e.IP, &e.UserAgent, &e.Path, &e.Action, &e.Details,
		&e.Resolved, &e.ResolvedBy, &row.resolvedAt, &e.Notes,
	}
}

func (row *auditRow) event() *models.AuditEvent {
	e := row.e
	e.Type = models.EventType(row.eventType)
	e.Severity = models.Severity(row.severity)
	e.ResolvedAt = timePtr(row.resolvedAt)
	return &e
}

func (r *AuditRepository) InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	applied, err := r.client.Query(ctx, `INSERT INTO audit_events_by_id (`+auditByIDColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		r.byIDValues(e)...,
	).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	p := r.buckets.PartitionFor(e.ID, e.Timestamp)
	batch := r.client.Batch(ctx, gocql.UnloggedBatch)
	batch.Query(`INSERT INTO audit_events (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Date, p.Bucket, e.Timestamp, e.ID, string(e.Type), string(e.Severity),
		e.ActorID, e.IP, e.UserAgent, e.Path, e.Action, e.Details,
		e.Resolved, e.ResolvedBy, nullableTime(e.ResolvedAt), e.Notes,
	)
	if e.IP != "" {
		batch.Query(`INSERT INTO audit_events_by_ip (ip, event_time, id, event_type, severity, actor_id, path)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.IP, e.Timestamp, e.ID, string(e.Type), string(e.Severity), e.ActorID, e.Path,
		)
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to index audit event",
			zap.String("event_id", e.ID), zap.Error(err))
		return fmt.Errorf("failed to index audit event: %w", err)
	}
	return nil
}

func (r *AuditRepository) byIDValues(e *models.AuditEvent) []interface{} {
	p := r.buckets.PartitionFor(e.ID, e.Timestamp)
	return []interface{}{
		e.ID, p.Date, p.Bucket, e.Timestamp, string(e.Type), string(e.Severity),
		e.ActorID, e.IP, e.UserAgent, e.Path, e.Action, e.Details,
		e.Resolved, e.ResolvedBy, nullableTime(e.ResolvedAt), e.Notes,
	}
}

func (r *AuditRepository) GetAuditEvent(ctx context.Context, id string) (*models.AuditEvent, error) {
	var row auditRow
	q := r.client.Query(ctx, `SELECT `+auditByIDColumns+` FROM audit_events_by_id WHERE id = ?`, id)
	if err := r.client.ScanWithRetry(q, row.byIDDest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return row.event(), nil
}

// ResolveAuditEvent flips resolved with a conditional update so concurrent
// resolvers cannot both succeed, then mirrors it into the time partition.
func (r *AuditRepository) ResolveAuditEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) (*models.AuditEvent, error) {
	e, err := r.GetAuditEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Resolved {
		return nil, repository.ErrConflict
	}

	applied, err := r.client.Query(ctx,
		`UPDATE audit_events_by_id SET resolved = true, resolved_by = ?, resolved_at = ?, notes = ?
		 WHERE id = ? IF resolved = false`,
		resolvedBy, at, notes, id,
	).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audit event: %w", err)
	}
	if !applied {
		return nil, repository.ErrConflict
	}

	p := r.buckets.PartitionFor(e.ID, e.Timestamp)
	if err := r.client.Query(ctx,
		`UPDATE audit_events SET resolved = true, resolved_by = ?, resolved_at = ?, notes = ?
		 WHERE event_date = ? AND event_bucket = ? AND event_time = ? AND id = ?`,
		resolvedBy, at, notes, p.Date, p.Bucket, e.Timestamp, e.ID,
	).Exec(); err != nil {
		util.Warn("Resolved audit event not mirrored to time partition",
			zap.String("event_id", id), zap.Error(err))
	}

	e.Resolved = true
	e.ResolvedBy = resolvedBy
	e.ResolvedAt = &at
	e.Notes = notes
	return e, nil
}

// QueryAuditEvents walks day partitions newest first, merging buckets, and
// stops once a full day has filled the limit.
func (r *AuditRepository) QueryAuditEvents(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	until := filter.Until
	if until.IsZero() {
		until = r.now().UTC()
	}
	since := filter.Since
	if since.IsZero() {
		since = until.Add(-defaultQuerySpan)
	}

	var out []*models.AuditEvent
	for _, date := range r.buckets.Dates(since, until) {
		var day []*models.AuditEvent
		for b := 0; b < r.buckets.GetEventBuckets(); b++ {
			iter := r.client.Query(ctx, `SELECT `+auditColumns+` FROM audit_events
				WHERE event_date = ? AND event_bucket = ? AND event_time >= ? AND event_time < ?`,
				date, b, since, until.Add(time.Millisecond),
			).Iter()
			for {
				var row auditRow
				if !iter.Scan(row.dest()...) {
					break
				}
				if e := row.event(); filter.Matches(e) {
					day = append(day, e)
				}
			}
			if err := iter.Close(); err != nil {
				return nil, fmt.Errorf("failed to query audit events: %w", err)
			}
		}
		sort.Slice(day, func(i, j int) bool { return day[i].Timestamp.After(day[j].Timestamp) })
		out = append(out, day...)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			return out[:filter.Limit], nil
		}
	}
	return out, nil
}

func (r *AuditRepository) ListAuditEventsByIP(ctx context.Context, ip string, since time.Time) ([]*models.AuditEvent, error) {
	iter := r.client.Query(ctx, `SELECT event_time, id, event_type, severity, actor_id, path
		FROM audit_events_by_ip WHERE ip = ? AND event_time >= ?`, ip, since).Iter()

	var out []*models.AuditEvent
	var (
		ts        time.Time
		id        string
		eventType string
		severity  string
		actorID   string
		path      string
	)
	for iter.Scan(&ts, &id, &eventType, &severity, &actorID, &path) {
		out = append(out, &models.AuditEvent{
			ID:        id,
			Type:      models.EventType(eventType),
			Severity:  models.Severity(severity),
			ActorID:   actorID,
			IP:        ip,
			Path:      path,
			Timestamp: ts,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list audit events by ip: %w", err)
	}
	return out, nil
}
