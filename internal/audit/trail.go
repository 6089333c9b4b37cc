package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"admin-security/internal/metrics"
	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrAlreadyResolved  = errors.New("audit event already resolved")
	ErrEventNotFound    = errors.New("audit event not found")
	ErrStoreUnavailable = errors.New("audit store unavailable")
)

const maxFieldLength = 512

// escalationTypes are denials whose source address is re-scored after ingest.
var escalationTypes = map[models.EventType]struct{}{
	models.EventRateLimitExceeded: {},
	models.EventCSRFRejected:      {},
	models.EventSuspiciousRequest: {},
	models.EventLoginFailed:       {},
	models.EventMFAFailed:         {},
	models.EventPermissionDenied:  {},
	models.EventInvalidSession:    {},
	models.EventIPNotAllowed:      {},
}

type Config struct {
	Thresholds   Thresholds
	FallbackSize int
	// BruteForceWindow is both the scoring window for escalation and the
	// minimum gap between brute_force_detected events for one address.
	BruteForceWindow time.Duration
	DefaultLimit     int
	Dispatcher       DispatcherConfig
	Exporter         ExporterConfig
}

func DefaultConfig() Config {
	return Config{
		Thresholds:       DefaultThresholds(),
		FallbackSize:     10000,
		BruteForceWindow: time.Hour,
		DefaultLimit:     100,
	}
}

// Trail records severity-classified security events. It owns background
// workers and must be started and shut down explicitly.
type Trail struct {
	repo       repository.AuditRepository
	cfg        Config
	fallback   *FallbackBuffer
	dispatcher *Dispatcher
	exporter   *Exporter
	now        func() time.Time
	logger     *zap.Logger

	escMu     sync.Mutex
	escalated map[string]time.Time
}

type Option func(*trailOptions)

type trailOptions struct {
	now    func() time.Time
	logger *zap.Logger
	hooks  []AlertHook
	sinks  []Sink
}

func WithClock(now func() time.Time) Option {
	return func(o *trailOptions) { o.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *trailOptions) { o.logger = l }
}

func WithAlertHooks(hooks ...AlertHook) Option {
	return func(o *trailOptions) { o.hooks = append(o.hooks, hooks...) }
}

func WithSinks(sinks ...Sink) Option {
	return func(o *trailOptions) { o.sinks = append(o.sinks, sinks...) }
}

func NewTrail(repo repository.AuditRepository, cfg Config, opts ...Option) *Trail {
	o := trailOptions{now: time.Now, logger: util.Named("audit")}
	for _, opt := range opts {
		opt(&o)
	}

	def := DefaultConfig()
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.BruteForceWindow <= 0 {
		cfg.BruteForceWindow = def.BruteForceWindow
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}

	t := &Trail{
		repo:      repo,
		cfg:       cfg,
		fallback:  NewFallbackBuffer(cfg.FallbackSize),
		exporter:  NewExporter(cfg.Exporter, o.logger, o.sinks...),
		now:       o.now,
		logger:    o.logger,
		escalated: make(map[string]time.Time),
	}
	t.dispatcher = NewDispatcher(cfg.Dispatcher, o.logger, o.hooks...)
	t.dispatcher.escalate = t.checkEscalation
	return t
}

func (t *Trail) Start() {
	t.dispatcher.Start()
	t.exporter.Start()
	t.logger.Info("Audit trail started")
}

// Shutdown drains alert and export queues, then makes a final attempt to
// persist buffered events.
func (t *Trail) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("alert dispatcher: %w", err))
	}
	if err := t.exporter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("exporter: %w", err))
	}
	if t.fallback.Len() > 0 {
		if _, err := t.fallback.Flush(ctx, t.repo); err != nil {
			t.logger.Error("Audit events lost at shutdown",
				zap.Int("pending", t.fallback.Len()), zap.Error(err))
		}
	}
	t.logger.Info("Audit trail stopped")
	return errors.Join(errs...)
}

// Ingest classifies and persists an event. Persistence failures are absorbed
// by the fallback buffer; only an unknown event type is returned as an error.
func (t *Trail) Ingest(ctx context.Context, event *models.AuditEvent) (*models.AuditEvent, error) {
	if event == nil {
		return nil, models.NewValidationError("event", "required")
	}
	severity, ok := SeverityOf(event.Type)
	if !ok {
		return nil, models.NewValidationError("type", fmt.Sprintf("unknown audit event type %q", event.Type))
	}

	e := sanitize(event)
	e.Severity = severity
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now().UTC()
	}
	e.Resolved = false
	e.ResolvedBy = ""
	e.ResolvedAt = nil

	if err := t.repo.InsertAuditEvent(ctx, e); err != nil && !errors.Is(err, repository.ErrAlreadyExists) {
		dropped := t.fallback.Push(e)
		t.logger.Error("Failed to persist audit event, buffered locally",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.Int("buffered", t.fallback.Len()),
			zap.Bool("dropped_oldest", dropped),
			zap.Error(err),
		)
	}

	metrics.AuditEvents.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
	t.exporter.Enqueue(e)

	if AtLeast(e.Severity, models.SeverityHigh) {
		t.dispatcher.submit(job{kind: jobAlert, event: e})
	}
	if _, ok := escalationTypes[e.Type]; ok && e.IP != "" {
		t.dispatcher.submit(job{kind: jobEscalation, event: e})
	}
	return e, nil
}

func sanitize(in *models.AuditEvent) *models.AuditEvent {
	e := *in
	e.ActorID = util.SanitizeLogValue(e.ActorID, maxFieldLength)
	e.IP = util.SanitizeLogValue(e.IP, 64)
	e.UserAgent = util.SanitizeLogValue(e.UserAgent, maxFieldLength)
	e.Path = util.SanitizeLogValue(e.Path, maxFieldLength)
	e.Action = util.SanitizeLogValue(e.Action, maxFieldLength)
	e.Notes = util.SanitizeLogValue(e.Notes, 4*maxFieldLength)
	if in.Details != nil {
		e.Details = make(map[string]string, len(in.Details))
		for k, v := range in.Details {
			e.Details[util.SanitizeLogValue(k, 64)] = util.SanitizeLogValue(v, maxFieldLength)
		}
	}
	return &e
}

// Resolve marks an event handled. Resolution is one-way.
func (t *Trail) Resolve(ctx context.Context, id, resolvedBy, notes string) (*models.AuditEvent, error) {
	if resolvedBy == "" {
		return nil, models.NewValidationError("resolved_by", "required")
	}
	notes = util.SanitizeLogValue(notes, 4*maxFieldLength)

	e, err := t.repo.ResolveAuditEvent(ctx, id, resolvedBy, notes, t.now().UTC())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrEventNotFound
	case errors.Is(err, repository.ErrConflict):
		return nil, ErrAlreadyResolved
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	_, _ = t.Ingest(ctx, &models.AuditEvent{
		Type:    models.EventAuditEventResolved,
		ActorID: resolvedBy,
		Action:  "resolve",
		Details: map[string]string{"event_id": id, "event_type": string(e.Type)},
	})
	return e, nil
}

func (t *Trail) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	e, err := t.repo.GetAuditEvent(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return e, nil
}

// Query returns matching events, newest first.
func (t *Trail) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = t.cfg.DefaultLimit
	}
	if filter.Type != "" && !KnownEventType(filter.Type) {
		return nil, models.NewValidationError("type", fmt.Sprintf("unknown audit event type %q", filter.Type))
	}
	events, err := t.repo.QueryAuditEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return events, nil
}

// AssessThreatLevel scores activity from ip over the trailing window,
// including events still waiting in the fallback buffer.
func (t *Trail) AssessThreatLevel(ctx context.Context, ip string, window time.Duration) (*ThreatAssessment, error) {
	if ip == "" {
		return nil, models.NewValidationError("ip", "required")
	}
	if window <= 0 {
		window = t.cfg.BruteForceWindow
	}
	now := t.now().UTC()
	since := now.Add(-window)

	events, err := t.repo.ListAuditEventsByIP(ctx, ip, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		seen[e.ID] = struct{}{}
	}
	buffered := t.fallback.Snapshot(func(e *models.AuditEvent) bool {
		_, dup := seen[e.ID]
		return !dup && e.IP == ip && !e.Timestamp.Before(since)
	})
	events = append(events, buffered...)

	score := Score(events)
	return &ThreatAssessment{
		IP:         ip,
		Score:      score,
		Level:      t.cfg.Thresholds.Level(score),
		EventCount: len(events),
		Window:     window,
		AssessedAt: now,
	}, nil
}

func (t *Trail) checkEscalation(ctx context.Context, trigger *models.AuditEvent) {
	ip := trigger.IP
	now := t.now()

	t.escMu.Lock()
	if until, ok := t.escalated[ip]; ok && now.Before(until) {
		t.escMu.Unlock()
		return
	}
	t.escMu.Unlock()

	assessment, err := t.AssessThreatLevel(ctx, ip, t.cfg.BruteForceWindow)
	if err != nil {
		t.logger.Warn("Threat assessment failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	if assessment.Level != models.SeverityCritical {
		return
	}

	t.escMu.Lock()
	if until, ok := t.escalated[ip]; ok && now.Before(until) {
		t.escMu.Unlock()
		return
	}
	t.escalated[ip] = now.Add(t.cfg.BruteForceWindow)
	t.escMu.Unlock()

	_, _ = t.Ingest(ctx, &models.AuditEvent{
		Type:      models.EventBruteForceDetected,
		IP:        ip,
		UserAgent: trigger.UserAgent,
		Path:      trigger.Path,
		Action:    "threat_assessment",
		Details: map[string]string{
			"score":       fmt.Sprintf("%d", assessment.Score),
			"event_count": fmt.Sprintf("%d", assessment.EventCount),
			"trigger":     string(trigger.Type),
		},
	})
}

// FlushFallback retries buffered events.
func (t *Trail) FlushFallback(ctx context.Context) (int, error) {
	if t.fallback.Len() == 0 {
		t.pruneEscalations()
		return 0, nil
	}
	n, err := t.fallback.Flush(ctx, t.repo)
	if n > 0 {
		t.logger.Info("Flushed buffered audit events", zap.Int("count", n))
	}
	t.pruneEscalations()
	return n, err
}

func (t *Trail) pruneEscalations() {
	now := t.now()
	t.escMu.Lock()
	for ip, until := range t.escalated {
		if !now.Before(until) {
			delete(t.escalated, ip)
		}
	}
	t.escMu.Unlock()
}

func (t *Trail) FallbackLen() int {
	return t.fallback.Len()
}
