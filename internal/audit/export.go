package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"admin-security/internal/client"
	"admin-security/internal/metrics"
	"admin-security/internal/models"

	"go.uber.org/zap"
)

// Sink receives batches of audit events for analytics or search. Export is
// best effort; failures are logged and the batch is discarded.
type Sink interface {
	Name() string
	Export(ctx context.Context, events []*models.AuditEvent) error
}

type ExporterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	Timeout       time.Duration
}

// Exporter batches events by size or interval and fans each batch out to
// every sink.
type Exporter struct {
	sinks  []Sink
	cfg    ExporterConfig
	queue  chan *models.AuditEvent
	logger *zap.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewExporter(cfg ExporterConfig, logger *zap.Logger, sinks ...Sink) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Exporter{
		sinks:  sinks,
		cfg:    cfg,
		queue:  make(chan *models.AuditEvent, cfg.QueueSize),
		logger: logger,
	}
}

func (x *Exporter) Start() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.started || len(x.sinks) == 0 {
		return
	}
	x.started = true
	x.wg.Add(1)
	go x.run()
}

// Enqueue never blocks; events are dropped when the queue is full.
func (x *Exporter) Enqueue(e *models.AuditEvent) {
	if len(x.sinks) == 0 {
		return
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return
	}
	select {
	case x.queue <- e:
	default:
		metrics.AuditExports.WithLabelValues("queue", "dropped").Inc()
	}
}

func (x *Exporter) run() {
	defer x.wg.Done()
	ticker := time.NewTicker(x.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.AuditEvent, 0, x.cfg.BatchSize)
	for {
		select {
		case e, ok := <-x.queue:
			if !ok {
				x.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= x.cfg.BatchSize {
				x.flush(batch)
				batch = make([]*models.AuditEvent, 0, x.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				x.flush(batch)
				batch = make([]*models.AuditEvent, 0, x.cfg.BatchSize)
			}
		}
	}
}

func (x *Exporter) flush(batch []*models.AuditEvent) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range x.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), x.cfg.Timeout)
		err := x.export(ctx, sink, batch)
		cancel()
		if err != nil {
			metrics.AuditExports.WithLabelValues(sink.Name(), "error").Add(float64(len(batch)))
			x.logger.Warn("Audit export failed",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
			continue
		}
		metrics.AuditExports.WithLabelValues(sink.Name(), "ok").Add(float64(len(batch)))
	}
}

func (x *Exporter) export(ctx context.Context, sink Sink, batch []*models.AuditEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Export(ctx, batch)
}

func (x *Exporter) Shutdown(ctx context.Context) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	started := x.started
	close(x.queue)
	x.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =========================
// ClickHouse analytics sink
// =========================

// BatchInserter is the subset of the ClickHouse client used by the sink.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const clickhouseInsert = `INSERT INTO audit_events (
	id, event_type, severity, actor_id, ip, user_agent, path, action, details, event_time
)`

// ClickHouseSchema creates the analytics table.
const ClickHouseSchema = `CREATE TABLE IF NOT EXISTS audit_events (
	id String,
	event_type LowCardinality(String),
	severity LowCardinality(String),
	actor_id String,
	ip String,
	user_agent String,
	path String,
	action String,
	details String,
	event_time DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_time)
ORDER BY (event_type, event_time)
TTL toDateTime(event_time) + INTERVAL 400 DAY`

type ClickHouseSink struct {
	client BatchInserter
}

func NewClickHouseSink(c BatchInserter) *ClickHouseSink {
	return &ClickHouseSink{client: c}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Export(ctx context.Context, events []*models.AuditEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			details = []byte("{}")
		}
		rows = append(rows, []interface{}{
			e.ID, string(e.Type), string(e.Severity), e.ActorID, e.IP,
			e.UserAgent, e.Path, e.Action, string(details), e.Timestamp.UTC(),
		})
	}
	return s.client.BatchInsert(ctx, clickhouseInsert, rows)
}

// ============================
// Elasticsearch search sink
// ============================

// DocumentIndexer is the subset of the Elasticsearch client used by the sink.
type DocumentIndexer interface {
	BulkIndex(ctx context.Context, index string, docs []client.BulkDocument) error
}

type ElasticsearchSink struct {
	client DocumentIndexer
	index  string
}

func NewElasticsearchSink(c DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: c, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Export(ctx context.Context, events []*models.AuditEvent) error {
	docs := make([]client.BulkDocument, 0, len(events))
	for _, e := range events {
		docs = append(docs, client.BulkDocument{ID: e.ID, Body: e})
	}
	return s.client.BulkIndex(ctx, s.index, docs)
}

// ElasticsearchMapping keeps the filterable fields as keywords so severity
// and type filters match exactly.
var ElasticsearchMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":         map[string]interface{}{"type": "keyword"},
			"type":       map[string]interface{}{"type": "keyword"},
			"severity":   map[string]interface{}{"type": "keyword"},
			"actor_id":   map[string]interface{}{"type": "keyword"},
			"ip":         map[string]interface{}{"type": "keyword"},
			"user_agent": map[string]interface{}{"type": "text"},
			"path":       map[string]interface{}{"type": "keyword"},
			"action":     map[string]interface{}{"type": "text"},
			"details":    map[string]interface{}{"type": "object"},
			"notes":      map[string]interface{}{"type": "text"},
			"timestamp":  map[string]interface{}{"type": "date"},
			"resolved":   map[string]interface{}{"type": "boolean"},
		},
	},
}
