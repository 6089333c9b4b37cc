package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"admin-security/internal/metrics"
	"admin-security/internal/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AlertHook is notified of HIGH and CRITICAL events off the request path.
type AlertHook interface {
	Name() string
	Alert(ctx context.Context, e *models.AuditEvent) error
}

// LogAlertHook writes alerts to the structured log.
type LogAlertHook struct {
	logger *zap.Logger
}

func NewLogAlertHook(logger *zap.Logger) *LogAlertHook {
	return &LogAlertHook{logger: logger}
}

func (h *LogAlertHook) Name() string { return "log" }

func (h *LogAlertHook) Alert(ctx context.Context, e *models.AuditEvent) error {
	h.logger.Warn("Security alert",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("severity", string(e.Severity)),
		zap.String("actor_id", e.ActorID),
		zap.String("ip", e.IP),
		zap.String("path", e.Path),
	)
	return nil
}

// MessagePublisher is the subset of the Kafka producer used for alerts.
type MessagePublisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaAlertHook publishes alerts as JSON keyed by source IP so one
// address's alerts stay ordered within a partition.
type KafkaAlertHook struct {
	producer MessagePublisher
	topic    string
}

func NewKafkaAlertHook(producer MessagePublisher, topic string) *KafkaAlertHook {
	return &KafkaAlertHook{producer: producer, topic: topic}
}

func (h *KafkaAlertHook) Name() string { return "kafka" }

func (h *KafkaAlertHook) Alert(ctx context.Context, e *models.AuditEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	key := e.IP
	if key == "" {
		key = e.ActorID
	}
	return h.producer.ProduceMessage(ctx, h.topic, []byte(key), value, map[string]string{
		"event_type": string(e.Type),
		"severity":   string(e.Severity),
	})
}

type jobKind int

const (
	jobAlert jobKind = iota
	jobEscalation
)

type job struct {
	kind  jobKind
	event *models.AuditEvent
}

type DispatcherConfig struct {
	QueueSize   int
	RatePerSec  float64
	Burst       int
	HookTimeout time.Duration
}

// Dispatcher runs alert hooks and escalation checks on a bounded queue.
// Submissions never block; a full queue drops the job with a warning.
type Dispatcher struct {
	hooks    []AlertHook
	escalate func(ctx context.Context, e *models.AuditEvent)
	limiter  *rate.Limiter
	queue    chan job
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, hooks ...AlertHook) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = 5 * time.Second
	}
	return &Dispatcher{
		hooks:   hooks,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		queue:   make(chan job, cfg.QueueSize),
		timeout: cfg.HookTimeout,
		logger:  logger,
	}
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) submit(j job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		metrics.AuditAlerts.WithLabelValues("dropped").Inc()
		d.logger.Warn("Alert queue full, dropping job",
			zap.String("event_id", j.event.ID),
			zap.String("type", string(j.event.Type)),
		)
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		d.handle(j)
	}
}

func (d *Dispatcher) handle(j job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AuditAlerts.WithLabelValues("panic").Inc()
			d.logger.Error("Alert job panicked", zap.Any("panic", r), zap.String("event_id", j.event.ID))
		}
	}()

	switch j.kind {
	case jobEscalation:
		if d.escalate != nil {
			ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
			defer cancel()
			d.escalate(ctx, j.event)
		}
	case jobAlert:
		if err := d.limiter.Wait(d.ctx); err != nil {
			// shutting down: still deliver with a short deadline
			d.logger.Debug("Alert limiter interrupted", zap.Error(err))
		}
		for _, hook := range d.hooks {
			d.deliver(hook, j.event)
		}
	}
}

func (d *Dispatcher) deliver(hook AlertHook, e *models.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AuditAlerts.WithLabelValues("panic").Inc()
			d.logger.Error("Alert hook panicked", zap.String("hook", hook.Name()), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := hook.Alert(ctx, e); err != nil {
		metrics.AuditAlerts.WithLabelValues("error").Inc()
		d.logger.Error("Alert hook failed",
			zap.String("hook", hook.Name()),
			zap.String("event_id", e.ID),
			zap.Error(err),
		)
		return
	}
	metrics.AuditAlerts.WithLabelValues("sent").Inc()
}

// Shutdown stops intake and waits for queued jobs to finish or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
