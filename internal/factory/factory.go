package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"admin-security/internal/audit"
	"admin-security/internal/authz"
	"admin-security/internal/bucketing"
	"admin-security/internal/client"
	"admin-security/internal/config"
	"admin-security/internal/encryption"
	"admin-security/internal/guard"
	"admin-security/internal/handler"
	"admin-security/internal/hashing"
	"admin-security/internal/repository"
	"admin-security/internal/repository/memory"
	redisrepo "admin-security/internal/repository/redis"
	"admin-security/internal/repository/scylla"
	"admin-security/internal/service"
	"admin-security/internal/session"
	"admin-security/internal/tls"
	"admin-security/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	initTimeout      = 30 * time.Second
	alertPartitions  = 6
	alertReplication = 3
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.TokenHasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Security components
	store    *repository.Store
	catalog  *authz.Catalog
	registry *authz.Registry
	sessions *session.Manager
	trail    *audit.Trail
	guard    *guard.Guard

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects every enabled backend and assembles the security
// components on top of them. Outside production an unreachable backend is
// replaced by its in-process counterpart.
func NewFactory(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(tls.ConfigFrom(cfg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeSecurity()

	logger.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis", f.redisClient != nil),
		util.Bool("scylla", f.scyllaClient != nil),
		util.Bool("kafka", f.kafkaProducer != nil),
		util.Bool("elasticsearch", f.esClient != nil),
		util.Bool("clickhouse", f.clickhouseClient != nil),
	)
	return f, nil
}

// initializeClients connects each enabled backend and prepares its schema.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	var initErrors []error

	if cfg.Redis.Enabled {
		if c, err := client.NewRedisClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	}

	if cfg.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
		} else {
			f.scyllaClient = c
		}
	}

	// Alert delivery is best effort; Kafka never blocks startup.
	if cfg.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(cfg, f.logger); err != nil {
			f.logger.Warn("Kafka producer initialization failed - proceeding without Kafka alerts", util.ErrorField(err))
		} else {
			if err := p.EnsureTopic(ctx, cfg.Kafka.AlertTopic, alertPartitions, alertReplication); err != nil {
				f.logger.Warn("Failed to ensure alert topic", util.String("topic", cfg.Kafka.AlertTopic), util.ErrorField(err))
			}
			f.kafkaProducer = p
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.EnsureIndex(ctx, cfg.Elasticsearch.AuditIndex, audit.ElasticsearchMapping); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("elasticsearch index: %w", err))
		} else {
			f.esClient = c
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := c.EnsureSchema(ctx, audit.ClickHouseSchema); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse schema: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			f.logger.Warn("Service initialization warning, falling back to local implementation", util.ErrorField(err))
		}
	}

	return f.verifyClients(ctx)
}

// verifyClients probes every connected backend concurrently.
func (f *Factory) verifyClients(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range f.clientChecks() {
		g.Go(func() error {
			if err := check(gctx); err != nil {
				return fmt.Errorf("%s health check: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if f.config.IsProduction() {
			return err
		}
		f.logger.Warn("Backend health check failed", util.ErrorField(err))
	}
	return nil
}

// initializeManagers builds the token hasher, envelope encryption and
// partition bucketing.
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewTokenHasher(f.config)
	if err != nil {
		return fmt.Errorf("token hasher: %w", err)
	}
	f.hasher = hasher

	var keyService encryption.KeyService
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		keyService = kms.NewFromConfig(awsCfg)
	}
	em, err := encryption.NewEncryptionManager(f.config, keyService)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	f.logger.Info("Managers initialized successfully",
		util.Int("token_keys", len(f.config.Hashing.TokenKeys)),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
	)
	return nil
}

// initializeSecurity assembles the policy, session, audit and guard
// components and the services over them.
func (f *Factory) initializeSecurity() {
	cfg := f.config

	if f.scyllaClient != nil {
		f.store = scylla.NewStore(f.scyllaClient, f.bucketingManager)
	} else {
		f.logger.Warn("Using in-memory store; state will not survive restart")
		f.store = memory.NewStore()
	}

	f.catalog = authz.NewCatalog()
	f.registry = authz.NewRegistry(f.catalog)

	// Trail
	hooks := []audit.AlertHook{audit.NewLogAlertHook(f.logger)}
	if f.kafkaProducer != nil {
		hooks = append(hooks, audit.NewKafkaAlertHook(f.kafkaProducer, cfg.Kafka.AlertTopic))
	}
	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.AuditIndex))
	}
	f.trail = audit.NewTrail(f.store.Audit, auditConfig(cfg),
		audit.WithLogger(f.logger),
		audit.WithAlertHooks(hooks...),
		audit.WithSinks(sinks...),
	)

	// Sessions
	sessOpts := []session.Option{session.WithLogger(f.logger)}
	if f.redisClient != nil {
		sessOpts = append(sessOpts, session.WithLocker(redisrepo.NewIdentityLock(f.redisClient, cfg.Session.LockTTL, cfg.Session.LockWait)))
	}
	f.sessions = session.NewManager(f.store.Sessions, f.store.Identities, f.hasher, sessionConfig(cfg), sessOpts...)

	// Guard
	var rateStore guard.RateLimitStore
	if f.redisClient != nil {
		rateStore = redisrepo.NewRateLimitStore(f.redisClient)
	} else {
		rateStore = guard.NewMemoryRateStore()
	}
	f.guard = guard.New(
		guard.NewRateLimiter(rateStore, rateLimiterConfig(cfg)),
		guard.NewBotDetector(cfg.Guard.BotSignatures, cfg.Guard.ProtectedPaths),
		guard.NewClientIPResolver(cfg.Guard.TrustForwardedHeaders, cfg.Guard.ClientIPHeaders),
		guard.WithRecorder(f.trail),
		guard.WithLogger(f.logger),
	)

	deps := service.Dependencies{
		Config:   cfg,
		Store:    f.store,
		Catalog:  f.catalog,
		Registry: f.registry,
		Sessions: f.sessions,
		Trail:    f.trail,
		Secrets:  f.encryptionManager,
		Guard:    f.guard,
		Logger:   f.logger,
	}
	if f.esClient != nil {
		deps.Searcher = f.esClient
	}
	if f.clickhouseClient != nil {
		deps.Counter = f.clickhouseClient
	}
	f.serviceFactory = service.NewServiceFactory(deps)
}

func auditConfig(cfg *config.Config) audit.Config {
	c := audit.DefaultConfig()
	c.Thresholds = audit.Thresholds{
		Critical: cfg.Audit.ThreatCritical,
		High:     cfg.Audit.ThreatHigh,
		Medium:   cfg.Audit.ThreatMedium,
	}
	c.FallbackSize = cfg.Audit.FallbackSize
	c.DefaultLimit = cfg.Audit.DefaultQueryRows
	c.Dispatcher = audit.DispatcherConfig{
		QueueSize:  cfg.Audit.AlertQueueSize,
		RatePerSec: cfg.Audit.AlertRatePerSec,
		Burst:      cfg.Audit.AlertBurst,
	}
	c.Exporter = audit.ExporterConfig{
		BatchSize:     cfg.Audit.ExportBatchSize,
		FlushInterval: cfg.Audit.ExportInterval,
		QueueSize:     cfg.Audit.ExportQueueSize,
	}
	return c
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Duration:                 cfg.Session.Duration,
		ActivityRefreshThreshold: cfg.Session.ActivityRefreshThreshold,
		DefaultMaxSessions:       cfg.Session.MaxSessions,
		Retention:                cfg.Session.Retention,
		Heuristic: session.HeuristicConfig{
			Window:     cfg.Session.SuspiciousWindow,
			IPv4Prefix: cfg.Session.SuspiciousIPv4Prefix,
			IPv6Prefix: cfg.Session.SuspiciousIPv6Prefix,
			Burst:      cfg.Session.SuspiciousBurst,
		},
	}
}

func rateLimiterConfig(cfg *config.Config) guard.RateLimiterConfig {
	return guard.RateLimiterConfig{
		Auth:         guard.Rule{MaxRequests: cfg.RateLimit.Auth.MaxRequests, Window: cfg.RateLimit.Auth.Window},
		API:          guard.Rule{MaxRequests: cfg.RateLimit.API.MaxRequests, Window: cfg.RateLimit.API.Window},
		Global:       guard.Rule{MaxRequests: cfg.RateLimit.Global.MaxRequests, Window: cfg.RateLimit.Global.Window},
		AuthPrefixes: cfg.RateLimit.AuthPrefixes,
		APIPrefixes:  cfg.RateLimit.APIPrefixes,
	}
}

// ==============================
// Lifecycle
// ==============================

// Start loads the authorization policy and starts the audit workers.
func (f *Factory) Start(ctx context.Context) error {
	if err := f.serviceFactory.PolicyService().Bootstrap(ctx); err != nil {
		return fmt.Errorf("policy bootstrap: %w", err)
	}
	f.trail.Start()
	return nil
}

// Shutdown drains the audit workers.
func (f *Factory) Shutdown(ctx context.Context) error {
	return f.trail.Shutdown(ctx)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) clientChecks() map[string]handler.HealthCheck {
	checks := make(map[string]handler.HealthCheck)
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	return checks
}

// HealthChecks returns the probes served on /health. Kafka is excluded:
// alerts are best effort and an outage must not fail readiness.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := f.clientChecks()
	checks["audit_fallback"] = func(ctx context.Context) error {
		if n := f.trail.FallbackLen(); n > 0 {
			return fmt.Errorf("%d audit events awaiting persistence", n)
		}
		return nil
	}
	return checks
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				f.logger.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			f.logger.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				f.logger.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			f.logger.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				f.logger.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		f.logger.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Guard() *guard.Guard {
	return f.guard
}
