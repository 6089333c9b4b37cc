package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig

	Session   SessionConfig
	RateLimit RateLimitConfig
	Guard     GuardConfig
	Audit     AuditConfig
	MFA       MFAConfig
	Sweeper   SweeperConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
	// InternalAPIKey authenticates the upstream login service when it asks
	// for a session to be issued. Empty disables issuance.
	InternalAPIKey string
}

type LoggingConfig struct {
	Service string
	Level   string
	Format  string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AlertTopic string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

// KMSConfig controls envelope encryption of TOTP secrets. Without KMS the
// data keys are wrapped by LocalKey (base64, 32 bytes).
type KMSConfig struct {
	Enabled  bool
	KeyID    string
	Region   string
	LocalKey string
}

// HashingConfig holds the keys used for session token digests. Keys are tried
// newest first so tokens issued before a rotation keep validating.
type HashingConfig struct {
	TokenKeys []string
}

type BucketingConfig struct {
	EventBuckets int
}

type SessionConfig struct {
	Duration                 time.Duration
	MaxSessions              int
	ActivityRefreshThreshold time.Duration
	SuspiciousWindow         time.Duration
	SuspiciousIPv4Prefix     int
	SuspiciousIPv6Prefix     int
	SuspiciousBurst          int
	LockTTL                  time.Duration
	LockWait                 time.Duration
	Retention                time.Duration
	CookieName               string
}

type RateLimitRule struct {
	MaxRequests int
	Window      time.Duration
}

type RateLimitConfig struct {
	Auth         RateLimitRule
	API          RateLimitRule
	Global       RateLimitRule
	AuthPrefixes []string
	APIPrefixes  []string
}

type GuardConfig struct {
	TrustForwardedHeaders bool
	ClientIPHeaders       []string
	ProtectedPaths        []string
	BotSignatures         []string
}

type AuditConfig struct {
	ThreatCritical   int
	ThreatHigh       int
	ThreatMedium     int
	AlertQueueSize   int
	AlertRatePerSec  float64
	AlertBurst       int
	FallbackSize     int
	ExportBatchSize  int
	ExportInterval   time.Duration
	ExportQueueSize  int
	DefaultQueryRows int
}

type MFAConfig struct {
	Issuer   string
	Validity time.Duration
}

type SweeperConfig struct {
	Interval time.Duration
}

var (
	loaded *Config
	mu     sync.RWMutex
)

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTOCERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_AUTOCERT_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			AllowedOrigins: getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
		},
		Logging: LoggingConfig{
			Service: getEnv("LOG_SERVICE_NAME", "admin-security"),
			Level:   getEnv("LOG_LEVEL", "info"),
			Format:  getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvBool("SCYLLA_ENABLED", true),
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "admin_security"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AlertTopic: getEnv("KAFKA_ALERT_TOPIC", "admin-security-alerts"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "admin-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "admin_security"),
		},
		KMS: KMSConfig{
			Enabled:  getEnvBool("KMS_ENABLED", false),
			KeyID:    getEnv("KMS_KEY_ID", ""),
			Region:   getEnv("KMS_REGION", "us-east-1"),
			LocalKey: getEnv("ENCRYPTION_LOCAL_KEY", ""),
		},
		Hashing: HashingConfig{
			TokenKeys: getEnvSlice("TOKEN_HASH_KEYS", nil),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getEnvInt("AUDIT_EVENT_BUCKETS", 16),
		},
		Session: SessionConfig{
			Duration:                 getEnvDuration("SESSION_DURATION", 24*time.Hour),
			MaxSessions:              getEnvInt("SESSION_MAX_PER_IDENTITY", 5),
			ActivityRefreshThreshold: getEnvDuration("SESSION_ACTIVITY_REFRESH", 15*time.Minute),
			SuspiciousWindow:         getEnvDuration("SESSION_SUSPICIOUS_WINDOW", 10*time.Minute),
			SuspiciousIPv4Prefix:     getEnvInt("SESSION_SUSPICIOUS_IPV4_PREFIX", 24),
			SuspiciousIPv6Prefix:     getEnvInt("SESSION_SUSPICIOUS_IPV6_PREFIX", 48),
			SuspiciousBurst:          getEnvInt("SESSION_SUSPICIOUS_BURST", 3),
			LockTTL:                  getEnvDuration("SESSION_LOCK_TTL", 5*time.Second),
			LockWait:                 getEnvDuration("SESSION_LOCK_WAIT", 3*time.Second),
			Retention:                getEnvDuration("SESSION_RETENTION", 30*24*time.Hour),
			CookieName:               getEnv("SESSION_COOKIE_NAME", "admin_session"),
		},
		RateLimit: RateLimitConfig{
			Auth: RateLimitRule{
				MaxRequests: getEnvInt("RATE_LIMIT_AUTH_MAX", 5),
				Window:      getEnvDuration("RATE_LIMIT_AUTH_WINDOW", 15*time.Minute),
			},
			API: RateLimitRule{
				MaxRequests: getEnvInt("RATE_LIMIT_API_MAX", 100),
				Window:      getEnvDuration("RATE_LIMIT_API_WINDOW", time.Minute),
			},
			Global: RateLimitRule{
				MaxRequests: getEnvInt("RATE_LIMIT_GLOBAL_MAX", 300),
				Window:      getEnvDuration("RATE_LIMIT_GLOBAL_WINDOW", time.Minute),
			},
			AuthPrefixes: getEnvSlice("RATE_LIMIT_AUTH_PREFIXES", []string{"/api/v1/admin/mfa", "/api/v1/auth"}),
			APIPrefixes:  getEnvSlice("RATE_LIMIT_API_PREFIXES", []string{"/api/"}),
		},
		Guard: GuardConfig{
			TrustForwardedHeaders: getEnvBool("GUARD_TRUST_FORWARDED", false),
			ClientIPHeaders:       getEnvSlice("GUARD_CLIENT_IP_HEADERS", []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}),
			ProtectedPaths:        getEnvSlice("GUARD_PROTECTED_PATHS", []string{"/api/v1/admin", "/api/v1/auth"}),
			BotSignatures:         getEnvSlice("GUARD_BOT_SIGNATURES", nil),
		},
		Audit: AuditConfig{
			ThreatCritical:   getEnvInt("AUDIT_THREAT_CRITICAL", 50),
			ThreatHigh:       getEnvInt("AUDIT_THREAT_HIGH", 20),
			ThreatMedium:     getEnvInt("AUDIT_THREAT_MEDIUM", 5),
			AlertQueueSize:   getEnvInt("AUDIT_ALERT_QUEUE", 1024),
			AlertRatePerSec:  getEnvFloat("AUDIT_ALERT_RATE", 20),
			AlertBurst:       getEnvInt("AUDIT_ALERT_BURST", 50),
			FallbackSize:     getEnvInt("AUDIT_FALLBACK_SIZE", 10000),
			ExportBatchSize:  getEnvInt("AUDIT_EXPORT_BATCH", 200),
			ExportInterval:   getEnvDuration("AUDIT_EXPORT_INTERVAL", 5*time.Second),
			ExportQueueSize:  getEnvInt("AUDIT_EXPORT_QUEUE", 4096),
			DefaultQueryRows: getEnvInt("AUDIT_QUERY_LIMIT", 100),
		},
		MFA: MFAConfig{
			Issuer:   getEnv("MFA_ISSUER", "admin-security"),
			Validity: getEnvDuration("MFA_VALIDITY", 15*time.Minute),
		},
		Sweeper: SweeperConfig{
			Interval: getEnvDuration("SWEEPER_INTERVAL", time.Minute),
		},
	}

	mu.Lock()
	loaded = cfg
	mu.Unlock()

	return cfg
}

// Get returns the most recently loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := loaded
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev" || c.Environment == "local"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
