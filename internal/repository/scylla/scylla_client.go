package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admin-security/internal/config"
	"admin-security/internal/util"
)

// Schema is applied in order by EnsureSchema. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS permissions (
		name text PRIMARY KEY,
		resource text, action text, description text, conditions text,
		risk_level text, requires_mfa boolean, requires_approval boolean,
		is_system boolean, is_active boolean,
		created_at timestamp, updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		name text PRIMARY KEY,
		display_name text, description text, permissions list<text>,
		inherit_from text, priority int, is_system boolean, is_active boolean,
		created_at timestamp, updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS admin_identities (
		id text PRIMARY KEY,
		user_id text, role text, permissions list<text>, allowed_ips list<text>,
		two_factor_enabled boolean, two_factor_secret blob, two_factor_pending blob,
		max_sessions int, active_sessions int, is_active boolean,
		suspended_at timestamp, suspended_reason text, suspended_by text,
		expires_at timestamp, department text,
		last_login_at timestamp, last_login_ip text,
		created_by text, created_at timestamp, updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS identities_by_user (
		user_id text PRIMARY KEY,
		identity_id text
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id text PRIMARY KEY,
		identity_id text, token_hash text,
		device_id text, device_type text, browser text, os text, user_agent text, ip text,
		created_at timestamp, last_activity timestamp, expires_at timestamp,
		state text, is_active boolean,
		suspicious boolean, suspicious_reason text,
		blocked boolean, blocked_reason text,
		invalidated_at timestamp, invalidated_reason text,
		mfa_verified_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_token (
		token_hash text PRIMARY KEY,
		session_id text
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_identity (
		identity_id text,
		session_id text,
		PRIMARY KEY (identity_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_date text, event_bucket int, event_time timestamp, id text,
		event_type text, severity text, actor_id text, ip text, user_agent text,
		path text, action text, details map<text, text>,
		resolved boolean, resolved_by text, resolved_at timestamp, notes text,
		PRIMARY KEY ((event_date, event_bucket), event_time, id)
	) WITH CLUSTERING ORDER BY (event_time DESC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS audit_events_by_id (
		id text PRIMARY KEY,
		event_date text, event_bucket int, event_time timestamp,
		event_type text, severity text, actor_id text, ip text, user_agent text,
		path text, action text, details map<text, text>,
		resolved boolean, resolved_by text, resolved_at timestamp, notes text
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events_by_ip (
		ip text, event_time timestamp, id text,
		event_type text, severity text, actor_id text, path text,
		PRIMARY KEY (ip, event_time, id)
	) WITH CLUSTERING ORDER BY (event_time DESC, id ASC)
	  AND default_time_to_live = 2592000`,
}

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}, nil
}

// EnsureSchema creates every table used by the repositories.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("tables", len(Schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil {
			return nil
		}
		if errors.Is(err, gocql.ErrNotFound) {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// nullableTime binds a nil pointer as CQL null.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// timePtr maps the zero time gocql yields for null columns back to nil.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
