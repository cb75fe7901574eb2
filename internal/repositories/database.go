package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/configs"
)

// Database wraps the PostgreSQL connection pool shared by all repositories.
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase creates a new database connection pool.
func NewDatabase(cfg configs.DatabaseConfig) (*Database, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = int32(cfg.MaxOpenConns)
	config.MinConns = int32(cfg.MaxIdleConns)
	config.MaxConnLifetime = cfg.ConnMaxLifetime
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection established")

	return &Database{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Info().Msg("Database connection closed")
	}
}

// WithTransaction executes a function within a database transaction.
func (db *Database) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}

// Stats returns database pool statistics.
func (db *Database) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}

// HealthCheck performs a health check on the database.
func (db *Database) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the tables the service needs when they are missing.
// Production deployments run real migrations; this keeps local development
// and tests self-contained.
func (db *Database) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id             TEXT PRIMARY KEY,
			name                  TEXT NOT NULL DEFAULT '',
			plan                  TEXT NOT NULL DEFAULT 'standard',
			api_key_hash          TEXT NOT NULL UNIQUE,
			vertical              TEXT NOT NULL DEFAULT 'fintech',
			rate_limit_per_minute INT  NOT NULL DEFAULT 10000,
			enabled_rule_ids      INT[] NOT NULL DEFAULT '{}',
			ml_enabled            BOOLEAN NOT NULL DEFAULT FALSE,
			rule_score_weight     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			ml_weight             DOUBLE PRECISION NOT NULL DEFAULT 0.3,
			consortium_weight     DOUBLE PRECISION NOT NULL DEFAULT 0.2,
			webhook_url           TEXT NOT NULL DEFAULT '',
			webhook_secret        TEXT NOT NULL DEFAULT '',
			active                BOOLEAN NOT NULL DEFAULT TRUE,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			tenant_id          TEXT NOT NULL,
			transaction_id     TEXT NOT NULL,
			user_id            TEXT NOT NULL,
			amount             DOUBLE PRECISION NOT NULL,
			currency           TEXT NOT NULL,
			transaction_type   TEXT NOT NULL,
			vertical           TEXT NOT NULL,
			bvn_hash           TEXT NOT NULL DEFAULT '',
			phone_hash         TEXT NOT NULL DEFAULT '',
			email_hash         TEXT NOT NULL DEFAULT '',
			device_hash        TEXT NOT NULL DEFAULT '',
			ip_address         TEXT NOT NULL DEFAULT '',
			user_agent         TEXT NOT NULL DEFAULT '',
			device_fingerprint JSONB,
			location           JSONB,
			risk_score         INT NOT NULL,
			risk_level         TEXT NOT NULL,
			recommendation     TEXT NOT NULL,
			flags              JSONB NOT NULL DEFAULT '[]',
			consortium_match   BOOLEAN NOT NULL DEFAULT FALSE,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			actual_fraud       BOOLEAN,
			feedback_timestamp TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, transaction_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_device
			ON transactions (tenant_id, device_hash, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created
			ON transactions (tenant_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS rule_accuracy (
			rule_id         INT PRIMARY KEY,
			rule_name       TEXT NOT NULL,
			true_positives  INT NOT NULL DEFAULT 0,
			false_positives INT NOT NULL DEFAULT 0,
			true_negatives  INT NOT NULL DEFAULT 0,
			false_negatives INT NOT NULL DEFAULT 0,
			precision_rate  DOUBLE PRECISION NOT NULL DEFAULT 0,
			recall_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
			accuracy        DOUBLE PRECISION NOT NULL DEFAULT 0,
			weight          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS consortium_entries (
			identifier_type TEXT NOT NULL,
			identifier_hash TEXT NOT NULL,
			fraud_count     INT NOT NULL DEFAULT 0,
			total_count     INT NOT NULL DEFAULT 0,
			client_count    INT NOT NULL DEFAULT 1,
			fraud_rate      DOUBLE PRECISION NOT NULL DEFAULT 0,
			first_seen      TIMESTAMPTZ NOT NULL,
			last_seen       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identifier_type, identifier_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS consortium_tenants (
			identifier_type TEXT NOT NULL,
			identifier_hash TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			PRIMARY KEY (identifier_type, identifier_hash, tenant_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
