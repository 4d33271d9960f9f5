package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/storage/models"
	"github.com/ordering-engine/backend/pkg/logger"
	"github.com/ordering-engine/backend/pkg/retry"
)

// Client is the relational store behind every pipeline stage. All writes are
// upserts on natural keys. Deletes remove stale delivery schedules, superseded
// future forecasts and usage metrics that no longer have enough deliveries.
type Client struct {
	db      *sql.DB
	now     func() time.Time
	txRetry retry.Config
}

// txRetryConfig backs off whole transactions that hit a lock held by another
// connection to the same database file.
func txRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.RetryIf = isBusy
	return cfg
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY between
	// pooled connections.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now, txRetry: txRetryConfig()}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invoice_lines (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		vendor_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		pack_size TEXT NOT NULL DEFAULT '',
		quantity REAL NOT NULL DEFAULT 0,
		unit_price REAL NOT NULL DEFAULT 0,
		extended_price REAL NOT NULL DEFAULT 0,
		delivery_date TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoice_lines_user_date ON invoice_lines(user_id, delivery_date);

	CREATE TABLE IF NOT EXISTS canonical_ingredients (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		canonical_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, canonical_name)
	);

	CREATE TABLE IF NOT EXISTS normalized_facts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		invoice_line_id TEXT NOT NULL,
		ingredient_id TEXT NOT NULL,
		item_slug TEXT NOT NULL,
		delivery_date TEXT NOT NULL,
		base_quantity REAL NOT NULL,
		base_unit TEXT NOT NULL,
		pack_description TEXT NOT NULL DEFAULT '',
		anomaly_flags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, invoice_line_id),
		FOREIGN KEY (ingredient_id) REFERENCES canonical_ingredients(id)
	);
	CREATE INDEX IF NOT EXISTS idx_facts_user_date ON normalized_facts(user_id, delivery_date);
	CREATE INDEX IF NOT EXISTS idx_facts_ingredient ON normalized_facts(user_id, ingredient_id);

	CREATE TABLE IF NOT EXISTS ingredient_sources (
		user_id TEXT NOT NULL,
		ingredient_id TEXT NOT NULL,
		source_description TEXT NOT NULL,
		vendor_name TEXT NOT NULL DEFAULT '',
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (user_id, ingredient_id, source_description, vendor_name),
		FOREIGN KEY (ingredient_id) REFERENCES canonical_ingredients(id)
	);

	CREATE TABLE IF NOT EXISTS price_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		ingredient_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		invoice_line_id TEXT NOT NULL,
		unit_price REAL NOT NULL,
		extended_price REAL NOT NULL,
		delivery_date TEXT NOT NULL,
		UNIQUE(user_id, invoice_line_id),
		FOREIGN KEY (ingredient_id) REFERENCES canonical_ingredients(id)
	);
	CREATE INDEX IF NOT EXISTS idx_price_history_ingredient ON price_history(user_id, ingredient_id, delivery_date);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_id TEXT,
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, created_at);

	CREATE TABLE IF NOT EXISTS feature_snapshots (
		user_id TEXT NOT NULL,
		ingredient_id TEXT NOT NULL,
		feature_date TEXT NOT NULL,
		avg_7d REAL,
		avg_28d REAL,
		avg_90d REAL,
		variance_28d REAL,
		weekday_seasonality TEXT,
		last_delivery_date TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, ingredient_id, feature_date),
		FOREIGN KEY (ingredient_id) REFERENCES canonical_ingredients(id)
	);

	CREATE TABLE IF NOT EXISTS usage_metrics (
		user_id TEXT NOT NULL,
		ingredient_id TEXT NOT NULL,
		average_weekly_usage REAL,
		average_reorder_interval_days REAL,
		deliveries_per_week REAL,
		units_per_delivery REAL,
		pack_units_per_case REAL,
		suggested_case_label TEXT NOT NULL DEFAULT '',
		last_delivery_date TEXT,
		orders_last_28d INTEGER NOT NULL DEFAULT 0,
		orders_last_90d INTEGER NOT NULL DEFAULT 0,
		total_quantity_28d REAL NOT NULL DEFAULT 0,
		total_quantity_90d REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, ingredient_id),
		FOREIGN KEY (ingredient_id) REFERENCES canonical_ingredients(id)
	);

	CREATE TABLE IF NOT EXISTS delivery_schedules (
		user_id TEXT NOT NULL,
		vendor_name TEXT NOT NULL,
		delivery_weekdays TEXT NOT NULL,
		confidence_score REAL NOT NULL CHECK (confidence_score >= 0 AND confidence_score <= 1),
		detection_method TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, vendor_name)
	);

	CREATE TABLE IF NOT EXISTS forecasts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		ingredient_id TEXT NOT NULL,
		forecast_date TEXT NOT NULL,
		delivery_date TEXT NOT NULL,
		horizon_days INTEGER NOT NULL,
		forecast_quantity REAL NOT NULL,
		lower_bound REAL,
		upper_bound REAL,
		vendor_name TEXT NOT NULL DEFAULT '',
		model_version TEXT NOT NULL,
		model_params TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, ingredient_id, delivery_date),
		FOREIGN KEY (ingredient_id) REFERENCES canonical_ingredients(id)
	);
	CREATE INDEX IF NOT EXISTS idx_forecasts_user_ingredient ON forecasts(user_id, ingredient_id, forecast_date);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// withTx runs fn in a transaction, retrying the whole transaction with backoff
// while SQLite reports the database busy or locked. fn must be safe to re-run.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	cfg := c.txRetry
	cfg.Logger = logger.Log
	return retry.Do(ctx, cfg, func(attempt int) error {
		return c.runTx(ctx, fn)
	})
}

func (c *Client) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warn("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// inClause renders "(?, ?, ?)" and the matching args for ids.
func inClause(ids []string) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(placeholders, ", ") + ")", args
}

func formatDate(t time.Time) string {
	return models.Date(t).Format(models.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored date %q: %w", s, err)
	}
	return t, nil
}

func nullDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatDate(*t)
}

func scanNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func scanNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
