// Package db is the credential store: one row per mailbox account mapping
// the SMTP password a legacy client uses to the OAuth2 access token the
// proxy presents to the provider.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/consts"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Database struct {
	db           *sql.DB
	path         string
	queryTimeout time.Duration
}

func dsn(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the SQLite store at cfg.Path, applying migrations first when
// cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	busyTimeout, err := cfg.GetBusyTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid busy_timeout: %w", err)
	}
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(cfg.Path); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite", dsn(cfg.Path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("Database: Opened", "path", cfg.Path)
	return &Database{db: conn, path: cfg.Path, queryTimeout: queryTimeout}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Path returns the database file location.
func (d *Database) Path() string {
	return d.path
}

func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	return nil
}

func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.queryTimeout)
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

// timedExec runs a statement and returns the number of affected rows
func (d *Database) timedExec(ctx context.Context, operation, query string, args ...any) (int64, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	res, err := d.db.ExecContext(ctx, query, args...)
	observe(operation, start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// timedQueryRow runs a single-row query and scans it with scan
func (d *Database) timedQueryRow(ctx context.Context, operation string, scan func(*sql.Row) error, query string, args ...any) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := scan(d.db.QueryRowContext(ctx, query, args...))
	observe(operation, start, err)
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetStoreStats counts token records for the metrics collector
func (d *Database) GetStoreStats(ctx context.Context) (*metrics.StoreStats, error) {
	stats := &metrics.StoreStats{}
	err := d.timedQueryRow(ctx, "store_stats", func(row *sql.Row) error {
		var expired sql.NullInt64
		if err := row.Scan(&stats.TotalTokens, &expired); err != nil {
			return err
		}
		stats.ExpiredTokens = expired.Int64
		return nil
	}, `SELECT COUNT(*), SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END) FROM tokens`,
		time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to collect store stats: %w", err)
	}
	return stats, nil
}
