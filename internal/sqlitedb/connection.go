// Package sqlitedb opens and configures the pure-Go modernc.org/sqlite
// connections shared by the Persistent Queue and the Job Store. Both
// stores get their own file (./data/queue.db, ./data/jobs.db)
// but share identical pragma tuning and retry behavior.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

// DB wraps a single-writer SQLite connection configured for a
// multi-reader/single-writer WAL workload.
type DB struct {
	conn   *sql.DB
	logger arbor.ILogger
	path   string
}

// Config controls pragma tuning for a DB.
type Config struct {
	Path           string
	BusyTimeoutMS  int // default 5000
	CacheSizeMB    int // default 16
	WALMode        bool
	ResetOnStartup bool // deletes the file first; tests only
}

// Open creates the containing directory, opens the database file, and
// applies the pragma set every store in this module relies on.
func Open(cfg Config, logger arbor.ILogger) (*DB, error) {
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}
	if cfg.CacheSizeMB <= 0 {
		cfg.CacheSizeMB = 16
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitedb: create directory %s: %w", dir, err)
		}
	}

	if cfg.ResetOnStartup {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(cfg.Path + suffix)
		}
	}

	conn, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", cfg.Path, err)
	}

	// A single connection avoids SQLITE_BUSY storms from modernc.org/sqlite's
	// per-connection lock semantics; busy_timeout plus the retry helper in
	// this package absorb transient contention instead.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn, logger: logger, path: cfg.Path}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeoutMS),
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSizeMB*1024),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlitedb: exec %q: %w", p, err)
		}
	}

	if logger != nil {
		logger.Info().Str("path", cfg.Path).Bool("wal", cfg.WALMode).Msg("sqlite connection opened")
	}
	return db, nil
}

// Conn returns the underlying *sql.DB for callers that need raw access
// (migrations, ad-hoc diagnostics).
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// BeginTx starts a serializable-by-default transaction (SQLite's default
// isolation is already effectively serializable with a single writer
// connection, which is what claimNextJob's atomicity guarantee relies on).
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.conn.BeginTx(ctx, nil)
}

// isBusyErr reports whether err is a transient SQLITE_BUSY/locked error.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// WithRetry retries op with exponential backoff while it returns a
// transient SQLITE_BUSY error, up to maxAttempts. Every queue and
// job-store write in this module goes through this wrapper.
func WithRetry(ctx context.Context, logger arbor.ILogger, maxAttempts int, op func() error) error {
	delay := 20 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if logger != nil {
			logger.Warn().Int("attempt", attempt).Str("delay", delay.String()).Err(lastErr).Msg("sqlite busy, retrying")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
