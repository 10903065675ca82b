// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tessera-dev/tessera/lib/clock"
	"github.com/tessera-dev/tessera/lib/sqlitepool"
)

// Store is the append-only audit trail backed by SQLite. Writes are
// serialized by SQLite itself; the small pool exists so operator
// queries do not block the call path's appends.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

// StoreConfig holds the parameters for opening an audit store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist; the file is created on first open.
	Path string

	// PoolSize is the connection count. Defaults to 2: one for the
	// append path, one for concurrent queries.
	PoolSize int

	// Clock provides the window boundary for failure-rate queries.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

const storeSchema = `
	CREATE TABLE IF NOT EXISTS call_records (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     INTEGER NOT NULL,
		plugin_id     TEXT NOT NULL,
		capability    TEXT NOT NULL,
		method        TEXT NOT NULL,
		ok            INTEGER NOT NULL,
		duration_ms   REAL NOT NULL,
		output_rows   INTEGER NOT NULL DEFAULT 0,
		error         TEXT,
		input_hash    TEXT,
		output_hash   TEXT,
		code_hash     TEXT,
		settings_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_call_records_plugin_time
		ON call_records(plugin_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_call_records_time
		ON call_records(timestamp);
`

// OpenStore opens (creating if necessary) the audit database at
// cfg.Path and applies the schema.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit store: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("audit store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}

	store := &Store{pool: pool, clock: cfg.Clock, logger: logger, path: cfg.Path}
	if err := store.ensureSchema(); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("audit store opened", "path", cfg.Path, "pool_size", poolSize)
	return store, nil
}

func (s *Store) ensureSchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("audit store: schema: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return fmt.Errorf("audit store: applying schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool. Blocks until borrowed connections
// are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("audit store: closing %s: %w", s.path, err)
	}
	return nil
}

// Append writes one call record. Append-only: no update or delete
// path exists anywhere in the store.
func (s *Store) Append(ctx context.Context, record *Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit store: append: %w", err)
	}
	defer s.pool.Put(conn)

	ok := 0
	if record.OK {
		ok = 1
	}
	err = sqlitex.Execute(conn, `INSERT INTO call_records
		(timestamp, plugin_id, capability, method, ok, duration_ms,
		 output_rows, error, input_hash, output_hash, code_hash,
		 settings_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.Timestamp,
				record.PluginID,
				record.Capability,
				record.Method,
				ok,
				record.DurationMS,
				record.OutputRows,
				record.Error,
				record.InputHash,
				record.OutputHash,
				record.CodeHash,
				record.SettingsHash,
			},
		})
	if err != nil {
		return fmt.Errorf("audit store: inserting record: %w", err)
	}
	return nil
}

// Rate summarizes one plugin's call outcomes inside a window.
type Rate struct {
	Calls    int64
	Failures int64
}

// FailureRate returns failures divided by calls, 0 for an empty rate.
func (r Rate) FailureRate() float64 {
	if r.Calls == 0 {
		return 0
	}
	return float64(r.Failures) / float64(r.Calls)
}

// FailureRates aggregates per-plugin call outcomes over the trailing
// window ending now. Provider ordering consumes this when
// failure-rate ranking is enabled.
func (s *Store) FailureRates(ctx context.Context, window time.Duration) (map[string]Rate, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit store: failure rates: %w", err)
	}
	defer s.pool.Put(conn)

	since := s.clock.Now().Add(-window).UnixNano()
	rates := make(map[string]Rate)

	err = sqlitex.Execute(conn, `SELECT plugin_id, COUNT(*),
		SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END)
		FROM call_records WHERE timestamp >= ? GROUP BY plugin_id`,
		&sqlitex.ExecOptions{
			Args: []any{since},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rates[stmt.ColumnText(0)] = Rate{
					Calls:    stmt.ColumnInt64(1),
					Failures: stmt.ColumnInt64(2),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit store: aggregating failure rates: %w", err)
	}
	return rates, nil
}

// Filter narrows a Records query. Zero values match everything.
type Filter struct {
	PluginID     string
	Capability   string
	OnlyFailures bool
	Since        time.Time
	Limit        int
}

// Records returns matching call records, newest first.
func (s *Store) Records(ctx context.Context, filter Filter) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit store: records: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT timestamp, plugin_id, capability, method, ok,
		duration_ms, output_rows, error, input_hash, output_hash,
		code_hash, settings_hash FROM call_records`
	var conditions []string
	var args []any

	if filter.PluginID != "" {
		conditions = append(conditions, "plugin_id = ?")
		args = append(args, filter.PluginID)
	}
	if filter.Capability != "" {
		conditions = append(conditions, "capability = ?")
		args = append(args, filter.Capability)
	}
	if filter.OnlyFailures {
		conditions = append(conditions, "ok = 0")
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	for i, condition := range conditions {
		if i == 0 {
			query += " WHERE " + condition
		} else {
			query += " AND " + condition
		}
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var records []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, Record{
				Timestamp:    stmt.ColumnInt64(0),
				PluginID:     stmt.ColumnText(1),
				Capability:   stmt.ColumnText(2),
				Method:       stmt.ColumnText(3),
				OK:           stmt.ColumnInt64(4) != 0,
				DurationMS:   stmt.ColumnFloat(5),
				OutputRows:   stmt.ColumnInt64(6),
				Error:        stmt.ColumnText(7),
				InputHash:    stmt.ColumnText(8),
				OutputHash:   stmt.ColumnText(9),
				CodeHash:     stmt.ColumnText(10),
				SettingsHash: stmt.ColumnText(11),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: querying records: %w", err)
	}
	return records, nil
}
