package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[C].
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process workers
//   - Local deployments requiring durable checkpoints
//
// Schema:
//   - flow_checkpoints: one row per flow with its version
//   - flow_outbox: output records awaiting publication
//
// Type parameter C is the checkpoint type (must be JSON-serializable).
type SQLiteStore[C any] struct {
	sqlBackend[C]
	path string
}

var sqliteDialect = sqlDialect{
	selectVersion:    `SELECT version FROM flow_checkpoints WHERE flow_id = ?`,
	selectCheckpoint: `SELECT version, checkpoint FROM flow_checkpoints WHERE flow_id = ?`,
	insertCheckpoint: `INSERT INTO flow_checkpoints (flow_id, version, checkpoint, updated_at) VALUES (?, ?, ?, ?)`,
	updateCheckpoint: `UPDATE flow_checkpoints SET version = ?, checkpoint = ?, updated_at = ? WHERE flow_id = ? AND version = ?`,
	deleteCheckpoint: `DELETE FROM flow_checkpoints WHERE flow_id = ? AND version = ?`,
	insertRecord:     `INSERT INTO flow_outbox (record_id, flow_id, topic, record_key, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	selectPending: `SELECT record_id, flow_id, topic, record_key, value, created_at
		FROM flow_outbox WHERE published_at IS NULL ORDER BY seq LIMIT ?`,
	markPublished: `UPDATE flow_outbox SET published_at = ? WHERE record_id IN (%s)`,
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flows.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store creates missing tables and enables WAL mode.
//
// Example:
//
//	st, err := store.NewSQLiteStore[flow.Checkpoint]("./flows.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[C any](path string) (*SQLiteStore[C], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[C]{
		sqlBackend: sqlBackend[C]{db: db, dialect: sqliteDialect},
		path:       path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[C]) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS flow_checkpoints (
			flow_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			checkpoint TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpoints); err != nil {
		return fmt.Errorf("failed to create flow_checkpoints table: %w", err)
	}

	outbox := `
		CREATE TABLE IF NOT EXISTS flow_outbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL UNIQUE,
			flow_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			record_key TEXT NOT NULL,
			value BLOB,
			created_at INTEGER NOT NULL,
			published_at INTEGER
		)
	`
	if _, err := s.db.ExecContext(ctx, outbox); err != nil {
		return fmt.Errorf("failed to create flow_outbox table: %w", err)
	}

	index := `CREATE INDEX IF NOT EXISTS idx_flow_outbox_pending ON flow_outbox(published_at, seq)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create outbox index: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore[C]) Path() string {
	return s.path
}
