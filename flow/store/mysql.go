package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/Aurora implementation of Store[C].
//
// Designed for production deployments where several workers share one
// checkpoint database. Optimistic version checks make concurrent commits for
// the same flow safe.
//
// Type parameter C is the checkpoint type (must be JSON-serializable).
type MySQLStore[C any] struct {
	sqlBackend[C]
}

// Server error numbers that mean a concurrent writer won the race.
const (
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213
)

var mysqlDialect = sqlDialect{
	selectVersion:    `SELECT version FROM flow_checkpoints WHERE flow_id = ? FOR UPDATE`,
	selectCheckpoint: `SELECT version, checkpoint FROM flow_checkpoints WHERE flow_id = ?`,
	insertCheckpoint: `INSERT INTO flow_checkpoints (flow_id, version, checkpoint, updated_at) VALUES (?, ?, ?, ?)`,
	updateCheckpoint: `UPDATE flow_checkpoints SET version = ?, checkpoint = ?, updated_at = ? WHERE flow_id = ? AND version = ?`,
	deleteCheckpoint: `DELETE FROM flow_checkpoints WHERE flow_id = ? AND version = ?`,
	insertRecord:     `INSERT INTO flow_outbox (record_id, flow_id, topic, record_key, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	selectPending: `SELECT record_id, flow_id, topic, record_key, value, created_at
		FROM flow_outbox WHERE published_at IS NULL ORDER BY seq LIMIT ?`,
	markPublished: `UPDATE flow_outbox SET published_at = ? WHERE record_id IN (%s)`,
	isConflict: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && (me.Number == mysqlDuplicateEntry || me.Number == mysqlDeadlock)
	},
}

// NewMySQLStore creates a new MySQL-backed store.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example:
//
//	st, err := store.NewMySQLStore[flow.Checkpoint]("user:pass@tcp(localhost:3306)/flows")
func NewMySQLStore[C any](dsn string) (*MySQLStore[C], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore[C]{sqlBackend: sqlBackend[C]{db: db, dialect: mysqlDialect}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore[C]) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS flow_checkpoints (
			flow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			version BIGINT NOT NULL,
			checkpoint LONGTEXT NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := m.db.ExecContext(ctx, checkpoints); err != nil {
		return fmt.Errorf("failed to create flow_checkpoints table: %w", err)
	}

	outbox := `
		CREATE TABLE IF NOT EXISTS flow_outbox (
			seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			record_id VARCHAR(64) NOT NULL,
			flow_id VARCHAR(255) NOT NULL,
			topic VARCHAR(255) NOT NULL,
			record_key VARCHAR(512) NOT NULL,
			value LONGBLOB,
			created_at BIGINT NOT NULL,
			published_at BIGINT NULL,
			UNIQUE KEY idx_record_id (record_id),
			INDEX idx_pending (published_at, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := m.db.ExecContext(ctx, outbox); err != nil {
		return fmt.Errorf("failed to create flow_outbox table: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics.
func (m *MySQLStore[C]) Stats() sql.DBStats {
	return m.db.Stats()
}
