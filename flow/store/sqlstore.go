package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// sqlDialect holds the statements that differ between SQL backends.
type sqlDialect struct {
	selectVersion    string
	selectCheckpoint string
	insertCheckpoint string
	updateCheckpoint string
	deleteCheckpoint string
	insertRecord     string
	selectPending    string
	markPublished    string // must end with "IN (%s)"

	// isConflict reports whether err means a concurrent writer touched the
	// checkpoint first (duplicate key, deadlock victim).
	isConflict func(error) bool
}

// sqlBackend implements Store[C] over database/sql. SQLiteStore and
// MySQLStore embed it and supply their dialect.
type sqlBackend[C any] struct {
	db      *sql.DB
	dialect sqlDialect
	mu      sync.RWMutex
	closed  bool
}

// Load returns the checkpoint for flowID and its version.
func (s *sqlBackend[C]) Load(ctx context.Context, flowID string) (C, int64, error) {
	var zero C

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return zero, 0, ErrClosed
	}

	var (
		version int64
		data    string
	)
	err := s.db.QueryRowContext(ctx, s.dialect.selectCheckpoint, flowID).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, 0, ErrNotFound
	}
	if err != nil {
		return zero, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp C
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return zero, 0, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, version, nil
}

// Commit applies the mutation in one transaction.
func (s *sqlBackend[C]) Commit(ctx context.Context, m Mutation[C]) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var data []byte
	if !m.Delete {
		var err error
		data, err = json.Marshal(m.Checkpoint)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, s.dialect.selectVersion, m.FlowID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		if s.conflict(err) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to read checkpoint version: %w", err)
	}
	if current != m.ExpectedVersion {
		return 0, ErrVersionConflict
	}

	now := time.Now().UTC()
	var next int64
	switch {
	case m.Delete:
		if _, err := tx.ExecContext(ctx, s.dialect.deleteCheckpoint, m.FlowID, current); err != nil {
			return 0, fmt.Errorf("failed to delete checkpoint: %w", err)
		}
	case current == 0:
		next = 1
		if _, err := tx.ExecContext(ctx, s.dialect.insertCheckpoint, m.FlowID, next, string(data), now.UnixNano()); err != nil {
			if s.conflict(err) {
				return 0, ErrVersionConflict
			}
			return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	default:
		next = current + 1
		res, err := tx.ExecContext(ctx, s.dialect.updateCheckpoint, next, string(data), now.UnixNano(), m.FlowID, current)
		if err != nil {
			return 0, fmt.Errorf("failed to update checkpoint: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return 0, ErrVersionConflict
		}
	}

	for _, r := range prepareRecords(m.FlowID, m.Records, now) {
		if _, err := tx.ExecContext(ctx, s.dialect.insertRecord,
			r.ID, r.FlowID, r.Topic, r.Key, r.Value, r.CreatedAt.UnixNano()); err != nil {
			return 0, fmt.Errorf("failed to insert outbox record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if s.conflict(err) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

func (s *sqlBackend[C]) conflict(err error) bool {
	return s.dialect.isConflict != nil && s.dialect.isConflict(err)
}

// PendingRecords returns unpublished records in commit order.
func (s *sqlBackend[C]) PendingRecords(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.selectPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			created int64
		)
		if err := rows.Scan(&r.ID, &r.FlowID, &r.Topic, &r.Key, &r.Value, &created); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// MarkPublished stamps the given records as delivered.
func (s *sqlBackend[C]) MarkPublished(ctx context.Context, ids []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UTC().UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.markPublished, placeholders), args...); err != nil {
		return fmt.Errorf("failed to mark records published: %w", err)
	}
	return nil
}

// Close closes the database connection. Safe to call more than once.
func (s *sqlBackend[C]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlBackend[C]) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}
