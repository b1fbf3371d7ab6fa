package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// Designed for tests and single-process development. Checkpoint values are
// stored as given, so callers must not mutate a checkpoint after committing it.
//
// Thread-safe: all methods may be called concurrently.
type MemStore[C any] struct {
	mu          sync.RWMutex
	checkpoints map[string]memEntry[C]
	outbox      []Record
	published   map[string]bool
	closed      bool
}

type memEntry[C any] struct {
	version    int64
	checkpoint C
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[C any]() *MemStore[C] {
	return &MemStore[C]{
		checkpoints: make(map[string]memEntry[C]),
		published:   make(map[string]bool),
	}
}

// Load returns the checkpoint for flowID and its version.
func (m *MemStore[C]) Load(_ context.Context, flowID string) (C, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero C
	if m.closed {
		return zero, 0, ErrClosed
	}
	entry, ok := m.checkpoints[flowID]
	if !ok {
		return zero, 0, ErrNotFound
	}
	return entry.checkpoint, entry.version, nil
}

// Commit applies the mutation if the version matches.
func (m *MemStore[C]) Commit(_ context.Context, mut Mutation[C]) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	current := m.checkpoints[mut.FlowID].version
	if current != mut.ExpectedVersion {
		return 0, ErrVersionConflict
	}

	var next int64
	if mut.Delete {
		delete(m.checkpoints, mut.FlowID)
	} else {
		next = current + 1
		m.checkpoints[mut.FlowID] = memEntry[C]{version: next, checkpoint: mut.Checkpoint}
	}

	m.outbox = append(m.outbox, prepareRecords(mut.FlowID, mut.Records, time.Now().UTC())...)
	return next, nil
}

// PendingRecords returns unpublished records in commit order.
func (m *MemStore[C]) PendingRecords(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	var pending []Record
	for _, r := range m.outbox {
		if limit > 0 && len(pending) >= limit {
			break
		}
		if !m.published[r.ID] {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// MarkPublished marks the given record IDs as delivered.
func (m *MemStore[C]) MarkPublished(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, id := range ids {
		m.published[id] = true
	}

	// Compact delivered records off the front of the outbox.
	i := 0
	for i < len(m.outbox) && m.published[m.outbox[i].ID] {
		delete(m.published, m.outbox[i].ID)
		i++
	}
	m.outbox = m.outbox[i:]
	return nil
}

// Close marks the store closed.
func (m *MemStore[C]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
