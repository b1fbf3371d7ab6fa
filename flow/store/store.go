// Package store provides checkpoint persistence with a transactional outbox.
//
// A flow pass produces an updated checkpoint and a batch of output records.
// Both must become visible together or not at all, so every backend commits
// them in a single atomic Mutation. Records are later drained by a relay via
// PendingRecords and MarkPublished.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no checkpoint exists for a flow ID.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by Commit when the stored version does not
// match Mutation.ExpectedVersion. The caller should reload and reprocess.
var ErrVersionConflict = errors.New("version conflict")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// Record is an output record waiting in the outbox.
type Record struct {
	// ID uniquely identifies the record. Assigned by Commit when empty.
	ID string `json:"id"`

	// FlowID is the flow whose pass produced the record.
	FlowID string `json:"flow_id"`

	// Topic, Key and Value are handed to the broker unchanged.
	Topic string `json:"topic"`
	Key   string `json:"key"`
	Value []byte `json:"value"`

	// CreatedAt is when the record was committed.
	CreatedAt time.Time `json:"created_at"`
}

// Mutation describes one atomic checkpoint commit.
type Mutation[C any] struct {
	// FlowID is the checkpoint key.
	FlowID string

	// Checkpoint is the new checkpoint value. Ignored when Delete is set.
	Checkpoint C

	// Delete removes the checkpoint instead of writing it.
	Delete bool

	// ExpectedVersion is the version returned by Load, or 0 when the
	// checkpoint did not exist.
	ExpectedVersion int64

	// Records are appended to the outbox in the same transaction.
	Records []Record
}

// Store persists flow checkpoints keyed by flow ID.
//
// Versions start at 1 for a newly created checkpoint and increase by one on
// every successful commit. Implementations must apply the checkpoint write and
// the outbox append atomically.
//
// Type parameter C is the checkpoint type (must be JSON-serializable for the
// database backends).
type Store[C any] interface {
	// Load returns the checkpoint and its version, or ErrNotFound.
	Load(ctx context.Context, flowID string) (C, int64, error)

	// Commit applies m if the stored version equals m.ExpectedVersion and
	// returns the new version (0 after a delete). Returns ErrVersionConflict
	// otherwise.
	Commit(ctx context.Context, m Mutation[C]) (int64, error)

	// PendingRecords returns up to limit unpublished records in commit order.
	PendingRecords(ctx context.Context, limit int) ([]Record, error)

	// MarkPublished marks records as delivered so they are not returned again.
	MarkPublished(ctx context.Context, ids []string) error

	// Close releases backend resources.
	Close() error
}

// prepareRecords assigns IDs, flow IDs and timestamps to records missing them.
func prepareRecords(flowID string, records []Record, now time.Time) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.FlowID == "" {
			r.FlowID = flowID
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		out[i] = r
	}
	return out
}
