package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// testCheckpoint stands in for flow.Checkpoint.
type testCheckpoint struct {
	FlowID string   `json:"flow_id"`
	Status string   `json:"status"`
	Pass   int      `json:"pass"`
	Tags   []string `json:"tags,omitempty"`
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store[testCheckpoint]) {
	t.Run("load missing returns ErrNotFound", func(t *testing.T) {
		st := newStore(t)
		_, version, err := st.Load(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load err = %v, want ErrNotFound", err)
		}
		if version != 0 {
			t.Errorf("version = %d, want 0", version)
		}
	})

	t.Run("commit creates then updates", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		v1, err := st.Commit(ctx, Mutation[testCheckpoint]{
			FlowID:     "f1",
			Checkpoint: testCheckpoint{FlowID: "f1", Status: "SUSPENDED", Pass: 1},
		})
		if err != nil {
			t.Fatalf("first Commit: %v", err)
		}
		if v1 != 1 {
			t.Errorf("first version = %d, want 1", v1)
		}

		v2, err := st.Commit(ctx, Mutation[testCheckpoint]{
			FlowID:          "f1",
			Checkpoint:      testCheckpoint{FlowID: "f1", Status: "FINISHED", Pass: 2, Tags: []string{"done"}},
			ExpectedVersion: v1,
		})
		if err != nil {
			t.Fatalf("second Commit: %v", err)
		}
		if v2 != 2 {
			t.Errorf("second version = %d, want 2", v2)
		}

		cp, version, err := st.Load(ctx, "f1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if version != 2 || cp.Status != "FINISHED" || cp.Pass != 2 || len(cp.Tags) != 1 {
			t.Errorf("loaded %+v at version %d", cp, version)
		}
	})

	t.Run("stale version conflicts and writes nothing", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		if _, err := st.Commit(ctx, Mutation[testCheckpoint]{FlowID: "f1", Checkpoint: testCheckpoint{Pass: 1}}); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		_, err := st.Commit(ctx, Mutation[testCheckpoint]{
			FlowID:     "f1",
			Checkpoint: testCheckpoint{Pass: 99},
			Records:    []Record{{Topic: "t", Key: "k", Value: []byte("v")}},
		})
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("Commit err = %v, want ErrVersionConflict", err)
		}

		cp, _, err := st.Load(ctx, "f1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cp.Pass != 1 {
			t.Errorf("checkpoint changed by conflicting commit: %+v", cp)
		}
		pending, err := st.PendingRecords(ctx, 10)
		if err != nil {
			t.Fatalf("PendingRecords: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("conflicting commit leaked %d records", len(pending))
		}
	})

	t.Run("delete removes checkpoint", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		v, err := st.Commit(ctx, Mutation[testCheckpoint]{FlowID: "f1", Checkpoint: testCheckpoint{Pass: 1}})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		next, err := st.Commit(ctx, Mutation[testCheckpoint]{FlowID: "f1", Delete: true, ExpectedVersion: v})
		if err != nil {
			t.Fatalf("delete Commit: %v", err)
		}
		if next != 0 {
			t.Errorf("version after delete = %d, want 0", next)
		}
		if _, _, err := st.Load(ctx, "f1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load after delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("outbox preserves order and drains", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		v, err := st.Commit(ctx, Mutation[testCheckpoint]{
			FlowID:     "f1",
			Checkpoint: testCheckpoint{Pass: 1},
			Records: []Record{
				{Topic: "flow.entity.request", Key: "alice", Value: []byte("one")},
				{Topic: "flow.session.out", Key: "s1", Value: []byte("two")},
			},
		})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if _, err := st.Commit(ctx, Mutation[testCheckpoint]{
			FlowID:          "f1",
			Checkpoint:      testCheckpoint{Pass: 2},
			ExpectedVersion: v,
			Records:         []Record{{Topic: "flow.status", Key: "f1", Value: []byte("three")}},
		}); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		pending, err := st.PendingRecords(ctx, 10)
		if err != nil {
			t.Fatalf("PendingRecords: %v", err)
		}
		if len(pending) != 3 {
			t.Fatalf("pending = %d, want 3", len(pending))
		}
		for i, want := range []string{"one", "two", "three"} {
			if string(pending[i].Value) != want {
				t.Errorf("pending[%d] = %q, want %q", i, pending[i].Value, want)
			}
			if pending[i].ID == "" || pending[i].FlowID != "f1" || pending[i].CreatedAt.IsZero() {
				t.Errorf("pending[%d] missing metadata: %+v", i, pending[i])
			}
		}

		limited, err := st.PendingRecords(ctx, 2)
		if err != nil {
			t.Fatalf("PendingRecords(2): %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("limited = %d, want 2", len(limited))
		}

		if err := st.MarkPublished(ctx, []string{pending[0].ID, pending[1].ID}); err != nil {
			t.Fatalf("MarkPublished: %v", err)
		}
		rest, err := st.PendingRecords(ctx, 10)
		if err != nil {
			t.Fatalf("PendingRecords: %v", err)
		}
		if len(rest) != 1 || string(rest[0].Value) != "three" {
			t.Errorf("after publish pending = %+v", rest)
		}
	})

	t.Run("concurrent creators yield one winner", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := st.Commit(ctx, Mutation[testCheckpoint]{FlowID: "race", Checkpoint: testCheckpoint{Pass: i}})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 || conflicts != writers-1 {
			t.Errorf("wins = %d conflicts = %d, want 1 and %d", wins, conflicts, writers-1)
		}
	})
}
