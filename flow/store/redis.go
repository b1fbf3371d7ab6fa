package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store[C] on Redis.
//
// Checkpoints are hashes holding the version and the JSON checkpoint.
// Commits use WATCH/MULTI on the checkpoint key so concurrent writers for one
// flow detect each other. Outbox records are hashes whose IDs are appended to
// a list in commit order.
//
// The caller owns the Redis client lifecycle; Close does not close it.
type RedisStore[C any] struct {
	client goredis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix string
}

// WithKeyPrefix sets the prefix for every key the store writes.
// Defaults to "flowfiber:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *redisOptions) { o.prefix = prefix }
}

// NewRedisStore creates a Redis-backed store.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := store.NewRedisStore[flow.Checkpoint](client)
func NewRedisStore[C any](client goredis.UniversalClient, opts ...RedisOption) *RedisStore[C] {
	o := redisOptions{prefix: "flowfiber:"}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[C]{client: client, prefix: o.prefix}
}

func (s *RedisStore[C]) checkpointKey(flowID string) string {
	return s.prefix + "checkpoint:" + flowID
}

func (s *RedisStore[C]) recordKey(id string) string {
	return s.prefix + "record:" + id
}

func (s *RedisStore[C]) outboxKey() string {
	return s.prefix + "outbox"
}

// Load returns the checkpoint for flowID and its version.
func (s *RedisStore[C]) Load(ctx context.Context, flowID string) (C, int64, error) {
	var zero C

	vals, err := s.client.HGetAll(ctx, s.checkpointKey(flowID)).Result()
	if err != nil {
		return zero, 0, fmt.Errorf("flowfiber/redis: load checkpoint: %w", err)
	}
	if len(vals) == 0 {
		return zero, 0, ErrNotFound
	}

	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return zero, 0, fmt.Errorf("flowfiber/redis: parse version: %w", err)
	}
	var cp C
	if err := json.Unmarshal([]byte(vals["checkpoint"]), &cp); err != nil {
		return zero, 0, fmt.Errorf("flowfiber/redis: unmarshal checkpoint: %w", err)
	}
	return cp, version, nil
}

// Commit applies the mutation inside a WATCH transaction on the checkpoint key.
func (s *RedisStore[C]) Commit(ctx context.Context, m Mutation[C]) (int64, error) {
	var data []byte
	if !m.Delete {
		var err error
		data, err = json.Marshal(m.Checkpoint)
		if err != nil {
			return 0, fmt.Errorf("flowfiber/redis: marshal checkpoint: %w", err)
		}
	}

	key := s.checkpointKey(m.FlowID)
	records := prepareRecords(m.FlowID, m.Records, time.Now().UTC())
	var next int64

	txf := func(tx *goredis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("flowfiber/redis: read version: %w", err)
		}
		if current != m.ExpectedVersion {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if m.Delete {
				pipe.Del(ctx, key)
			} else {
				next = current + 1
				pipe.HSet(ctx, key, "version", next, "checkpoint", data)
			}
			for _, r := range records {
				pipe.HSet(ctx, s.recordKey(r.ID), recordToMap(r))
				pipe.RPush(ctx, s.outboxKey(), r.ID)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case errors.Is(err, goredis.TxFailedErr), errors.Is(err, ErrVersionConflict):
		return 0, ErrVersionConflict
	case err != nil:
		return 0, fmt.Errorf("flowfiber/redis: commit: %w", err)
	}
	return next, nil
}

// PendingRecords returns unpublished records in commit order.
func (s *RedisStore[C]) PendingRecords(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.LRange(ctx, s.outboxKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("flowfiber/redis: list outbox: %w", err)
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		vals, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("flowfiber/redis: get record: %w", err)
		}
		if len(vals) == 0 {
			continue
		}
		r, err := mapToRecord(id, vals)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// MarkPublished removes the given records from the outbox.
func (s *RedisStore[C]) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.LRem(ctx, s.outboxKey(), 1, id)
		pipe.Del(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowfiber/redis: mark published: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore[C]) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *RedisStore[C]) Close() error { return nil }

func recordToMap(r Record) map[string]interface{} {
	return map[string]interface{}{
		"flow_id":    r.FlowID,
		"topic":      r.Topic,
		"key":        r.Key,
		"value":      r.Value,
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
	}
}

func mapToRecord(id string, vals map[string]string) (Record, error) {
	created, err := time.Parse(time.RFC3339Nano, vals["created_at"])
	if err != nil {
		return Record{}, fmt.Errorf("flowfiber/redis: parse created_at: %w", err)
	}
	return Record{
		ID:        id,
		FlowID:    vals["flow_id"],
		Topic:     vals["topic"],
		Key:       vals["key"],
		Value:     []byte(vals["value"]),
		CreatedAt: created,
	}, nil
}
