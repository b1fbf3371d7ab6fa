package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/flowfiber-go/flow/store"
)

// Publisher hands committed outbox records to the broker.
//
// Publish may be called again with records it already delivered when a
// relay crashes between Publish and MarkPublished, so consumers must
// tolerate duplicates. Record IDs are stable across redeliveries.
type Publisher interface {
	Publish(ctx context.Context, records []store.Record) error
}

// MemPublisher collects published records in memory.
type MemPublisher struct {
	mu      sync.Mutex
	records []store.Record
}

// NewMemPublisher creates an empty in-memory publisher.
func NewMemPublisher() *MemPublisher {
	return &MemPublisher{}
}

// Publish appends records.
func (m *MemPublisher) Publish(_ context.Context, records []store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// Records returns a copy of everything published so far.
func (m *MemPublisher) Records() []store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Topic returns the published records for one topic.
func (m *MemPublisher) Topic(topic string) []store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for _, r := range m.records {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

// Reset discards all collected records.
func (m *MemPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}

// WriterPublisher writes each record as one JSON line.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher creates a publisher writing JSON lines to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

// wireRecord is the JSON line layout. Values that are valid JSON are
// embedded as-is; anything else is written as a string.
type wireRecord struct {
	ID        string          `json:"id"`
	FlowID    string          `json:"flow_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
}

func toWire(r store.Record) (wireRecord, error) {
	value := json.RawMessage(r.Value)
	if !json.Valid(r.Value) {
		quoted, err := json.Marshal(string(r.Value))
		if err != nil {
			return wireRecord{}, err
		}
		value = quoted
	}
	return wireRecord{
		ID:        r.ID,
		FlowID:    r.FlowID,
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     value,
		CreatedAt: r.CreatedAt,
	}, nil
}

// Publish writes records in order.
func (p *WriterPublisher) Publish(_ context.Context, records []store.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	enc := json.NewEncoder(p.w)
	for _, r := range records {
		line, err := toWire(r)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to write record %s: %w", r.ID, err)
		}
	}
	return nil
}

// RedisStreamPublisher appends records to one Redis stream per topic.
//
// The stream key is prefix + topic. Each entry carries the fields id,
// flow_id, key and value.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// StreamOption configures a RedisStreamPublisher.
type StreamOption func(*RedisStreamPublisher)

// WithStreamPrefix sets the stream key prefix. Default: "flowfiber:".
func WithStreamPrefix(prefix string) StreamOption {
	return func(p *RedisStreamPublisher) {
		p.prefix = prefix
	}
}

// WithStreamMaxLen caps each stream at approximately n entries.
// Zero leaves streams unbounded.
func WithStreamMaxLen(n int64) StreamOption {
	return func(p *RedisStreamPublisher) {
		p.maxLen = n
	}
}

// NewRedisStreamPublisher creates a publisher using client.
func NewRedisStreamPublisher(client redis.UniversalClient, opts ...StreamOption) *RedisStreamPublisher {
	p := &RedisStreamPublisher{client: client, prefix: "flowfiber:"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StreamKey returns the stream a topic is published to.
func (p *RedisStreamPublisher) StreamKey(topic string) string {
	return p.prefix + topic
}

// Publish adds all records in one pipeline round trip.
func (p *RedisStreamPublisher) Publish(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, r := range records {
		args := &redis.XAddArgs{
			Stream: p.StreamKey(r.Topic),
			Values: map[string]interface{}{
				"id":      r.ID,
				"flow_id": r.FlowID,
				"key":     r.Key,
				"value":   string(r.Value),
			},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish records to redis: %w", err)
	}
	return nil
}

// MultiPublisher publishes to several publishers in order and stops at the
// first failure.
type MultiPublisher []Publisher

// Publish forwards records to every publisher.
func (m MultiPublisher) Publish(ctx context.Context, records []store.Record) error {
	for _, p := range m {
		if err := p.Publish(ctx, records); err != nil {
			return err
		}
	}
	return nil
}
