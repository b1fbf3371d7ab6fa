package processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/internal/logattr"
)

// Source feeds inbound events to a processor.
type Source interface {
	Run(ctx context.Context, out chan<- flow.Event) error
}

// JSONLSource reads one event envelope per line.
//
// Blank lines are skipped. Lines that do not decode are logged and skipped.
type JSONLSource struct {
	r      io.Reader
	logger *slog.Logger
}

// NewJSONLSource creates a source reading from r.
func NewJSONLSource(r io.Reader, logger *slog.Logger) *JSONLSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLSource{r: r, logger: logger}
}

// Run sends every decoded event to out and returns at end of input.
func (s *JSONLSource) Run(ctx context.Context, out chan<- flow.Event) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		ev, err := flow.DecodeEvent(data)
		if err != nil {
			s.logger.Warn("skipping malformed event", slog.Int("line", line), logattr.Error(err))
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}
	return nil
}

// RedisStreamSource reads events published by a RedisStreamPublisher on the
// flow event topic, so wakeups produced by a pass are fed back in.
type RedisStreamSource struct {
	client redis.UniversalClient
	stream string
	lastID string
	count  int64
	block  time.Duration
	logger *slog.Logger
}

// NewRedisStreamSource reads stream starting after lastID. Use "0" to read
// the stream from the beginning or "$" for new entries only.
func NewRedisStreamSource(client redis.UniversalClient, stream, lastID string, logger *slog.Logger) *RedisStreamSource {
	if lastID == "" {
		lastID = "$"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStreamSource{
		client: client,
		stream: stream,
		lastID: lastID,
		count:  100,
		block:  time.Second,
		logger: logger,
	}
}

// LastID returns the ID of the last entry read.
func (s *RedisStreamSource) LastID() string {
	return s.lastID
}

// Poll reads at most one batch, waiting up to the block interval for new
// entries.
func (s *RedisStreamSource) Poll(ctx context.Context) ([]flow.Event, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   s.count,
		Block:   s.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", s.stream, err)
	}

	var events []flow.Event
	for _, st := range streams {
		for _, msg := range st.Messages {
			s.lastID = msg.ID
			raw, ok := msg.Values["value"].(string)
			if !ok {
				s.logger.Warn("stream entry has no value", slog.String("entry", msg.ID))
				continue
			}
			ev, err := flow.DecodeEvent([]byte(raw))
			if err != nil {
				s.logger.Warn("skipping malformed stream entry", slog.String("entry", msg.ID), logattr.Error(err))
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// Run polls until ctx is cancelled.
func (s *RedisStreamSource) Run(ctx context.Context, out chan<- flow.Event) error {
	for {
		events, err := s.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
