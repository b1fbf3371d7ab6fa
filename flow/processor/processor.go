// Package processor is the reference caller of the flow pipeline.
//
// A Processor loads a flow's checkpoint, runs one pipeline pass for an
// inbound event and commits the resulting checkpoint together with the
// pass's output records in a single store mutation. Events are hashed by
// flow ID onto a fixed number of partitions so events for the same flow are
// always handled in arrival order, while different flows proceed in
// parallel.
//
// Output records land in the store's outbox. A Relay drains the outbox to a
// Publisher once the commit is durable.
package processor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/flow/store"
	"github.com/dshills/flowfiber-go/internal/logattr"
)

// CheckpointStore is the store shape the processor commits through.
type CheckpointStore = store.Store[*flow.Checkpoint]

// Pipeline runs one pass for an event. *flow.Pipeline satisfies it.
type Pipeline interface {
	Process(ctx context.Context, ev flow.Event, cp *flow.Checkpoint) (*flow.Response, error)
}

// Metrics is the subset of flow.PrometheusMetrics the processor reports to.
type Metrics interface {
	IncrementRetries(reason string)
	IncrementDeadLetters(kind string)
	UpdateQueueDepth(n int)
}

// Processor applies inbound events to checkpoints.
type Processor struct {
	pipeline Pipeline
	store    CheckpointStore

	partitions     int
	bufferSize     int
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	deleteTerminal bool

	deadLetter DeadLetterSink
	logger     *slog.Logger
	metrics    Metrics

	inflight atomic.Int64
}

// Option configures a Processor.
type Option func(*Processor) error

// WithPartitions sets the number of ordered partitions Run uses.
// Default: 4.
func WithPartitions(n int) Option {
	return func(p *Processor) error {
		if n < 1 {
			return fmt.Errorf("partitions must be >= 1, got %d", n)
		}
		p.partitions = n
		return nil
	}
}

// WithPartitionBuffer sets the per-partition channel capacity. Default: 64.
func WithPartitionBuffer(n int) Option {
	return func(p *Processor) error {
		if n < 0 {
			return fmt.Errorf("partition buffer must be >= 0, got %d", n)
		}
		p.bufferSize = n
		return nil
	}
}

// WithRetry sets how often a pass is retried after a version conflict or a
// transient error, and the backoff between attempts.
// Default: 5 retries, 10ms base, 1s cap.
func WithRetry(maxRetries int, base, maxDelay time.Duration) Option {
	return func(p *Processor) error {
		if maxRetries < 0 {
			return fmt.Errorf("max retries must be >= 0, got %d", maxRetries)
		}
		if base < 0 || maxDelay < base {
			return fmt.Errorf("invalid retry delays: base %s, max %s", base, maxDelay)
		}
		p.maxRetries = maxRetries
		p.baseDelay = base
		p.maxDelay = maxDelay
		return nil
	}
}

// WithDeleteTerminal removes checkpoints once a flow reaches a terminal
// status instead of keeping them as tombstones.
func WithDeleteTerminal(enabled bool) Option {
	return func(p *Processor) error {
		p.deleteTerminal = enabled
		return nil
	}
}

// WithDeadLetter sets where events that cannot be processed are sent.
// Default: a sink that logs them.
func WithDeadLetter(sink DeadLetterSink) Option {
	return func(p *Processor) error {
		if sink == nil {
			return errors.New("dead letter sink cannot be nil")
		}
		p.deadLetter = sink
		return nil
	}
}

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(p *Processor) error {
		p.metrics = m
		return nil
	}
}

// New creates a Processor committing through st.
func New(pipeline Pipeline, st CheckpointStore, opts ...Option) (*Processor, error) {
	if pipeline == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}

	p := &Processor{
		pipeline:   pipeline,
		store:      st,
		partitions: 4,
		bufferSize: 64,
		maxRetries: 5,
		baseDelay:  10 * time.Millisecond,
		maxDelay:   time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.deadLetter == nil {
		p.deadLetter = LogDeadLetter(p.logger)
	}
	return p, nil
}

// Handle processes one event to completion.
//
// Version conflicts and transient errors are retried with backoff. Events
// that fail for any other reason are dead-lettered and Handle returns nil so
// the partition keeps moving. Handle returns an error only when retries are
// exhausted, the context ends, or the dead-letter sink itself fails.
func (p *Processor) Handle(ctx context.Context, ev flow.Event) error {
	logger := p.logger.With(logattr.FlowID(ev.FlowID))

	for attempt := 0; ; attempt++ {
		err := p.handleOnce(ctx, ev)
		if err == nil {
			return nil
		}

		reason := retryReason(err)
		if reason == "" {
			return p.sendDeadLetter(ctx, ev, err)
		}
		if attempt >= p.maxRetries {
			return fmt.Errorf("flow %s: giving up after %d attempts: %w", ev.FlowID, attempt+1, err)
		}

		p.incrementRetries(reason)
		delay := backoff(attempt, p.baseDelay, p.maxDelay)
		logger.Debug("retrying event",
			logattr.Attempt(attempt+1),
			slog.String("reason", reason),
			slog.Duration("delay", delay),
			logattr.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// handleOnce runs a single load, process and commit cycle.
func (p *Processor) handleOnce(ctx context.Context, ev flow.Event) error {
	cp, version, err := p.store.Load(ctx, ev.FlowID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cp, version = nil, 0
	case err != nil:
		return flow.Transient(ev.FlowID, err)
	}

	resp, err := p.pipeline.Process(ctx, ev, cp)
	if err != nil {
		return err
	}
	if resp.Discarded {
		return nil
	}

	mut := store.Mutation[*flow.Checkpoint]{
		FlowID:          ev.FlowID,
		Checkpoint:      resp.Checkpoint,
		Delete:          resp.Terminal && p.deleteTerminal,
		ExpectedVersion: version,
		Records:         toStoreRecords(ev.FlowID, resp.Records),
	}
	if _, err := p.store.Commit(ctx, mut); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		return flow.Transient(ev.FlowID, err)
	}
	return nil
}

func (p *Processor) sendDeadLetter(ctx context.Context, ev flow.Event, cause error) error {
	kind := deadLetterKind(cause)
	if p.metrics != nil {
		p.metrics.IncrementDeadLetters(kind)
	}
	if err := p.deadLetter.DeadLetter(ctx, ev, cause); err != nil {
		return fmt.Errorf("flow %s: dead letter failed: %w", ev.FlowID, err)
	}
	return nil
}

func (p *Processor) incrementRetries(reason string) {
	if p.metrics != nil {
		p.metrics.IncrementRetries(reason)
	}
}

// Run consumes events until in is closed or ctx is cancelled.
//
// Each event is routed to the partition chosen by its flow ID, so events
// for one flow are handled one at a time in the order they were received.
// The first partition error cancels the others and is returned.
func (p *Processor) Run(ctx context.Context, in <-chan flow.Event) error {
	g, gctx := errgroup.WithContext(ctx)

	lanes := make([]chan flow.Event, p.partitions)
	for i := range lanes {
		lanes[i] = make(chan flow.Event, p.bufferSize)
	}

	for i, lane := range lanes {
		logger := p.logger.With(logattr.Partition(i))
		g.Go(func() error {
			for ev := range lane {
				err := p.Handle(gctx, ev)
				p.inflight.Add(-1)
				if err != nil {
					logger.Error("partition stopped", logattr.FlowID(ev.FlowID), logattr.Error(err))
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-in:
				if !ok {
					return nil
				}
				lane := lanes[p.partitionOf(ev.FlowID)]
				p.inflight.Add(1)
				select {
				case lane <- ev:
				case <-gctx.Done():
					p.inflight.Add(-1)
					return nil
				}
				p.reportDepth(lanes)
			}
		}
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// InFlight returns the number of events Run has accepted but not finished
// handling.
func (p *Processor) InFlight() int {
	return int(p.inflight.Load())
}

func (p *Processor) partitionOf(flowID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(flowID))
	return int(h.Sum32() % uint32(p.partitions))
}

func (p *Processor) reportDepth(lanes []chan flow.Event) {
	if p.metrics == nil {
		return
	}
	depth := 0
	for _, lane := range lanes {
		depth += len(lane)
	}
	p.metrics.UpdateQueueDepth(depth)
}

func toStoreRecords(flowID string, records []flow.Record) []store.Record {
	if len(records) == 0 {
		return nil
	}
	out := make([]store.Record, len(records))
	for i, r := range records {
		out[i] = store.Record{
			FlowID: flowID,
			Topic:  r.Topic,
			Key:    r.Key,
			Value:  r.Value,
		}
	}
	return out
}

// retryReason returns the metrics label for a retryable error, or "" when
// the error must not be retried.
func retryReason(err error) string {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return "conflict"
	case flow.IsTransient(err):
		return "transient"
	default:
		return ""
	}
}

func asFlowError(err error) (*flow.Error, bool) {
	var fe *flow.Error
	ok := errors.As(err, &fe)
	return fe, ok
}

func deadLetterKind(err error) string {
	if fe, ok := asFlowError(err); ok {
		return fe.Kind.String()
	}
	return "unknown"
}

// backoff returns min(base * 2^attempt, maxDelay) plus up to base of jitter.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
}
