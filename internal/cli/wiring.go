package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/flow/emit"
	"github.com/dshills/flowfiber-go/flow/processor"
	"github.com/dshills/flowfiber-go/flow/store"
	"github.com/dshills/flowfiber-go/internal/config"
)

// resources owns the long-lived connections of one command invocation.
type resources struct {
	store  processor.CheckpointStore
	redis  *redis.Client
	closed []func() error
}

func (r *resources) Close() error {
	var first error
	for i := len(r.closed) - 1; i >= 0; i-- {
		if err := r.closed[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// redisClient returns the shared Redis client, connecting on first use.
func (r *resources) redisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	r.redis = client
	r.closed = append(r.closed, client.Close)
	return client, nil
}

// openResources opens the configured checkpoint store.
func openResources(ctx context.Context, cfg *config.Config) (*resources, error) {
	res := &resources{}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		res.store = store.NewMemStore[*flow.Checkpoint]()
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore[*flow.Checkpoint](cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		res.store = st
	case config.BackendMySQL:
		st, err := store.NewMySQLStore[*flow.Checkpoint](cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		res.store = st
	case config.BackendRedis:
		client, err := res.redisClient(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		res.store = store.NewRedisStore[*flow.Checkpoint](client, store.WithKeyPrefix(cfg.Store.Redis.Prefix))
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Store.Backend)
	}
	res.closed = append(res.closed, res.store.Close)
	return res, nil
}

// newEmitter builds the observability emitter and a shutdown hook that
// flushes it.
func newEmitter(cfg *config.Config, logger *slog.Logger, w io.Writer) (emit.Emitter, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Log.Events {
	case config.EventsLog:
		return emit.NewLogEmitter(w, cfg.Log.JSON), noop
	case config.EventsOTel:
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(newLogSpanExporter(logger)),
		)
		return emit.NewOTelEmitter(tp.Tracer("flowworker")), tp.Shutdown
	default:
		return emit.NewNullEmitter(), noop
	}
}

// newOutput builds the publisher for the configured relay output, or nil
// when output is disabled.
func (r *resources) newOutput(ctx context.Context, cfg *config.Config, stdout io.Writer) (processor.Publisher, error) {
	switch cfg.Relay.Output {
	case config.OutputStdout:
		return processor.NewWriterPublisher(stdout), nil
	case config.OutputRedis:
		client, err := r.redisClient(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		return processor.NewRedisStreamPublisher(client,
			processor.WithStreamPrefix(cfg.Store.Redis.Prefix),
			processor.WithStreamMaxLen(cfg.Relay.StreamMaxLen)), nil
	case config.OutputNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidOutput, cfg.Relay.Output)
	}
}

// logSpanExporter writes finished spans to the diagnostic log.
type logSpanExporter struct {
	logger *slog.Logger
}

func newLogSpanExporter(logger *slog.Logger) *logSpanExporter {
	return &logSpanExporter{logger: logger}
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		attrs := []any{
			slog.String("span", span.Name()),
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("status", span.Status().Code.String()),
		}
		for _, kv := range span.Attributes() {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}
		if desc := span.Status().Description; desc != "" {
			attrs = append(attrs, slog.String("error", desc))
		}
		e.logger.Info("span", attrs...)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error { return nil }
