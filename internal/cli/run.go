package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/flow/processor"
	"github.com/dshills/flowfiber-go/internal/logattr"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Input        string
	ExitWhenIdle bool
	IdleInterval time.Duration
	RedisInput   bool

	// Registry overrides the demo flows (for testing).
	Registry func() (*flow.Registry, error)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process flow events",
		Long: `Read flow events (one JSON envelope per line) and process them.

Committed output records are relayed to the configured output. With
relay.loopback enabled, wakeups, session messages and timers addressed to
flows are fed back into the worker, so a single process can run complete
flows on its own.

Example:
  echo '{"flow_id":"f1","type":"start_flow","payload":{"flow_class_name":"Echo","args":"hi","holding_identity":"alice"}}' \
    | flowworker run --exit-when-idle`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "-", "event file, or - for stdin")
	cmd.Flags().BoolVar(&opts.ExitWhenIdle, "exit-when-idle", false, "stop once input is exhausted and no work is pending")
	cmd.Flags().DurationVar(&opts.IdleInterval, "idle-interval", 100*time.Millisecond, "how often idleness is checked")
	cmd.Flags().BoolVar(&opts.RedisInput, "redis-input", false, "also consume the flow event stream from redis")

	return cmd
}

func runWorker(parent context.Context, opts *RunOptions, cmd *cobra.Command) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := logattr.NewWriter(cmd.ErrOrStderr(), "flowworker", cfg.Log.JSON, logattr.ParseLevel(cfg.Log.Level))

	res, err := openResources(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(); err != nil {
			logger.Error("failed to close store", logattr.Error(err))
		}
	}()

	newRegistry := opts.Registry
	if newRegistry == nil {
		newRegistry = DemoRegistry
	}
	registry, err := newRegistry()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	metrics := flow.NewPrometheusMetrics(promReg)
	emitter, shutdownEmitter := newEmitter(cfg, logger, cmd.ErrOrStderr())

	pipeOpts := []flow.Option{
		flow.WithMaxConcurrentFibers(cfg.Worker.MaxFibers),
		flow.WithQueueDepth(cfg.Worker.QueueDepth),
		flow.WithRetryPolicy(cfg.RetryPolicy()),
		flow.WithTopics(cfg.Topics),
		flow.WithLogger(logger),
		flow.WithEmitter(emitter),
		flow.WithMetrics(metrics),
	}
	if cfg.Worker.FiberTimeout > 0 {
		pipeOpts = append(pipeOpts, flow.WithFiberTimeout(cfg.Worker.FiberTimeout))
	}
	pipeline, err := flow.NewPipeline(registry, pipeOpts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		if err := pipeline.Close(shutdownCtx); err != nil {
			logger.Error("pipeline shutdown", logattr.Error(err))
		}
		if err := shutdownEmitter(shutdownCtx); err != nil {
			logger.Error("emitter shutdown", logattr.Error(err))
		}
	}()

	events := make(chan flow.Event, cfg.Worker.QueueDepth)

	output, err := res.newOutput(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	var publishers processor.MultiPublisher
	deadLetter := processor.LogDeadLetter(logger)
	if output != nil {
		publishers = append(publishers, output)
		deadLetter = processor.PublisherDeadLetter(output, cfg.Relay.DeadLetterTopic)
	}
	var loopback *processor.Loopback
	if cfg.Relay.Loopback {
		loopback = processor.NewLoopback(cfg.Topics, events)
		defer loopback.Close()
		publishers = append(publishers, loopback)
	}

	proc, err := processor.New(pipeline, res.store,
		processor.WithPartitions(cfg.Worker.Partitions),
		processor.WithRetry(cfg.Worker.CommitRetries, 10*time.Millisecond, time.Second),
		processor.WithDeleteTerminal(cfg.Worker.DeleteTerminal),
		processor.WithDeadLetter(deadLetter),
		processor.WithLogger(logger),
		processor.WithMetrics(metrics))
	if err != nil {
		return err
	}
	relay := processor.NewRelay(res.store, publishers,
		processor.WithBatchSize(cfg.Relay.BatchSize),
		processor.WithPollInterval(cfg.Relay.PollInterval),
		processor.WithRelayLogger(logger))

	logger.Info("worker starting",
		slog.String("store", cfg.Store.Backend),
		slog.String("output", cfg.Relay.Output),
		slog.Bool("loopback", cfg.Relay.Loopback),
		slog.Int("partitions", cfg.Worker.Partitions))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx, events) })
	g.Go(func() error { return relay.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		serveMetrics(gctx, g, cfg.Metrics.Addr, promReg, logger)
	}

	inputDone := make(chan struct{})
	g.Go(func() error {
		defer close(inputDone)
		return readInput(gctx, opts.Input, cmd.InOrStdin(), events, logger)
	})

	if opts.RedisInput {
		client, err := res.redisClient(ctx, cfg.Store.Redis)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		stream := cfg.Store.Redis.Prefix + cfg.Topics.FlowEvent
		src := processor.NewRedisStreamSource(client, stream, "$", logger)
		g.Go(func() error { return src.Run(gctx, events) })
	}

	if opts.ExitWhenIdle {
		idle := func(ctx context.Context) (bool, error) {
			if len(events) > 0 || proc.InFlight() > 0 {
				return false, nil
			}
			if loopback != nil && loopback.Pending() > 0 {
				return false, nil
			}
			pending, err := res.store.PendingRecords(ctx, 1)
			return len(pending) == 0, err
		}
		g.Go(func() error {
			if err := waitIdle(gctx, inputDone, opts.IdleInterval, idle); err != nil {
				return err
			}
			cancel()
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("worker stopped")
	return err
}

// readInput feeds events from path ("-" for stdin) into out.
func readInput(ctx context.Context, path string, stdin io.Reader, out chan<- flow.Event, logger *slog.Logger) error {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return processor.NewJSONLSource(r, logger).Run(ctx, out)
}

// waitIdle returns once input is exhausted and idle reports true on two
// consecutive checks.
func waitIdle(ctx context.Context, inputDone <-chan struct{}, interval time.Duration, idle func(context.Context) (bool, error)) error {
	select {
	case <-inputDone:
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	quiet := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ok, err := idle(ctx)
			if err != nil {
				return err
			}
			if !ok {
				quiet = 0
				continue
			}
			quiet++
			if quiet >= 2 {
				return nil
			}
		}
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
