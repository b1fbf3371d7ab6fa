package flow

import (
	"log/slog"
	"time"

	"github.com/dshills/flowfiber-go/flow/emit"
)

// Option configures a Pipeline or Runner.
//
// Example:
//
//	pipeline, err := flow.NewPipeline(registry,
//	    flow.WithMaxConcurrentFibers(16),
//	    flow.WithFiberTimeout(30*time.Second),
//	    flow.WithRetryPolicy(flow.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}),
//	)
type Option func(*config) error

type config struct {
	maxConcurrentFibers int
	queueDepth          int
	fiberTimeout        time.Duration
	retryPolicy         RetryPolicy
	topics              Topics
	clock               Clock
	logger              *slog.Logger
	emitter             emit.Emitter
	metrics             *PrometheusMetrics
	requestHandlers     []RequestHandler
	eventHandlers       []EventHandler
}

func defaultConfig() *config {
	return &config{
		maxConcurrentFibers: 8,
		queueDepth:          1024,
		retryPolicy:         DefaultRetryPolicy(),
		topics:              DefaultTopics(),
		clock:               SystemClock(),
		logger:              slog.Default(),
		emitter:             emit.NewNullEmitter(),
	}
}

func buildConfig(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	cfg.topics = cfg.topics.withDefaults()
	return cfg, nil
}

// WithMaxConcurrentFibers sets the number of scheduler workers. Default: 8.
func WithMaxConcurrentFibers(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return newError(KindConfiguration, "INVALID_OPTION", "", "max concurrent fibers must be >= 1", nil)
		}
		cfg.maxConcurrentFibers = n
		return nil
	}
}

// WithQueueDepth bounds queued plus running fiber tasks. Default: 1024.
func WithQueueDepth(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return newError(KindConfiguration, "INVALID_OPTION", "", "queue depth must be >= 1", nil)
		}
		cfg.queueDepth = n
		return nil
	}
}

// WithFiberTimeout bounds how long flow logic may run without suspending.
// Zero disables the bound. Default: 0.
func WithFiberTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		cfg.fiberTimeout = d
		return nil
	}
}

// WithRetryPolicy sets the policy for flow-logic failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cfg *config) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.retryPolicy = p
		return nil
	}
}

// WithTopics sets the outbound topic names. Empty names keep their defaults.
func WithTopics(t Topics) Option {
	return func(cfg *config) error {
		cfg.topics = t
		return nil
	}
}

// WithClock sets the clock used for record timestamps and timer deadlines.
func WithClock(c Clock) Option {
	return func(cfg *config) error {
		if c == nil {
			return newError(KindConfiguration, "INVALID_OPTION", "", "clock cannot be nil", nil)
		}
		cfg.clock = c
		return nil
	}
}

// WithLogger sets the base logger; each pass derives a flow-scoped child.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) error {
		if l != nil {
			cfg.logger = l
		}
		return nil
	}
}

// WithEmitter sets the observability event emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *config) error {
		if e != nil {
			cfg.emitter = e
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *config) error {
		cfg.metrics = m
		return nil
	}
}

// WithRequestHandler registers or replaces the handler for h.Kind().
func WithRequestHandler(h RequestHandler) Option {
	return func(cfg *config) error {
		cfg.requestHandlers = append(cfg.requestHandlers, h)
		return nil
	}
}

// WithEventHandler registers or replaces the handler for h.EventType().
func WithEventHandler(h EventHandler) Option {
	return func(cfg *config) error {
		cfg.eventHandlers = append(cfg.eventHandlers, h)
		return nil
	}
}
