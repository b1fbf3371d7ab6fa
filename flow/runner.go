package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// FiberResult is the outcome of one fiber execution.
type FiberResult struct {
	// Request is what the fiber yielded: a suspension, FlowFinished or
	// FlowFailed.
	Request IORequest

	// FiberState is the serialized fiber for a suspension. Nil for
	// FlowFinished and FlowFailed.
	FiberState []byte

	// Err is a KindFiber or KindConfiguration error when the fiber could
	// not be built or executed.
	Err error
}

// Runner turns a continuation into a fiber execution on the shared scheduler.
type Runner struct {
	registry     *Registry
	scheduler    *Scheduler
	fiberTimeout time.Duration
	clock        Clock
	logger       *slog.Logger
}

// NewRunner creates a runner with its own scheduler.
func NewRunner(registry *Registry, opts ...Option) (*Runner, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return newRunner(registry, cfg), nil
}

func newRunner(registry *Registry, cfg *config) *Runner {
	return &Runner{
		registry:     registry,
		scheduler:    NewScheduler(cfg.maxConcurrentFibers, cfg.queueDepth, cfg.metrics),
		fiberTimeout: cfg.fiberTimeout,
		clock:        cfg.clock,
		logger:       cfg.logger,
	}
}

// RunFlow runs the fiber of ec's checkpoint with cont and returns a channel
// that receives exactly one result.
//
// Run starts the flow logic fresh: a top-level flow from its registered
// class, an initiated flow from the responder registered for its session's
// protocol. Resume and Error decode the checkpoint's fiber state and deliver
// the continuation at its pending suspension point.
func (r *Runner) RunFlow(ctx context.Context, ec *EventContext, cont Continuation) <-chan FiberResult {
	out := make(chan FiberResult, 1)

	st, err := r.prepare(ec, cont)
	if err != nil {
		out <- FiberResult{Err: err}
		return out
	}

	cp := ec.Checkpoint
	logger := ec.Logger
	err = r.scheduler.Submit(ctx, cp.FlowID, func() {
		res, wait := r.execute(ctx, cp.FlowID, cp.HoldingIdentity, logger, st)
		out <- res
		wait()
	})
	if err != nil {
		out <- FiberResult{Err: newError(KindTransient, "SCHEDULER_UNAVAILABLE", cp.FlowID, "cannot schedule fiber", err)}
	}
	return out
}

// Close stops intake and waits for in-flight fibers.
func (r *Runner) Close(ctx context.Context) error {
	return r.scheduler.Close(ctx)
}

func (r *Runner) prepare(ec *EventContext, cont Continuation) (*fiberState, error) {
	cp := ec.Checkpoint
	switch cont.Kind {
	case RunKind:
		if cp.InitiatedBy != "" {
			return r.prepareInitiated(ec)
		}
		if cp.FlowClass == "" {
			return nil, newError(KindFiber, "FLOW_NOT_REGISTERED", cp.FlowID, "checkpoint has no flow class", ErrFlowNotRegistered)
		}
		return &fiberState{Version: fiberStateVersion, Class: cp.FlowClass, Args: cp.Args}, nil

	case ResumeKind, FailKind:
		if len(cp.FiberState) == 0 {
			return nil, newError(KindFiber, "CORRUPT_FIBER_STATE", cp.FlowID, "no fiber state to resume", ErrCorruptFiberState)
		}
		st, err := decodeFiberState(cp.FlowID, cp.FiberState)
		if err != nil {
			return nil, err
		}
		if st.Pending == nil {
			return nil, newError(KindFiber, "CORRUPT_FIBER_STATE", cp.FlowID, "fiber state has no pending request", ErrCorruptFiberState)
		}
		st.Journal = append(st.Journal, st.Pending.deliver(cont))
		st.Pending = nil
		return st, nil

	default:
		return nil, newError(KindConfiguration, "INVALID_CONTINUATION", cp.FlowID, "continuation does not run the fiber: "+cont.Kind.String(), nil)
	}
}

// prepareInitiated resolves the responder for an initiated flow on first run.
func (r *Runner) prepareInitiated(ec *EventContext) (*fiberState, error) {
	cp := ec.Checkpoint
	sess := cp.Session(cp.InitiatedBy)
	if sess == nil {
		return nil, newError(KindFiber, "CORRUPT_FIBER_STATE", cp.FlowID, "initiating session missing from checkpoint", ErrCorruptFiberState)
	}

	if cp.FlowClass == "" {
		init, ok := sessionInitOf(ec.Event)
		if !ok {
			return nil, newError(KindFiber, "CORRUPT_FIBER_STATE", cp.FlowID, "initiated flow has no responder and no session init", ErrCorruptFiberState)
		}
		class, version, err := r.registry.ResolveResponder(sess.Protocol, init.Versions)
		if err != nil {
			if fe, ok := err.(*Error); ok {
				fe.FlowID = cp.FlowID
			}
			return nil, err
		}
		cp.FlowClass = class
		sess.ProtocolVersion = version
	}

	return &fiberState{
		Version: fiberStateVersion,
		Class:   cp.FlowClass,
		InitiatingSession: &Session{
			ID:           sess.SessionID,
			Counterparty: sess.Counterparty,
			Protocol:     sess.Protocol,
			Versions:     []int{sess.ProtocolVersion},
		},
	}, nil
}

// execute runs the fiber for one pass. The returned wait blocks until flow
// logic abandoned by a timeout has returned.
func (r *Runner) execute(ctx context.Context, flowID, holding string, logger *slog.Logger, st *fiberState) (FiberResult, func()) {
	logic, err := r.registry.LoadFlow(st.Class)
	if err != nil {
		return FiberResult{Err: withFlowID(err, flowID)}, noWait
	}
	if err := r.registry.InjectServices(logic); err != nil {
		return FiberResult{Err: withFlowID(err, flowID)}, noWait
	}

	fiberCtx, cancel := withFiberTimeout(ctx, r.fiberTimeout)
	defer cancel()

	fiber := newFiber(fiberCtx, flowID, holding, r.registry, logger, st)
	fiber.clock = r.clock
	req, wait, err := executeWithTimeout(fiberCtx, fiber, logic, r.fiberTimeout)
	if err != nil {
		if errors.Is(err, ErrFiberTimeout) {
			logger.Warn("fiber abandoned, holding flow until its logic returns", "timeout", r.fiberTimeout)
		}
		return FiberResult{Err: withFlowID(err, flowID)}, wait
	}

	logger.Debug("fiber yielded", "request", req.Kind(), "request_id", req.RequestID())
	if isTerminalRequest(req) {
		return FiberResult{Request: req}, noWait
	}

	data, err := fiber.snapshot()
	if err != nil {
		return FiberResult{Err: err}, noWait
	}
	return FiberResult{Request: req, FiberState: data}, noWait
}

func withFlowID(err error, flowID string) error {
	if fe, ok := err.(*Error); ok && fe.FlowID == "" {
		copied := *fe
		copied.FlowID = flowID
		return &copied
	}
	return err
}

func sessionInitOf(ev Event) (*SessionInit, bool) {
	se, ok := ev.Payload.(*SessionEvent)
	if !ok {
		return nil, false
	}
	init, ok := se.Payload.(*SessionInit)
	return init, ok
}

func (r *Runner) String() string {
	return fmt.Sprintf("Runner(timeout=%s, queued=%d)", r.fiberTimeout, r.scheduler.Len())
}
