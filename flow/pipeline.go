package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dshills/flowfiber-go/flow/emit"
	"github.com/dshills/flowfiber-go/internal/logattr"
)

// Response is the outcome of one pipeline pass.
//
// The caller commits Checkpoint and Records atomically, then publishes the
// records. A discarded response must not be committed.
type Response struct {
	// Checkpoint is the successor checkpoint. Nil only for a discarded
	// event addressed to a flow without a checkpoint.
	Checkpoint *Checkpoint

	// Records are the outbound records in emission order.
	Records []Record

	// Terminal reports that the flow finished or was killed; the caller
	// may delete or tombstone the checkpoint.
	Terminal bool

	// Discarded reports that the event had no effect.
	Discarded bool
}

// Pipeline processes inbound flow events.
//
// Each call to Process is one pass: it takes the committed checkpoint of a
// flow (nil for a new flow) and returns its successor together with the
// outbound records. Process never writes to a store. Passes for distinct
// flows may run concurrently; passes for one flow must be serialized by the
// caller, and each must see the checkpoint committed by the previous one.
//
// Example:
//
//	registry := flow.NewRegistry(flow.NewServices())
//	_ = registry.RegisterFlow("Echo", flow.Stateless(flow.LogicFunc(echo)))
//
//	pipeline, err := flow.NewPipeline(registry, flow.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer pipeline.Close(ctx)
//
//	resp, err := pipeline.Process(ctx, event, checkpoint)
type Pipeline struct {
	registry        *Registry
	runner          *Runner
	eventHandlers   map[string]EventHandler
	requestHandlers map[string]RequestHandler

	clock   Clock
	topics  Topics
	retry   RetryPolicy
	logger  *slog.Logger
	emitter emit.Emitter
	metrics *PrometheusMetrics
}

// NewPipeline creates a pipeline with the default event and request
// handlers, overridden by any registered with WithEventHandler or
// WithRequestHandler.
func NewPipeline(registry *Registry, opts ...Option) (*Pipeline, error) {
	if registry == nil {
		return nil, newError(KindConfiguration, "INVALID_OPTION", "", "registry cannot be nil", nil)
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		registry:        registry,
		runner:          newRunner(registry, cfg),
		eventHandlers:   make(map[string]EventHandler),
		requestHandlers: make(map[string]RequestHandler),
		clock:           cfg.clock,
		topics:          cfg.topics,
		retry:           cfg.retryPolicy,
		logger:          cfg.logger,
		emitter:         cfg.emitter,
		metrics:         cfg.metrics,
	}
	for _, h := range append(DefaultEventHandlers(), cfg.eventHandlers...) {
		p.eventHandlers[h.EventType()] = h
	}
	for _, h := range append(DefaultRequestHandlers(), cfg.requestHandlers...) {
		p.requestHandlers[h.Kind()] = h
	}
	return p, nil
}

// Close stops the runner's scheduler and waits for in-flight fibers.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.runner.Close(ctx)
}

// Process runs one pass for ev against cp.
//
// cp is not modified. Configuration, fiber and invalid-event errors abort
// the pass; the caller must not commit anything for it. Flow-logic failures
// are not errors: they are recorded in the returned checkpoint.
func (p *Pipeline) Process(ctx context.Context, ev Event, cp *Checkpoint) (*Response, error) {
	start := time.Now()
	typ := ev.typeOf()
	logger := p.logger.With(logattr.FlowID(ev.FlowID), logattr.EventType(typ))

	resp, err := p.process(ctx, ev, cp, logger)
	if err != nil {
		p.metrics.RecordPass(typ, "error", time.Since(start))
		logger.Error("pass aborted", logattr.Error(err))
		p.emitter.Emit(emit.Event{
			FlowID:    ev.FlowID,
			EventType: typ,
			Msg:       "pass_error",
			Meta:      map[string]interface{}{"error": err.Error()},
		})
		return nil, err
	}

	outcome := passOutcome(resp)
	elapsed := time.Since(start)
	p.metrics.RecordPass(typ, outcome, elapsed)
	p.emitPass(ev, resp, outcome, elapsed)
	return resp, nil
}

func (p *Pipeline) process(ctx context.Context, ev Event, cp *Checkpoint, logger *slog.Logger) (*Response, error) {
	if ev.FlowID == "" {
		return nil, newError(KindInvalidEvent, "INVALID_EVENT", "", "event has no flow ID", nil)
	}
	handler, ok := p.eventHandlers[ev.typeOf()]
	if !ok {
		return nil, newError(KindConfiguration, "UNKNOWN_EVENT", ev.FlowID,
			fmt.Sprintf("no event handler for %q", ev.typeOf()), ErrUnknownEvent)
	}
	working, err := cp.Clone()
	if err != nil {
		return nil, newError(KindFiber, "CORRUPT_CHECKPOINT", ev.FlowID, "cannot copy checkpoint", err)
	}
	if working != nil && working.FlowID != ev.FlowID {
		return nil, newError(KindInvalidEvent, "FLOW_MISMATCH", ev.FlowID,
			"checkpoint belongs to flow "+working.FlowID, nil)
	}

	ec := &EventContext{
		Event:      ev,
		Checkpoint: working,
		Logger:     logger,
		clock:      p.clock,
		topics:     p.topics,
		retry:      p.retry,
		metrics:    p.metrics,
	}

	if err := p.eventPreProcessing(ctx, ec, handler); err != nil {
		return nil, err
	}
	if ec.Discarded {
		return &Response{Checkpoint: cp, Discarded: true}, nil
	}
	if err := p.runOrContinue(ctx, ec, handler); err != nil {
		return nil, err
	}
	p.setCheckpointSuspendedOn(ec)
	if err := p.requestPostProcessing(ctx, ec); err != nil {
		return nil, err
	}
	if err := p.eventPostProcessing(ctx, ec, handler); err != nil {
		return nil, err
	}
	return p.toResponse(ec)
}

func (p *Pipeline) eventPreProcessing(ctx context.Context, ec *EventContext, h EventHandler) error {
	return h.PreProcess(ctx, ec)
}

// runOrContinue computes the continuation and, unless it is Continue, runs
// the fiber and waits for what it yields.
func (p *Pipeline) runOrContinue(ctx context.Context, ec *EventContext, h EventHandler) error {
	cont, err := h.RunOrContinue(ctx, ec)
	if err != nil {
		return err
	}
	ec.Continuation = cont
	if !cont.Runs() {
		return nil
	}

	cp := ec.Checkpoint
	ec.Logger.Debug("running fiber", "continuation", cont.Kind.String())
	var result FiberResult
	select {
	case result = <-p.runner.RunFlow(ctx, ec, cont):
	case <-ctx.Done():
		return Transient(cp.FlowID, ctx.Err())
	}
	if result.Err != nil {
		return result.Err
	}

	ec.FiberRan = true
	ec.Request = result.Request
	cp.Status = StatusRunning
	if !isTerminalRequest(result.Request) {
		cp.FiberState = result.FiberState
	}
	return nil
}

func (p *Pipeline) setCheckpointSuspendedOn(ec *EventContext) {
	if !ec.FiberRan {
		return
	}
	ec.Checkpoint.SuspendedOn = ec.Request.Kind()
}

// requestPostProcessing hands the yielded request to its handler.
func (p *Pipeline) requestPostProcessing(ctx context.Context, ec *EventContext) error {
	if !ec.FiberRan {
		return nil
	}
	req := ec.Request
	h, ok := p.requestHandlers[req.Kind()]
	if !ok {
		return newError(KindConfiguration, "NO_REQUEST_HANDLER", ec.Checkpoint.FlowID,
			fmt.Sprintf("no handler for %s request", req.Kind()), ErrNoRequestHandler)
	}

	wait, err := h.WaitingFor(ctx, ec, req)
	if err != nil {
		return err
	}
	cp := ec.Checkpoint
	cp.WaitingFor = wait
	if !isTerminalRequest(req) {
		cp.Status = StatusSuspended
		cp.Failure = nil
	}
	if err := h.PostProcess(ctx, ec, req); err != nil {
		return err
	}
	ec.Logger.Debug("request processed", logattr.Request(req.Kind()), logattr.RequestID(req.RequestID()),
		"waiting_for", cp.WaitingFor.String())
	return nil
}

func (p *Pipeline) eventPostProcessing(ctx context.Context, ec *EventContext, h EventHandler) error {
	return h.PostProcess(ctx, ec)
}

// toResponse validates the successor checkpoint and packages the pass.
func (p *Pipeline) toResponse(ec *EventContext) (*Response, error) {
	cp := ec.Checkpoint
	cp.PassCount++
	if err := cp.Validate(); err != nil {
		return nil, newError(KindConfiguration, "INVARIANT", cp.FlowID, "pass produced an invalid checkpoint", err)
	}
	return &Response{
		Checkpoint: cp,
		Records:    ec.Records,
		Terminal:   cp.Status.IsTerminal(),
	}, nil
}

func passOutcome(resp *Response) string {
	switch {
	case resp.Discarded:
		return "discarded"
	case resp.Checkpoint == nil:
		return "continued"
	default:
		return strings.ToLower(string(resp.Checkpoint.Status))
	}
}

func (p *Pipeline) emitPass(ev Event, resp *Response, outcome string, elapsed time.Duration) {
	meta := map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
		"records":     len(resp.Records),
	}
	pass := 0
	if cp := resp.Checkpoint; cp != nil {
		pass = cp.PassCount
		meta["status"] = string(cp.Status)
		if cp.SuspendedOn != "" {
			meta["request"] = cp.SuspendedOn
		}
		if cp.WaitingFor != nil && cp.WaitingFor.RequestID != "" {
			meta["request_id"] = cp.WaitingFor.RequestID
		}
		if cp.Failure != nil {
			meta["attempt"] = cp.Failure.Attempt
		}
	}
	p.emitter.Emit(emit.Event{
		FlowID:    ev.FlowID,
		Pass:      pass,
		EventType: ev.typeOf(),
		Msg:       outcome,
		Meta:      meta,
	})
}
