package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/flowfiber-go/internal/logattr"
)

// RequestHandler performs the side effects of one IORequest kind.
//
// The pipeline calls WaitingFor and stores its result in the checkpoint,
// then calls PostProcess to append outbound records. Handlers must be
// idempotent by request ID: a redelivered event replays the same request
// against the same checkpoint and must produce the same records.
type RequestHandler interface {
	// Kind is the IORequest kind handled.
	Kind() string

	// WaitingFor returns what the flow waits for after req. Nil for
	// FlowFinished.
	WaitingFor(ctx context.Context, ec *EventContext, req IORequest) (*WaitingFor, error)

	// PostProcess appends outbound records and updates session and
	// status bookkeeping.
	PostProcess(ctx context.Context, ec *EventContext, req IORequest) error
}

// DefaultRequestHandlers returns a handler for every IORequest kind.
func DefaultRequestHandlers() []RequestHandler {
	return []RequestHandler{
		entityHandler{kind: KindPersist},
		entityHandler{kind: KindFind},
		entityHandler{kind: KindMerge},
		entityHandler{kind: KindDelete},
		sendHandler{},
		receiveHandler{},
		closeHandler{kind: KindCloseSessions},
		closeHandler{kind: KindSubFlowFinished},
		subFlowFailedHandler{},
		sleepHandler{},
		flowFinishedHandler{},
		flowFailedHandler{},
	}
}

func unexpectedRequest(h RequestHandler, req IORequest) error {
	return newError(KindConfiguration, "HANDLER_MISMATCH", "",
		fmt.Sprintf("%s handler received %s request", h.Kind(), req.Kind()), ErrNoRequestHandler)
}

// entityHandler sends Persist, Find, Merge and Delete to the persistence
// service. The envelope differs only in its payload.
type entityHandler struct {
	kind string
}

func (h entityHandler) Kind() string { return h.kind }

func (h entityHandler) WaitingFor(_ context.Context, _ *EventContext, req IORequest) (*WaitingFor, error) {
	return WaitEntityResponse(req.RequestID()), nil
}

func (h entityHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	var payload EntityPayload
	switch r := req.(type) {
	case *Persist:
		payload = &PersistEntities{Entities: r.Entities}
	case *Find:
		payload = &FindEntity{ClassName: r.ClassName, PrimaryKey: r.PrimaryKey}
	case *Merge:
		payload = &MergeEntities{Entities: r.Entities}
	case *Delete:
		payload = &DeleteEntities{Entities: r.Entities}
	default:
		return unexpectedRequest(h, req)
	}

	cp := ec.Checkpoint
	envelope := EntityRequest{
		RequestID:       req.RequestID(),
		FlowID:          cp.FlowID,
		HoldingIdentity: cp.HoldingIdentity,
		Timestamp:       ec.Now(),
		Payload:         payload,
	}
	return ec.Emit(ec.topics.EntityRequest, cp.HoldingIdentity, envelope)
}

// sendHandler opens sessions on first use and emits their data.
type sendHandler struct{}

func (sendHandler) Kind() string { return KindSend }

func (sendHandler) WaitingFor(_ context.Context, _ *EventContext, req IORequest) (*WaitingFor, error) {
	return WaitWakeup(req.RequestID()), nil
}

func (h sendHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	send, ok := req.(*Send)
	if !ok {
		return unexpectedRequest(h, req)
	}

	cp := ec.Checkpoint
	for _, m := range send.Messages {
		s := cp.Session(m.SessionID)
		if s == nil {
			s = cp.AddSession(SessionState{
				SessionID:    m.SessionID,
				Counterparty: m.Counterparty,
				Protocol:     m.Protocol,
				Status:       SessionOpen,
			})
			if err := sendSessionEvent(ec, s, 0, &SessionInit{Protocol: m.Protocol, Versions: m.Versions}); err != nil {
				return err
			}
		}
		if s.Status != SessionOpen {
			ec.Logger.Warn("dropping send on inactive session",
				logattr.SessionID(s.SessionID), logattr.Status(s.Status))
			continue
		}
		s.SendSequence++
		if err := sendSessionEvent(ec, s, s.SendSequence, &SessionData{Payload: m.Payload}); err != nil {
			return err
		}
	}
	return emitWakeup(ec, req.RequestID())
}

// receiveHandler waits for session data, waking the flow immediately when
// the data is already buffered.
type receiveHandler struct{}

func (receiveHandler) Kind() string { return KindReceive }

func (h receiveHandler) WaitingFor(_ context.Context, _ *EventContext, req IORequest) (*WaitingFor, error) {
	recv, ok := req.(*Receive)
	if !ok {
		return nil, unexpectedRequest(h, req)
	}
	return WaitSessionData(recv.RequestID(), recv.SessionIDs), nil
}

func (h receiveHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	recv, ok := req.(*Receive)
	if !ok {
		return unexpectedRequest(h, req)
	}
	if sessionDataReady(ec.Checkpoint, recv.SessionIDs) {
		return emitWakeup(ec, req.RequestID())
	}
	return nil
}

// closeHandler closes sessions for CloseSessions and SubFlowFinished.
type closeHandler struct {
	kind string
}

func (h closeHandler) Kind() string { return h.kind }

func (h closeHandler) WaitingFor(_ context.Context, _ *EventContext, req IORequest) (*WaitingFor, error) {
	return WaitWakeup(req.RequestID()), nil
}

func (h closeHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	var ids []string
	switch r := req.(type) {
	case *CloseSessions:
		ids = r.SessionIDs
	case *SubFlowFinished:
		ids = r.SessionIDs
	default:
		return unexpectedRequest(h, req)
	}
	for _, id := range ids {
		s := ec.Checkpoint.Session(id)
		if s == nil {
			continue
		}
		if err := closeSession(ec, s); err != nil {
			return err
		}
	}
	return emitWakeup(ec, req.RequestID())
}

// subFlowFailedHandler errors the sessions of a failed sub-flow.
type subFlowFailedHandler struct{}

func (subFlowFailedHandler) Kind() string { return KindSubFlowFailed }

func (subFlowFailedHandler) WaitingFor(_ context.Context, _ *EventContext, req IORequest) (*WaitingFor, error) {
	return WaitWakeup(req.RequestID()), nil
}

func (h subFlowFailedHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	failed, ok := req.(*SubFlowFailed)
	if !ok {
		return unexpectedRequest(h, req)
	}
	message := "sub-flow failed"
	if failed.Cause != nil {
		message = failed.Cause.Error()
	}
	for _, id := range failed.SessionIDs {
		s := ec.Checkpoint.Session(id)
		if s == nil {
			continue
		}
		if err := errorSession(ec, s, message); err != nil {
			return err
		}
	}
	return emitWakeup(ec, req.RequestID())
}

// sleepHandler asks the timer service for a wakeup.
type sleepHandler struct{}

func (sleepHandler) Kind() string { return KindSleep }

func (h sleepHandler) WaitingFor(_ context.Context, ec *EventContext, req IORequest) (*WaitingFor, error) {
	sleep, ok := req.(*Sleep)
	if !ok {
		return nil, unexpectedRequest(h, req)
	}
	return WaitWakeupAt(req.RequestID(), fireAt(ec, sleep)), nil
}

func (h sleepHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	sleep, ok := req.(*Sleep)
	if !ok {
		return unexpectedRequest(h, req)
	}
	cp := ec.Checkpoint
	wakeup := ScheduledWakeup{
		FlowID:    cp.FlowID,
		RequestID: req.RequestID(),
		Reason:    WakeupReasonSleep,
		FireAt:    fireAt(ec, sleep),
	}
	return ec.Emit(ec.topics.Timer, cp.FlowID, wakeup)
}

func fireAt(ec *EventContext, sleep *Sleep) time.Time {
	d := sleep.Duration
	if d < 0 {
		d = 0
	}
	return ec.Now().Add(d)
}

// flowFinishedHandler completes the flow.
type flowFinishedHandler struct{}

func (flowFinishedHandler) Kind() string { return KindFlowFinished }

func (flowFinishedHandler) WaitingFor(context.Context, *EventContext, IORequest) (*WaitingFor, error) {
	return nil, nil
}

func (h flowFinishedHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	finished, ok := req.(*FlowFinished)
	if !ok {
		return unexpectedRequest(h, req)
	}

	cp := ec.Checkpoint
	cp.FiberState = nil
	cp.Status = StatusFinished
	cp.Result = finished.Result
	cp.Failure = nil
	if err := closeOpenSessions(ec); err != nil {
		return err
	}
	if ec.Terminating {
		return nil
	}
	ec.Logger.Info("flow finished")
	return ec.Emit(ec.topics.Status, cp.FlowID, FlowStatus{
		FlowID:    cp.FlowID,
		FlowClass: cp.FlowClass,
		Status:    StatusFinished,
		Result:    finished.Result,
		Timestamp: ec.Now(),
	})
}

// flowFailedHandler applies the retry policy to a flow-logic failure.
//
// The fiber state from before the failing pass is kept, together with the
// continuation that produced the failure, so a retry can deliver it again.
type flowFailedHandler struct{}

func (flowFailedHandler) Kind() string { return KindFlowFailed }

func (h flowFailedHandler) WaitingFor(_ context.Context, ec *EventContext, req IORequest) (*WaitingFor, error) {
	failed, ok := req.(*FlowFailed)
	if !ok {
		return nil, unexpectedRequest(h, req)
	}
	attempt := nextAttempt(ec.Checkpoint)
	if ec.Terminating || !ec.retry.shouldRetry(attempt, failed.Cause) {
		return WaitRetry(attempt, time.Time{}), nil
	}
	return WaitRetry(attempt, ec.Now().Add(ec.retry.delay(ec.Checkpoint.FlowID, attempt))), nil
}

func (h flowFailedHandler) PostProcess(_ context.Context, ec *EventContext, req IORequest) error {
	failed, ok := req.(*FlowFailed)
	if !ok {
		return unexpectedRequest(h, req)
	}

	cause := failed.Cause
	if cause == nil {
		cause = &Cause{Code: "FLOW_ERROR", Message: "flow failed without a cause"}
	}
	cp := ec.Checkpoint
	wait := cp.WaitingFor
	record := &FailureRecord{
		Attempt: wait.Attempt,
		Cause:   cause,
		Replay:  ec.Continuation,
	}
	ec.metrics.IncrementFlowFailures(cause.Code)
	logger := ec.Logger.With(logattr.Attempt(wait.Attempt), logattr.Error(cause))

	if wait.Deadline != nil {
		record.NextRetryAt = *wait.Deadline
		cp.Status = StatusRetryPending
		cp.Failure = record
		logger.Warn("flow failed, retry scheduled", "next_retry_at", record.NextRetryAt)
		return ec.Emit(ec.topics.Timer, cp.FlowID, ScheduledWakeup{
			FlowID:  cp.FlowID,
			Reason:  WakeupReasonRetry,
			Attempt: wait.Attempt,
			FireAt:  record.NextRetryAt,
		})
	}

	cp.Status = StatusFailed
	cp.Failure = record
	if ec.Terminating {
		return nil
	}
	logger.Error("flow failed")
	return ec.Emit(ec.topics.Status, cp.FlowID, FlowStatus{
		FlowID:    cp.FlowID,
		FlowClass: cp.FlowClass,
		Status:    StatusFailed,
		Error:     cause,
		Attempt:   wait.Attempt,
		Timestamp: ec.Now(),
	})
}

// nextAttempt counts consecutive failures. A flow that suspended normally
// since its last failure starts again at 1.
func nextAttempt(cp *Checkpoint) int {
	if cp.Failure == nil {
		return 1
	}
	return cp.Failure.Attempt + 1
}
