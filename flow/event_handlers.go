package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/flowfiber-go/internal/logattr"
)

// EventHandler implements the event-specific steps of a pipeline pass.
//
// PreProcess validates the event against the checkpoint and may create the
// checkpoint or mark the event discarded. RunOrContinue decides what the
// fiber receives. PostProcess runs after the request handler and finalizes
// event-specific bookkeeping. RunOrContinue and PostProcess are skipped for
// discarded events.
type EventHandler interface {
	EventType() string
	PreProcess(ctx context.Context, ec *EventContext) error
	RunOrContinue(ctx context.Context, ec *EventContext) (Continuation, error)
	PostProcess(ctx context.Context, ec *EventContext) error
}

// DefaultEventHandlers returns a handler for every inbound event type.
func DefaultEventHandlers() []EventHandler {
	return []EventHandler{
		startFlowHandler{},
		sessionEventHandler{},
		entityResponseHandler{},
		wakeupHandler{},
		timeoutHandler{},
		killFlowHandler{},
		retryFlowHandler{},
	}
}

// requireLive discards events for flows that do not exist or have ended.
func requireLive(ec *EventContext) bool {
	switch {
	case ec.Checkpoint == nil:
		ec.Discard("no checkpoint")
		return false
	case ec.Checkpoint.Status.IsTerminal():
		ec.Discard("flow is " + string(ec.Checkpoint.Status))
		return false
	}
	return true
}

func unexpectedEvent(h EventHandler, ec *EventContext) error {
	return newError(KindConfiguration, "HANDLER_MISMATCH", ec.Event.FlowID,
		fmt.Sprintf("%s handler received %s event", h.EventType(), ec.Event.typeOf()), ErrUnknownEvent)
}

func invalidEvent(ec *EventContext, code, message string, cause error) error {
	return newError(KindInvalidEvent, code, ec.Event.FlowID, message, cause)
}

type startFlowHandler struct{}

func (startFlowHandler) EventType() string { return EventStartFlow }

func (h startFlowHandler) PreProcess(_ context.Context, ec *EventContext) error {
	start, ok := ec.Event.Payload.(*StartFlow)
	if !ok {
		return unexpectedEvent(h, ec)
	}
	if ec.Checkpoint != nil {
		ec.Discard("duplicate start")
		return nil
	}
	if start.FlowClassName == "" {
		return invalidEvent(ec, "INVALID_START", "start event has no flow class", nil)
	}

	holding := start.HoldingIdentity
	if holding == "" {
		holding = start.RequestingIdentity
	}
	cp := NewCheckpoint(ec.Event.FlowID, start.FlowClassName, holding, ec.Now())
	cp.Args = start.Args
	ec.Checkpoint = cp
	ec.Created = true
	return nil
}

func (startFlowHandler) RunOrContinue(context.Context, *EventContext) (Continuation, error) {
	return Run(), nil
}

func (startFlowHandler) PostProcess(context.Context, *EventContext) error { return nil }

// sessionEventHandler starts responder flows on SessionInit and maintains
// the session inbox and status for every other session payload.
type sessionEventHandler struct{}

func (sessionEventHandler) EventType() string { return EventSession }

func (h sessionEventHandler) PreProcess(_ context.Context, ec *EventContext) error {
	se, ok := ec.Event.Payload.(*SessionEvent)
	if !ok {
		return unexpectedEvent(h, ec)
	}
	if init, ok := se.Payload.(*SessionInit); ok {
		return h.initiate(ec, se, init)
	}
	if !requireLive(ec) {
		return nil
	}

	s := ec.Checkpoint.Session(se.SessionID)
	if s == nil {
		return invalidEvent(ec, "UNKNOWN_SESSION", "session event for unknown session "+se.SessionID, ErrUnknownSession)
	}
	logger := ec.Logger.With(logattr.SessionID(se.SessionID))

	switch body := se.Payload.(type) {
	case *SessionData:
		if se.Sequence <= s.ReceivedSequence {
			ec.Discard(fmt.Sprintf("duplicate session data %d", se.Sequence))
			return nil
		}
		if s.Status != SessionOpen {
			logger.Warn("session data after session ended", logattr.Status(s.Status))
			ec.Discard("session " + string(s.Status))
			return nil
		}
		s.Inbox = append(s.Inbox, SessionMessage{Sequence: se.Sequence, Payload: body.Payload})
		s.ReceivedSequence = se.Sequence

	case *SessionClose:
		if s.Status != SessionOpen {
			ec.Discard("session already ended")
			return nil
		}
		s.Status = SessionClosed
		logger.Debug("session closed by counterparty")

	case *SessionError:
		if s.Status != SessionOpen {
			ec.Discard("session already ended")
			return nil
		}
		s.Status = SessionErrored
		s.ErrorMessage = body.Message
		logger.Warn("session failed at counterparty", "message", body.Message)

	case *SessionAck:
		ec.Discard("ack")

	default:
		return invalidEvent(ec, "INVALID_SESSION_EVENT", "session event has no payload", nil)
	}
	return nil
}

func (sessionEventHandler) initiate(ec *EventContext, se *SessionEvent, init *SessionInit) error {
	if cp := ec.Checkpoint; cp != nil {
		if cp.Session(se.SessionID) != nil {
			ec.Discard("duplicate session init")
			return nil
		}
		return invalidEvent(ec, "UNEXPECTED_SESSION_INIT", "session init for existing flow", ErrUnknownSession)
	}

	cp := NewCheckpoint(ec.Event.FlowID, "", se.InitiatedIdentity, ec.Now())
	cp.InitiatedBy = se.SessionID
	cp.AddSession(SessionState{
		SessionID:    se.SessionID,
		Counterparty: se.InitiatingIdentity,
		Protocol:     init.Protocol,
		Initiated:    true,
		Status:       SessionOpen,
	})
	ec.Checkpoint = cp
	ec.Created = true
	return nil
}

func (sessionEventHandler) RunOrContinue(_ context.Context, ec *EventContext) (Continuation, error) {
	if ec.Created {
		return Run(), nil
	}
	se := ec.Event.Payload.(*SessionEvent)
	w := ec.Checkpoint.WaitingFor
	if w == nil || w.Kind != WaitingSessionData {
		return Continue(), nil
	}
	for _, id := range w.SessionIDs {
		if id == se.SessionID {
			return resolveSessionData(ec.Checkpoint)
		}
	}
	return Continue(), nil
}

func (sessionEventHandler) PostProcess(_ context.Context, ec *EventContext) error {
	se := ec.Event.Payload.(*SessionEvent)
	if _, ok := se.Payload.(*SessionData); !ok {
		return nil
	}
	s := ec.Checkpoint.Session(se.SessionID)
	if s == nil {
		return nil
	}
	return sendSessionEvent(ec, s, 0, &SessionAck{ReceivedSequence: s.ReceivedSequence})
}

type entityResponseHandler struct{}

func (entityResponseHandler) EventType() string { return EventEntityResponse }

func (h entityResponseHandler) PreProcess(_ context.Context, ec *EventContext) error {
	if _, ok := ec.Event.Payload.(*EntityResponse); !ok {
		return unexpectedEvent(h, ec)
	}
	requireLive(ec)
	return nil
}

func (entityResponseHandler) RunOrContinue(_ context.Context, ec *EventContext) (Continuation, error) {
	resp := ec.Event.Payload.(*EntityResponse)
	if !ec.Checkpoint.WaitingFor.Matches(WaitingEntityResponse, resp.RequestID) {
		ec.Logger.Debug("stale entity response", logattr.RequestID(resp.RequestID))
		return Continue(), nil
	}
	if resp.Error != nil {
		return Fail(fmt.Errorf("%w: %s: %s", ErrEntityRequest, resp.Error.Type, resp.Error.Message)), nil
	}
	results := resp.Results
	if results == nil {
		results = []json.RawMessage{}
	}
	return Resume(results)
}

func (entityResponseHandler) PostProcess(context.Context, *EventContext) error { return nil }

type wakeupHandler struct{}

func (wakeupHandler) EventType() string { return EventWakeup }

func (h wakeupHandler) PreProcess(_ context.Context, ec *EventContext) error {
	if _, ok := ec.Event.Payload.(*Wakeup); !ok {
		return unexpectedEvent(h, ec)
	}
	requireLive(ec)
	return nil
}

func (wakeupHandler) RunOrContinue(_ context.Context, ec *EventContext) (Continuation, error) {
	wake := ec.Event.Payload.(*Wakeup)
	w := ec.Checkpoint.WaitingFor
	switch {
	case w.Matches(WaitingWakeup, wake.RequestID):
		return ResumeRaw(nil), nil
	case w.Matches(WaitingSessionData, wake.RequestID):
		return resolveSessionData(ec.Checkpoint)
	}
	ec.Logger.Debug("stale wakeup", logattr.RequestID(wake.RequestID))
	return Continue(), nil
}

func (wakeupHandler) PostProcess(context.Context, *EventContext) error { return nil }

type timeoutHandler struct{}

func (timeoutHandler) EventType() string { return EventTimeout }

func (h timeoutHandler) PreProcess(_ context.Context, ec *EventContext) error {
	if _, ok := ec.Event.Payload.(*Timeout); !ok {
		return unexpectedEvent(h, ec)
	}
	requireLive(ec)
	return nil
}

func (timeoutHandler) RunOrContinue(_ context.Context, ec *EventContext) (Continuation, error) {
	timeout := ec.Event.Payload.(*Timeout)
	cp := ec.Checkpoint
	w := cp.WaitingFor
	if w == nil || w.Kind == WaitingRetry || w.RequestID != timeout.RequestID {
		return Continue(), nil
	}
	ec.Logger.Info("request timed out", logattr.Request(cp.SuspendedOn), logattr.RequestID(timeout.RequestID))
	return Fail(fmt.Errorf("%w: %s %s", ErrTimeout, cp.SuspendedOn, timeout.RequestID)), nil
}

func (timeoutHandler) PostProcess(context.Context, *EventContext) error { return nil }

// killFlowHandler terminates a flow. A suspended fiber first receives
// ErrFlowKilled so its cleanup runs; afterwards the checkpoint is cleared and
// every session still open is closed.
type killFlowHandler struct{}

func (killFlowHandler) EventType() string { return EventKillFlow }

func (h killFlowHandler) PreProcess(_ context.Context, ec *EventContext) error {
	if _, ok := ec.Event.Payload.(*KillFlow); !ok {
		return unexpectedEvent(h, ec)
	}
	if requireLive(ec) {
		ec.Terminating = true
	}
	return nil
}

func (killFlowHandler) RunOrContinue(_ context.Context, ec *EventContext) (Continuation, error) {
	kill := ec.Event.Payload.(*KillFlow)
	cp := ec.Checkpoint
	if len(cp.FiberState) == 0 || cp.WaitingFor == nil || cp.WaitingFor.Kind == WaitingRetry {
		return Continue(), nil
	}
	return Fail(fmt.Errorf("%w: %s", ErrFlowKilled, killReason(kill))), nil
}

func (killFlowHandler) PostProcess(_ context.Context, ec *EventContext) error {
	kill := ec.Event.Payload.(*KillFlow)
	cp := ec.Checkpoint
	cp.FiberState = nil
	cp.WaitingFor = nil
	cp.Status = StatusKilled
	if err := closeOpenSessions(ec); err != nil {
		return err
	}
	ec.Logger.Info("flow killed", "reason", killReason(kill))
	return ec.Emit(ec.topics.Status, cp.FlowID, FlowStatus{
		FlowID:    cp.FlowID,
		FlowClass: cp.FlowClass,
		Status:    StatusKilled,
		Error:     &Cause{Code: deliveredCodes[ErrFlowKilled], Message: killReason(kill)},
		Timestamp: ec.Now(),
	})
}

func killReason(k *KillFlow) string {
	if k.Reason == "" {
		return "killed by request"
	}
	return k.Reason
}

// retryFlowHandler delivers the failing continuation again.
type retryFlowHandler struct{}

func (retryFlowHandler) EventType() string { return EventRetryFlow }

func (h retryFlowHandler) PreProcess(_ context.Context, ec *EventContext) error {
	if _, ok := ec.Event.Payload.(*RetryFlow); !ok {
		return unexpectedEvent(h, ec)
	}
	requireLive(ec)
	return nil
}

func (retryFlowHandler) RunOrContinue(_ context.Context, ec *EventContext) (Continuation, error) {
	retry := ec.Event.Payload.(*RetryFlow)
	cp := ec.Checkpoint
	if cp.Failure == nil || (cp.Status != StatusRetryPending && cp.Status != StatusFailed) {
		ec.Logger.Debug("retry for flow that is not failed", logattr.Status(cp.Status))
		return Continue(), nil
	}
	if retry.Attempt != 0 && retry.Attempt != cp.Failure.Attempt {
		ec.Logger.Debug("stale retry", logattr.Attempt(retry.Attempt))
		return Continue(), nil
	}

	reason := "manual"
	if retry.Attempt != 0 {
		reason = "scheduled"
	}
	ec.metrics.IncrementRetries(reason)
	ec.Logger.Info("retrying flow", logattr.Attempt(cp.Failure.Attempt), "reason", reason)
	return cp.Failure.Replay, nil
}

func (retryFlowHandler) PostProcess(context.Context, *EventContext) error { return nil }
