package flow

import (
	"encoding/json"
	"fmt"
)

// sendSessionEvent appends a session event for the counterparty end of s.
func sendSessionEvent(ec *EventContext, s *SessionState, seq int, payload SessionPayload) error {
	holding := ec.Checkpoint.HoldingIdentity
	ev := SessionEvent{
		SessionID:          s.CounterpartySessionID(),
		Sequence:           seq,
		InitiatingIdentity: holding,
		InitiatedIdentity:  s.Counterparty,
		Payload:            payload,
	}
	if s.Initiated {
		ev.InitiatingIdentity, ev.InitiatedIdentity = s.Counterparty, holding
	}
	return ec.Emit(ec.topics.SessionOut, ev.SessionID, ev)
}

// closeSession notifies the counterparty and marks s closed. Sessions that
// are already closed or errored are left alone.
func closeSession(ec *EventContext, s *SessionState) error {
	if s.Status != SessionOpen {
		return nil
	}
	s.SendSequence++
	if err := sendSessionEvent(ec, s, s.SendSequence, &SessionClose{}); err != nil {
		return err
	}
	s.Status = SessionClosed
	return nil
}

// errorSession reports a failure to the counterparty and marks s errored.
func errorSession(ec *EventContext, s *SessionState, message string) error {
	if s.Status != SessionOpen {
		return nil
	}
	s.SendSequence++
	if err := sendSessionEvent(ec, s, s.SendSequence, &SessionError{Message: message}); err != nil {
		return err
	}
	s.Status = SessionErrored
	s.ErrorMessage = message
	return nil
}

// closeOpenSessions closes every open session of the checkpoint.
func closeOpenSessions(ec *EventContext) error {
	for _, s := range ec.Checkpoint.OpenSessions() {
		if err := closeSession(ec, s); err != nil {
			return err
		}
	}
	return nil
}

// emitWakeup addresses a Wakeup for requestID back to the flow.
func emitWakeup(ec *EventContext, requestID string) error {
	ev := Event{FlowID: ec.Checkpoint.FlowID, Payload: &Wakeup{RequestID: requestID}}
	return ec.Emit(ec.topics.FlowEvent, ev.FlowID, ev)
}

// sessionFailure returns the error a Receive on ids must raise, if any.
// Buffered data wins over a later close or error.
func sessionFailure(cp *Checkpoint, ids []string) error {
	for _, id := range ids {
		s := cp.Session(id)
		switch {
		case s == nil:
			return fmt.Errorf("%w: %s", ErrUnknownSession, id)
		case len(s.Inbox) > 0:
			continue
		case s.Status == SessionErrored:
			return fmt.Errorf("%w: %s: %s", ErrSessionFailed, id, s.ErrorMessage)
		case s.Status == SessionClosed:
			return fmt.Errorf("%w: %s", ErrSessionClosed, id)
		}
	}
	return nil
}

// sessionDataReady reports whether a Receive on ids can resolve now, with
// data or with an error.
func sessionDataReady(cp *Checkpoint, ids []string) bool {
	if sessionFailure(cp, ids) != nil {
		return true
	}
	for _, id := range ids {
		if len(cp.Session(id).Inbox) == 0 {
			return false
		}
	}
	return true
}

// resolveSessionData computes the continuation for a flow waiting on
// session data. When every session has data, the first buffered message of
// each is consumed and delivered keyed by session ID.
func resolveSessionData(cp *Checkpoint) (Continuation, error) {
	ids := cp.WaitingFor.SessionIDs
	if err := sessionFailure(cp, ids); err != nil {
		return Fail(err), nil
	}
	if !sessionDataReady(cp, ids) {
		return Continue(), nil
	}

	payloads := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		if _, seen := payloads[id]; seen {
			continue
		}
		s := cp.Session(id)
		payloads[id] = s.Inbox[0].Payload
		s.Inbox = s.Inbox[1:]
		if len(s.Inbox) == 0 {
			s.Inbox = nil
		}
	}
	return Resume(payloads)
}
