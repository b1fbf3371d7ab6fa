package flow

import (
	"fmt"
	"strings"
	"time"
)

// WaitingKind tags the external event a suspended flow needs to resume.
type WaitingKind string

const (
	// WaitingEntityResponse waits for the persistence service to answer
	// request RequestID.
	WaitingEntityResponse WaitingKind = "ENTITY_RESPONSE"

	// WaitingSessionData waits until every session in SessionIDs has
	// buffered data (or has closed).
	WaitingSessionData WaitingKind = "SESSION_DATA"

	// WaitingWakeup waits for a Wakeup event for RequestID. Used after
	// fire-and-forget requests and by Sleep.
	WaitingWakeup WaitingKind = "WAKEUP"

	// WaitingRetry marks a failed flow waiting for a scheduled or
	// administrative RetryFlow.
	WaitingRetry WaitingKind = "RETRY"
)

// WaitingFor describes the event that will resume a suspended flow.
type WaitingFor struct {
	Kind WaitingKind `json:"kind"`

	// RequestID is the request the flow suspended on. Timeout events
	// match against it for every kind.
	RequestID string `json:"request_id,omitempty"`

	// SessionIDs are the sessions a Receive is waiting on.
	SessionIDs []string `json:"session_ids,omitempty"`

	// Deadline is when a Sleep fires or a scheduled retry becomes due.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Attempt is the failure count for WaitingRetry.
	Attempt int `json:"attempt,omitempty"`
}

// WaitEntityResponse waits for the response to an entity request.
func WaitEntityResponse(requestID string) *WaitingFor {
	return &WaitingFor{Kind: WaitingEntityResponse, RequestID: requestID}
}

// WaitSessionData waits for data on every listed session.
func WaitSessionData(requestID string, sessionIDs []string) *WaitingFor {
	ids := make([]string, len(sessionIDs))
	copy(ids, sessionIDs)
	return &WaitingFor{Kind: WaitingSessionData, RequestID: requestID, SessionIDs: ids}
}

// WaitWakeup waits for a wakeup addressed to requestID.
func WaitWakeup(requestID string) *WaitingFor {
	return &WaitingFor{Kind: WaitingWakeup, RequestID: requestID}
}

// WaitWakeupAt waits for a wakeup that is scheduled to fire at deadline.
func WaitWakeupAt(requestID string, deadline time.Time) *WaitingFor {
	return &WaitingFor{Kind: WaitingWakeup, RequestID: requestID, Deadline: &deadline}
}

// WaitRetry waits for a retry of a failed flow. notBefore is zero for flows
// whose retries are exhausted and only an operator can retry.
func WaitRetry(attempt int, notBefore time.Time) *WaitingFor {
	w := &WaitingFor{Kind: WaitingRetry, Attempt: attempt}
	if !notBefore.IsZero() {
		w.Deadline = &notBefore
	}
	return w
}

// Matches reports whether w is waiting for requestID with the given kind.
func (w *WaitingFor) Matches(kind WaitingKind, requestID string) bool {
	return w != nil && w.Kind == kind && w.RequestID == requestID
}

func (w *WaitingFor) String() string {
	if w == nil {
		return "<nothing>"
	}
	switch w.Kind {
	case WaitingSessionData:
		return fmt.Sprintf("%s(%s)", w.Kind, strings.Join(w.SessionIDs, ","))
	case WaitingRetry:
		return fmt.Sprintf("%s(attempt=%d)", w.Kind, w.Attempt)
	default:
		return fmt.Sprintf("%s(%s)", w.Kind, w.RequestID)
	}
}
