package flow

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a flow.
type Status string

const (
	// StatusRunning is set while a pass is executing the fiber. It is
	// never committed for a flow that suspended or finished.
	StatusRunning Status = "RUNNING"

	// StatusSuspended flows wait on WaitingFor.
	StatusSuspended Status = "SUSPENDED"

	// StatusRetryPending flows failed and have a retry scheduled.
	StatusRetryPending Status = "RETRY_PENDING"

	// StatusFailed flows failed and exhausted their retries. Only an
	// operator RetryFlow or KillFlow acts on them.
	StatusFailed Status = "FAILED"

	// StatusFinished flows completed normally.
	StatusFinished Status = "FINISHED"

	// StatusKilled flows were terminated by a KillFlow event.
	StatusKilled Status = "KILLED"
)

// IsTerminal reports whether no further event can change the flow.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusKilled
}

// Checkpoint is the durable snapshot of one flow.
//
// It is the only persisted state of the engine. A pass reads the checkpoint
// committed by the previous pass and returns its successor; the caller commits
// it atomically with the pass's output records.
//
// Invariants (checked by Validate):
//   - a non-empty FiberState has exactly one WaitingFor
//   - Finished and Killed flows have empty FiberState and no WaitingFor
//   - RetryPending and Failed flows wait on WaitingRetry
type Checkpoint struct {
	// FlowID is the primary key. Immutable.
	FlowID string `json:"flow_id"`

	// FlowClass is the registered name of the top-level flow logic.
	// Empty until an initiated flow's responder has been resolved.
	FlowClass string `json:"flow_class"`

	// HoldingIdentity owns the flow; entity requests are keyed by it.
	HoldingIdentity string `json:"holding_identity"`

	// Args are the JSON start arguments of a top-level flow.
	Args []byte `json:"args,omitempty"`

	// InitiatedBy is the session that started a responder flow.
	InitiatedBy string `json:"initiated_by,omitempty"`

	// FiberState is the engine-owned serialized fiber.
	FiberState []byte `json:"fiber_state,omitempty"`

	// SuspendedOn is the kind of the request the flow last suspended on.
	SuspendedOn string `json:"suspended_on,omitempty"`

	// WaitingFor describes the event that resumes the flow.
	WaitingFor *WaitingFor `json:"waiting_for,omitempty"`

	// Sessions in creation order.
	Sessions []SessionState `json:"sessions,omitempty"`

	Status Status `json:"status"`

	// Failure is the most recent flow-logic failure, if the flow is
	// retrying or failed.
	Failure *FailureRecord `json:"failure,omitempty"`

	// Result is the JSON result of a finished flow.
	Result []byte `json:"result,omitempty"`

	// PassCount is the number of pipeline passes applied.
	PassCount int `json:"pass_count"`

	// StartedAt is the clock time of the first pass.
	StartedAt time.Time `json:"started_at"`
}

// FailureRecord captures a flow-logic failure for retry and diagnostics.
type FailureRecord struct {
	// Attempt counts consecutive failures, starting at 1.
	Attempt int `json:"attempt"`

	Cause *Cause `json:"cause"`

	// NextRetryAt is when the scheduled retry fires. Zero once retries
	// are exhausted.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	// Replay is the continuation that produced the failure. RetryFlow
	// delivers it again against the unchanged fiber state.
	Replay Continuation `json:"replay"`
}

// NewCheckpoint returns a fresh running checkpoint.
func NewCheckpoint(flowID, flowClass, holdingIdentity string, now time.Time) *Checkpoint {
	return &Checkpoint{
		FlowID:          flowID,
		FlowClass:       flowClass,
		HoldingIdentity: holdingIdentity,
		Status:          StatusRunning,
		StartedAt:       now,
	}
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() (*Checkpoint, error) {
	if c == nil {
		return nil, nil
	}
	cp, err := deepCopy(*c)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Session returns the session with the given ID, or nil.
func (c *Checkpoint) Session(id string) *SessionState {
	for i := range c.Sessions {
		if c.Sessions[i].SessionID == id {
			return &c.Sessions[i]
		}
	}
	return nil
}

// AddSession appends a session and returns a pointer to the stored copy.
func (c *Checkpoint) AddSession(s SessionState) *SessionState {
	c.Sessions = append(c.Sessions, s)
	return &c.Sessions[len(c.Sessions)-1]
}

// OpenSessions returns pointers to every session still open.
func (c *Checkpoint) OpenSessions() []*SessionState {
	var open []*SessionState
	for i := range c.Sessions {
		if c.Sessions[i].Status == SessionOpen {
			open = append(open, &c.Sessions[i])
		}
	}
	return open
}

// Validate checks the checkpoint invariants.
func (c *Checkpoint) Validate() error {
	if c.FlowID == "" {
		return fmt.Errorf("%w: empty flow ID", ErrInvariant)
	}
	switch c.Status {
	case StatusFinished, StatusKilled:
		if len(c.FiberState) > 0 || c.WaitingFor != nil {
			return fmt.Errorf("%w: %s flow must have no fiber state and no waitingFor", ErrInvariant, c.Status)
		}
	case StatusRetryPending, StatusFailed:
		if c.WaitingFor == nil || c.WaitingFor.Kind != WaitingRetry {
			return fmt.Errorf("%w: %s flow must wait for a retry, got %s", ErrInvariant, c.Status, c.WaitingFor)
		}
	case StatusSuspended:
		if len(c.FiberState) == 0 || c.WaitingFor == nil {
			return fmt.Errorf("%w: suspended flow needs fiber state and waitingFor", ErrInvariant)
		}
	case StatusRunning:
		return fmt.Errorf("%w: running status is never committed", ErrInvariant)
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, c.Status)
	}
	if len(c.FiberState) > 0 && c.WaitingFor == nil {
		return fmt.Errorf("%w: fiber state without waitingFor", ErrInvariant)
	}
	return nil
}
