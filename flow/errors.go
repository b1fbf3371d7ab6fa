package flow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the caller should react to them.
type ErrorKind int

const (
	// KindConfiguration covers missing handlers, unknown event payloads and
	// unresolvable responders. The pass is aborted, nothing is committed and
	// the event should not be retried.
	KindConfiguration ErrorKind = iota + 1

	// KindFlow is a failure raised by flow business logic. It never aborts
	// a pass; the checkpoint records it and the retry policy applies.
	KindFlow

	// KindTransient is a collaborator failure (store, broker). The caller
	// should retry the event with backoff.
	KindTransient

	// KindFiber covers fiber reconstruction failures: corrupt state, an
	// unregistered flow class, replay divergence or service injection
	// errors. The pass is aborted and the checkpoint left untouched.
	KindFiber

	// KindInvalidEvent is a malformed inbound event, for example session
	// data for a session the flow does not know about.
	KindInvalidEvent
)

// String returns the kind name used in logs and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindFlow:
		return "flow"
	case KindTransient:
		return "transient"
	case KindFiber:
		return "fiber"
	case KindInvalidEvent:
		return "invalid_event"
	default:
		return "unknown"
	}
}

// Error is the structured error returned by the pipeline, runner and registry.
//
// Use errors.As to inspect it, or the IsConfiguration/IsTransient/IsFiber
// helpers to classify it.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Code is a stable machine-readable identifier such as "NO_RESPONDER".
	Code string

	// FlowID is the flow being processed, if known.
	FlowID string

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.FlowID != "" {
		msg = fmt.Sprintf("%s (flow %s)", msg, e.FlowID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind ErrorKind, code, flowID, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, FlowID: flowID, Message: message, Cause: cause}
}

func kindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return kindOf(err) == KindConfiguration }

// IsTransient reports whether err is a transient collaborator failure.
func IsTransient(err error) bool { return kindOf(err) == KindTransient }

// IsFiber reports whether err is a fiber reconstruction failure.
func IsFiber(err error) bool { return kindOf(err) == KindFiber }

// IsInvalidEvent reports whether err was caused by a malformed inbound event.
func IsInvalidEvent(err error) bool { return kindOf(err) == KindInvalidEvent }

// Transient wraps a collaborator failure so the caller retries the event.
func Transient(flowID string, cause error) error {
	return newError(KindTransient, "TRANSIENT", flowID, "collaborator failure", cause)
}

var (
	// ErrNoRequestHandler is the cause of a configuration error raised when
	// a fiber yields a request kind with no registered handler.
	ErrNoRequestHandler = errors.New("no request handler registered")

	// ErrUnknownEvent is the cause raised for an event payload type with no
	// registered event handler.
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrNoResponder is raised when no responder flow is registered for an
	// inbound session's protocol and versions.
	ErrNoResponder = errors.New("no responder registered for protocol")

	// ErrFlowNotRegistered is raised when a checkpoint names a flow class
	// that the registry does not know.
	ErrFlowNotRegistered = errors.New("flow class not registered")

	// ErrReplayMismatch is raised when flow logic issues a different request
	// on replay than the one recorded in its journal. The logic is not
	// deterministic and the fiber cannot be reconstructed.
	ErrReplayMismatch = errors.New("replay diverged from journal")

	// ErrCorruptFiberState is raised when a checkpoint's fiber state cannot
	// be decoded.
	ErrCorruptFiberState = errors.New("corrupt fiber state")

	// ErrUnknownSession is raised for session traffic naming a session the
	// flow does not hold. Flows awaiting such a session receive it as an
	// error from Receive.
	ErrUnknownSession = errors.New("unknown session")

	// ErrRunnerClosed is returned by RunFlow after Close.
	ErrRunnerClosed = errors.New("runner is closed")

	// ErrFiberTimeout is raised when flow logic runs longer than the fiber
	// timeout without suspending.
	ErrFiberTimeout = errors.New("fiber execution timed out")

	// ErrInvariant is raised when a pass would produce a checkpoint that
	// violates the checkpoint invariants.
	ErrInvariant = errors.New("checkpoint invariant violated")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// Errors delivered into flow logic at a suspension point.
var (
	// ErrFlowKilled is delivered to a suspended flow that is being killed.
	ErrFlowKilled = errors.New("flow killed")

	// ErrTimeout is delivered when an awaited response did not arrive before
	// its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrSessionClosed is delivered by Receive when the counterparty closed
	// the session before sending the awaited data.
	ErrSessionClosed = errors.New("session closed by counterparty")

	// ErrSessionFailed is delivered by Receive when the counterparty
	// reported an error on the session.
	ErrSessionFailed = errors.New("session failed at counterparty")

	// ErrEntityRequest is delivered when the persistence service rejected
	// an entity request.
	ErrEntityRequest = errors.New("entity request failed")
)

// deliveredCodes maps the errors that can be journaled and delivered into
// flow logic to their stable codes.
var deliveredCodes = map[error]string{
	ErrFlowKilled:     "FLOW_KILLED",
	ErrTimeout:        "TIMEOUT",
	ErrSessionClosed:  "SESSION_CLOSED",
	ErrSessionFailed:  "SESSION_FAILED",
	ErrEntityRequest:  "ENTITY_ERROR",
	ErrUnknownSession: "UNKNOWN_SESSION",
}

// Cause is a serializable error delivered to, or raised by, flow logic.
//
// A Cause compares equal under errors.Is to the sentinel its code names, so
// flow code can write errors.Is(err, flow.ErrFlowKilled) after a resume.
type Cause struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (c *Cause) Error() string {
	if c.Code == "" {
		return c.Message
	}
	return c.Code + ": " + c.Message
}

// Is matches the sentinel registered for the cause's code.
func (c *Cause) Is(target error) bool {
	code, ok := deliveredCodes[target]
	return ok && code == c.Code
}

// NewCause converts err to a serializable Cause, keeping the code of a known
// sentinel or of a *Cause or *Error found in its chain.
func NewCause(err error) *Cause {
	if err == nil {
		return nil
	}
	var c *Cause
	if errors.As(err, &c) {
		return &Cause{Code: c.Code, Message: c.Message}
	}
	for sentinel, code := range deliveredCodes {
		if errors.Is(err, sentinel) {
			return &Cause{Code: code, Message: err.Error()}
		}
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return &Cause{Code: fe.Code, Message: err.Error()}
	}
	return &Cause{Code: "FLOW_ERROR", Message: err.Error()}
}
