package flow

import (
	"log/slog"
	"time"
)

// EventContext is the working record of one pipeline pass.
//
// It is created by Pipeline.Process, threaded through every step and
// discarded when the pass returns. Handlers read the inbound event, mutate
// Checkpoint and append outbound records; nothing in it is shared with
// another pass.
type EventContext struct {
	// Event is the inbound event being processed.
	Event Event

	// Checkpoint is the pass's private copy of the flow checkpoint. Nil
	// until an event handler creates it for a new flow.
	Checkpoint *Checkpoint

	// Records accumulates outbound records in emission order.
	Records []Record

	// Continuation is what the event handler decided to deliver.
	Continuation Continuation

	// Request is what the fiber yielded, if it ran.
	Request IORequest

	// FiberRan reports whether the runner executed the fiber this pass.
	FiberRan bool

	// Created is set when this pass created the checkpoint.
	Created bool

	// Discarded marks an event with no effect, such as a redelivered
	// StartFlow or traffic for a flow that no longer exists. A discarded
	// pass produces no records and should not be committed.
	Discarded bool

	// Terminating is set by KillFlow so failure handling does not
	// schedule a retry for a flow that is being killed.
	Terminating bool

	// Logger is scoped to the flow and event type.
	Logger *slog.Logger

	clock   Clock
	topics  Topics
	retry   RetryPolicy
	metrics *PrometheusMetrics
}

// Now returns the pass clock's current time.
func (ec *EventContext) Now() time.Time {
	return ec.clock.Now()
}

// Topics returns the configured outbound topics.
func (ec *EventContext) Topics() Topics {
	return ec.topics
}

// Emit JSON-encodes value and appends it as a record.
func (ec *EventContext) Emit(topic, key string, value any) error {
	rec, err := newRecord(topic, key, value)
	if err != nil {
		return newError(KindConfiguration, "ENCODE_RECORD", ec.Event.FlowID, "cannot encode outbound record", err)
	}
	ec.Records = append(ec.Records, rec)
	return nil
}

// Discard marks the event as having no effect on the flow.
func (ec *EventContext) Discard(reason string) {
	ec.Discarded = true
	ec.Logger.Debug("event discarded", "reason", reason)
}
