package emit

// Event represents an observability event emitted while a flow event is processed.
//
// Events give operators a view of pipeline behavior:
//   - Pass start/complete for each inbound event
//   - Fiber suspensions and the request that caused them
//   - Flow completion, failure, retry scheduling and kills
//   - Stale or duplicate events that were ignored
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Be buffered in memory for tests
type Event struct {
	// FlowID identifies the flow instance the event belongs to.
	FlowID string

	// Pass is the checkpoint pass count at the time of emission.
	// Zero for a flow that has no checkpoint yet.
	Pass int

	// EventType is the type of the inbound flow event being processed
	// (for example "start_flow" or "entity_response").
	EventType string

	// Msg is a short machine-friendly description of what happened.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Pass duration in milliseconds
	//   - "error": Error details
	//   - "request": Kind of the IORequest the fiber suspended on
	//   - "request_id": Identifier of that request
	//   - "status": Resulting checkpoint status
	//   - "attempt": Retry attempt for failed flows
	Meta map[string]interface{}
}
