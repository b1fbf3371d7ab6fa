package flow

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound event types.
const (
	EventStartFlow      = "start_flow"
	EventSession        = "session_event"
	EventEntityResponse = "entity_response"
	EventWakeup         = "wakeup"
	EventTimeout        = "timeout"
	EventKillFlow       = "kill_flow"
	EventRetryFlow      = "retry_flow"
)

// Event is an inbound flow event addressed to one flow.
//
// Its JSON form is the envelope {"flow_id": ..., "type": ..., "payload": ...}.
type Event struct {
	FlowID  string
	Payload EventPayload
}

// EventPayload is the type-specific body of an Event.
type EventPayload interface {
	EventType() string
}

// StartFlow starts a new top-level flow.
type StartFlow struct {
	FlowClassName      string          `json:"flow_class_name"`
	Args               json.RawMessage `json:"args,omitempty"`
	RequestingIdentity string          `json:"requesting_identity,omitempty"`
	HoldingIdentity    string          `json:"holding_identity"`
}

// EntityError is the failure half of an EntityResponse.
type EntityError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EntityResponse answers an entity request.
type EntityResponse struct {
	RequestID string            `json:"request_id"`
	Results   []json.RawMessage `json:"results,omitempty"`
	Error     *EntityError      `json:"error,omitempty"`
}

// Wakeup resumes a flow waiting on RequestID. Also used to re-check buffered
// session data.
type Wakeup struct {
	RequestID string `json:"request_id"`
}

// Timeout reports that the deadline for RequestID passed.
type Timeout struct {
	RequestID string `json:"request_id"`
}

// KillFlow terminates a flow.
type KillFlow struct {
	Reason string `json:"reason,omitempty"`
}

// RetryFlow re-delivers the continuation that made a flow fail.
type RetryFlow struct {
	// Attempt, when set, must match the failure's attempt; scheduled
	// retries use it so a late timer cannot retry a newer failure.
	Attempt int `json:"attempt,omitempty"`
}

func (*StartFlow) EventType() string      { return EventStartFlow }
func (*SessionEvent) EventType() string   { return EventSession }
func (*EntityResponse) EventType() string { return EventEntityResponse }
func (*Wakeup) EventType() string         { return EventWakeup }
func (*Timeout) EventType() string        { return EventTimeout }
func (*KillFlow) EventType() string       { return EventKillFlow }
func (*RetryFlow) EventType() string      { return EventRetryFlow }

var eventFactories = map[string]func() EventPayload{
	EventStartFlow:      func() EventPayload { return &StartFlow{} },
	EventSession:        func() EventPayload { return &SessionEvent{} },
	EventEntityResponse: func() EventPayload { return &EntityResponse{} },
	EventWakeup:         func() EventPayload { return &Wakeup{} },
	EventTimeout:        func() EventPayload { return &Timeout{} },
	EventKillFlow:       func() EventPayload { return &KillFlow{} },
	EventRetryFlow:      func() EventPayload { return &RetryFlow{} },
}

type eventEnvelope struct {
	FlowID  string          `json:"flow_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event for flow %s has no payload", e.FlowID)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{FlowID: e.FlowID, Type: e.Payload.EventType(), Payload: body})
}

// UnmarshalJSON decodes the envelope, choosing the payload type from "type".
// Unknown types fail with an error wrapping ErrUnknownEvent.
func (e *Event) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid event JSON")
	}
	typ := gjson.GetBytes(data, "type").String()
	factory, ok := eventFactories[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, typ)
	}

	payload := factory()
	if raw := gjson.GetBytes(data, "payload"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", typ, err)
		}
	}
	e.FlowID = gjson.GetBytes(data, "flow_id").String()
	e.Payload = payload
	return nil
}

// DecodeEvent parses one JSON event envelope.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := ev.UnmarshalJSON(data)
	return ev, err
}

// typeOf returns the payload's event type, or "" for a nil payload.
func (e Event) typeOf() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}
