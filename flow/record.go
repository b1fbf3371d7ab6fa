package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is an outbound message produced by a pass. The caller commits it
// with the checkpoint and publishes it afterwards.
type Record struct {
	Topic string
	Key   string
	Value []byte
}

// Topics names the destinations of outbound records.
type Topics struct {
	// EntityRequest receives EntityRequest envelopes, keyed by holding
	// identity.
	EntityRequest string `yaml:"entity_request"`

	// SessionOut receives SessionEvents for peers, keyed by the
	// counterparty's session ID.
	SessionOut string `yaml:"session_out"`

	// FlowEvent receives events addressed back to flows (wakeups),
	// keyed by flow ID.
	FlowEvent string `yaml:"flow_event"`

	// Timer receives ScheduledWakeup requests, keyed by flow ID.
	Timer string `yaml:"timer"`

	// Status receives FlowStatus updates, keyed by flow ID.
	Status string `yaml:"status"`
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{
		EntityRequest: "flow.entity.request",
		SessionOut:    "flow.session.out",
		FlowEvent:     "flow.event",
		Timer:         "flow.timer",
		Status:        "flow.status",
	}
}

// withDefaults fills empty topic names.
func (t Topics) withDefaults() Topics {
	d := DefaultTopics()
	if t.EntityRequest == "" {
		t.EntityRequest = d.EntityRequest
	}
	if t.SessionOut == "" {
		t.SessionOut = d.SessionOut
	}
	if t.FlowEvent == "" {
		t.FlowEvent = d.FlowEvent
	}
	if t.Timer == "" {
		t.Timer = d.Timer
	}
	if t.Status == "" {
		t.Status = d.Status
	}
	return t
}

// EntityRequest is the envelope sent to the persistence service.
type EntityRequest struct {
	RequestID       string        `json:"request_id"`
	FlowID          string        `json:"flow_id"`
	HoldingIdentity string        `json:"holding_identity"`
	Timestamp       time.Time     `json:"timestamp"`
	Payload         EntityPayload `json:"-"`
}

// EntityPayload is the operation-specific part of an EntityRequest.
type EntityPayload interface {
	entityPayloadType() string
}

// PersistEntities asks the persistence service to insert entities.
type PersistEntities struct {
	Entities []json.RawMessage `json:"entities"`
}

// FindEntity asks for one entity by class and primary key.
type FindEntity struct {
	ClassName  string          `json:"class_name"`
	PrimaryKey json.RawMessage `json:"primary_key"`
}

// MergeEntities asks the persistence service to update entities.
type MergeEntities struct {
	Entities []json.RawMessage `json:"entities"`
}

// DeleteEntities asks the persistence service to remove entities.
type DeleteEntities struct {
	Entities []json.RawMessage `json:"entities"`
}

func (*PersistEntities) entityPayloadType() string { return "persist" }
func (*FindEntity) entityPayloadType() string      { return "find" }
func (*MergeEntities) entityPayloadType() string   { return "merge" }
func (*DeleteEntities) entityPayloadType() string  { return "delete" }

// MarshalJSON adds the payload under "payload" with its "type" tag.
func (r EntityRequest) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("entity request %s has no payload", r.RequestID)
	}
	type plain EntityRequest
	return json.Marshal(struct {
		plain
		Type    string        `json:"type"`
		Payload EntityPayload `json:"payload"`
	}{plain: plain(r), Type: r.Payload.entityPayloadType(), Payload: r.Payload})
}

// UnmarshalJSON decodes an entity request envelope.
func (r *EntityRequest) UnmarshalJSON(data []byte) error {
	type plain EntityRequest
	var raw struct {
		plain
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var payload EntityPayload
	switch raw.Type {
	case "persist":
		payload = &PersistEntities{}
	case "find":
		payload = &FindEntity{}
	case "merge":
		payload = &MergeEntities{}
	case "delete":
		payload = &DeleteEntities{}
	default:
		return fmt.Errorf("unknown entity request type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return err
	}
	*r = EntityRequest(raw.plain)
	r.Payload = payload
	return nil
}

// Wakeup reasons carried by ScheduledWakeup.
const (
	WakeupReasonSleep = "sleep"
	WakeupReasonRetry = "retry"
)

// ScheduledWakeup asks the timer service to deliver an event at FireAt:
// a Wakeup for WakeupReasonSleep or a RetryFlow for WakeupReasonRetry.
type ScheduledWakeup struct {
	FlowID    string    `json:"flow_id"`
	RequestID string    `json:"request_id,omitempty"`
	Reason    string    `json:"reason"`
	Attempt   int       `json:"attempt,omitempty"`
	FireAt    time.Time `json:"fire_at"`
}

// Event returns the event the timer service delivers when the wakeup fires.
func (w ScheduledWakeup) Event() Event {
	if w.Reason == WakeupReasonRetry {
		return Event{FlowID: w.FlowID, Payload: &RetryFlow{Attempt: w.Attempt}}
	}
	return Event{FlowID: w.FlowID, Payload: &Wakeup{RequestID: w.RequestID}}
}

// FlowStatus is published whenever a flow reaches a terminal or failed state.
type FlowStatus struct {
	FlowID    string          `json:"flow_id"`
	FlowClass string          `json:"flow_class"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Cause          `json:"error,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// newRecord JSON-encodes value into a record.
func newRecord(topic, key string, value any) (Record, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s record: %w", topic, err)
	}
	return Record{Topic: topic, Key: key, Value: data}, nil
}
