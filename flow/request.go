package flow

import (
	"encoding/json"
	"time"
)

// Request kinds. The kind is written to Checkpoint.SuspendedOn and selects
// the request handler.
const (
	KindPersist         = "Persist"
	KindFind            = "Find"
	KindMerge           = "Merge"
	KindDelete          = "Delete"
	KindSend            = "Send"
	KindReceive         = "Receive"
	KindCloseSessions   = "CloseSessions"
	KindSubFlowFinished = "SubFlowFinished"
	KindSubFlowFailed   = "SubFlowFailed"
	KindSleep           = "Sleep"
	KindFlowFinished    = "FlowFinished"
	KindFlowFailed      = "FlowFailed"
)

// IORequest is a suspending operation yielded by a fiber.
//
// The set of variants is closed: every request the fiber can yield is
// declared in this file, and each has a request handler registered by
// DefaultRequestHandlers.
type IORequest interface {
	// RequestID is deterministic for a given flow and suspension point.
	RequestID() string

	// Kind is the stable variant tag.
	Kind() string

	isIORequest()
}

// RequestHeader carries the identifier shared by every request variant.
type RequestHeader struct {
	ID string `json:"request_id"`
}

// RequestID returns the request identifier.
func (h RequestHeader) RequestID() string { return h.ID }

func (RequestHeader) isIORequest() {}

// Persist stores new entities.
type Persist struct {
	RequestHeader
	Entities []json.RawMessage `json:"entities"`
}

// Find loads one entity by primary key.
type Find struct {
	RequestHeader
	ClassName  string          `json:"class_name"`
	PrimaryKey json.RawMessage `json:"primary_key"`
}

// Merge updates existing entities.
type Merge struct {
	RequestHeader
	Entities []json.RawMessage `json:"entities"`
}

// Delete removes entities.
type Delete struct {
	RequestHeader
	Entities []json.RawMessage `json:"entities"`
}

// OutboundMessage is one payload for one session in a Send.
type OutboundMessage struct {
	SessionID    string          `json:"session_id"`
	Counterparty string          `json:"counterparty"`
	Protocol     string          `json:"protocol"`
	Versions     []int           `json:"versions,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Send delivers payloads to sessions, opening them on first use.
type Send struct {
	RequestHeader
	Messages []OutboundMessage `json:"messages"`
}

// Receive waits for the next payload on every listed session.
type Receive struct {
	RequestHeader
	SessionIDs []string `json:"session_ids"`
}

// CloseSessions closes the listed sessions.
type CloseSessions struct {
	RequestHeader
	SessionIDs []string `json:"session_ids"`
}

// SubFlowFinished is yielded when a sub-flow returns; it closes the sessions
// the sub-flow opened.
type SubFlowFinished struct {
	RequestHeader
	SessionIDs []string `json:"session_ids"`
}

// SubFlowFailed is yielded when a sub-flow returns an error; its sessions are
// errored so counterparties stop waiting.
type SubFlowFailed struct {
	RequestHeader
	SessionIDs []string `json:"session_ids"`
	Cause      *Cause   `json:"cause"`
}

// Sleep suspends the flow until a timer fires.
type Sleep struct {
	RequestHeader
	Duration time.Duration `json:"duration"`
}

// FlowFinished is the final request of a flow that returned normally.
type FlowFinished struct {
	RequestHeader
	Result json.RawMessage `json:"result"`
}

// FlowFailed is the final request of a flow whose logic returned an error or
// panicked.
type FlowFailed struct {
	RequestHeader
	Cause *Cause `json:"cause"`
}

func (*Persist) Kind() string         { return KindPersist }
func (*Find) Kind() string            { return KindFind }
func (*Merge) Kind() string           { return KindMerge }
func (*Delete) Kind() string          { return KindDelete }
func (*Send) Kind() string            { return KindSend }
func (*Receive) Kind() string         { return KindReceive }
func (*CloseSessions) Kind() string   { return KindCloseSessions }
func (*SubFlowFinished) Kind() string { return KindSubFlowFinished }
func (*SubFlowFailed) Kind() string   { return KindSubFlowFailed }
func (*Sleep) Kind() string           { return KindSleep }
func (*FlowFinished) Kind() string    { return KindFlowFinished }
func (*FlowFailed) Kind() string      { return KindFlowFailed }

// isTerminalRequest reports whether req ends the flow.
func isTerminalRequest(req IORequest) bool {
	switch req.(type) {
	case *FlowFinished, *FlowFailed:
		return true
	}
	return false
}
