package flow

import (
	"encoding/json"
	"strings"
)

// SessionStatus is the lifecycle state of a session as seen by this flow.
type SessionStatus string

const (
	SessionOpen    SessionStatus = "OPEN"
	SessionClosed  SessionStatus = "CLOSED"
	SessionErrored SessionStatus = "ERROR"
)

// initiatedSuffix distinguishes the responder's end of a session from the
// initiator's. Both ends derive their counterparty's ID from their own.
const initiatedSuffix = "-INITIATED"

// SessionState is the per-session bookkeeping stored in a checkpoint.
type SessionState struct {
	SessionID    string `json:"session_id"`
	Counterparty string `json:"counterparty"`
	Protocol     string `json:"protocol"`

	// Initiated is true when a counterparty opened the session toward this
	// flow, i.e. this flow is the responder.
	Initiated bool `json:"initiated"`

	// ProtocolVersion is the version negotiated for an initiated session.
	ProtocolVersion int `json:"protocol_version,omitempty"`

	Status SessionStatus `json:"status"`

	// ErrorMessage holds the counterparty's reason for SessionError.
	ErrorMessage string `json:"error_message,omitempty"`

	// SendSequence is the sequence number of the last message sent.
	SendSequence int `json:"send_sequence"`

	// ReceivedSequence is the sequence number of the last message
	// accepted into the inbox. Redelivered messages at or below it are
	// dropped.
	ReceivedSequence int `json:"received_sequence"`

	// Inbox buffers received payloads not yet consumed by Receive.
	Inbox []SessionMessage `json:"inbox,omitempty"`
}

// SessionMessage is one buffered inbound payload.
type SessionMessage struct {
	Sequence int             `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

// CounterpartySessionID returns the ID the other end uses for this session.
func (s *SessionState) CounterpartySessionID() string {
	return CounterpartySessionID(s.SessionID)
}

// CounterpartySessionID maps a session ID to the ID of the other end. The
// initiated end carries the "-INITIATED" suffix.
func CounterpartySessionID(id string) string {
	if strings.HasSuffix(id, initiatedSuffix) {
		return strings.TrimSuffix(id, initiatedSuffix)
	}
	return id + initiatedSuffix
}

// Session is the flow-logic handle to a session.
type Session struct {
	ID           string
	Counterparty string
	Protocol     string
	Versions     []int
}
