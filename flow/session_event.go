package flow

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Session payload types.
const (
	SessionPayloadInit  = "init"
	SessionPayloadData  = "data"
	SessionPayloadClose = "close"
	SessionPayloadError = "error"
	SessionPayloadAck   = "ack"
)

// SessionEvent is a message on a peer session. The same type is consumed as
// an inbound event and produced as an outbound record.
//
// SessionID is the ID the receiving end uses for the session.
type SessionEvent struct {
	SessionID          string
	Sequence           int
	InitiatingIdentity string
	InitiatedIdentity  string
	Payload            SessionPayload
}

// SessionPayload is the body of a SessionEvent.
type SessionPayload interface {
	sessionPayloadType() string
}

// SessionInit opens a session and asks the receiver to start a responder.
type SessionInit struct {
	Protocol string `json:"protocol"`
	Versions []int  `json:"versions"`
}

// SessionData carries one application payload.
type SessionData struct {
	Payload json.RawMessage `json:"payload"`
}

// SessionClose announces the sender will not send any more data.
type SessionClose struct{}

// SessionError announces the sender's end failed.
type SessionError struct {
	Message string `json:"message"`
}

// SessionAck acknowledges data up to ReceivedSequence.
type SessionAck struct {
	ReceivedSequence int `json:"received_sequence"`
}

func (*SessionInit) sessionPayloadType() string  { return SessionPayloadInit }
func (*SessionData) sessionPayloadType() string  { return SessionPayloadData }
func (*SessionClose) sessionPayloadType() string { return SessionPayloadClose }
func (*SessionError) sessionPayloadType() string { return SessionPayloadError }
func (*SessionAck) sessionPayloadType() string   { return SessionPayloadAck }

var sessionPayloadFactories = map[string]func() SessionPayload{
	SessionPayloadInit:  func() SessionPayload { return &SessionInit{} },
	SessionPayloadData:  func() SessionPayload { return &SessionData{} },
	SessionPayloadClose: func() SessionPayload { return &SessionClose{} },
	SessionPayloadError: func() SessionPayload { return &SessionError{} },
	SessionPayloadAck:   func() SessionPayload { return &SessionAck{} },
}

type sessionEventJSON struct {
	SessionID          string          `json:"session_id"`
	Sequence           int             `json:"sequence,omitempty"`
	InitiatingIdentity string          `json:"initiating_identity"`
	InitiatedIdentity  string          `json:"initiated_identity"`
	Type               string          `json:"type"`
	Body               json.RawMessage `json:"body,omitempty"`
}

// MarshalJSON encodes the session event with a "type" tag for its payload.
func (s SessionEvent) MarshalJSON() ([]byte, error) {
	if s.Payload == nil {
		return nil, fmt.Errorf("session event %s has no payload", s.SessionID)
	}
	body, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionEventJSON{
		SessionID:          s.SessionID,
		Sequence:           s.Sequence,
		InitiatingIdentity: s.InitiatingIdentity,
		InitiatedIdentity:  s.InitiatedIdentity,
		Type:               s.Payload.sessionPayloadType(),
		Body:               body,
	})
}

// UnmarshalJSON decodes a tagged session event.
func (s *SessionEvent) UnmarshalJSON(data []byte) error {
	var raw sessionEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	factory, ok := sessionPayloadFactories[raw.Type]
	if !ok {
		return fmt.Errorf("%w: session payload %q", ErrUnknownEvent, raw.Type)
	}
	payload := factory()
	if body := gjson.ParseBytes(raw.Body); body.Exists() && body.Type != gjson.Null {
		if err := json.Unmarshal(raw.Body, payload); err != nil {
			return fmt.Errorf("failed to decode session %s payload: %w", raw.Type, err)
		}
	}
	*s = SessionEvent{
		SessionID:          raw.SessionID,
		Sequence:           raw.Sequence,
		InitiatingIdentity: raw.InitiatingIdentity,
		InitiatedIdentity:  raw.InitiatedIdentity,
		Payload:            payload,
	}
	return nil
}
