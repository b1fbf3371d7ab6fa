package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// fiberStateVersion is the format version written into every fiber state.
const fiberStateVersion = 1

// fiberState is the serialized form of a suspended fiber stored in
// Checkpoint.FiberState.
//
// Go cannot capture a goroutine's stack, so a fiber is persisted as the
// inputs of its logic plus a journal of every completed suspension. Resuming
// re-executes the logic from the top; each suspending call consumes the next
// journal entry instead of suspending, until execution reaches the pending
// request and receives the newly delivered continuation.
type fiberState struct {
	Version           int             `json:"version"`
	Class             string          `json:"class"`
	Args              json.RawMessage `json:"args,omitempty"`
	InitiatingSession *Session        `json:"initiating_session,omitempty"`
	Journal           []journalEntry  `json:"journal"`
	Pending           *pendingRequest `json:"pending,omitempty"`
	Stack             []Frame         `json:"stack,omitempty"`
	RequestSeq        int             `json:"request_seq"`
	SessionSeq        int             `json:"session_seq"`
}

// journalEntry records one completed suspension: the request the logic
// issued and the result that was delivered for it.
type journalEntry struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"request_id"`
	Hash      string          `json:"hash"`
	Value     json.RawMessage `json:"value,omitempty"`
	Cause     *Cause          `json:"cause,omitempty"`
}

// pendingRequest identifies the request the fiber is suspended on.
type pendingRequest struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	Hash      string `json:"hash"`
}

// Frame is one level of the flow call stack: the top-level flow or a
// sub-flow invoked with SubFlow.
type Frame struct {
	Class string `json:"class"`

	// Sessions opened while this frame was on top of the stack.
	Sessions []string `json:"sessions,omitempty"`

	// InitiatingSession is set on the root frame of a responder flow.
	InitiatingSession string `json:"initiating_session,omitempty"`
}

// deliver turns a continuation into the journal entry for pending.
func (p *pendingRequest) deliver(c Continuation) journalEntry {
	entry := journalEntry{Kind: p.Kind, RequestID: p.RequestID, Hash: p.Hash}
	if c.Kind == FailKind {
		entry.Cause = c.Cause
		if entry.Cause == nil {
			entry.Cause = &Cause{Code: "FLOW_ERROR", Message: "error delivered without cause"}
		}
		return entry
	}
	entry.Value = c.Value
	if len(entry.Value) == 0 {
		entry.Value = json.RawMessage("null")
	}
	return entry
}

// hashRequest returns "sha256:<hex>" over the request kind and its JSON form.
func hashRequest(req IORequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s request: %w", req.Kind(), err)
	}
	h := sha256.New()
	h.Write([]byte(req.Kind()))
	h.Write([]byte{0})
	h.Write(data)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// verifyReplay checks that the request issued on replay is the one journaled.
func verifyReplay(flowID string, step int, entry journalEntry, kind, hash string) error {
	if entry.Kind == kind && entry.Hash == hash {
		return nil
	}
	return newError(KindFiber, "REPLAY_MISMATCH", flowID,
		fmt.Sprintf("suspension %d: journal recorded %s %s, logic issued %s %s",
			step, entry.Kind, entry.Hash, kind, hash), ErrReplayMismatch)
}

// idNamespace scopes the UUIDv5 identifiers derived for requests and sessions.
var idNamespace = uuid.MustParse("6f0d1c7e-3b8a-5d2e-9f41-2c7a8e5b0d13")

// deriveID returns a UUIDv5 unique to flowID, kind and seq. Replaying the
// same logic yields the same IDs, which makes redelivered events idempotent.
func deriveID(flowID, kind string, seq int) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%s/%d", flowID, kind, seq))).String()
}

func decodeFiberState(flowID string, data []byte) (*fiberState, error) {
	var st fiberState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, newError(KindFiber, "CORRUPT_FIBER_STATE", flowID, "cannot decode fiber state", fmt.Errorf("%w: %v", ErrCorruptFiberState, err))
	}
	if st.Version != fiberStateVersion {
		return nil, newError(KindFiber, "CORRUPT_FIBER_STATE", flowID,
			fmt.Sprintf("unsupported fiber state version %d", st.Version), ErrCorruptFiberState)
	}
	if st.Class == "" {
		return nil, newError(KindFiber, "CORRUPT_FIBER_STATE", flowID, "fiber state has no flow class", ErrCorruptFiberState)
	}
	return &st, nil
}
