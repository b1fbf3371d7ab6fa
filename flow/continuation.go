package flow

import (
	"encoding/json"
	"fmt"
)

// ContinuationKind says what the runner should do with the fiber this pass.
type ContinuationKind int

const (
	// ContinueKind leaves the fiber alone.
	ContinueKind ContinuationKind = iota

	// RunKind starts the flow logic from the beginning.
	RunKind

	// ResumeKind delivers a value at the pending suspension point.
	ResumeKind

	// FailKind delivers an error at the pending suspension point.
	FailKind
)

func (k ContinuationKind) String() string {
	switch k {
	case ContinueKind:
		return "continue"
	case RunKind:
		return "run"
	case ResumeKind:
		return "resume"
	case FailKind:
		return "error"
	default:
		return fmt.Sprintf("ContinuationKind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k ContinuationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *ContinuationKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "continue":
		*k = ContinueKind
	case "run":
		*k = RunKind
	case "resume":
		*k = ResumeKind
	case "error":
		*k = FailKind
	default:
		return fmt.Errorf("unknown continuation kind %q", text)
	}
	return nil
}

// Continuation is the instruction computed by an event handler for the runner.
type Continuation struct {
	Kind ContinuationKind `json:"kind"`

	// Value is the JSON value delivered by ResumeKind.
	Value json.RawMessage `json:"value,omitempty"`

	// Cause is the error delivered by FailKind.
	Cause *Cause `json:"cause,omitempty"`
}

// Continue returns a continuation that does not run the fiber.
func Continue() Continuation { return Continuation{Kind: ContinueKind} }

// Run returns a continuation that starts the flow logic.
func Run() Continuation { return Continuation{Kind: RunKind} }

// Resume returns a continuation delivering the JSON encoding of v.
func Resume(v any) (Continuation, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Continuation{}, fmt.Errorf("failed to marshal resume value: %w", err)
	}
	return Continuation{Kind: ResumeKind, Value: data}, nil
}

// ResumeRaw returns a continuation delivering an already-encoded value.
func ResumeRaw(value json.RawMessage) Continuation {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Continuation{Kind: ResumeKind, Value: value}
}

// Fail returns a continuation delivering err at the suspension point.
func Fail(err error) Continuation {
	return Continuation{Kind: FailKind, Cause: NewCause(err)}
}

// Runs reports whether the continuation executes the fiber.
func (c Continuation) Runs() bool {
	return c.Kind != ContinueKind
}
