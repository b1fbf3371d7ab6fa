package flow

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/dshills/flowfiber-go/flow/emit"
)

// TestPipeline_EchoFinishes covers a flow without suspension points.
func TestPipeline_EchoFinishes(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))

	resp := mustProcess(t, p, startEvent("flow-1", "Echo", []string{"hi"}), nil)

	assertFinished(t, resp.Checkpoint, "hi")
	if !resp.Terminal {
		t.Error("expected terminal response")
	}
	status := recordsOn(resp, DefaultTopics().Status)
	if len(status) != 1 {
		t.Fatalf("status records = %d, want 1", len(status))
	}
	fs := decodeRecord[FlowStatus](t, status[0])
	if fs.Status != StatusFinished || string(fs.Result) != `"hi"` {
		t.Errorf("status record = %+v", fs)
	}
	if status[0].Key != "flow-1" {
		t.Errorf("status key = %q", status[0].Key)
	}
	if resp.Checkpoint.SuspendedOn != KindFlowFinished {
		t.Errorf("suspendedOn = %q", resp.Checkpoint.SuspendedOn)
	}
}

// TestPipeline_PersistSuspends covers a flow suspending on an entity request.
func TestPipeline_PersistSuspends(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))

	resp := mustProcess(t, p, startEvent("flow-2", "Store", nil), nil)
	cp := resp.Checkpoint

	assertSuspended(t, cp, WaitingEntityResponse)
	if cp.SuspendedOn != KindPersist {
		t.Errorf("suspendedOn = %q", cp.SuspendedOn)
	}
	requestID := cp.WaitingFor.RequestID
	if requestID == "" {
		t.Fatal("waitingFor has no request ID")
	}

	if len(resp.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(resp.Records))
	}
	rec := resp.Records[0]
	if rec.Topic != DefaultTopics().EntityRequest || rec.Key != "alice" {
		t.Errorf("record topic/key = %s/%s", rec.Topic, rec.Key)
	}
	envelope := decodeRecord[EntityRequest](t, rec)
	if envelope.RequestID != requestID {
		t.Errorf("envelope request ID = %s, want %s", envelope.RequestID, requestID)
	}
	if envelope.FlowID != "flow-2" || envelope.HoldingIdentity != "alice" {
		t.Errorf("envelope identity = %+v", envelope)
	}
	if !envelope.Timestamp.Equal(testNow) {
		t.Errorf("timestamp = %v, want %v", envelope.Timestamp, testNow)
	}
	persist, ok := envelope.Payload.(*PersistEntities)
	if !ok || len(persist.Entities) != 1 {
		t.Fatalf("payload = %#v", envelope.Payload)
	}
	var w widget
	if err := json.Unmarshal(persist.Entities[0], &w); err != nil || w.Name != "sprocket" {
		t.Errorf("entity = %s (%v)", persist.Entities[0], err)
	}
}

// TestPipeline_EntityResponseResumes delivers the response to a persisted flow.
func TestPipeline_EntityResponseResumes(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	suspended := mustProcess(t, p, startEvent("flow-3", "Store", nil), nil).Checkpoint
	requestID := suspended.WaitingFor.RequestID

	resp := mustProcess(t, p, Event{FlowID: "flow-3", Payload: &EntityResponse{RequestID: requestID}}, suspended)
	assertFinished(t, resp.Checkpoint, "stored")

	if suspended.Status != StatusSuspended {
		t.Error("Process modified its input checkpoint")
	}
}

func TestPipeline_FindResults(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))

	tests := []struct {
		name    string
		results []json.RawMessage
		want    string
	}{
		{"found", []json.RawMessage{json.RawMessage(`{"id":"w-1","name":"cog"}`)}, "cog"},
		{"not found", nil, "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := mustProcess(t, p, startEvent("flow-find", "Lookup", nil), nil)
			find := decodeRecord[EntityRequest](t, start.Records[0])
			if fe, ok := find.Payload.(*FindEntity); !ok || fe.ClassName != "widget" || string(fe.PrimaryKey) != `"w-1"` {
				t.Fatalf("payload = %#v", find.Payload)
			}

			cp := start.Checkpoint
			resp := mustProcess(t, p, Event{FlowID: "flow-find", Payload: &EntityResponse{
				RequestID: cp.WaitingFor.RequestID,
				Results:   tt.results,
			}}, cp)
			assertFinished(t, resp.Checkpoint, tt.want)
		})
	}
}

func TestPipeline_EntityError(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t), WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	cp := mustProcess(t, p, startEvent("flow-err", "Store", nil), nil).Checkpoint

	resp := mustProcess(t, p, Event{FlowID: "flow-err", Payload: &EntityResponse{
		RequestID: cp.WaitingFor.RequestID,
		Error:     &EntityError{Type: "ConstraintViolation", Message: "duplicate key"},
	}}, cp)

	got := resp.Checkpoint
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, StatusFailed)
	}
	if got.Failure == nil || !errors.Is(got.Failure.Cause, ErrEntityRequest) {
		t.Errorf("failure = %+v", got.Failure)
	}
	if len(got.FiberState) == 0 {
		t.Error("failed flow must keep its fiber state for retry")
	}
}

// TestPipeline_NoResponder covers session initiation without a responder.
func TestPipeline_NoResponder(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	ev := Event{FlowID: "flow-r", Payload: &SessionEvent{
		SessionID:          "s-1-INITIATED",
		InitiatingIdentity: "alice",
		InitiatedIdentity:  "bob",
		Payload:            &SessionInit{Protocol: "echo", Versions: []int{1}},
	}}

	resp, err := p.Process(context.Background(), ev, nil)
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !IsConfiguration(err) || !errors.Is(err, ErrNoResponder) {
		t.Errorf("error = %v, want configuration error wrapping ErrNoResponder", err)
	}
	if resp != nil {
		t.Errorf("response = %+v, want nil", resp)
	}
}

func TestPipeline_UnknownEventType(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	_, err := p.Process(context.Background(), Event{FlowID: "flow-u", Payload: bogusEvent{}}, nil)
	if !IsConfiguration(err) || !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

type bogusEvent struct{}

func (bogusEvent) EventType() string { return "bogus" }

func TestPipeline_MissingRequestHandler(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	delete(p.requestHandlers, KindPersist)

	_, err := p.Process(context.Background(), startEvent("flow-m", "Store", nil), nil)
	if !IsConfiguration(err) || !errors.Is(err, ErrNoRequestHandler) {
		t.Errorf("error = %v, want configuration error wrapping ErrNoRequestHandler", err)
	}
}

func TestPipeline_CustomRequestHandler(t *testing.T) {
	h := &recordingHandler{RequestHandler: entityHandler{kind: KindPersist}}
	p := newTestPipeline(t, testRegistry(t), WithRequestHandler(h))

	mustProcess(t, p, startEvent("flow-c", "Store", nil), nil)
	if h.calls != 1 {
		t.Errorf("custom handler calls = %d, want 1", h.calls)
	}
}

type recordingHandler struct {
	RequestHandler
	calls int
}

func (h *recordingHandler) PostProcess(ctx context.Context, ec *EventContext, req IORequest) error {
	h.calls++
	return h.RequestHandler.PostProcess(ctx, ec, req)
}

func TestPipeline_FiberErrors(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))

	t.Run("unregistered class", func(t *testing.T) {
		_, err := p.Process(context.Background(), startEvent("flow-x", "Nope", nil), nil)
		if !IsFiber(err) || !errors.Is(err, ErrFlowNotRegistered) {
			t.Errorf("error = %v, want fiber error", err)
		}
	})

	t.Run("corrupt state", func(t *testing.T) {
		cp := NewCheckpoint("flow-y", "Store", "alice", testNow)
		cp.Status = StatusSuspended
		cp.FiberState = []byte("not json")
		cp.WaitingFor = WaitEntityResponse("r-1")

		_, err := p.Process(context.Background(), Event{FlowID: "flow-y", Payload: &EntityResponse{RequestID: "r-1"}}, cp)
		if !IsFiber(err) || !errors.Is(err, ErrCorruptFiberState) {
			t.Errorf("error = %v, want corrupt fiber state", err)
		}
	})

	t.Run("replay divergence", func(t *testing.T) {
		r := NewRegistry(nil)
		calls := 0
		_ = r.RegisterFlow("Drift", Stateless(LogicFunc(func(f *Fiber) (any, error) {
			calls++
			if err := f.Persist(widget{ID: "w", Name: string(rune('a' + calls))}); err != nil {
				return nil, err
			}
			return "done", nil
		})))
		dp := newTestPipeline(t, r)

		cp := mustProcess(t, dp, startEvent("flow-z", "Drift", nil), nil).Checkpoint
		_, err := dp.Process(context.Background(), Event{FlowID: "flow-z", Payload: &EntityResponse{RequestID: cp.WaitingFor.RequestID}}, cp)
		if !IsFiber(err) || !errors.Is(err, ErrReplayMismatch) {
			t.Errorf("error = %v, want replay mismatch", err)
		}
	})
}

func TestPipeline_InvalidEvents(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))

	t.Run("missing flow ID", func(t *testing.T) {
		_, err := p.Process(context.Background(), startEvent("", "Echo", []string{"x"}), nil)
		if !IsInvalidEvent(err) {
			t.Errorf("error = %v, want invalid event", err)
		}
	})

	t.Run("start without class", func(t *testing.T) {
		_, err := p.Process(context.Background(), startEvent("flow-i", "", nil), nil)
		if !IsInvalidEvent(err) {
			t.Errorf("error = %v, want invalid event", err)
		}
	})

	t.Run("checkpoint of another flow", func(t *testing.T) {
		cp := mustProcess(t, p, startEvent("flow-a", "Store", nil), nil).Checkpoint
		_, err := p.Process(context.Background(), Event{FlowID: "flow-b", Payload: &Wakeup{RequestID: "r"}}, cp)
		if !IsInvalidEvent(err) {
			t.Errorf("error = %v, want invalid event", err)
		}
	})
}

// TestPipeline_Idempotent delivers the same resuming event twice against the
// same checkpoint.
func TestPipeline_Idempotent(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))

	tests := []struct {
		class  string
		resume func(cp *Checkpoint) Event
	}{
		{"Ping", func(cp *Checkpoint) Event {
			return Event{FlowID: cp.FlowID, Payload: &Wakeup{RequestID: cp.WaitingFor.RequestID}}
		}},
		{"Store", func(cp *Checkpoint) Event {
			return Event{FlowID: cp.FlowID, Payload: &EntityResponse{RequestID: cp.WaitingFor.RequestID}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			cp := mustProcess(t, p, startEvent("flow-idem-"+tt.class, tt.class, nil), nil).Checkpoint
			ev := tt.resume(cp)

			first := mustProcess(t, p, ev, cp)
			second := mustProcess(t, p, ev, cp)

			if !reflect.DeepEqual(first.Checkpoint, second.Checkpoint) {
				t.Errorf("checkpoints differ:\n%+v\n%+v", first.Checkpoint, second.Checkpoint)
			}
			if !reflect.DeepEqual(first.Records, second.Records) {
				t.Errorf("records differ:\n%v\n%v", first.Records, second.Records)
			}
		})
	}
}

func TestPipeline_DuplicatesAndStaleEvents(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	cp := mustProcess(t, p, startEvent("flow-d", "Store", nil), nil).Checkpoint

	t.Run("duplicate start", func(t *testing.T) {
		resp := mustProcess(t, p, startEvent("flow-d", "Store", nil), cp)
		if !resp.Discarded || resp.Checkpoint != cp || len(resp.Records) != 0 {
			t.Errorf("response = %+v, want discarded", resp)
		}
	})

	t.Run("stale response", func(t *testing.T) {
		resp := mustProcess(t, p, Event{FlowID: "flow-d", Payload: &EntityResponse{RequestID: "old"}}, cp)
		if resp.Discarded {
			t.Fatal("stale response should continue, not discard")
		}
		if len(resp.Records) != 0 {
			t.Errorf("records = %d, want 0", len(resp.Records))
		}
		got := resp.Checkpoint
		if got.PassCount != cp.PassCount+1 || !reflect.DeepEqual(got.WaitingFor, cp.WaitingFor) ||
			string(got.FiberState) != string(cp.FiberState) {
			t.Errorf("checkpoint changed beyond pass count: %+v", got)
		}
	})

	t.Run("event for unknown flow", func(t *testing.T) {
		resp := mustProcess(t, p, Event{FlowID: "ghost", Payload: &Wakeup{RequestID: "r"}}, nil)
		if !resp.Discarded || resp.Checkpoint != nil {
			t.Errorf("response = %+v, want discarded without checkpoint", resp)
		}
	})
}

// TestPipeline_SuspensionInvariant checks every non-terminal pass leaves a
// fiber state and the handler's waitingFor.
func TestPipeline_SuspensionInvariant(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))

	tests := []struct {
		class string
		kind  WaitingKind
	}{
		{"Store", WaitingEntityResponse},
		{"Lookup", WaitingEntityResponse},
		{"Ping", WaitingWakeup},
		{"Nap", WaitingWakeup},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			resp := mustProcess(t, p, startEvent("flow-"+tt.class, tt.class, nil), nil)
			assertSuspended(t, resp.Checkpoint, tt.kind)
			if err := resp.Checkpoint.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

// TestPipeline_EmitsPassEvent checks the observability event of a pass.
func TestPipeline_EmitsPassEvent(t *testing.T) {
	events := emit.NewBufferedEmitter()
	p := newTestPipeline(t, testRegistry(t), WithEmitter(events))

	mustProcess(t, p, startEvent("flow-1", "Echo", []string{"hi"}), nil)

	ev, ok := events.Last("flow-1")
	if !ok {
		t.Fatal("no event emitted")
	}
	if ev.EventType != EventStartFlow || ev.Meta["status"] != string(StatusFinished) {
		t.Errorf("event = %+v", ev)
	}
	ms, ok := ev.Meta["duration_ms"].(int64)
	if !ok || ms < 0 {
		t.Errorf("duration_ms = %#v, want non-negative int64 milliseconds", ev.Meta["duration_ms"])
	}
}
