package flow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type widget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRegistry registers the flows used across the pipeline tests.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("registry setup: %v", err)
		}
	}

	must(r.RegisterFlow("Echo", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		var args []string
		if err := f.Args(&args); err != nil {
			return nil, err
		}
		return args[0], nil
	}))))

	must(r.RegisterFlow("Store", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		if err := f.Persist(widget{ID: "w-1", Name: "sprocket"}); err != nil {
			if errors.Is(err, ErrTimeout) {
				return "timed out", nil
			}
			return nil, err
		}
		return "stored", nil
	}))))

	must(r.RegisterFlow("Lookup", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		var w widget
		found, err := f.Find("widget", "w-1", &w)
		if err != nil {
			return nil, err
		}
		if !found {
			return "missing", nil
		}
		return w.Name, nil
	}))))

	must(r.RegisterFlow("Ping", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		s := f.InitiateFlow("bob", "ping", 1)
		var reply string
		if err := f.SendAndReceive(s, "ping", &reply); err != nil {
			return nil, err
		}
		return reply, nil
	}))))

	must(r.RegisterFlow("Pong", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		s := f.InitiatingSession()
		var msg string
		if err := f.Receive(s, &msg); err != nil {
			return nil, err
		}
		return nil, f.Send(s, "pong")
	}))))
	must(r.RegisterResponder("ping", []int{1}, "Pong"))

	must(r.RegisterFlow("Nap", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		if err := f.Sleep(5 * time.Minute); err != nil {
			return nil, err
		}
		return "rested", nil
	}))))

	must(r.RegisterFlow("Boom", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		return nil, errors.New("boom")
	}))))

	must(r.RegisterFlow("Panic", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		panic("unexpected nil widget")
	}))))

	return r
}

func newTestPipeline(t *testing.T, r *Registry, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{WithClock(FixedClock(testNow)), WithLogger(discardLogger())}
	p, err := NewPipeline(r, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p
}

func mustProcess(t *testing.T, p *Pipeline, ev Event, cp *Checkpoint) *Response {
	t.Helper()
	resp, err := p.Process(context.Background(), ev, cp)
	if err != nil {
		t.Fatalf("Process(%s): %v", ev.typeOf(), err)
	}
	return resp
}

func startEvent(flowID, class string, args any) Event {
	var raw json.RawMessage
	if args != nil {
		raw, _ = json.Marshal(args)
	}
	return Event{FlowID: flowID, Payload: &StartFlow{
		FlowClassName:      class,
		Args:               raw,
		RequestingIdentity: "alice",
		HoldingIdentity:    "alice",
	}}
}

func recordsOn(resp *Response, topic string) []Record {
	var out []Record
	for _, r := range resp.Records {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

func decodeRecord[T any](t *testing.T, r Record) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.Value, &v); err != nil {
		t.Fatalf("decode %s record: %v", r.Topic, err)
	}
	return v
}

// sessionEvents decodes every outbound session record.
func sessionEvents(t *testing.T, resp *Response) []SessionEvent {
	t.Helper()
	var out []SessionEvent
	for _, r := range recordsOn(resp, DefaultTopics().SessionOut) {
		out = append(out, decodeRecord[SessionEvent](t, r))
	}
	return out
}

// flowEvents decodes every record addressed back to a flow.
func flowEvents(t *testing.T, resp *Response) []Event {
	t.Helper()
	var out []Event
	for _, r := range recordsOn(resp, DefaultTopics().FlowEvent) {
		ev, err := DecodeEvent(r.Value)
		if err != nil {
			t.Fatalf("decode flow event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

// assertSuspended checks the checkpoint invariants of a suspended flow.
func assertSuspended(t *testing.T, cp *Checkpoint, kind WaitingKind) {
	t.Helper()
	if cp.Status != StatusSuspended {
		t.Fatalf("status = %s, want %s", cp.Status, StatusSuspended)
	}
	if len(cp.FiberState) == 0 {
		t.Fatal("suspended checkpoint has empty fiber state")
	}
	if cp.WaitingFor == nil || cp.WaitingFor.Kind != kind {
		t.Fatalf("waitingFor = %s, want kind %s", cp.WaitingFor, kind)
	}
}

func assertFinished(t *testing.T, cp *Checkpoint, result any) {
	t.Helper()
	if cp.Status != StatusFinished {
		t.Fatalf("status = %s, want %s", cp.Status, StatusFinished)
	}
	if len(cp.FiberState) != 0 || cp.WaitingFor != nil {
		t.Fatalf("finished checkpoint keeps state=%d bytes waitingFor=%s", len(cp.FiberState), cp.WaitingFor)
	}
	want, _ := json.Marshal(result)
	if string(cp.Result) != string(want) {
		t.Errorf("result = %s, want %s", cp.Result, want)
	}
}
