package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Fiber executes one flow's logic between suspension points.
//
// Flow logic receives the fiber in Logic.Call and uses it for every
// operation that must wait on the outside world. Each such operation either
// returns immediately with a journaled result (when the fiber is replaying)
// or suspends the fiber: the logic is unwound, the pending request is handed
// to the pipeline and the fiber's state is persisted in the checkpoint.
//
// A Fiber performs no side effects itself and must only be used from the
// goroutine that runs Call.
type Fiber struct {
	ctx      context.Context
	flowID   string
	holding  string
	logger   *slog.Logger
	registry *Registry
	clock    Clock

	state   *fiberState
	cursor  int
	reqSeq  int
	sessSeq int
	stack   []Frame
	args    []json.RawMessage

	yielded IORequest
	pending *pendingRequest
}

// suspendSignal unwinds flow logic at a new suspension point.
type suspendSignal struct{}

// replayDivergence unwinds flow logic whose replay left the journal.
type replayDivergence struct{ err error }

func newFiber(ctx context.Context, flowID, holding string, registry *Registry, logger *slog.Logger, st *fiberState) *Fiber {
	root := Frame{Class: st.Class}
	if st.InitiatingSession != nil {
		root.InitiatingSession = st.InitiatingSession.ID
	}
	return &Fiber{
		ctx:      ctx,
		flowID:   flowID,
		holding:  holding,
		logger:   logger,
		registry: registry,
		clock:    SystemClock(),
		state:    st,
		stack:    []Frame{root},
		args:     []json.RawMessage{st.Args},
	}
}

// execute runs logic until it suspends, returns or panics.
//
// It returns the request the fiber yielded, or a KindFiber error when the
// fiber cannot be reconstructed.
func (f *Fiber) execute(logic Logic) (req IORequest, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case suspendSignal:
			req, err = f.yielded, nil
		case *replayDivergence:
			req, err = nil, sig.err
		default:
			f.logger.Error("flow logic panicked", "flow_id", f.flowID, "panic", fmt.Sprint(r))
			req, err = &FlowFailed{
				RequestHeader: RequestHeader{ID: f.nextRequestID()},
				Cause:         &Cause{Code: "FLOW_PANIC", Message: fmt.Sprint(r)},
			}, nil
		}
	}()

	result, callErr := logic.Call(f)
	if f.cursor < len(f.state.Journal) {
		return nil, newError(KindFiber, "REPLAY_MISMATCH", f.flowID,
			fmt.Sprintf("logic returned after %d of %d journaled suspensions", f.cursor, len(f.state.Journal)), ErrReplayMismatch)
	}

	header := RequestHeader{ID: f.nextRequestID()}
	if callErr != nil {
		return &FlowFailed{RequestHeader: header, Cause: NewCause(callErr)}, nil
	}
	data, merr := json.Marshal(result)
	if merr != nil {
		return &FlowFailed{RequestHeader: header, Cause: NewCause(fmt.Errorf("failed to marshal flow result: %w", merr))}, nil
	}
	return &FlowFinished{RequestHeader: header, Result: data}, nil
}

// snapshot returns the serialized fiber for a suspended execution.
func (f *Fiber) snapshot() ([]byte, error) {
	st := fiberState{
		Version:           fiberStateVersion,
		Class:             f.state.Class,
		Args:              f.state.Args,
		InitiatingSession: f.state.InitiatingSession,
		Journal:           f.state.Journal,
		Pending:           f.pending,
		Stack:             f.stack,
		RequestSeq:        f.reqSeq,
		SessionSeq:        f.sessSeq,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, newError(KindFiber, "FIBER_SERIALIZATION", f.flowID, "cannot serialize fiber", err)
	}
	return data, nil
}

// suspend is the single boundary for every suspending operation.
func (f *Fiber) suspend(req IORequest) (json.RawMessage, error) {
	hash, err := hashRequest(req)
	if err != nil {
		return nil, err
	}

	if f.cursor < len(f.state.Journal) {
		entry := f.state.Journal[f.cursor]
		if verr := verifyReplay(f.flowID, f.cursor, entry, req.Kind(), hash); verr != nil {
			panic(&replayDivergence{err: verr})
		}
		f.cursor++
		if entry.Cause != nil {
			return nil, entry.Cause
		}
		return entry.Value, nil
	}

	f.yielded = req
	f.pending = &pendingRequest{Kind: req.Kind(), RequestID: req.RequestID(), Hash: hash}
	panic(suspendSignal{})
}

func (f *Fiber) nextRequestID() string {
	f.reqSeq++
	return deriveID(f.flowID, "request", f.reqSeq)
}

func (f *Fiber) header() RequestHeader {
	return RequestHeader{ID: f.nextRequestID()}
}

// journalKindNow marks a journal entry written by Now.
const journalKindNow = "Now"

// Now returns the current time without suspending. The first execution
// reads the pipeline clock and journals the value; replays return the
// journaled value, so flow logic may branch on it.
func (f *Fiber) Now() time.Time {
	if f.cursor < len(f.state.Journal) {
		entry := f.state.Journal[f.cursor]
		if entry.Kind != journalKindNow {
			panic(&replayDivergence{err: newError(KindFiber, "REPLAY_MISMATCH", f.flowID,
				fmt.Sprintf("suspension %d: journal recorded %s, logic read the clock", f.cursor, entry.Kind), ErrReplayMismatch)})
		}
		f.cursor++
		var t time.Time
		if err := json.Unmarshal(entry.Value, &t); err != nil {
			panic(&replayDivergence{err: newError(KindFiber, "CORRUPT_FIBER_STATE", f.flowID, "cannot decode journaled time", ErrCorruptFiberState)})
		}
		return t
	}

	now := f.clock.Now()
	data, _ := json.Marshal(now)
	f.state.Journal = append(f.state.Journal, journalEntry{Kind: journalKindNow, Value: data})
	f.cursor++
	return now
}

// FlowID returns the ID of the flow being executed.
func (f *Fiber) FlowID() string { return f.flowID }

// HoldingIdentity returns the identity that owns the flow.
func (f *Fiber) HoldingIdentity() string { return f.holding }

// Context returns the context of the current pass. It is cancelled when the
// fiber timeout elapses.
func (f *Fiber) Context() context.Context { return f.ctx }

// Logger returns the pass-scoped logger.
func (f *Fiber) Logger() *slog.Logger { return f.logger }

// Replaying reports whether the logic is re-executing journaled suspensions.
// Logic can use it to avoid repeating log lines on every resume.
func (f *Fiber) Replaying() bool { return f.cursor < len(f.state.Journal) }

// Stack returns a copy of the current call stack, root first.
func (f *Fiber) Stack() []Frame {
	out := make([]Frame, len(f.stack))
	copy(out, f.stack)
	return out
}

// Args decodes the arguments of the current frame into v.
func (f *Fiber) Args(v any) error {
	raw := f.args[len(f.args)-1]
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode flow args: %w", err)
	}
	return nil
}

// InitiatingSession returns the session that started a responder flow, or
// nil for a top-level flow.
func (f *Fiber) InitiatingSession() *Session {
	return f.state.InitiatingSession
}

// InitiateFlow creates a session with counterparty for protocol. The session
// is opened lazily by the first Send.
func (f *Fiber) InitiateFlow(counterparty, protocol string, versions ...int) *Session {
	if len(versions) == 0 {
		versions = []int{1}
	}
	f.sessSeq++
	s := &Session{
		ID:           deriveID(f.flowID, "session", f.sessSeq),
		Counterparty: counterparty,
		Protocol:     protocol,
		Versions:     versions,
	}
	top := &f.stack[len(f.stack)-1]
	top.Sessions = append(top.Sessions, s.ID)
	return s
}

func marshalEntities(entities []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(entities))
	for i, e := range entities {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entity %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// Persist stores new entities and waits for the persistence service.
func (f *Fiber) Persist(entities ...any) error {
	raw, err := marshalEntities(entities)
	if err != nil {
		return err
	}
	_, err = f.suspend(&Persist{RequestHeader: f.header(), Entities: raw})
	return err
}

// Merge updates existing entities and waits for the persistence service.
func (f *Fiber) Merge(entities ...any) error {
	raw, err := marshalEntities(entities)
	if err != nil {
		return err
	}
	_, err = f.suspend(&Merge{RequestHeader: f.header(), Entities: raw})
	return err
}

// Delete removes entities and waits for the persistence service.
func (f *Fiber) Delete(entities ...any) error {
	raw, err := marshalEntities(entities)
	if err != nil {
		return err
	}
	_, err = f.suspend(&Delete{RequestHeader: f.header(), Entities: raw})
	return err
}

// Find loads the entity of className with primaryKey into out. It reports
// false when no entity exists.
func (f *Fiber) Find(className string, primaryKey any, out any) (bool, error) {
	pk, err := json.Marshal(primaryKey)
	if err != nil {
		return false, fmt.Errorf("failed to marshal primary key: %w", err)
	}
	value, err := f.suspend(&Find{RequestHeader: f.header(), ClassName: className, PrimaryKey: pk})
	if err != nil {
		return false, err
	}

	var results []json.RawMessage
	if err := json.Unmarshal(value, &results); err != nil {
		return false, fmt.Errorf("failed to decode find results: %w", err)
	}
	if len(results) == 0 {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(results[0], out); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", className, err)
		}
	}
	return true, nil
}

// Send delivers payload on session s.
func (f *Fiber) Send(s *Session, payload any) error {
	return f.Broadcast(payload, s)
}

// Broadcast delivers the same payload on every listed session in one request.
func (f *Fiber) Broadcast(payload any, sessions ...*Session) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal session payload: %w", err)
	}
	msgs := make([]OutboundMessage, len(sessions))
	for i, s := range sessions {
		msgs[i] = OutboundMessage{
			SessionID:    s.ID,
			Counterparty: s.Counterparty,
			Protocol:     s.Protocol,
			Versions:     s.Versions,
			Payload:      data,
		}
	}
	_, err = f.suspend(&Send{RequestHeader: f.header(), Messages: msgs})
	return err
}

// ReceiveAll waits for the next payload on every listed session and returns
// them keyed by session ID.
func (f *Fiber) ReceiveAll(sessions ...*Session) (map[string]json.RawMessage, error) {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	value, err := f.suspend(&Receive{RequestHeader: f.header(), SessionIDs: ids})
	if err != nil {
		return nil, err
	}
	var payloads map[string]json.RawMessage
	if err := json.Unmarshal(value, &payloads); err != nil {
		return nil, fmt.Errorf("failed to decode received payloads: %w", err)
	}
	return payloads, nil
}

// Receive waits for the next payload on s and decodes it into out.
func (f *Fiber) Receive(s *Session, out any) error {
	payloads, err := f.ReceiveAll(s)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payloads[s.ID], out); err != nil {
		return fmt.Errorf("failed to decode payload from session %s: %w", s.ID, err)
	}
	return nil
}

// SendAndReceive sends payload on s, then waits for the reply.
func (f *Fiber) SendAndReceive(s *Session, payload any, out any) error {
	if err := f.Send(s, payload); err != nil {
		return err
	}
	return f.Receive(s, out)
}

// Close closes the listed sessions.
func (f *Fiber) Close(sessions ...*Session) error {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	_, err := f.suspend(&CloseSessions{RequestHeader: f.header(), SessionIDs: ids})
	return err
}

// Sleep suspends the flow for at least d.
func (f *Fiber) Sleep(d time.Duration) error {
	_, err := f.suspend(&Sleep{RequestHeader: f.header(), Duration: d})
	return err
}

// SubFlow runs the registered flow name inline with args and decodes its
// result into out (which may be nil).
//
// Sessions the sub-flow opens are closed when it returns, or errored when it
// fails. The sub-flow's error is returned to the caller.
func (f *Fiber) SubFlow(name string, args any, out any) error {
	logic, err := f.registry.LoadFlow(name)
	if err != nil {
		return err
	}
	if err := f.registry.InjectServices(logic); err != nil {
		return err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-flow args: %w", err)
	}

	f.stack = append(f.stack, Frame{Class: name})
	f.args = append(f.args, raw)
	result, callErr := logic.Call(f)
	frame := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	f.args = f.args[:len(f.args)-1]

	if callErr != nil {
		if _, err := f.suspend(&SubFlowFailed{RequestHeader: f.header(), SessionIDs: frame.Sessions, Cause: NewCause(callErr)}); err != nil {
			return err
		}
		return callErr
	}
	if _, err := f.suspend(&SubFlowFinished{RequestHeader: f.header(), SessionIDs: frame.Sessions}); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-flow result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode sub-flow result: %w", err)
	}
	return nil
}
