package flow

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestLifecycle_KillClosesSessions kills a flow waiting on a session.
func TestLifecycle_KillClosesSessions(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	a1 := mustProcess(t, p, startEvent("flow-k", "Ping", nil), nil)
	a2 := mustProcess(t, p, flowEvents(t, a1)[0], a1.Checkpoint)
	assertSuspended(t, a2.Checkpoint, WaitingSessionData)

	resp := mustProcess(t, p, Event{FlowID: "flow-k", Payload: &KillFlow{Reason: "operator"}}, a2.Checkpoint)
	cp := resp.Checkpoint

	if cp.Status != StatusKilled || !resp.Terminal {
		t.Fatalf("status = %s terminal=%v", cp.Status, resp.Terminal)
	}
	if len(cp.FiberState) != 0 || cp.WaitingFor != nil {
		t.Errorf("killed flow keeps state=%d waitingFor=%s", len(cp.FiberState), cp.WaitingFor)
	}
	closes := sessionEvents(t, resp)
	if len(closes) != 1 {
		t.Fatalf("session records = %d, want 1 close", len(closes))
	}
	payloadOf[*SessionClose](t, closes[0])
	if closes[0].SessionID != cp.Sessions[0].CounterpartySessionID() {
		t.Errorf("close addressed to %s", closes[0].SessionID)
	}
	if cp.Sessions[0].Status != SessionClosed {
		t.Errorf("session status = %s", cp.Sessions[0].Status)
	}

	status := recordsOn(resp, DefaultTopics().Status)
	if len(status) != 1 || decodeRecord[FlowStatus](t, status[0]).Status != StatusKilled {
		t.Errorf("status records = %v", status)
	}

	again := mustProcess(t, p, Event{FlowID: "flow-k", Payload: &KillFlow{}}, cp)
	if !again.Discarded {
		t.Error("second kill should be discarded")
	}
}

// TestLifecycle_KillRunsCleanup lets flow logic observe the kill.
func TestLifecycle_KillRunsCleanup(t *testing.T) {
	r := testRegistry(t)
	var observed atomic.Bool
	_ = r.RegisterFlow("Careful", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		err := f.Sleep(time.Hour)
		if errors.Is(err, ErrFlowKilled) {
			observed.Store(true)
		}
		return nil, err
	})))
	p := newTestPipeline(t, r)

	cp := mustProcess(t, p, startEvent("flow-c", "Careful", nil), nil).Checkpoint
	resp := mustProcess(t, p, Event{FlowID: "flow-c", Payload: &KillFlow{}}, cp)

	if !observed.Load() {
		t.Error("flow logic did not receive ErrFlowKilled")
	}
	if resp.Checkpoint.Status != StatusKilled {
		t.Errorf("status = %s", resp.Checkpoint.Status)
	}
	if n := len(recordsOn(resp, DefaultTopics().Timer)); n != 0 {
		t.Errorf("kill scheduled %d retries", n)
	}
}

func TestLifecycle_KillFailedFlow(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	cp := mustProcess(t, p, startEvent("flow-kf", "Boom", nil), nil).Checkpoint
	if cp.Status != StatusRetryPending {
		t.Fatalf("status = %s", cp.Status)
	}

	resp := mustProcess(t, p, Event{FlowID: "flow-kf", Payload: &KillFlow{}}, cp)
	if resp.Checkpoint.Status != StatusKilled || resp.Checkpoint.WaitingFor != nil {
		t.Errorf("checkpoint = %+v", resp.Checkpoint)
	}
}

func TestLifecycle_Sleep(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	resp := mustProcess(t, p, startEvent("flow-s", "Nap", nil), nil)
	cp := resp.Checkpoint

	assertSuspended(t, cp, WaitingWakeup)
	want := testNow.Add(5 * time.Minute)
	if cp.WaitingFor.Deadline == nil || !cp.WaitingFor.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", cp.WaitingFor.Deadline, want)
	}
	timers := recordsOn(resp, DefaultTopics().Timer)
	if len(timers) != 1 {
		t.Fatalf("timer records = %d", len(timers))
	}
	wakeup := decodeRecord[ScheduledWakeup](t, timers[0])
	if wakeup.Reason != WakeupReasonSleep || !wakeup.FireAt.Equal(want) || wakeup.RequestID != cp.WaitingFor.RequestID {
		t.Errorf("scheduled wakeup = %+v", wakeup)
	}

	done := mustProcess(t, p, wakeup.Event(), cp)
	assertFinished(t, done.Checkpoint, "rested")
}

// TestLifecycle_NowIsJournaled resumes a flow under a later clock: the time
// read before the suspension replays unchanged, the one after sees the new clock.
func TestLifecycle_NowIsJournaled(t *testing.T) {
	r := NewRegistry(nil)
	err := r.RegisterFlow("Stamp", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		before := f.Now()
		if err := f.Sleep(time.Minute); err != nil {
			return nil, err
		}
		after := f.Now()
		return []string{before.Format(time.RFC3339), after.Format(time.RFC3339)}, nil
	})))
	if err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}

	first := newTestPipeline(t, r)
	resp := mustProcess(t, first, startEvent("flow-n", "Stamp", nil), nil)
	assertSuspended(t, resp.Checkpoint, WaitingWakeup)
	wakeup := decodeRecord[ScheduledWakeup](t, recordsOn(resp, DefaultTopics().Timer)[0])

	later := testNow.Add(time.Hour)
	second := newTestPipeline(t, r, WithClock(FixedClock(later)))
	done := mustProcess(t, second, wakeup.Event(), resp.Checkpoint)
	assertFinished(t, done.Checkpoint, []string{testNow.Format(time.RFC3339), later.Format(time.RFC3339)})
}

func TestLifecycle_Timeout(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t))
	cp := mustProcess(t, p, startEvent("flow-t", "Store", nil), nil).Checkpoint

	t.Run("stale timeout", func(t *testing.T) {
		resp := mustProcess(t, p, Event{FlowID: "flow-t", Payload: &Timeout{RequestID: "other"}}, cp)
		assertSuspended(t, resp.Checkpoint, WaitingEntityResponse)
	})

	t.Run("awaited request", func(t *testing.T) {
		resp := mustProcess(t, p, Event{FlowID: "flow-t", Payload: &Timeout{RequestID: cp.WaitingFor.RequestID}}, cp)
		assertFinished(t, resp.Checkpoint, "timed out")
	})
}

func TestLifecycle_RetryPolicy(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t), WithRetryPolicy(RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}))

	first := mustProcess(t, p, startEvent("flow-b", "Boom", nil), nil)
	cp := first.Checkpoint
	if cp.Status != StatusRetryPending {
		t.Fatalf("status = %s, want %s", cp.Status, StatusRetryPending)
	}
	if cp.Failure == nil || cp.Failure.Attempt != 1 || cp.Failure.Cause.Message != "boom" {
		t.Fatalf("failure = %+v", cp.Failure)
	}
	if cp.WaitingFor.Kind != WaitingRetry || cp.WaitingFor.Deadline == nil {
		t.Fatalf("waitingFor = %s", cp.WaitingFor)
	}
	if !cp.Failure.NextRetryAt.After(testNow) {
		t.Errorf("next retry %v not after %v", cp.Failure.NextRetryAt, testNow)
	}
	timers := recordsOn(first, DefaultTopics().Timer)
	if len(timers) != 1 {
		t.Fatalf("timer records = %d", len(timers))
	}
	scheduled := decodeRecord[ScheduledWakeup](t, timers[0])
	if scheduled.Reason != WakeupReasonRetry || scheduled.Attempt != 1 {
		t.Errorf("scheduled = %+v", scheduled)
	}
	if err := cp.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	second := mustProcess(t, p, scheduled.Event(), cp)
	failed := second.Checkpoint
	if failed.Status != StatusFailed || failed.Failure.Attempt != 2 {
		t.Fatalf("after retry: status=%s failure=%+v", failed.Status, failed.Failure)
	}
	if failed.WaitingFor.Deadline != nil {
		t.Error("exhausted flow should not have a retry deadline")
	}
	status := recordsOn(second, DefaultTopics().Status)
	if len(status) != 1 || decodeRecord[FlowStatus](t, status[0]).Attempt != 2 {
		t.Errorf("status records = %v", status)
	}

	stale := mustProcess(t, p, scheduled.Event(), failed)
	if stale.Checkpoint.Status != StatusFailed || len(stale.Records) != 0 {
		t.Errorf("stale retry changed the flow: %+v", stale.Checkpoint)
	}
}

func TestLifecycle_ManualRetrySucceeds(t *testing.T) {
	r := testRegistry(t)
	var healthy atomic.Bool
	_ = r.RegisterFlow("Flaky", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		if err := f.Persist(widget{ID: "w-2"}); err != nil {
			return nil, err
		}
		if !healthy.Load() {
			return nil, errors.New("downstream unavailable")
		}
		return "ok", nil
	})))
	p := newTestPipeline(t, r, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))

	cp := mustProcess(t, p, startEvent("flow-f", "Flaky", nil), nil).Checkpoint
	failed := mustProcess(t, p, Event{FlowID: "flow-f", Payload: &EntityResponse{RequestID: cp.WaitingFor.RequestID}}, cp).Checkpoint
	if failed.Status != StatusFailed {
		t.Fatalf("status = %s", failed.Status)
	}
	if failed.Failure.Replay.Kind != ResumeKind {
		t.Errorf("replay = %s, want resume", failed.Failure.Replay.Kind)
	}

	healthy.Store(true)
	resp := mustProcess(t, p, Event{FlowID: "flow-f", Payload: &RetryFlow{}}, failed)
	assertFinished(t, resp.Checkpoint, "ok")
	if resp.Checkpoint.Failure != nil {
		t.Error("failure not cleared after successful retry")
	}
}

func TestLifecycle_Panic(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t), WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	resp := mustProcess(t, p, startEvent("flow-p", "Panic", nil), nil)

	cp := resp.Checkpoint
	if cp.Status != StatusFailed {
		t.Fatalf("status = %s", cp.Status)
	}
	if cp.Failure.Cause.Code != "FLOW_PANIC" {
		t.Errorf("cause = %+v", cp.Failure.Cause)
	}
}

func TestLifecycle_SubFlow(t *testing.T) {
	r := testRegistry(t)
	_ = r.RegisterFlow("Notify", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		var who string
		if err := f.Args(&who); err != nil {
			return nil, err
		}
		s := f.InitiateFlow(who, "notify", 1)
		if err := f.Send(s, "hello "+who); err != nil {
			return nil, err
		}
		return len(who), nil
	})))
	_ = r.RegisterFlow("Parent", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		var n int
		if err := f.SubFlow("Notify", "carol", &n); err != nil {
			return nil, err
		}
		if got := len(f.Stack()); got != 1 {
			return nil, errors.New("sub-flow frame not popped")
		}
		return n, nil
	})))
	p := newTestPipeline(t, r)

	send := mustProcess(t, p, startEvent("flow-sub", "Parent", nil), nil)
	if send.Checkpoint.SuspendedOn != KindSend {
		t.Fatalf("suspendedOn = %s", send.Checkpoint.SuspendedOn)
	}

	finish := mustProcess(t, p, flowEvents(t, send)[0], send.Checkpoint)
	if finish.Checkpoint.SuspendedOn != KindSubFlowFinished {
		t.Fatalf("suspendedOn = %s", finish.Checkpoint.SuspendedOn)
	}
	closes := sessionEvents(t, finish)
	if len(closes) != 1 {
		t.Fatalf("sub-flow close records = %d", len(closes))
	}
	payloadOf[*SessionClose](t, closes[0])

	done := mustProcess(t, p, flowEvents(t, finish)[0], finish.Checkpoint)
	assertFinished(t, done.Checkpoint, 5)
	if len(sessionEvents(t, done)) != 0 {
		t.Error("closed sub-flow session closed again")
	}
}
