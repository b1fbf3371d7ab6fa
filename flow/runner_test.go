package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// slowRegistry registers "Slow", which runs for d without suspending and
// tracks how many instances run at once.
func slowRegistry(t *testing.T, d time.Duration, running, peak *atomic.Int32) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	err := r.RegisterFlow("Slow", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(d)
		running.Add(-1)
		return "done", nil
	})))
	if err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}
	return r
}

func TestRunner_FiberTimeout(t *testing.T) {
	r := NewRegistry(nil)
	release := make(chan struct{})
	defer close(release)
	_ = r.RegisterFlow("Stuck", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		<-release
		return nil, nil
	})))
	p := newTestPipeline(t, r, WithFiberTimeout(20*time.Millisecond))

	_, err := p.Process(context.Background(), startEvent("flow-stuck", "Stuck", nil), nil)
	if !IsFiber(err) || !errors.Is(err, ErrFiberTimeout) {
		t.Errorf("error = %v, want fiber timeout", err)
	}
}

func TestRunner_FiberTimeoutKeepsFlowExclusive(t *testing.T) {
	var running, peak atomic.Int32
	p := newTestPipeline(t, slowRegistry(t, 60*time.Millisecond, &running, &peak),
		WithFiberTimeout(10*time.Millisecond), WithMaxConcurrentFibers(4))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), startEvent("flow-x", "Slow", nil), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrFiberTimeout) {
			t.Errorf("error = %v, want fiber timeout", err)
		}
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent fibers for flow-x = %d, want 1", got)
	}
}

func TestRunner_CloseWaitsForTimedOutFibers(t *testing.T) {
	var running, peak atomic.Int32
	p, err := NewPipeline(slowRegistry(t, 50*time.Millisecond, &running, &peak),
		WithFiberTimeout(5*time.Millisecond), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	for _, id := range []string{"flow-a", "flow-b"} {
		_, err := p.Process(context.Background(), startEvent(id, "Slow", nil), nil)
		if !errors.Is(err, ErrFiberTimeout) {
			t.Fatalf("%s: error = %v, want fiber timeout", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := running.Load(); n != 0 {
		t.Errorf("Close returned with %d fibers still running", n)
	}
}

func TestRunner_ContextCancelled(t *testing.T) {
	r := NewRegistry(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_ = r.RegisterFlow("Slow", Stateless(LogicFunc(func(f *Fiber) (any, error) {
		close(started)
		<-release
		return nil, nil
	})))
	p := newTestPipeline(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := p.Process(ctx, startEvent("flow-slow", "Slow", nil), nil)
	if !IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestRunner_RunsFlowsConcurrently(t *testing.T) {
	p := newTestPipeline(t, testRegistry(t), WithMaxConcurrentFibers(4))

	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		id := "flow-" + string(rune('a'+i))
		go func() {
			resp, err := p.Process(context.Background(), startEvent(id, "Echo", []string{id}), nil)
			if err == nil && string(resp.Checkpoint.Result) != `"`+id+`"` {
				err = errors.New("wrong result for " + id)
			}
			errs <- err
		}()
	}
	for i := 0; i < 16; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestNewPipeline_Options(t *testing.T) {
	r := NewRegistry(nil)
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero workers", WithMaxConcurrentFibers(0)},
		{"zero queue", WithQueueDepth(0)},
		{"nil clock", WithClock(nil)},
		{"bad retry policy", WithRetryPolicy(RetryPolicy{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPipeline(r, tt.opt); err == nil {
				t.Error("expected option error")
			}
		})
	}

	if _, err := NewPipeline(nil); !IsConfiguration(err) {
		t.Errorf("nil registry = %v", err)
	}
}
