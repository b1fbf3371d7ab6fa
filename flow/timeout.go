package flow

import (
	"context"
	"fmt"
	"time"
)

// withFiberTimeout derives the context handed to flow logic. A zero timeout
// leaves ctx unbounded.
func withFiberTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// executeWithTimeout runs the fiber and gives up waiting once ctx is done.
//
// Flow logic that never suspends or returns cannot be interrupted. On timeout
// the pass fails with ErrFiberTimeout right away, and the returned wait
// blocks until the logic really returns. The caller must hold the flow's
// scheduler task until then so no second fiber for the flow can start.
func executeWithTimeout(ctx context.Context, fiber *Fiber, logic Logic, timeout time.Duration) (req IORequest, wait func(), err error) {
	if timeout <= 0 {
		req, err = fiber.execute(logic)
		return req, noWait, err
	}

	type outcome struct {
		req IORequest
		err error
	}
	done := make(chan outcome, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		req, err := fiber.execute(logic)
		done <- outcome{req: req, err: err}
	}()

	select {
	case o := <-done:
		return o.req, noWait, o.err
	case <-ctx.Done():
		wait = func() { <-finished }
		if ctx.Err() != context.DeadlineExceeded {
			return nil, wait, Transient(fiber.flowID, ctx.Err())
		}
		return nil, wait, newError(KindFiber, "FIBER_TIMEOUT", fiber.flowID,
			fmt.Sprintf("flow logic exceeded timeout of %v", timeout), ErrFiberTimeout)
	}
}

func noWait() {}
