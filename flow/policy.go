package flow

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"
	"time"
)

// RetryPolicy decides what happens when flow logic fails.
//
// A failed flow is retried up to MaxAttempts times in total with exponential
// backoff and jitter; after that it is parked as StatusFailed until an
// operator sends RetryFlow or KillFlow.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of executions including the first.
	// Must be >= 1. A value of 1 means failures are terminal immediately.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between attempts.
	// The delay before retry n is min(BaseDelay * 2^n, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay. Must be >= BaseDelay.
	MaxDelay time.Duration

	// Retryable decides whether a failure may be retried automatically.
	// If nil, every flow failure is retryable.
	Retryable func(*Cause) bool
}

// DefaultRetryPolicy retries a failed flow twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// Validate checks the policy's parameters.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// shouldRetry reports whether a flow that has failed attempt times gets
// another automatic attempt.
func (rp *RetryPolicy) shouldRetry(attempt int, cause *Cause) bool {
	if attempt >= rp.MaxAttempts {
		return false
	}
	if rp.Retryable != nil && !rp.Retryable(cause) {
		return false
	}
	return true
}

// delay returns the backoff before the retry following failure attempt.
// Jitter is seeded from the flow ID and attempt so reprocessing the same
// failure schedules the same retry time.
func (rp *RetryPolicy) delay(flowID string, attempt int) time.Duration {
	return computeBackoff(attempt-1, rp.BaseDelay, rp.MaxDelay, retryRNG(flowID, attempt))
}

func retryRNG(flowID string, attempt int) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(flowID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attempt))
	h.Write(buf[:])
	return rand.New(rand.NewSource(int64(h.Sum64()))) // #nosec G404 -- jitter for retry timing, not security
}

// computeBackoff calculates the exponential backoff delay with jitter.
//
// Formula: min(base * 2^attempt, maxDelay) + random(0, base)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return exponentialDelay + jitter
}
