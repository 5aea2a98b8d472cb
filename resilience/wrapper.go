package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/tbucket/ratelimit/limiterrors"
)

// RetryConfig bounds the retry budget. Kept tight by design: the wrapper
// also enforces a per-attempt command timeout, so a long backoff would
// defeat the point of bounding latency.
type RetryConfig struct {
	Retries    int           // default 1
	MinTimeout time.Duration // min backoff between attempts (default 10ms)
	MaxTimeout time.Duration // max backoff between attempts (default 30ms)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Retries <= 0 {
		c.Retries = 1
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = 10 * time.Millisecond
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 30 * time.Millisecond
	}
	if c.MaxTimeout < c.MinTimeout {
		c.MaxTimeout = c.MinTimeout
	}
	return c
}

const defaultCommandTimeout = 75 * time.Millisecond

// Wrapper combines retry, a per-attempt command timeout, and a circuit
// breaker around an arbitrary operation. It owns retry and breaker
// bookkeeping; the Engine still owns validation and unlimited
// short-circuits, which is why validation errors flow straight through
// here without being retried or counted.
type Wrapper struct {
	retry          RetryConfig
	commandTimeout time.Duration
	breaker        *circuitBreaker
}

// New builds a Wrapper. A zero CommandTimeout uses the 75ms default.
func New(retry RetryConfig, commandTimeout time.Duration, breaker BreakerConfig) *Wrapper {
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}
	return &Wrapper{
		retry:          retry.withDefaults(),
		commandTimeout: commandTimeout,
		breaker:        newCircuitBreaker(breaker),
	}
}

// BreakerState exposes the breaker's state for tests and diagnostics.
func (w *Wrapper) BreakerState() int32 { return int32(w.breaker.State()) }

// Do runs op with retry, a per-attempt timeout, and circuit-breaker
// protection. A validation error returned by op passes through
// immediately on the first attempt: it is never retried and never counted
// against the breaker.
func Do[T any](ctx context.Context, w *Wrapper, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if !w.breaker.allow() {
		return zero, limiterrors.NewBreakerOpen()
	}

	var lastErr error
	for attempt := 0; attempt <= w.retry.Retries; attempt++ {
		result, err := runOnce(ctx, w.commandTimeout, op)

		if err == nil {
			w.breaker.recordSuccess()
			return result, nil
		}

		if limiterrors.IsValidation(err) {
			return zero, err // never retried, never counted
		}

		if limiterrors.IsBreakerOpen(err) {
			return zero, err // breaker tripped mid-flight; don't retry
		}

		w.breaker.recordFailure()
		lastErr = err

		if attempt < w.retry.Retries {
			if sleepErr := w.backoff(ctx, attempt); sleepErr != nil {
				return zero, sleepErr
			}
			continue
		}
	}

	return zero, lastErr
}

type attemptResult[T any] struct {
	value T
	err   error
}

// runOnce executes op once under a per-attempt timeout, using a
// double-trigger pattern: the timer fires one tick before the deadline to
// arm a short re-check, giving an in-flight completion one more chance to
// race the timeout before it is surfaced as an error.
func runOnce[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan attemptResult[T], 1)
	go func() {
		v, err := op(opCtx)
		resultCh <- attemptResult[T]{value: v, err: err}
	}()

	firstTick := timeout - time.Millisecond
	if firstTick <= 0 {
		firstTick = timeout
	}

	firstTimer := time.NewTimer(firstTick)
	defer firstTimer.Stop()

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-ctx.Done():
		return zero, limiterrors.NewTransport(ctx.Err())
	case <-firstTimer.C:
	}

	recheck := time.NewTimer(time.Millisecond)
	defer recheck.Stop()
	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-recheck.C:
		return zero, limiterrors.NewTransport(context.DeadlineExceeded)
	}
}

func (w *Wrapper) backoff(ctx context.Context, attempt int) error {
	span := w.retry.MaxTimeout - w.retry.MinTimeout
	delay := w.retry.MinTimeout
	if span > 0 {
		delay += time.Duration(rand.Int64N(int64(span) + 1))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return limiterrors.NewTransport(ctx.Err())
	}
}
