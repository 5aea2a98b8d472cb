// Package resilience implements the Resilience Wrapper: per-call retry, a
// command timeout with a double-trigger grace tick, and a circuit breaker
// that discriminates validation errors from transport errors.
package resilience

import (
	"sync/atomic"
	"time"
)

type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	MaxFailures int32         // consecutive failures before tripping (default 10)
	Cooldown    time.Duration // initial open-state cooldown (default 1s)
	MaxCooldown time.Duration // cooldown ceiling after repeated trips (default 3s)
	OnTrip      func()        // optional callback invoked when the breaker opens
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 3 * time.Second
	}
	return c
}

// circuitBreaker implements a closed -> open -> half-open -> closed state
// machine over atomics, grounded on the teacher's composite backend
// breaker but extended with escalating cooldown backoff (spec §4.6).
type circuitBreaker struct {
	cfg BreakerConfig

	state        int32 // atomic breakerState
	failureCount int32 // atomic
	openedAt     int64 // atomic, unix nanos
	cooldownStep int32 // atomic, escalation counter
}

func newCircuitBreaker(cfg BreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg.withDefaults(), state: int32(stateClosed)}
}

// allow reports whether a call may proceed. It performs the open -> half
// open transition as a side effect once the cooldown has elapsed.
func (cb *circuitBreaker) allow() bool {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateOpen:
		openedAt := atomic.LoadInt64(&cb.openedAt)
		if time.Since(time.Unix(0, openedAt)) >= cb.currentCooldown() {
			if atomic.CompareAndSwapInt32(&cb.state, int32(stateOpen), int32(stateHalfOpen)) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) currentCooldown() time.Duration {
	step := atomic.LoadInt32(&cb.cooldownStep)
	cooldown := cb.cfg.Cooldown
	for range step {
		cooldown *= 2
		if cooldown >= cb.cfg.MaxCooldown {
			return cb.cfg.MaxCooldown
		}
	}
	return cooldown
}

// recordSuccess resets the breaker to closed and clears the escalation.
func (cb *circuitBreaker) recordSuccess() {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateHalfOpen, stateOpen:
		atomic.StoreInt32(&cb.state, int32(stateClosed))
		atomic.StoreInt32(&cb.failureCount, 0)
		atomic.StoreInt32(&cb.cooldownStep, 0)
	default:
		atomic.StoreInt32(&cb.failureCount, 0)
	}
}

// recordFailure counts a transport failure. A failure while half-open
// reopens immediately and escalates the cooldown; a failure while closed
// trips the breaker once the consecutive-failure threshold is reached.
func (cb *circuitBreaker) recordFailure() {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case stateHalfOpen:
		cb.open(true)
		return
	case stateOpen:
		return
	}

	newCount := atomic.AddInt32(&cb.failureCount, 1)
	if newCount >= cb.cfg.MaxFailures {
		cb.open(false)
	}
}

func (cb *circuitBreaker) open(escalate bool) {
	atomic.StoreInt32(&cb.state, int32(stateOpen))
	atomic.StoreInt64(&cb.openedAt, time.Now().UnixNano())
	if escalate {
		atomic.AddInt32(&cb.cooldownStep, 1)
	}
	if cb.cfg.OnTrip != nil {
		cb.cfg.OnTrip()
	}
}

func (cb *circuitBreaker) State() breakerState {
	return breakerState(atomic.LoadInt32(&cb.state))
}
