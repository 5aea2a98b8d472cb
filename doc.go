// Package ratelimit implements a distributed token-bucket rate limiter
// whose authoritative state lives in a shared Redis-compatible store and
// is manipulated by atomic server-side scripts (see package store).
//
// A Limiter is constructed with New, given one or more named bucket types
// (see package bucket), and answers Take/Wait/Put/Get/ResetAll calls for
// "<type>:<key>" bucket instances. Every call is wrapped with bounded
// retry, a per-attempt command timeout, and a circuit breaker (see package
// resilience); a Ping Monitor (see package pingmon) can additionally watch
// a single-node store and force a reconnect after sustained failure.
package ratelimit
