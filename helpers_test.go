package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSkipCacheLimiter() *Limiter {
	return &Limiter{skipCache: make(map[string]*skipEntry)}
}

func TestSkipLookup_MissOnUnknownKey(t *testing.T) {
	l := newSkipCacheLimiter()

	_, ok := l.skipLookup("api:k", 3)
	assert.False(t, ok)
}

func TestSkipLookup_ServesCachedResultUnderBudget(t *testing.T) {
	l := newSkipCacheLimiter()
	baseline := TakeResult{Conformant: true, Remaining: 9, Limit: 10}
	l.skipStore("api:k", baseline)

	got, ok := l.skipLookup("api:k", 3)
	require.True(t, ok)
	assert.Equal(t, baseline, got)
}

func TestSkipLookup_FallsThroughOnceBudgetExhausted(t *testing.T) {
	l := newSkipCacheLimiter()
	l.skipStore("api:k", TakeResult{Conformant: true, Remaining: 9, Limit: 10})

	for i := 0; i < 2; i++ {
		_, ok := l.skipLookup("api:k", 2)
		require.True(t, ok, "call %d should still be under budget", i)
	}

	_, ok := l.skipLookup("api:k", 2)
	assert.False(t, ok, "third call exceeds a skip_n_calls of 2")
}

func TestSkipLookup_NonConformantBaselineAlwaysFallsThrough(t *testing.T) {
	l := newSkipCacheLimiter()
	l.skipStore("api:k", TakeResult{Conformant: false, Remaining: 0, Limit: 10})

	_, ok := l.skipLookup("api:k", 5)
	assert.False(t, ok, "a non-conformant cached result must never be served locally")
}

func TestSkipStore_ResetsCountOnRefresh(t *testing.T) {
	l := newSkipCacheLimiter()
	l.skipStore("api:k", TakeResult{Conformant: true, Remaining: 9, Limit: 10})

	_, ok := l.skipLookup("api:k", 5)
	require.True(t, ok)
	_, ok = l.skipLookup("api:k", 5)
	require.True(t, ok)

	l.skipStore("api:k", TakeResult{Conformant: true, Remaining: 8, Limit: 10})

	l.skipMu.Lock()
	count := l.skipCache["api:k"].count
	l.skipMu.Unlock()
	assert.Equal(t, 0, count, "a fresh authoritative result resets the local call count")
}
