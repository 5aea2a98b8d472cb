package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbucket/ratelimit/bucket"
)

func newTestLimiter(t *testing.T, buckets map[string]bucket.Type) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	l, err := New(
		WithURI("redis://"+mr.Addr()),
		WithPrefix("rl-test:"),
		WithBuckets(buckets),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l, mr
}

// Scenario 1: size 10, per_second 5, take(1) -> conformant, remaining 9.
func TestTake_FirstCallFromFreshBucket(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	res, err := l.Take("api", "1.1.1.1")
	require.NoError(t, err)

	assert.True(t, res.Conformant)
	assert.EqualValues(t, 9, res.Remaining)
	assert.EqualValues(t, 10, res.Limit)
}

// Scenario 2: requesting more than remaining is non-conformant and doesn't
// consume anything.
func TestTake_OverRequestIsNonConformant(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	res, err := l.Take("api", "1.1.1.1", WithCount(12))
	require.NoError(t, err)

	assert.False(t, res.Conformant)
	assert.EqualValues(t, 10, res.Remaining)
}

// Scenario 3: ten serial takes exhaust the bucket; the eleventh is
// non-conformant; advancing server time refills it.
func TestTake_ExhaustionAndRefill(t *testing.T) {
	l, mr := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	for i := 0; i < 10; i++ {
		res, err := l.Take("api", "1.1.1.1")
		require.NoError(t, err)
		require.True(t, res.Conformant)
	}

	res, err := l.Take("api", "1.1.1.1")
	require.NoError(t, err)
	assert.False(t, res.Conformant)
	assert.EqualValues(t, 0, res.Remaining)

	mr.FastForward(500 * time.Millisecond)
	res, err = l.Take("api", "1.1.1.1", WithCount(0))
	require.NoError(t, err)
	_ = res // count 0 drips without consuming; use Get for remaining below

	got, err := l.Get("api", "1.1.1.1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.Remaining)

	mr.FastForward(500 * time.Millisecond)
	got, err = l.Get("api", "1.1.1.1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Remaining)
}

// Scenario 4: an exact-key override raises effective capacity.
func TestTake_ExactOverrideRaisesCapacity(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {
			Size: 10, PerSecond: 5,
			Overrides: map[string]bucket.Override{
				"127.0.0.1": {Type: bucket.Type{Size: 100, PerSecond: 100}},
			},
		},
	})

	for i := 0; i < 10; i++ {
		res, err := l.Take("api", "127.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Conformant)
	}

	res, err := l.Take("api", "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.InDelta(t, 89, res.Remaining, 1)
}

// Scenario 5: a fixed bucket (no per-interval) never refills; reset stays 0.
func TestTake_FixedBucketNeverRefills(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"fixed": {Size: 10},
	})

	for i := 0; i < 10; i++ {
		res, err := l.Take("fixed", "k")
		require.NoError(t, err)
		require.True(t, res.Conformant)
		assert.EqualValues(t, 0, res.Reset)
	}

	res, err := l.Take("fixed", "k")
	require.NoError(t, err)
	assert.False(t, res.Conformant)
	assert.EqualValues(t, 0, res.Reset)
}

// Scenario 6: a negative put pushes a full bucket below zero.
func TestPut_NegativeCountGoesBelowZero(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	_, err := l.Put("api", "1.1.1.1", WithCount(-100))
	require.NoError(t, err)

	res, err := l.Take("api", "1.1.1.1", WithCount(0))
	require.NoError(t, err)
	assert.False(t, res.Conformant)

	got, err := l.Get("api", "1.1.1.1")
	require.NoError(t, err)
	assert.InDelta(t, -90, got.Remaining, 1)
}

// P8: a put that fills a bucket to size deletes the key.
func TestPut_FullIsAbsent(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	_, err := l.Take("api", "k", WithCount(5))
	require.NoError(t, err)

	_, err = l.Put("api", "k", WithCount(5))
	require.NoError(t, err)

	res, err := l.Take("api", "k", WithCount(1))
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.EqualValues(t, 9, res.Remaining)
}

func TestUnlimitedBucketNeverTouchesStore(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"unlimited": {Size: 1, Unlimited: true},
	})

	for i := 0; i < 1000; i++ {
		res, err := l.Take("unlimited", "k")
		require.NoError(t, err)
		assert.True(t, res.Conformant)
	}
}

func TestTake_UnknownTypeIsValidationError(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	_, err := l.Take("nope", "k")
	require.Error(t, err)
}

func TestTake_MissingKeyIsValidationError(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	_, err := l.Take("api", "")
	require.Error(t, err)
}

func TestWait_ReturnsImmediatelyWhenConformant(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	res, err := l.Wait("api", "k")
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.False(t, res.Delayed)
}

// Scenario 7 (spec §4.5/§9 skip-cache): a bucket with skip_n_calls set
// serves its budget of Takes from the local cache without touching the
// store, then falls through to a fresh dispatch once the budget is spent.
func TestTake_SkipCacheServesBudgetThenFallsThrough(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5, SkipNCalls: 2},
	})

	first, err := l.Take("api", "k")
	require.NoError(t, err)
	require.True(t, first.Conformant)
	assert.EqualValues(t, 9, first.Remaining)

	// Put bypasses the skip-cache entirely, so mutating the store this way
	// lets a cache hit and a store round-trip be told apart: a skip-cache
	// hit still reports the stale "9 remaining" baseline, while a fresh
	// dispatch would see the Put's effect.
	_, err = l.Put("api", "k", WithCount(-1))
	require.NoError(t, err)

	second, err := l.Take("api", "k")
	require.NoError(t, err)
	assert.True(t, second.Conformant)
	assert.EqualValues(t, 9, second.Remaining, "second call should be served from the skip-cache, unaffected by the Put")

	third, err := l.Take("api", "k")
	require.NoError(t, err)
	assert.True(t, third.Conformant)
	assert.EqualValues(t, 9, third.Remaining, "third call is still within the skip_n_calls=2 budget")

	fourth, err := l.Take("api", "k")
	require.NoError(t, err)
	assert.EqualValues(t, 7, fourth.Remaining, "fourth call exceeds the budget and must dispatch to the store fresh, observing the Put's effect")
}

// A non-conformant Take is never served from the skip-cache; every
// subsequent call dispatches to the store so the caller always sees the
// latest authoritative state once the bucket is empty.
func TestTake_SkipCacheNeverServesNonConformantResult(t *testing.T) {
	l, mr := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 1, PerSecond: 1, SkipNCalls: 5},
	})

	_, err := l.Take("api", "k")
	require.NoError(t, err)

	res, err := l.Take("api", "k")
	require.NoError(t, err)
	require.False(t, res.Conformant)

	mr.FastForward(2 * time.Second)

	res, err = l.Take("api", "k")
	require.NoError(t, err)
	assert.True(t, res.Conformant, "a non-conformant cached result must fall through and observe the refill")
}

// A single retry through Wait's take->sleep->take loop must set Delayed on
// the result it returns; regression test for a duplicate, unmarked
// dispatch at the top of the loop that used to skip this.
func TestWait_SetsDelayedAfterOneRetry(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 1, PerSecond: 1000},
	})

	_, err := l.Take("api", "k")
	require.NoError(t, err)

	res, err := l.Wait("api", "k")
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.True(t, res.Delayed, "a result only reachable after sleeping must report Delayed")
}

func TestClose_TwiceErrors(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]bucket.Type{
		"api": {Size: 10, PerSecond: 5},
	})

	require.NoError(t, l.Close())
	require.Error(t, l.Close())
}
