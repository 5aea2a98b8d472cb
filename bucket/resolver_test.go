package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNormalize(t *testing.T, defs map[string]Type) map[string]*Config {
	t.Helper()
	cfgs, err := Normalize(defs)
	require.NoError(t, err)
	return cfgs
}

func TestResolve_TypeDefault(t *testing.T) {
	cfgs := mustNormalize(t, map[string]Type{
		"ip": {Size: 10, PerSecond: 5},
	})

	got, err := Resolve(cfgs["ip"], "1.1.1.1", nil)
	require.NoError(t, err)
	assert.Same(t, cfgs["ip"], got)
}

func TestResolve_ExactOverrideWinsOverRegex(t *testing.T) {
	cfgs := mustNormalize(t, map[string]Type{
		"ip": {
			Size:      10,
			PerSecond: 5,
			Overrides: map[string]Override{
				"127.0.0.1": {Type: Type{Size: 100, PerSecond: 100}},
			},
			OverridesMatch: []MatchOverride{
				{Pattern: "^127\\.", Override: Override{Type: Type{Size: 1, PerSecond: 1}}},
			},
		},
	})

	got, err := Resolve(cfgs["ip"], "127.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Size)
}

func TestResolve_RegexOverrideAndCache(t *testing.T) {
	cfgs := mustNormalize(t, map[string]Type{
		"ip": {
			Size:      10,
			PerSecond: 5,
			OverridesMatch: []MatchOverride{
				{Pattern: "^10\\.", Override: Override{Type: Type{Size: 50, PerSecond: 50}}},
			},
		},
	})

	typ := cfgs["ip"]
	got, err := Resolve(typ, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Size)

	cached, ok := typ.overridesCache.get("10.0.0.1")
	require.True(t, ok)
	assert.Same(t, got, cached.config)

	// Second resolve must hit the cache and return the identical config.
	again, err := Resolve(typ, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Same(t, got, again)
}

func TestResolve_RegexScanOrderIsInsertionOrder(t *testing.T) {
	cfgs := mustNormalize(t, map[string]Type{
		"ip": {
			Size:      10,
			PerSecond: 5,
			OverridesMatch: []MatchOverride{
				{Pattern: "first", Override: Override{Type: Type{Size: 1, PerSecond: 1}}},
				{Pattern: "second", Override: Override{Type: Type{Size: 2, PerSecond: 2}}},
			},
		},
	})

	got, err := Resolve(cfgs["ip"], "anything matching first and second", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Size)
}

// Reversing the slice order reverses which override wins, proving scan
// order is driven purely by OverridesMatch's slice position — not by any
// incidental map iteration order, since the field is no longer a map.
func TestResolve_RegexScanOrderFollowsSlicePositionWhenReversed(t *testing.T) {
	cfgs := mustNormalize(t, map[string]Type{
		"ip": {
			Size:      10,
			PerSecond: 5,
			OverridesMatch: []MatchOverride{
				{Pattern: "second", Override: Override{Type: Type{Size: 2, PerSecond: 2}}},
				{Pattern: "first", Override: Override{Type: Type{Size: 1, PerSecond: 1}}},
			},
		},
	})

	got, err := Resolve(cfgs["ip"], "anything matching first and second", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Size)
}

func TestResolve_ExpiredAtResolutionTimeIsTreatedAsAbsent(t *testing.T) {
	future := time.Now().Add(50 * time.Millisecond)
	cfgs := mustNormalize(t, map[string]Type{
		"ip": {
			Size:      10,
			PerSecond: 5,
			Overrides: map[string]Override{
				"1.2.3.4": {Type: Type{Size: 100, PerSecond: 100}, Until: &future},
			},
		},
	})

	typ := cfgs["ip"]
	got, err := Resolve(typ, "1.2.3.4", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Size)

	time.Sleep(80 * time.Millisecond)

	got, err = Resolve(typ, "1.2.3.4", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Size)
}

func TestResolve_PerCallOverrideWinsAndIsIndependentlyNormalized(t *testing.T) {
	cfgs := mustNormalize(t, map[string]Type{
		"ip": {Size: 10, PerSecond: 5},
	})

	call := &Type{Size: 2, PerSecond: 2}
	got, err := Resolve(cfgs["ip"], "1.1.1.1", call)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Size)
}
