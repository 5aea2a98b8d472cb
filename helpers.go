package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/tbucket/ratelimit/bucket"
	"github.com/tbucket/ratelimit/limiterrors"
	"github.com/tbucket/ratelimit/utils"
	"github.com/tbucket/ratelimit/utils/builderpool"
)

// waitSleepThreshold bounds how short a Wait retry delay can be before it
// is slept unconditionally rather than made cancellable: sub-tick delays
// aren't worth a timer-versus-context select.
const waitSleepThreshold = 5 * time.Millisecond

// bucketKey builds the logical "type:key" identifier for a bucket instance,
// borrowing a pooled builder rather than concatenating with +.
func bucketKey(typeName, key string) string {
	sb := builderpool.Get()
	defer builderpool.Put(sb)
	sb.WriteString(typeName)
	sb.WriteByte(':')
	sb.WriteString(key)
	return sb.String()
}

// skipEntry is one opportunistic skip-cache slot (spec §4.5): count tracks
// how many local answers have been served against the last authoritative
// result since it was last refreshed from the store.
type skipEntry struct {
	count  int
	result TakeResult
}

// skipLookup serves a cached result without touching the store, if the
// entry exists, hasn't exhausted its budget, and its last authoritative
// result was conformant. A non-conformant cached result always falls
// through to a fresh store dispatch.
func (l *Limiter) skipLookup(logicalKey string, skipNCalls int) (TakeResult, bool) {
	l.skipMu.Lock()
	defer l.skipMu.Unlock()

	entry, ok := l.skipCache[logicalKey]
	if !ok || entry.count >= skipNCalls || !entry.result.Conformant {
		return TakeResult{}, false
	}
	entry.count++
	return entry.result, true
}

// skipStore records a fresh authoritative result as the new skip-cache
// baseline for logicalKey, resetting its local call count to zero.
func (l *Limiter) skipStore(logicalKey string, result TakeResult) {
	l.skipMu.Lock()
	defer l.skipMu.Unlock()

	l.skipCache[logicalKey] = &skipEntry{count: 0, result: result}
}

// resolveCount interprets a WithCount value for Take/Wait: an integer, the
// string "all" (capped to size), or nil/absent (defaultCount).
func resolveCount(raw any, size int64, defaultCount int64) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return defaultCount, nil
	case string:
		if v == "all" {
			return size, nil
		}
		return 0, limiterrors.NewValidation(limiterrors.CodeInvalidCount, "invalid count %q", v)
	default:
		n, ok := toInt64(raw)
		if !ok {
			return 0, limiterrors.NewValidation(limiterrors.CodeInvalidCount, "invalid count %v", raw)
		}
		if n < 0 {
			return 0, limiterrors.NewValidation(limiterrors.CodeInvalidCount, "count must not be negative: %v", raw)
		}
		return n, nil
	}
}

// resolveSignedCount interprets a WithCount value for Put: an integer (may
// be negative, to remove tokens), "all" (defaults to size), or nil/absent
// (defaults to size).
func resolveSignedCount(raw any, size int64) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return size, nil
	case string:
		if v == "all" {
			return size, nil
		}
		return 0, limiterrors.NewValidation(limiterrors.CodeInvalidCount, "invalid count %q", v)
	default:
		n, ok := toInt64(raw)
		if !ok {
			return 0, limiterrors.NewValidation(limiterrors.CodeInvalidCount, "invalid count %v", raw)
		}
		return n, nil
	}
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func nowSec() int64 {
	return time.Now().Unix()
}

func resetSec(resetMs int64) int64 {
	return int64(math.Ceil(float64(resetMs) / 1000.0))
}

// computeResetSec derives a reset time for Get, which (unlike Take/Put)
// doesn't get one back from the store (spec §4.5 "Reset-time calculation"):
// ceil((nowMs + (size - remaining) * dripInterval) / 1000) when refilling,
// 0 for fixed buckets.
func computeResetSec(cfg *bucket.Config, remaining float64) int64 {
	if cfg.Fixed() {
		return 0
	}
	msUntilFull := (float64(cfg.Size) - remaining) * cfg.DripIntervalMs
	if msUntilFull < 0 {
		msUntilFull = 0
	}
	return resetSec(nowMs() + int64(math.Ceil(msUntilFull)))
}

func msToDuration(ms float64) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return utils.SleepOrWait(ctx, d, waitSleepThreshold)
}
