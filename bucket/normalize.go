package bucket

import (
	"fmt"
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// overridesCacheSize bounds the per-type regex-match memoization cache.
const overridesCacheSize = 50

// NormalizeOption configures a Normalize call.
type NormalizeOption func(*normalizeConfig)

type normalizeConfig struct {
	ttlCeiling time.Duration
}

// WithTTLCeiling caps every type's derived TTL at ttl instead of the
// default one week (maxDefaultTTL). A zero or negative ttl leaves the
// default in place.
func WithTTLCeiling(ttl time.Duration) NormalizeOption {
	return func(c *normalizeConfig) {
		if ttl > 0 {
			c.ttlCeiling = ttl
		}
	}
}

// Normalize turns a map of user-supplied type definitions into their
// canonical Config form. It applies, per type, the steps from the
// normalizer's specification: copy shortcuts into interval/per_interval,
// default size from per_interval, derive TTL, normalize overrides
// (recursively), and drop overrides already expired at load time.
func Normalize(defs map[string]Type, opts ...NormalizeOption) (map[string]*Config, error) {
	nc := normalizeConfig{ttlCeiling: maxDefaultTTL}
	for _, opt := range opts {
		opt(&nc)
	}

	out := make(map[string]*Config, len(defs))
	for name, def := range defs {
		cfg, err := normalizeOne(name, def, time.Now(), nc.ttlCeiling)
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

// normalizeOne normalizes a single Type into a Config, recursing into its
// Overrides/OverridesMatch. now is the reference instant used to drop
// already-expired overrides; ttlCeiling bounds the derived TTL.
func normalizeOne(name string, def Type, now time.Time, ttlCeiling time.Duration) (*Config, error) {
	intervalMs, perInterval := applyShortcut(def)

	size := int64(def.Size)
	if size == 0 {
		size = int64(perInterval)
	}
	if size < 1 {
		return nil, newConfigError(name, "size must be positive (got %d)", size)
	}
	if perInterval < 0 {
		return nil, newConfigError(name, "per_interval must not be negative")
	}

	cfg := &Config{
		Name:        name,
		Size:        size,
		PerInterval: int64(perInterval),
		IntervalMs:  intervalMs,
		Unlimited:   def.Unlimited,
		SkipNCalls:  max(def.SkipNCalls, 0),
		ttlCeiling:  ttlCeiling,
	}

	if perInterval > 0 && intervalMs > 0 {
		cfg.TokensPerMs = float64(perInterval) / float64(intervalMs)
		cfg.DripIntervalMs = float64(intervalMs) / float64(perInterval)

		ttl := def.TTL
		if ttl == 0 {
			derivedMs := size * intervalMs / int64(perInterval)
			if derivedMs > ttlCeiling.Milliseconds() {
				ttl = ttlCeiling
			} else {
				ttl = time.Duration(derivedMs) * time.Millisecond
			}
		}
		if ttl > ttlCeiling {
			ttl = ttlCeiling
		}
		cfg.TTLSec = int64(ttl / time.Second)
		if cfg.TTLSec < 1 {
			cfg.TTLSec = 1
		}
	}

	exact, err := normalizeNamedOverrides(name, def.Overrides, now, ttlCeiling)
	if err != nil {
		return nil, err
	}
	cfg.overrides = exact

	matched, err := normalizeMatchOverrides(name, def, now, ttlCeiling)
	if err != nil {
		return nil, err
	}
	cfg.overridesMatch = matched

	cache, err := lru.New[string, cachedMatch](overridesCacheSize)
	if err != nil {
		return nil, fmt.Errorf("bucket config %q: failed to allocate overrides cache: %w", name, err)
	}
	cfg.overridesCache = overrideCache{lru: cache}

	return cfg, nil
}

// applyShortcut copies a per_second/per_minute/per_hour/per_day shortcut
// into interval/per_interval form. Explicit interval/per_interval win when
// no shortcut is set.
func applyShortcut(def Type) (intervalMs int64, perInterval int) {
	switch {
	case def.PerSecond > 0:
		return msPerSecond, def.PerSecond
	case def.PerMinute > 0:
		return msPerMinute, def.PerMinute
	case def.PerHour > 0:
		return msPerHour, def.PerHour
	case def.PerDay > 0:
		return msPerDay, def.PerDay
	default:
		return def.Interval.Milliseconds(), def.PerInterval
	}
}

func normalizeNamedOverrides(typeName string, overrides map[string]Override, now time.Time, ttlCeiling time.Duration) (map[string]*namedOverride, error) {
	if len(overrides) == 0 {
		return nil, nil
	}

	out := make(map[string]*namedOverride, len(overrides))
	for key, ov := range overrides {
		if ov.Until != nil && ov.Until.Before(now) {
			continue // already expired at load time
		}
		sub, err := normalizeOne(typeName+":override:"+key, ov.Type, now, ttlCeiling)
		if err != nil {
			return nil, err
		}
		out[key] = &namedOverride{config: sub, until: ov.Until}
	}
	return out, nil
}

// normalizeMatchOverrides compiles each regex override in the order given
// (spec's first-match-wins, insertion-order tie-break), since def.Overrides
// Match is a slice rather than a map precisely so that order is well
// defined without a separate ordering field.
func normalizeMatchOverrides(typeName string, def Type, now time.Time, ttlCeiling time.Duration) ([]*matchOverride, error) {
	if len(def.OverridesMatch) == 0 {
		return nil, nil
	}

	out := make([]*matchOverride, 0, len(def.OverridesMatch))
	for _, m := range def.OverridesMatch {
		ov := m.Override
		if ov.Until != nil && ov.Until.Before(now) {
			continue // already expired at load time
		}
		re, err := regexp.Compile("(?i)" + m.Pattern)
		if err != nil {
			return nil, newConfigError(typeName, "invalid match pattern %q: %v", m.Pattern, err)
		}
		sub, err := normalizeOne(typeName+":match:"+m.Pattern, ov.Type, now, ttlCeiling)
		if err != nil {
			return nil, err
		}
		out = append(out, &matchOverride{pattern: re, config: sub, until: ov.Until})
	}
	return out, nil
}
