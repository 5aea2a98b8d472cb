package bucket

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedMatch is what the regex-override cache stores: the matched config
// plus its own expiry, so a cache hit can still be checked for staleness
// instead of being trusted forever.
type cachedMatch struct {
	config *Config
	until  *time.Time
}

// overrideCache memoizes regex-override matches per key. It is per-type,
// bounded, and read-mostly; the resolver is the only writer, on cache miss.
type overrideCache struct {
	lru *lru.Cache[string, cachedMatch]
}

func (c overrideCache) get(key string) (cachedMatch, bool) {
	if c.lru == nil {
		return cachedMatch{}, false
	}
	return c.lru.Get(key)
}

func (c overrideCache) put(key string, m cachedMatch) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, m)
}

func (c overrideCache) evict(key string) {
	if c.lru == nil {
		return
	}
	c.lru.Remove(key)
}

// Resolve picks the effective configuration for (typ, key, callerOverride)
// following the precedence order: per-call override > exact-name override >
// regex override (LRU-cached) > type default.
//
// A non-nil callerOverride is normalized independently and returned without
// consulting typ at all, matching the per-call override's "escape hatch"
// semantics.
func Resolve(typ *Config, key string, callerOverride *Type) (*Config, error) {
	if callerOverride != nil {
		return normalizeOne(typ.Name+":call-override", *callerOverride, time.Now(), typ.ttlCeiling)
	}

	now := time.Now()

	if exact, ok := typ.overrides[key]; ok {
		if !expired(exact.until, now) {
			return exact.config, nil
		}
		// Expired at resolution time even though it survived load time;
		// fall through to regex/default resolution.
	}

	if cached, ok := typ.overridesCache.get(key); ok {
		if !expired(cached.until, now) {
			return cached.config, nil
		}
		typ.overridesCache.evict(key)
		// Fall through to a fresh scan now that the cached match has
		// expired; a different, still-live override may still apply.
	}

	for _, m := range typ.overridesMatch {
		if expired(m.until, now) {
			continue
		}
		if m.pattern.MatchString(key) {
			typ.overridesCache.put(key, cachedMatch{config: m.config, until: m.until})
			return m.config, nil
		}
	}

	return typ, nil
}

func expired(until *time.Time, now time.Time) bool {
	return until != nil && until.Before(now)
}
