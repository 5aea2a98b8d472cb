// Package bucket implements the Config Normalizer and Bucket Resolver: it
// turns user-supplied bucket definitions into a canonical internal form and
// picks the effective configuration for a given (type, key) pair.
package bucket

import (
	"regexp"
	"time"
)

// maxDefaultTTL bounds the derived TTL of any bucket type (one week).
const maxDefaultTTL = 7 * 24 * time.Hour

// Shortcut interval equivalents, in milliseconds.
const (
	msPerSecond = 1_000
	msPerMinute = 60_000
	msPerHour   = 3_600_000
	msPerDay    = 86_400_000
)

// Type is the user-facing definition of a named bucket type. It may use
// either the explicit Interval/PerInterval pair or one of the PerSecond/
// PerMinute/PerHour/PerDay shortcuts.
type Type struct {
	Size        int           // capacity (max burst); defaults to PerInterval if zero
	PerInterval int           // tokens granted per Interval
	Interval    time.Duration // refill period; ignored if a shortcut is set

	PerSecond int // shortcut: PerInterval=PerSecond, Interval=1s
	PerMinute int // shortcut: PerInterval=PerMinute, Interval=1m
	PerHour   int // shortcut: PerInterval=PerHour, Interval=1h
	PerDay    int // shortcut: PerInterval=PerDay, Interval=24h

	Unlimited bool // if true, take/put never touch the store

	TTL time.Duration // explicit TTL override; derived from size/rate if zero

	SkipNCalls int // opportunistic skip-cache budget; 0 disables it

	// Overrides specializes this type for exact keys.
	Overrides map[string]Override
	// OverridesMatch specializes this type for keys matching a regex.
	// First match wins, scanned in slice order (spec's insertion-order
	// tie-break), which is why this is a slice rather than a map: a map's
	// iteration order isn't the configuration's insertion order.
	OverridesMatch []MatchOverride
}

// MatchOverride pairs a regex source with the override it applies when a
// key matches it.
type MatchOverride struct {
	Pattern  string
	Override Override
}

// Override specializes a Type for a specific key or regex match, optionally
// bounded in time by Until.
type Override struct {
	Type
	Until *time.Time // absolute expiry; nil means it never expires
}

// Config is the canonical, normalized form of a Type, ready for the
// resolver and the engine. All rate fields are expressed in milliseconds.
type Config struct {
	Name string

	Size           int64
	PerInterval    int64
	IntervalMs     int64
	TokensPerMs    float64 // PerInterval / IntervalMs; 0 for fixed buckets
	DripIntervalMs float64 // IntervalMs / PerInterval; 0 for fixed buckets
	TTLSec         int64

	Unlimited  bool
	SkipNCalls int

	ttlCeiling     time.Duration
	overrides      map[string]*namedOverride
	overridesMatch []*matchOverride
	overridesCache overrideCache
}

type namedOverride struct {
	config *Config
	until  *time.Time
}

type matchOverride struct {
	pattern *regexp.Regexp
	config  *Config
	until   *time.Time
}

// Fixed reports whether the bucket never auto-refills (per_interval == 0).
func (c *Config) Fixed() bool {
	return c.PerInterval == 0
}
