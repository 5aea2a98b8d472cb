package ratelimit

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/tbucket/ratelimit/bucket"
	"github.com/tbucket/ratelimit/pingmon"
	"github.com/tbucket/ratelimit/resilience"
)

// Config is the Limiter's full construction-time configuration (spec §6).
// Missing URI and Nodes, or a missing Buckets map, is a fatal configuration
// error.
type Config struct {
	URI   string   // single-node connection string
	Nodes []string // cluster node addresses; enables cluster mode

	Buckets map[string]bucket.Type

	Prefix    string
	Password  string
	TLS       *tls.Config
	GlobalTTL time.Duration                       // caps every bucket type's derived TTL; 0 keeps the normalizer's one-week default
	DNSLookup func(host string) ([]string, error) // custom resolver for store node hostnames

	Ping           *PingConfig
	Retry          *RetryConfig
	CircuitBreaker *CircuitBreakerConfig
	CommandTimeout time.Duration
}

// PingConfig configures the Ping Monitor (single-node mode only).
type PingConfig struct {
	Interval          time.Duration
	MaxFailedAttempts int
	ReconnectIfFailed func() bool
}

// RetryConfig configures the Resilience Wrapper's retry budget.
type RetryConfig struct {
	Retries    int
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// CircuitBreakerConfig configures the Resilience Wrapper's circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures int32
	Cooldown    time.Duration
	MaxCooldown time.Duration
	OnTrip      func()
}

func (c Config) validate() error {
	if c.URI == "" && len(c.Nodes) == 0 {
		return fmt.Errorf("ratelimit: either uri or nodes must be set")
	}
	if len(c.Buckets) == 0 {
		return fmt.Errorf("ratelimit: buckets must be set")
	}
	return nil
}

func (c Config) resilienceRetry() resilience.RetryConfig {
	if c.Retry == nil {
		return resilience.RetryConfig{}
	}
	return resilience.RetryConfig{
		Retries:    c.Retry.Retries,
		MinTimeout: c.Retry.MinTimeout,
		MaxTimeout: c.Retry.MaxTimeout,
	}
}

func (c Config) resilienceBreaker() resilience.BreakerConfig {
	if c.CircuitBreaker == nil {
		return resilience.BreakerConfig{}
	}
	return resilience.BreakerConfig{
		MaxFailures: c.CircuitBreaker.MaxFailures,
		Cooldown:    c.CircuitBreaker.Cooldown,
		MaxCooldown: c.CircuitBreaker.MaxCooldown,
		OnTrip:      c.CircuitBreaker.OnTrip,
	}
}

func (c Config) pingMonConfig() pingmon.Config {
	if c.Ping == nil {
		return pingmon.Config{}
	}
	return pingmon.Config{
		Interval:          c.Ping.Interval,
		MaxFailedAttempts: c.Ping.MaxFailedAttempts,
		ReconnectIfFailed: c.Ping.ReconnectIfFailed,
	}
}

func (c Config) clusterMode() bool {
	return len(c.Nodes) > 0
}
