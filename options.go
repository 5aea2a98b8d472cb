package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/tbucket/ratelimit/bucket"
)

// Option is a functional option for New, mirroring the teacher's
// functional-options construction style.
type Option func(*Config) error

func WithURI(uri string) Option {
	return func(c *Config) error { c.URI = uri; return nil }
}

func WithNodes(nodes ...string) Option {
	return func(c *Config) error { c.Nodes = nodes; return nil }
}

func WithBuckets(buckets map[string]bucket.Type) Option {
	return func(c *Config) error {
		if len(buckets) == 0 {
			return fmt.Errorf("ratelimit: WithBuckets requires at least one bucket type")
		}
		c.Buckets = buckets
		return nil
	}
}

func WithPrefix(prefix string) Option {
	return func(c *Config) error { c.Prefix = prefix; return nil }
}

func WithPassword(password string) Option {
	return func(c *Config) error { c.Password = password; return nil }
}

func WithTLS(cfg *tls.Config) Option {
	return func(c *Config) error { c.TLS = cfg; return nil }
}

// WithGlobalTTL caps every bucket type's derived TTL at d instead of the
// normalizer's default one-week ceiling.
func WithGlobalTTL(d time.Duration) Option {
	return func(c *Config) error { c.GlobalTTL = d; return nil }
}

// WithDNSLookup installs a custom resolver for store node hostnames,
// replacing the system resolver used when dialing Redis.
func WithDNSLookup(fn func(host string) ([]string, error)) Option {
	return func(c *Config) error { c.DNSLookup = fn; return nil }
}

func WithPing(ping PingConfig) Option {
	return func(c *Config) error { c.Ping = &ping; return nil }
}

func WithRetry(retry RetryConfig) Option {
	return func(c *Config) error { c.Retry = &retry; return nil }
}

func WithCircuitBreaker(cb CircuitBreakerConfig) Option {
	return func(c *Config) error { c.CircuitBreaker = &cb; return nil }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) error { c.CommandTimeout = d; return nil }
}

// CallOption configures a single Take/Wait/Put/Get call.
type CallOption func(*callOptions) error

type callOptions struct {
	ctx      context.Context
	count    any // int, int64, "all", or nil (absent)
	override *bucket.Type
}

// WithContext supplies a context for the call. Defaults to
// context.Background().
func WithContext(ctx context.Context) CallOption {
	return func(o *callOptions) error {
		if ctx == nil {
			return fmt.Errorf("ratelimit: context cannot be nil")
		}
		o.ctx = ctx
		return nil
	}
}

// WithCount supplies the number of tokens to take/put. Accepted values are
// an integer (any Go integer kind), the string "all", or nil/absent
// (defaults to 1 for take/wait, to the bucket size for put). Anything else
// is rejected with a validation error at call time.
func WithCount(count any) CallOption {
	return func(o *callOptions) error {
		o.count = count
		return nil
	}
}

// WithConfigOverride supplies a per-call bucket configuration, taking
// precedence over any exact-name or regex override (spec §4.2).
func WithConfigOverride(override bucket.Type) CallOption {
	return func(o *callOptions) error {
		o.override = &override
		return nil
	}
}

func parseCallOptions(opts []CallOption) (*callOptions, error) {
	result := &callOptions{ctx: context.Background()}
	for _, opt := range opts {
		if err := opt(result); err != nil {
			return nil, err
		}
	}
	return result, nil
}
