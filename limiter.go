package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/tbucket/ratelimit/bucket"
	"github.com/tbucket/ratelimit/limiterrors"
	"github.com/tbucket/ratelimit/pingmon"
	"github.com/tbucket/ratelimit/resilience"
	"github.com/tbucket/ratelimit/store"
	"github.com/tbucket/ratelimit/utils"
	"github.com/tbucket/ratelimit/utils/builderpool"
)

// Limiter is the public Rate-Limiter Engine: Take/Wait/Put/Get/ResetAll,
// validation, the unlimited shortcut, reset-time computation, the wait
// timing loop, and the optional opportunistic skip-cache.
type Limiter struct {
	prefix string
	types  map[string]*bucket.Config

	store   *store.Driver
	wrapper *resilience.Wrapper
	pingMon *pingmon.Monitor

	events chan Event

	skipMu    sync.Mutex
	skipCache map[string]*skipEntry

	closed bool
}

// New constructs a Limiter: it opens the store connection, registers the
// scripts, normalizes the bucket types, and (in single-node mode) starts
// the ping monitor.
func New(opts ...Option) (*Limiter, error) {
	cfg := Config{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("ratelimit: failed to apply option: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	types, err := bucket.Normalize(cfg.Buckets, bucket.WithTTLCeiling(cfg.GlobalTTL))
	if err != nil {
		return nil, err
	}

	drv, err := store.New(store.Config{
		URI:      cfg.URI,
		Nodes:    cfg.Nodes,
		Password: cfg.Password,
		TLS:      cfg.TLS,
		Prefix:   cfg.Prefix,
		Resolver: cfg.DNSLookup,
	})
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		prefix:    cfg.Prefix,
		types:     types,
		store:     drv,
		wrapper:   resilience.New(cfg.resilienceRetry(), cfg.CommandTimeout, cfg.resilienceBreaker()),
		events:    make(chan Event, 32),
		skipCache: make(map[string]*skipEntry),
	}

	go l.forwardStoreEvents()

	if !cfg.clusterMode() {
		l.pingMon = pingmon.New(cfg.pingMonConfig(),
			func(ctx context.Context) error { return l.store.Ping(ctx) },
			func() error { return l.store.Reconnect() },
		)
		l.pingMon.Start()
		go l.forwardPingEvents()
	}

	return l, nil
}

// TakeResult is the response shape for Take and Wait.
type TakeResult struct {
	Conformant bool
	Remaining  int64
	Reset      int64 // unix seconds
	Limit      int64
	Delayed    bool
}

// PutResult is the response shape for Put.
type PutResult struct {
	Remaining int64
	Reset     int64
	Limit     int64
}

// GetResult is the response shape for Get.
type GetResult struct {
	Remaining int64
	Reset     int64
	Limit     int64
}

// Take checks whether a request for typeName/key may proceed, consuming
// tokens from the store if so.
func (l *Limiter) Take(typeName, key string, opts ...CallOption) (TakeResult, error) {
	call, effective, err := l.prepare(typeName, key, opts)
	if err != nil {
		return TakeResult{}, err
	}

	if effective.Unlimited {
		return TakeResult{Conformant: true, Remaining: effective.Size, Reset: nowSec(), Limit: effective.Size, Delayed: false}, nil
	}

	count, err := resolveCount(call.count, effective.Size, 1)
	if err != nil {
		return TakeResult{}, err
	}

	logicalKey := bucketKey(typeName, key)

	if effective.SkipNCalls > 0 {
		if cached, ok := l.skipLookup(logicalKey, effective.SkipNCalls); ok {
			return cached, nil
		}
	}

	result, err := resilience.Do(call.ctx, l.wrapper, func(ctx context.Context) (TakeResult, error) {
		res, err := l.store.Take(ctx, logicalKey, effective.TokensPerMs, effective.Size, float64(count), effective.TTLSec, effective.DripIntervalMs)
		if err != nil {
			return TakeResult{}, limiterrors.NewStore(err)
		}
		return TakeResult{
			Conformant: res.Conformant,
			Remaining:  int64(math.Round(res.NewRemaining)),
			Reset:      resetSec(res.ResetMs),
			Limit:      effective.Size,
			Delayed:    false,
		}, nil
	})
	if err != nil {
		return TakeResult{}, err
	}

	if effective.SkipNCalls > 0 {
		l.skipStore(logicalKey, result)
	}

	return result, nil
}

// Wait blocks the caller until enough tokens accrue, or an error occurs.
// When count == 0 and the bucket is non-conformant, it returns
// immediately, conformant, without delay.
func (l *Limiter) Wait(typeName, key string, opts ...CallOption) (TakeResult, error) {
	call, effective, err := l.prepare(typeName, key, opts)
	if err != nil {
		return TakeResult{}, err
	}

	count, err := resolveCount(call.count, effective.Size, 1)
	if err != nil {
		return TakeResult{}, err
	}

	if count == 0 {
		result, err := l.Take(typeName, key, opts...)
		if err != nil {
			return TakeResult{}, err
		}
		result.Conformant = true
		return result, nil
	}

	result, err := l.Take(typeName, key, opts...)
	if err != nil {
		return TakeResult{}, err
	}

	for !result.Conformant {
		if effective.Fixed() {
			// A fixed bucket never auto-refills; waiting would spin
			// forever with no way to become conformant via the passage
			// of time, so surface the non-conformant result instead.
			return result, nil
		}

		minWaitMs := math.Ceil(float64(count-result.Remaining) * float64(effective.IntervalMs) / float64(effective.PerInterval))
		if err := sleepCtx(call.ctx, msToDuration(minWaitMs)); err != nil {
			return TakeResult{}, limiterrors.NewTransport(err)
		}

		result, err = l.Take(typeName, key, opts...)
		if err != nil {
			return TakeResult{}, err
		}
		result.Delayed = true
	}

	return result, nil
}

// Put adds (or, with a negative count, removes) tokens from a bucket.
func (l *Limiter) Put(typeName, key string, opts ...CallOption) (PutResult, error) {
	call, effective, err := l.prepare(typeName, key, opts)
	if err != nil {
		return PutResult{}, err
	}

	if effective.Unlimited {
		return PutResult{Remaining: effective.Size, Reset: nowSec(), Limit: effective.Size}, nil
	}

	count, err := resolveSignedCount(call.count, effective.Size)
	if err != nil {
		return PutResult{}, err
	}

	logicalKey := bucketKey(typeName, key)
	result, err := resilience.Do(call.ctx, l.wrapper, func(ctx context.Context) (PutResult, error) {
		res, err := l.store.Put(ctx, logicalKey, float64(count), effective.Size, effective.TTLSec, effective.DripIntervalMs)
		if err != nil {
			return PutResult{}, limiterrors.NewStore(err)
		}
		return PutResult{
			Remaining: int64(math.Round(res.NewRemaining)),
			Reset:     resetSec(res.ResetMs),
			Limit:     effective.Size,
		}, nil
	})
	if err != nil {
		return PutResult{}, err
	}
	return result, nil
}

// Get reports the current remaining tokens and reset time without
// consuming any.
func (l *Limiter) Get(typeName, key string, opts ...CallOption) (GetResult, error) {
	call, effective, err := l.prepare(typeName, key, opts)
	if err != nil {
		return GetResult{}, err
	}

	if effective.Unlimited {
		return GetResult{Remaining: effective.Size, Reset: nowSec(), Limit: effective.Size}, nil
	}

	logicalKey := bucketKey(typeName, key)
	result, err := resilience.Do(call.ctx, l.wrapper, func(ctx context.Context) (GetResult, error) {
		res, err := l.store.Get(ctx, logicalKey)
		if err != nil {
			return GetResult{}, limiterrors.NewStore(err)
		}

		remaining := float64(effective.Size)
		lastDripMs := nowMs()
		if res.Exists {
			remaining = res.Remaining
			lastDripMs = res.LastDripMs
		}

		if effective.TokensPerMs > 0 && res.Exists {
			elapsed := float64(nowMs() - lastDripMs)
			if elapsed < 0 {
				elapsed = 0
			}
			remaining = math.Min(remaining+elapsed*effective.TokensPerMs, float64(effective.Size))
		}

		return GetResult{
			Remaining: int64(math.Round(remaining)),
			Reset:     computeResetSec(effective, remaining),
			Limit:     effective.Size,
		}, nil
	})
	if err != nil {
		return GetResult{}, err
	}
	return result, nil
}

// ResetAll issues a database flush on every master node.
func (l *Limiter) ResetAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := resilience.Do(ctx, l.wrapper, func(ctx context.Context) (struct{}, error) {
		if err := l.store.FlushAll(ctx); err != nil {
			return struct{}{}, limiterrors.NewStore(err)
		}
		return struct{}{}, nil
	})
	l.skipMu.Lock()
	l.skipCache = make(map[string]*skipEntry)
	l.skipMu.Unlock()
	return err
}

// Close shuts down the ping monitor, stops forwarding events, and quits
// the store connection. Calling Close twice returns an "already closed"
// error.
func (l *Limiter) Close() error {
	if l.closed {
		return fmt.Errorf("ratelimit: already closed")
	}
	l.closed = true

	if l.pingMon != nil {
		l.pingMon.Stop()
	}
	err := l.store.Close()
	return err
}

// prepare validates inputs and resolves the effective bucket config.
func (l *Limiter) prepare(typeName, key string, opts []CallOption) (*callOptions, *bucket.Config, error) {
	if typeName == "" {
		return nil, nil, limiterrors.NewValidation(limiterrors.CodeMissingType, "type is required")
	}
	if key == "" {
		return nil, nil, limiterrors.NewValidation(limiterrors.CodeMissingKey, "key is required")
	}
	if err := utils.ValidateTypeName(typeName); err != nil {
		return nil, nil, limiterrors.NewValidation(limiterrors.CodeInvalidKeyFormat, "%v", err)
	}
	if err := utils.ValidateKey(key, "key"); err != nil {
		return nil, nil, limiterrors.NewValidation(limiterrors.CodeInvalidKeyFormat, "%v", err)
	}

	call, err := parseCallOptions(opts)
	if err != nil {
		return nil, nil, limiterrors.NewValidation(limiterrors.CodeInvalidConfigOverride, "%v", err)
	}

	typ, ok := l.types[typeName]
	if !ok {
		return nil, nil, limiterrors.NewValidation(limiterrors.CodeUnknownType, "unknown bucket type %q", typeName)
	}

	effective, err := bucket.Resolve(typ, key, call.override)
	if err != nil {
		return nil, nil, limiterrors.NewValidation(limiterrors.CodeInvalidConfigOverride, "%v", err)
	}

	return call, effective, nil
}
