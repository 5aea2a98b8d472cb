package store

import (
	"context"
	"strconv"
)

// TakeResult is the decoded reply of the take script.
type TakeResult struct {
	NewRemaining float64
	Conformant   bool
	ServerNowMs  int64
	ResetMs      int64
}

// PutResult is the decoded reply of the put script.
type PutResult struct {
	NewRemaining float64
	ServerNowMs  int64
	ResetMs      int64
}

// GetResult is the decoded reply of a plain hmget('d','r').
type GetResult struct {
	Exists     bool
	LastDripMs int64
	Remaining  float64
}

// Take runs the take script: drip-refill the bucket then attempt to
// consume tokensToTake tokens. tokensPerMs and dripIntervalMs are both 0
// for a fixed bucket (one with no auto-refill).
//
// script.Run uses EVALSHA and transparently falls back to EVAL on
// NOSCRIPT, the same contract the teacher's hand-rolled cns.lua fallback
// implements for CheckAndSet, but provided here directly by go-redis.
func (d *Driver) Take(ctx context.Context, logicalKey string, tokensPerMs float64, size int64, tokensToTake float64, ttlSec int64, dripIntervalMs float64) (TakeResult, error) {
	client, err := d.currentClient()
	if err != nil {
		return TakeResult{}, err
	}

	key := d.key(logicalKey)
	reply, err := d.takeScript.Run(ctx, client, []string{key},
		formatFloat(tokensPerMs),
		strconv.FormatInt(size, 10),
		formatFloat(tokensToTake),
		strconv.FormatInt(ttlSec, 10),
		formatFloat(dripIntervalMs),
	).Result()
	if err != nil {
		return TakeResult{}, d.classify("take", key, err)
	}

	fields, ok := reply.([]any)
	if !ok || len(fields) != 4 {
		return TakeResult{}, wrapEvalErr("take", key, errUnexpectedReply)
	}

	newR, err := parseFloat(fields[0])
	if err != nil {
		return TakeResult{}, wrapEvalErr("take", key, err)
	}
	conformantRaw, err := parseInt(fields[1])
	if err != nil {
		return TakeResult{}, wrapEvalErr("take", key, err)
	}
	nowMs, err := parseInt(fields[2])
	if err != nil {
		return TakeResult{}, wrapEvalErr("take", key, err)
	}
	resetMs, err := parseInt(fields[3])
	if err != nil {
		return TakeResult{}, wrapEvalErr("take", key, err)
	}

	return TakeResult{
		NewRemaining: newR,
		Conformant:   conformantRaw == 1,
		ServerNowMs:  nowMs,
		ResetMs:      resetMs,
	}, nil
}

// Put runs the put script: add (or remove, if negative) tokensToAdd tokens.
func (d *Driver) Put(ctx context.Context, logicalKey string, tokensToAdd float64, size int64, ttlSec int64, dripIntervalMs float64) (PutResult, error) {
	client, err := d.currentClient()
	if err != nil {
		return PutResult{}, err
	}

	key := d.key(logicalKey)
	reply, err := d.putScript.Run(ctx, client, []string{key},
		formatFloat(tokensToAdd),
		strconv.FormatInt(size, 10),
		strconv.FormatInt(ttlSec, 10),
		formatFloat(dripIntervalMs),
	).Result()
	if err != nil {
		return PutResult{}, d.classify("put", key, err)
	}

	fields, ok := reply.([]any)
	if !ok || len(fields) != 3 {
		return PutResult{}, wrapEvalErr("put", key, errUnexpectedReply)
	}

	newR, err := parseFloat(fields[0])
	if err != nil {
		return PutResult{}, wrapEvalErr("put", key, err)
	}
	nowMs, err := parseInt(fields[1])
	if err != nil {
		return PutResult{}, wrapEvalErr("put", key, err)
	}
	resetMs, err := parseInt(fields[2])
	if err != nil {
		return PutResult{}, wrapEvalErr("put", key, err)
	}

	return PutResult{NewRemaining: newR, ServerNowMs: nowMs, ResetMs: resetMs}, nil
}

// Get performs a pure hmget('d','r') read. The caller (the Engine) supplies
// the drip computation for the response since it holds the config.
func (d *Driver) Get(ctx context.Context, logicalKey string) (GetResult, error) {
	client, err := d.currentClient()
	if err != nil {
		return GetResult{}, err
	}

	key := d.key(logicalKey)
	vals, err := client.HMGet(ctx, key, "d", "r").Result()
	if err != nil {
		return GetResult{}, d.classify("get", key, err)
	}

	if vals[0] == nil || vals[1] == nil {
		return GetResult{Exists: false}, nil
	}

	lastDrip, err := parseFloat(vals[0])
	if err != nil {
		return GetResult{}, wrapEvalErr("get", key, err)
	}
	remaining, err := parseFloat(vals[1])
	if err != nil {
		return GetResult{}, wrapEvalErr("get", key, err)
	}

	return GetResult{Exists: true, LastDripMs: int64(lastDrip), Remaining: remaining}, nil
}

func parseFloat(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errUnexpectedReply
	}
	return strconv.ParseFloat(s, 64)
}

func parseInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errUnexpectedReply
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
