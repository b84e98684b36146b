// Package retry computes deterministic backoff delays and runs bounded retry
// loops. Jitter is derived from the call identity rather than a random
// source, so the same attempt always waits the same time.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identify the attempt whose delay is computed.
type Params struct {
	Scope        string
	Key          string
	AttemptIndex int
}

// Policy bounds a retry loop.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	// MaxAttempts counts every attempt, including the first.
	MaxAttempts int
}

// ProviderPolicy allows one retry of a provider invocation.
var ProviderPolicy = Policy{BaseMs: 2000, MaxMs: 10000, MaxJitterMs: 500, MaxAttempts: 2}

// TransportPolicy is used for hosting platform calls.
var TransportPolicy = Policy{BaseMs: 250, MaxMs: 5000, MaxJitterMs: 250, MaxAttempts: 4}

// ComputeBackoff returns the delay before attempt params.AttemptIndex.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	shift := params.AttemptIndex
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := policy.BaseMs << shift
	if delay > policy.MaxMs || delay < 0 {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(params, policy)) * time.Millisecond
}

func deterministicJitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Scope, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned. Waiting honors ctx.
func Do(ctx context.Context, policy Policy, params Params, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p := params
			p.AttemptIndex = i - 1
			if werr := sleep(ctx, ComputeBackoff(p, policy)); werr != nil {
				return err
			}
		}
		err = fn(ctx)
		if err == nil || retryable == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
