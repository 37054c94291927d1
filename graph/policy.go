package graph

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default per-node retry and timeout parameters.
const (
	defaultBaseDelay         = 200 * time.Millisecond
	defaultMaxDelay          = 30 * time.Second
	defaultNodeTimeout       = 30 * time.Second
	defaultExecutionDeadline = 300 * time.Second
)

// RetryPolicy configures the bounded exponential-backoff-with-full-
// jitter retry a failing agent node is given before its error is
// treated as permanent.
type RetryPolicy struct {
	MaxAttempts int // including the first attempt; 1 means no retries
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func retryPolicyFor(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxRetries + 1,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// fullJitterBackOff implements backoff.BackOff with the full-jitter
// strategy: delay_i = jitter(base * 2^i), capped at max. Each
// retryDispatch call gets its own instance, so its math/rand.Rand is
// never shared across goroutines and requires no locking.
type fullJitterBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	rng     *rand.Rand
}

func newFullJitterBackOff(p RetryPolicy) *fullJitterBackOff {
	return &fullJitterBackOff{
		base: p.BaseDelay,
		max:  p.MaxDelay,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- retry jitter, not security
	}
}

func (b *fullJitterBackOff) NextBackOff() time.Duration {
	capped := b.base << b.attempt
	if capped <= 0 || capped > b.max {
		capped = b.max
	}
	b.attempt++
	return time.Duration(b.rng.Int63n(int64(capped) + 1))
}

func (b *fullJitterBackOff) Reset() { b.attempt = 0 }

// retryDispatch runs op up to p.MaxAttempts times, sleeping a full-
// jitter backoff between attempts, stopping early on a permanent
// (non-retryable) *EngineError. It returns the last error seen.
func retryDispatch(p RetryPolicy, op func(attempt int) error) error {
	attempt := 0
	wrapped := func() error {
		err := op(attempt)
		attempt++
		if err == nil {
			return nil
		}
		if ee, ok := err.(*EngineError); ok && !ee.Kind.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	maxRetries := p.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithMaxRetries(newFullJitterBackOff(p), uint64(maxRetries))
	return backoff.Retry(wrapped, b)
}
