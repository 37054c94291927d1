package proxy

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// breaker is a per-agent circuit breaker wrapping github.com/sony/gobreaker:
// it opens after failureCap consecutive failures, fails fast for openFor,
// then allows a single trial call through in half-open state; that trial's
// outcome either closes the breaker (success) or reopens it (failure).
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(failureCap int, openFor time.Duration) *breaker {
	settings := gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureCap)
		},
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// execute runs fn through the breaker. rejected reports whether the
// breaker itself refused the call (open, or out of half-open trial
// budget) rather than fn having run and failed.
func (b *breaker) execute(fn func() (any, error)) (result any, err error, rejected bool) {
	result, err = b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return nil, err, true
	}
	return result, err, false
}

// isOpen reports the current breaker state, for status reporting.
func (b *breaker) isOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
