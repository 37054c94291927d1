// Package proxy dispatches node payloads to remote agent HTTP
// services: it owns outbound request construction, the per-agent
// circuit breaker, a process-wide concurrency cap, and response
// validation.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowmesh/orchestrator/flow"
)

// AgentError classifies a failed dispatch. Kind drives the
// orchestrator's retry/cascade-skip decision.
type AgentError struct {
	Kind   string
	Status int
	Body   string
}

func (e *AgentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("agent error (%s): http %d: %s", e.Kind, e.Status, e.Body)
	}
	return fmt.Sprintf("agent error (%s): %s", e.Kind, e.Body)
}

const (
	KindTimeout         = "timeout"
	KindTransport       = "transport"
	KindHTTPStatus      = "http_status"
	KindInvalidResponse = "invalid_response"
	KindSaturated       = "saturated"
	KindBreakerOpen     = "breaker_open"
)

// maxResponseBytes caps how much of an agent's response body the proxy
// will buffer before rejecting it as invalid.
const maxResponseBytes = 4 << 20 // 4 MiB

// Options configures a Proxy. Zero values fall back to the defaults
// named in each field's comment.
type Options struct {
	// MaxConcurrency bounds in-flight requests process-wide. Default 256.
	MaxConcurrency int
	// QueueDepth bounds callers waiting for a concurrency slot before
	// Dispatch fails with KindSaturated. Default 1024.
	QueueDepth int
	// RequestsPerSecond throttles outbound requests process-wide via a
	// token bucket. Default 500.
	RequestsPerSecond float64
	// BreakerFailureThreshold is consecutive agent failures before the
	// per-agent breaker opens. Default 5.
	BreakerFailureThreshold int
	// BreakerOpenFor is how long an opened breaker fails fast before
	// allowing a single trial request. Default 60s.
	BreakerOpenFor time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 256
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1024
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 500
	}
	if o.BreakerFailureThreshold <= 0 {
		o.BreakerFailureThreshold = 5
	}
	if o.BreakerOpenFor <= 0 {
		o.BreakerOpenFor = 60 * time.Second
	}
	return o
}

// LatencyObserver receives a sample after each completed dispatch
// (success or failure) for the Event Bus to surface.
type LatencyObserver func(agentID string, dur time.Duration, ok bool)

// Proxy dispatches node payloads to remote agent services over HTTP.
type Proxy struct {
	opts     Options
	client   *http.Client
	limiter  *rate.Limiter
	sem      chan struct{}
	waiting  chan struct{}
	observe  LatencyObserver

	mu       sync.Mutex
	breakers map[string]*breaker
}

// New builds a Proxy. observe may be nil.
func New(opts Options, observe LatencyObserver) *Proxy {
	opts = opts.withDefaults()
	return &Proxy{
		opts:     opts,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)),
		sem:      make(chan struct{}, opts.MaxConcurrency),
		waiting:  make(chan struct{}, opts.QueueDepth),
		observe:  observe,
		breakers: make(map[string]*breaker),
	}
}

func (p *Proxy) breakerFor(agentID string) *breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[agentID]
	if !ok {
		b = newBreaker(p.opts.BreakerFailureThreshold, p.opts.BreakerOpenFor)
		p.breakers[agentID] = b
	}
	return b
}

// BreakerOpen reports whether the agent's circuit breaker is
// currently open, for health/status surfaces.
func (p *Proxy) BreakerOpen(agentID string) bool {
	return p.breakerFor(agentID).isOpen()
}

// Dispatch sends payload to rec's endpoint and returns its decoded
// JSON response. timeout bounds the whole call including any queueing
// for a concurrency slot.
func (p *Proxy) Dispatch(ctx context.Context, rec flow.AgentRecord, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	b := p.breakerFor(rec.AgentID)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err, rejected := b.execute(func() (any, error) {
		select {
		case p.waiting <- struct{}{}:
		default:
			return nil, &AgentError{Kind: KindSaturated, Body: "dispatch queue full"}
		}
		defer func() { <-p.waiting }()

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return nil, &AgentError{Kind: KindTimeout, Body: "timed out waiting for a concurrency slot"}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &AgentError{Kind: KindTimeout, Body: "rate limited"}
		}

		start := time.Now()
		out, err := p.doRequest(ctx, rec, payload)
		if p.observe != nil {
			p.observe(rec.AgentID, time.Since(start), err == nil)
		}
		return out, err
	})

	if rejected {
		return nil, &AgentError{Kind: KindBreakerOpen, Body: fmt.Sprintf("circuit open for agent %s", rec.AgentID)}
	}
	if err != nil {
		return nil, err
	}
	out, _ := result.(map[string]any)
	return out, nil
}

func (p *Proxy) doRequest(ctx context.Context, rec flow.AgentRecord, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &AgentError{Kind: KindInvalidResponse, Body: fmt.Sprintf("marshal request payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &AgentError{Kind: KindTransport, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if rec.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rec.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AgentError{Kind: KindTimeout, Body: err.Error()}
		}
		return nil, &AgentError{Kind: KindTransport, Body: err.Error()}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, &AgentError{Kind: KindTransport, Body: err.Error()}
	}
	if len(respBody) > maxResponseBytes {
		return nil, &AgentError{Kind: KindInvalidResponse, Status: resp.StatusCode, Body: "response exceeds size cap"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AgentError{Kind: KindHTTPStatus, Status: resp.StatusCode, Body: string(respBody)}
	}

	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &AgentError{Kind: KindInvalidResponse, Status: resp.StatusCode, Body: fmt.Sprintf("invalid JSON response: %v", err)}
	}
	return out, nil
}
