package graph

import "time"

// Options configures an Orchestrator. Zero values fall back to the
// defaults named in each field's comment.
type Options struct {
	// Parallelism bounds concurrently dispatched nodes per execution.
	// Default 8.
	Parallelism int

	// TenantParallelism bounds concurrently running executions per
	// tenant. Default 4.
	TenantParallelism int

	// DefaultNodeTimeout applies to agent nodes that don't set their
	// own config.timeout. Default 30s.
	DefaultNodeTimeout time.Duration

	// ExecutionDeadline bounds an execution's total wall-clock time;
	// it overrides a larger per-node timeout. Default 300s.
	ExecutionDeadline time.Duration

	// Metrics, when set, receives Prometheus instrumentation. Nil
	// disables metrics.
	Metrics *Metrics

	// UsageReporter, when set, is invoked once after each execution
	// reaches a terminal status. It is the only tenant usage/billing
	// hook this module provides; no implementation is shipped.
	UsageReporter func(execution ExecutionSummary)
}

func (o Options) withDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = 8
	}
	if o.TenantParallelism <= 0 {
		o.TenantParallelism = 4
	}
	if o.DefaultNodeTimeout <= 0 {
		o.DefaultNodeTimeout = defaultNodeTimeout
	}
	if o.ExecutionDeadline <= 0 {
		o.ExecutionDeadline = defaultExecutionDeadline
	}
	return o
}

// Option is a functional option for New. New applies its Options in
// order to a zero Options value, then fills in defaults.
type Option func(*Options)

// WithParallelism sets the per-execution node dispatch concurrency cap.
func WithParallelism(n int) Option {
	return func(o *Options) { o.Parallelism = n }
}

// WithTenantParallelism sets the per-tenant concurrent-execution cap.
func WithTenantParallelism(n int) Option {
	return func(o *Options) { o.TenantParallelism = n }
}

// WithDefaultNodeTimeout sets the fallback agent node dispatch timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultNodeTimeout = d }
}

// WithExecutionDeadline sets the per-execution wall-clock budget.
func WithExecutionDeadline(d time.Duration) Option {
	return func(o *Options) { o.ExecutionDeadline = d }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithUsageReporter attaches a post-execution usage/billing hook.
func WithUsageReporter(f func(ExecutionSummary)) Option {
	return func(o *Options) { o.UsageReporter = f }
}
