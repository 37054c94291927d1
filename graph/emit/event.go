package emit

// Event represents an observability event emitted during flow
// execution.
//
// Events provide detailed insight into orchestrator behavior:
//   - Execution start/succeeded/failed/cancelled
//   - Node dispatch start/succeeded/failed/skipped/retrying
//   - Agent health transitions
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// Step is the coordinator's 1-indexed dispatch step for node.started
	// and node.retrying events of scheduled nodes (0 for loop body
	// dispatches). node.succeeded events carry the loop iteration (0
	// outside a loop); all other events carry 0.
	Step int

	// NodeID identifies which node emitted this event. Empty for
	// execution-level events.
	NodeID string

	// Msg is the event name, e.g. "node.started", "node.failed",
	// "execution.succeeded", "agent.probed".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": node dispatch duration in milliseconds
	//   - "error": error details
	//   - "attempt": retry attempt number (0 for first attempt)
	//   - "agent_id": the agent a node/probe event concerns
	Meta map[string]interface{}
}
