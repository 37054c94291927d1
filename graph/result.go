package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/flow"
)

// persistNodeResult writes out as a flow.NodeResult. It uses a
// detached context so a cancelled execution still durably records the
// outcome of the node that was in flight when cancellation landed.
func (o *Orchestrator) persistNodeResult(ec flow.ExecutionContext, out nodeOutcome) {
	nr := flow.NodeResult{
		ExecutionID: ec.ExecutionID,
		NodeID:      out.nodeID,
		Iteration:   out.iteration,
		Status:      out.status,
		Input:       out.input,
		Output:      out.output,
		StartedAt:   out.startedAt,
		Attempts:    out.attempts,
	}
	if !out.startedAt.IsZero() {
		nr.CompletedAt = time.Now()
	}
	if out.err != nil {
		nr.Error = out.err.toExecutionError()
	}
	_ = o.store.UpsertNodeResult(context.Background(), nr)
}

// appendMessage records one edge traversal's payload as a durable
// flow.AgentMessage: exactly one message per traversed edge. A nil
// payload is stored as an empty object rather than omitted, so the
// trace still shows the edge was taken.
func (o *Orchestrator) appendMessage(ec flow.ExecutionContext, from, to string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	msg := flow.AgentMessage{
		MessageID:   uuid.NewString(),
		ExecutionID: ec.ExecutionID,
		FromNode:    from,
		ToNode:      to,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	_ = o.store.AppendMessage(context.Background(), msg)
}
