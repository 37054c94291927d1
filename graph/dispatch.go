package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/orchestrator/flow"
	"github.com/flowmesh/orchestrator/graph/emit"
	"github.com/flowmesh/orchestrator/graph/eval"
)

// mergeInputs builds the request payload a dispatched node receives:
// the flow's input_data plus every predecessor's output keyed by its
// node id. depOutputs mirrors the subset of merged that is itself a
// predecessor output, in the shape eval.Vars.Output expects, so
// loop/decision expressions can see the same data without re-walking
// the flow definition.
func mergeInputs(def *flow.FlowDefinition, nodeID string, ec flow.ExecutionContext, outputs map[string]map[string]any) (merged map[string]any, depOutputs map[string]map[string]any) {
	merged = make(map[string]any, len(ec.InputData)+2)
	for k, v := range ec.InputData {
		merged[k] = v
	}
	depOutputs = make(map[string]map[string]any)
	node, ok := def.NodeByID(nodeID)
	if !ok {
		return merged, depOutputs
	}
	for _, dep := range node.DependsOn {
		if out, ok := outputs[dep]; ok {
			merged[dep] = out
			depOutputs[dep] = out
		}
	}
	return merged, depOutputs
}

// dispatchNode is the goroutine entry point for nodes the coordinator
// dispatches asynchronously: agent calls and loops (which themselves
// dispatch agent calls for their body). Its result is reported back
// over resultsCh rather than mutating any shared state directly.
func (o *Orchestrator) dispatchNode(ctx context.Context, def *flow.FlowDefinition, ec flow.ExecutionContext, node flow.Node, step int, mergedInput map[string]any, depOutputs map[string]map[string]any, resultsCh chan<- nodeOutcome) {
	out := o.runDispatchRecovered(ctx, def, ec, node, step, mergedInput, depOutputs)
	// resultsCh holds twice Parallelism outcomes and at most Parallelism
	// dispatches are in flight, so this send never blocks. It is not
	// skipped when ctx is done: a node cancelled by a first_complete join
	// still reports, so the coordinator's inflight count reaches zero.
	resultsCh <- out
}

// runDispatchRecovered runs the node's body type and converts a panic
// into a failed nodeOutcome instead of crashing the coordinator: an
// agent/loop dispatch goroutine is isolated the same way a task
// executor's panic is contained by its own recover wrapper.
func (o *Orchestrator) runDispatchRecovered(ctx context.Context, def *flow.FlowDefinition, ec flow.ExecutionContext, node flow.Node, step int, mergedInput map[string]any, depOutputs map[string]map[string]any) (out nodeOutcome) {
	startedAt := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = nodeOutcome{
				nodeID: node.ID, status: flow.NodeStatusFailed, input: mergedInput,
				startedAt: startedAt,
				err:       &EngineError{Kind: KindAgentContract, NodeID: node.ID, Message: fmt.Sprintf("panic in node dispatch: %v", r)},
			}
		}
	}()

	switch node.Type {
	case flow.NodeLoop:
		return o.runLoopNode(ctx, def, ec, node, mergedInput, depOutputs)
	default: // agent
		return o.runAgentNode(ctx, def, ec, node, step, mergedInput)
	}
}

// runAgentNode dispatches one agent node through the Agent Proxy,
// retrying per its RetryPolicy with full-jitter backoff, and
// classifies the outcome.
func (o *Orchestrator) runAgentNode(ctx context.Context, def *flow.FlowDefinition, ec flow.ExecutionContext, node flow.Node, step int, mergedInput map[string]any) nodeOutcome {
	startedAt := time.Now()
	cfg := node.Agent

	rec, err := o.registry.Lookup(cfg.AgentID, ec.TenantID)
	if err != nil {
		return nodeOutcome{
			nodeID: node.ID, status: flow.NodeStatusFailed, input: mergedInput,
			startedAt: startedAt, attempts: 0,
			err: &EngineError{Kind: KindAgentUnknown, NodeID: node.ID, Message: err.Error(), Cause: err},
		}
	}

	timeout := o.opts.DefaultNodeTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}

	o.emit(emit.Event{ExecutionID: ec.ExecutionID, Step: step, NodeID: node.ID, Msg: "node.started"})

	policy := retryPolicyFor(cfg.MaxRetries)
	var output map[string]any
	var contextUpdate map[string]any
	attempts := 0
	var lastErr *EngineError

	retryErr := retryDispatch(policy, func(attempt int) error {
		attempts = attempt + 1
		if attempt > 0 {
			o.opts.Metrics.incRetry(def.FlowID, node.ID)
			o.emit(emit.Event{ExecutionID: ec.ExecutionID, Step: step, NodeID: node.ID, Msg: "node.retrying",
				Meta: map[string]any{"attempt": attempt}})
		}

		payload := map[string]any{
			"execution_id": ec.ExecutionID,
			"node_id":      node.ID,
			"input":        mergedInput,
			"config":       cfg.Config,
		}
		resp, dispatchErr := o.proxy.Dispatch(ctx, rec, payload, timeout)
		if dispatchErr != nil {
			lastErr = classifyDispatchError(node.ID, dispatchErr)
			if lastErr.Kind == KindAgentBreakerOpen {
				o.opts.Metrics.incBreakerTrip(cfg.AgentID)
			}
			return lastErr
		}

		status, _ := resp["status"].(string)
		switch status {
		case "success":
			out, _ := resp["output"].(map[string]any)
			if out == nil {
				out = map[string]any{}
			}
			output = out
			contextUpdate, _ = resp["context"].(map[string]any)
			return nil
		case "error":
			msg, _ := resp["error_message"].(string)
			lastErr = &EngineError{Kind: KindAgentContract, NodeID: node.ID, Message: msg}
			return lastErr
		default:
			lastErr = &EngineError{Kind: KindAgentContract, NodeID: node.ID, Message: "response missing a valid status field"}
			return lastErr
		}
	})

	completedAt := time.Now()
	if retryErr != nil {
		o.opts.Metrics.recordNodeLatency(def.FlowID, node.ID, "failed", completedAt.Sub(startedAt))
		if lastErr == nil {
			lastErr = &EngineError{Kind: KindAgentContract, NodeID: node.ID, Message: retryErr.Error(), Cause: retryErr}
		}
		return nodeOutcome{
			nodeID: node.ID, status: flow.NodeStatusFailed, input: mergedInput,
			startedAt: startedAt, attempts: attempts, err: lastErr,
		}
	}

	o.opts.Metrics.recordNodeLatency(def.FlowID, node.ID, "succeeded", completedAt.Sub(startedAt))
	return nodeOutcome{
		nodeID: node.ID, status: flow.NodeStatusSucceeded, input: mergedInput, output: output,
		startedAt: startedAt, attempts: attempts, contextUpdate: contextUpdate,
	}
}

// runLoopNode executes a loop node's body synchronously within its own
// dispatch goroutine: for up to MaxIterations, it runs every body node
// in sequence (each an agent dispatch in its own right, persisted with
// its iteration number), then evaluates the until expression. It
// returns a single outcome for the loop node itself once the loop
// exits.
func (o *Orchestrator) runLoopNode(ctx context.Context, def *flow.FlowDefinition, ec flow.ExecutionContext, node flow.Node, mergedInput map[string]any, depOutputs map[string]map[string]any) nodeOutcome {
	startedAt := time.Now()
	cfg := node.Loop

	bodyOutputs := make(map[string]map[string]any, len(depOutputs)+len(cfg.Body))
	for k, v := range depOutputs {
		bodyOutputs[k] = v
	}

	var lastOutput map[string]any
	iterationsRun := 0

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		iterationsRun = iteration + 1
		previous := mergedInput

		for _, bodyID := range cfg.Body {
			bodyNode, ok := def.NodeByID(bodyID)
			if !ok || bodyNode.Type != flow.NodeAgent {
				return nodeOutcome{
					nodeID: node.ID, status: flow.NodeStatusFailed, startedAt: startedAt, attempts: iterationsRun,
					err: &EngineError{Kind: KindAgentContract, NodeID: node.ID, Message: "loop body node " + bodyID + " must be an agent node"},
				}
			}

			bodyInput := make(map[string]any, len(mergedInput)+2)
			for k, v := range mergedInput {
				bodyInput[k] = v
			}
			bodyInput["_previous"] = previous
			bodyInput["iteration"] = iteration

			bodyOut := o.runAgentNode(ctx, def, ec, *bodyNode, 0, bodyInput)
			bodyOut.iteration = iteration
			o.persistNodeResult(ec, bodyOut)
			o.emitBodyEvent(ec, bodyOut)

			if bodyOut.status != flow.NodeStatusSucceeded {
				return nodeOutcome{
					nodeID: node.ID, status: flow.NodeStatusFailed, startedAt: startedAt, attempts: iterationsRun,
					err: bodyOut.err,
				}
			}

			bodyOutputs[bodyID] = bodyOut.output
			previous = bodyOut.output
			lastOutput = bodyOut.output

			if ctx.Err() != nil {
				return nodeOutcome{
					nodeID: node.ID, status: flow.NodeStatusCancelled, startedAt: startedAt, attempts: iterationsRun,
					err: &EngineError{Kind: KindCancelled, NodeID: node.ID, Message: "cancelled mid-loop"},
				}
			}
		}

		done, err := o.eval.EvaluateBool(cfg.Until, eval.Vars{Input: ec.InputData, Output: bodyOutputs, Iteration: iteration + 1})
		if err != nil {
			return nodeOutcome{
				nodeID: node.ID, status: flow.NodeStatusFailed, startedAt: startedAt, attempts: iterationsRun,
				err: &EngineError{Kind: KindExpressionError, NodeID: node.ID, Message: err.Error(), Cause: err},
			}
		}
		if done {
			break
		}
	}

	return nodeOutcome{
		nodeID: node.ID, status: flow.NodeStatusSucceeded, output: lastOutput,
		startedAt: startedAt, attempts: iterationsRun,
	}
}

// emitBodyEvent publishes the per-iteration node.succeeded/node.failed
// event for a loop body node. These dispatches never appear in the
// coordinator's ready/outcome bookkeeping, so they need their own
// event emission distinct from handleOutcome's.
func (o *Orchestrator) emitBodyEvent(ec flow.ExecutionContext, out nodeOutcome) {
	switch out.status {
	case flow.NodeStatusSucceeded:
		o.emit(emit.Event{ExecutionID: ec.ExecutionID, Step: out.iteration, NodeID: out.nodeID, Msg: "node.succeeded"})
	case flow.NodeStatusFailed:
		o.emit(emit.Event{ExecutionID: ec.ExecutionID, NodeID: out.nodeID, Msg: "node.failed",
			Meta: map[string]any{"error": out.err.Error(), "iteration": out.iteration}})
	}
}
