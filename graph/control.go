package graph

import (
	"time"

	"github.com/flowmesh/orchestrator/flow"
	"github.com/flowmesh/orchestrator/graph/eval"
)

// resolveSync resolves a decision, fork, or output node synchronously
// in the coordinator goroutine: none of the three perform I/O, so none
// need a dispatch goroutine or a place in resultsCh.
func (o *Orchestrator) resolveSync(def *flow.FlowDefinition, ec flow.ExecutionContext, node flow.Node, outputs map[string]map[string]any, scratch map[string]any) nodeOutcome {
	startedAt := time.Now()
	switch node.Type {
	case flow.NodeDecision:
		return o.resolveDecision(ec, node, outputs, scratch, startedAt)
	case flow.NodeFork:
		return nodeOutcome{
			nodeID: node.ID, status: flow.NodeStatusSucceeded, startedAt: startedAt,
			route: append([]string(nil), node.Fork.Branches...),
		}
	case flow.NodeOutput:
		return o.resolveOutput(node, outputs, startedAt)
	default:
		return nodeOutcome{
			nodeID: node.ID, status: flow.NodeStatusFailed, startedAt: startedAt,
			err: &EngineError{Kind: KindAgentContract, NodeID: node.ID, Message: "resolveSync called on unsupported node type " + string(node.Type)},
		}
	}
}

func (o *Orchestrator) resolveDecision(ec flow.ExecutionContext, node flow.Node, outputs map[string]map[string]any, scratch map[string]any, startedAt time.Time) nodeOutcome {
	cfg := node.Decision
	vars := eval.Vars{Input: ec.InputData, Output: outputs, Context: scratch}
	chosen, err := o.eval.EvaluateBool(cfg.Condition, vars)
	if err != nil {
		return nodeOutcome{
			nodeID: node.ID, status: flow.NodeStatusFailed, startedAt: startedAt,
			err: &EngineError{Kind: KindExpressionError, NodeID: node.ID, Message: err.Error(), Cause: err},
		}
	}

	taken, other := cfg.Else, cfg.Then
	if chosen {
		taken, other = cfg.Then, cfg.Else
	}
	return nodeOutcome{
		nodeID: node.ID, status: flow.NodeStatusSucceeded, startedAt: startedAt,
		output: map[string]any{"branch": taken},
		route:  []string{taken},
		skip:   []string{other},
	}
}

func (o *Orchestrator) resolveOutput(node flow.Node, outputs map[string]map[string]any, startedAt time.Time) nodeOutcome {
	merged := make(map[string]any, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		// a dep that never produced output (a decision's skipped
		// branch) is omitted rather than stored as a typed-nil map, so
		// callers can test for its absence with a plain nil check.
		if out, ok := outputs[dep]; ok {
			merged[dep] = out
		}
	}
	return nodeOutcome{
		nodeID: node.ID, status: flow.NodeStatusSucceeded, startedAt: startedAt,
		output: merged,
	}
}
