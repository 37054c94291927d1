package graph

import (
	"fmt"
	"time"

	"github.com/flowmesh/orchestrator/flow"
)

// evaluateJoin resolves a join node against the terminal statuses seen
// so far for its sources, per the three merge_strategy variants. It
// returns ok=false when the join cannot yet resolve (still waiting on
// sources that matter to its strategy).
func (o *Orchestrator) evaluateJoin(ec flow.ExecutionContext, n flow.Node, seen map[string]flow.NodeResultStatus, outputs map[string]map[string]any) (nodeOutcome, bool) {
	j := n.Join
	startedAt := time.Now()

	switch j.Strategy {
	case flow.MergeFirstComplete:
		for _, s := range j.Sources {
			if seen[s] == flow.NodeStatusSucceeded {
				return o.joinSuccess(n.ID, map[string]any{s: outputs[s]}, startedAt), true
			}
		}
		if allTerminal(j.Sources, seen) {
			return o.joinFailure(n.ID, "no source succeeded for first_complete join", startedAt), true
		}
		return nodeOutcome{}, false

	case flow.MergeAllComplete:
		if !allTerminal(j.Sources, seen) {
			return nodeOutcome{}, false
		}
		merged := make(map[string]any, len(j.Sources))
		for _, s := range j.Sources {
			if seen[s] != flow.NodeStatusSucceeded {
				return o.joinFailure(n.ID, fmt.Sprintf("source %s did not succeed (status %s)", s, seen[s]), startedAt), true
			}
			merged[s] = outputs[s]
		}
		return o.joinSuccess(n.ID, merged, startedAt), true

	case flow.MergeBestBy:
		if !allTerminal(j.Sources, seen) {
			return nodeOutcome{}, false
		}
		bestSource := ""
		var bestScore float64
		for _, s := range j.Sources {
			if seen[s] != flow.NodeStatusSucceeded {
				continue
			}
			bound := map[string]any{
				"input":   ec.InputData,
				"output":  outputs[s],
				"context": map[string]any{},
			}
			score, err := o.eval.EvaluateNumberRaw(j.BestBy, bound)
			if err != nil {
				return o.joinFailureErr(n.ID, &EngineError{Kind: KindExpressionError, NodeID: n.ID, Message: err.Error(), Cause: err}, startedAt), true
			}
			if bestSource == "" || score > bestScore {
				bestSource, bestScore = s, score
			}
		}
		if bestSource == "" {
			return o.joinFailure(n.ID, "no source succeeded for best_by join", startedAt), true
		}
		return o.joinSuccess(n.ID, map[string]any{bestSource: outputs[bestSource]}, startedAt), true

	default:
		return o.joinFailure(n.ID, "unknown join strategy: "+string(j.Strategy), startedAt), true
	}
}

func allTerminal(sources []string, seen map[string]flow.NodeResultStatus) bool {
	for _, s := range sources {
		switch seen[s] {
		case flow.NodeStatusSucceeded, flow.NodeStatusFailed, flow.NodeStatusSkipped, flow.NodeStatusCancelled:
		default:
			return false
		}
	}
	return true
}

func (o *Orchestrator) joinSuccess(nodeID string, output map[string]any, startedAt time.Time) nodeOutcome {
	return nodeOutcome{nodeID: nodeID, status: flow.NodeStatusSucceeded, output: output, startedAt: startedAt}
}

func (o *Orchestrator) joinFailure(nodeID, msg string, startedAt time.Time) nodeOutcome {
	return o.joinFailureErr(nodeID, &EngineError{Kind: KindAgentContract, NodeID: nodeID, Message: msg}, startedAt)
}

func (o *Orchestrator) joinFailureErr(nodeID string, err *EngineError, startedAt time.Time) nodeOutcome {
	return nodeOutcome{nodeID: nodeID, status: flow.NodeStatusFailed, startedAt: startedAt, err: err}
}
