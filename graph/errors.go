// Package graph implements the Orchestrator: the central state machine
// that drives one flow execution from its entry point to a terminal
// status, dispatching agent nodes through the Agent Proxy and routing
// through decision/loop/fork/join nodes via the Control Flow Evaluator.
package graph

import (
	"errors"
	"fmt"

	"github.com/flowmesh/orchestrator/flow"
	"github.com/flowmesh/orchestrator/graph/eval"
	"github.com/flowmesh/orchestrator/graph/proxy"
)

// ErrorKind names the orchestrator-level error taxonomy. Unlike an
// exported Go type per kind, a single EngineError carries the kind as
// data so Store and the Event Bus can key on it uniformly.
type ErrorKind string

const (
	KindFlowInvalid      ErrorKind = "FlowInvalid"
	KindAgentUnknown     ErrorKind = "AgentUnknown"
	KindAgentBreakerOpen ErrorKind = "AgentBreakerOpen"
	KindAgentTimeout     ErrorKind = "AgentTimeout"
	KindAgentNetwork     ErrorKind = "AgentNetwork"
	KindAgentContract    ErrorKind = "AgentContract"
	KindExpressionError  ErrorKind = "ExpressionError"
	KindCancelled        ErrorKind = "Cancelled"
	KindDeadlineExceeded ErrorKind = "DeadlineExceeded"
	KindSaturated        ErrorKind = "Saturated"
	KindStoreUnavailable ErrorKind = "StoreUnavailable"
)

// EngineError is the orchestrator's internal error type. It converts to
// a flow.ExecutionError (the durable, user-visible shape) via
// toExecutionError.
type EngineError struct {
	Kind    ErrorKind
	NodeID  string
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s at node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

func (e *EngineError) toExecutionError() *flow.ExecutionError {
	return &flow.ExecutionError{Kind: string(e.Kind), Message: e.Message, NodeID: e.NodeID}
}

// ErrNotFound is returned by Status/Cancel when the execution is
// unknown to the configured Store, or belongs to a different tenant.
var ErrNotFound = errors.New("graph: execution not found")

// ErrAlreadyTerminal is returned by Cancel when the execution has
// already reached a terminal status.
var ErrAlreadyTerminal = errors.New("graph: execution already terminal")

// classifyDispatchError maps an Agent Proxy or Evaluator error onto an
// *EngineError whose Kind carries the retryable/permanent split:
// transport errors, timeouts and 408/425/429/5xx map to retryable
// kinds; everything else is permanent.
func classifyDispatchError(nodeID string, err error) *EngineError {
	var ae *proxy.AgentError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case proxy.KindTimeout:
			return &EngineError{Kind: KindAgentTimeout, NodeID: nodeID, Message: ae.Error(), Cause: err}
		case proxy.KindTransport:
			return &EngineError{Kind: KindAgentNetwork, NodeID: nodeID, Message: ae.Error(), Cause: err}
		case proxy.KindSaturated:
			return &EngineError{Kind: KindSaturated, NodeID: nodeID, Message: ae.Error(), Cause: err}
		case proxy.KindBreakerOpen:
			return &EngineError{Kind: KindAgentBreakerOpen, NodeID: nodeID, Message: ae.Error(), Cause: err}
		case proxy.KindHTTPStatus:
			if isRetryableStatus(ae.Status) {
				return &EngineError{Kind: KindAgentNetwork, NodeID: nodeID, Message: ae.Error(), Cause: err}
			}
			return &EngineError{Kind: KindAgentContract, NodeID: nodeID, Message: ae.Error(), Cause: err}
		default: // KindInvalidResponse
			return &EngineError{Kind: KindAgentContract, NodeID: nodeID, Message: ae.Error(), Cause: err}
		}
	}
	var ee *eval.ExpressionError
	if errors.As(err, &ee) {
		return &EngineError{Kind: KindExpressionError, NodeID: nodeID, Message: ee.Error(), Cause: err}
	}
	return &EngineError{Kind: KindAgentContract, NodeID: nodeID, Message: err.Error(), Cause: err}
}

// isRetryableStatus reports whether an agent's HTTP status is in the
// retryable set: 408, 425, 429, or any 5xx.
func isRetryableStatus(status int) bool {
	switch status {
	case 408, 425, 429:
		return true
	}
	return status >= 500 && status < 600
}

// retryable reports whether k's failures should be retried by the
// node's RetryPolicy rather than failing permanently.
func (k ErrorKind) retryable() bool {
	switch k {
	case KindAgentTimeout, KindAgentNetwork, KindSaturated, KindAgentBreakerOpen:
		return true
	default:
		return false
	}
}
