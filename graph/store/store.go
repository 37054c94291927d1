// Package store persists execution state: the ExecutionContext
// lifecycle, per-node NodeResults, and the AgentMessage trace between
// nodes. Three implementations are provided: an in-memory store for
// tests and development, a sqlite-backed store for single-process
// production, and a MySQL-backed store for multi-process production.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmesh/orchestrator/flow"
)

// ErrNotFound is returned when a requested execution_id has no
// matching record.
var ErrNotFound = errors.New("store: not found")

// ErrIllegalTransition is returned by Transition when the requested
// status change is not allowed from the execution's current status.
var ErrIllegalTransition = errors.New("store: illegal execution status transition")

// legalTransitions enumerates the allowed ExecutionStatus edges. Any
// transition not listed here is rejected.
var legalTransitions = map[flow.ExecutionStatus][]flow.ExecutionStatus{
	flow.StatusPending: {flow.StatusRunning, flow.StatusCancelled},
	flow.StatusRunning: {flow.StatusSucceeded, flow.StatusFailed, flow.StatusCancelled},
}

// CanTransition reports whether from -> to is a legal execution status
// edge. Terminal statuses (succeeded, failed, cancelled) have no
// outgoing edges.
func CanTransition(from, to flow.ExecutionStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ListFilters narrows List to executions matching the given fields
// when non-zero.
type ListFilters struct {
	FlowID string
	Status flow.ExecutionStatus
}

// Pagination bounds a List call. Limit <= 0 means "use the store's
// default page size".
type Pagination struct {
	Limit  int
	Offset int
}

const defaultPageSize = 50

func (p Pagination) normalized() Pagination {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	return p
}

// Store is the persistence interface the orchestrator and the HTTP
// API operate against.
type Store interface {
	// CreateExecution inserts a new execution in StatusPending.
	CreateExecution(ctx context.Context, ec flow.ExecutionContext) error

	// GetExecution returns a tenant-scoped execution by id. Returns
	// ErrNotFound if the execution does not exist or belongs to a
	// different tenant.
	GetExecution(ctx context.Context, tenantID, executionID string) (flow.ExecutionContext, error)

	// Transition moves an execution to a new status, optionally
	// attaching output data (on success) or an error (on failure).
	// Rejects the call with ErrIllegalTransition if the edge is not
	// permitted by CanTransition, and with ErrNotFound if the
	// execution does not exist.
	Transition(ctx context.Context, executionID string, to flow.ExecutionStatus, output map[string]any, execErr *flow.ExecutionError) error

	// UpsertNodeResult persists a node's result. Idempotent on the
	// (execution_id, node_id, iteration) key: a later call with the
	// same key overwrites the earlier one rather than duplicating it.
	UpsertNodeResult(ctx context.Context, nr flow.NodeResult) error

	// ListNodeResults returns every NodeResult recorded for an
	// execution, ordered by (node_id, iteration).
	ListNodeResults(ctx context.Context, executionID string) ([]flow.NodeResult, error)

	// AppendMessage records one edge traversal's payload.
	AppendMessage(ctx context.Context, msg flow.AgentMessage) error

	// ListMessages returns every AgentMessage recorded for an
	// execution, in insertion order.
	ListMessages(ctx context.Context, executionID string) ([]flow.AgentMessage, error)

	// List returns tenant-scoped executions matching filters, ordered
	// by execution_id descending (not by creation time), paginated.
	List(ctx context.Context, tenantID string, filters ListFilters, page Pagination) ([]flow.ExecutionContext, error)

	// Close releases any underlying resources (database handles).
	Close() error
}

func nodeResultKey(executionID, nodeID string, iteration int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, nodeID, iteration)
}
