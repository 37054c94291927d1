package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/flow"
)

// MemStore is an in-memory Store implementation. It is safe for
// concurrent use and intended for tests and single-process
// development; data does not survive process restart.
type MemStore struct {
	mu          sync.RWMutex
	executions  map[string]flow.ExecutionContext
	nodeResults map[string]map[string]flow.NodeResult // execution_id -> key -> result
	messages    map[string][]flow.AgentMessage
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		executions:  make(map[string]flow.ExecutionContext),
		nodeResults: make(map[string]map[string]flow.NodeResult),
		messages:    make(map[string][]flow.AgentMessage),
	}
}

func (m *MemStore) CreateExecution(_ context.Context, ec flow.ExecutionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[ec.ExecutionID]; exists {
		return ErrIllegalTransition
	}
	if ec.Status == "" {
		ec.Status = flow.StatusPending
	}
	m.executions[ec.ExecutionID] = ec
	return nil
}

func (m *MemStore) GetExecution(_ context.Context, tenantID, executionID string) (flow.ExecutionContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.executions[executionID]
	if !ok || (tenantID != "" && ec.TenantID != tenantID) {
		return flow.ExecutionContext{}, ErrNotFound
	}
	return ec, nil
}

func (m *MemStore) Transition(_ context.Context, executionID string, to flow.ExecutionStatus, output map[string]any, execErr *flow.ExecutionError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(ec.Status, to) {
		return ErrIllegalTransition
	}
	now := time.Now()
	if ec.Status == flow.StatusPending && to == flow.StatusRunning {
		ec.StartedAt = &now
	}
	ec.Status = to
	if output != nil {
		ec.OutputData = output
	}
	ec.Error = execErr
	if to == flow.StatusSucceeded || to == flow.StatusFailed || to == flow.StatusCancelled {
		ec.CompletedAt = &now
	}
	m.executions[executionID] = ec
	return nil
}

func (m *MemStore) UpsertNodeResult(_ context.Context, nr flow.NodeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.nodeResults[nr.ExecutionID]
	if !ok {
		byKey = make(map[string]flow.NodeResult)
		m.nodeResults[nr.ExecutionID] = byKey
	}
	byKey[nodeResultKey(nr.ExecutionID, nr.NodeID, nr.Iteration)] = nr
	return nil
}

func (m *MemStore) ListNodeResults(_ context.Context, executionID string) ([]flow.NodeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := m.nodeResults[executionID]
	out := make([]flow.NodeResult, 0, len(byKey))
	for _, nr := range byKey {
		out = append(out, nr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Iteration < out[j].Iteration
	})
	return out, nil
}

func (m *MemStore) AppendMessage(_ context.Context, msg flow.AgentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ExecutionID] = append(m.messages[msg.ExecutionID], msg)
	return nil
}

func (m *MemStore) ListMessages(_ context.Context, executionID string) ([]flow.AgentMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]flow.AgentMessage, len(m.messages[executionID]))
	copy(out, m.messages[executionID])
	return out, nil
}

func (m *MemStore) List(_ context.Context, tenantID string, filters ListFilters, page Pagination) ([]flow.ExecutionContext, error) {
	page = page.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []flow.ExecutionContext
	for _, ec := range m.executions {
		if ec.TenantID != tenantID {
			continue
		}
		if filters.FlowID != "" && ec.FlowID != filters.FlowID {
			continue
		}
		if filters.Status != "" && ec.Status != filters.Status {
			continue
		}
		matched = append(matched, ec)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ExecutionID > matched[j].ExecutionID
	})

	if page.Offset >= len(matched) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[page.Offset:end], nil
}

func (m *MemStore) Close() error { return nil }
