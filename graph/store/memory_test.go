package store

import (
	"context"
	"testing"

	"github.com/flowmesh/orchestrator/flow"
)

func TestMemStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ec := flow.ExecutionContext{ExecutionID: "exec-1", FlowID: "order-intake", TenantID: "tenant-a", InputData: map[string]any{"a": 1}}
	if err := s.CreateExecution(ctx, ec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.CreateExecution(ctx, ec); err == nil {
		t.Fatal("expected error creating duplicate execution")
	}

	got, err := s.GetExecution(ctx, "tenant-a", "exec-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != flow.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	if _, err := s.GetExecution(ctx, "tenant-b", "exec-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for wrong tenant, got %v", err)
	}

	if err := s.Transition(ctx, "exec-1", flow.StatusSucceeded, nil, nil); err != ErrIllegalTransition {
		t.Fatalf("expected ErrIllegalTransition pending->succeeded, got %v", err)
	}
	if err := s.Transition(ctx, "exec-1", flow.StatusRunning, nil, nil); err != nil {
		t.Fatalf("Transition to running: %v", err)
	}
	if err := s.Transition(ctx, "exec-1", flow.StatusSucceeded, map[string]any{"ok": true}, nil); err != nil {
		t.Fatalf("Transition to succeeded: %v", err)
	}

	got, _ = s.GetExecution(ctx, "tenant-a", "exec-1")
	if got.Status != flow.StatusSucceeded || got.CompletedAt == nil {
		t.Fatalf("expected succeeded with CompletedAt set, got %+v", got)
	}
	if err := s.Transition(ctx, "exec-1", flow.StatusRunning, nil, nil); err != ErrIllegalTransition {
		t.Fatalf("expected terminal status to reject further transitions, got %v", err)
	}
}

func TestMemStoreNodeResultUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	nr := flow.NodeResult{ExecutionID: "exec-1", NodeID: "validate", Iteration: 0, Status: flow.NodeStatusRunning, Attempts: 1}
	if err := s.UpsertNodeResult(ctx, nr); err != nil {
		t.Fatalf("UpsertNodeResult: %v", err)
	}
	nr.Status = flow.NodeStatusSucceeded
	nr.Attempts = 2
	if err := s.UpsertNodeResult(ctx, nr); err != nil {
		t.Fatalf("UpsertNodeResult update: %v", err)
	}

	results, err := s.ListNodeResults(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListNodeResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one result for the (execution,node,iteration) key, got %d", len(results))
	}
	if results[0].Status != flow.NodeStatusSucceeded || results[0].Attempts != 2 {
		t.Fatalf("expected latest upsert to win, got %+v", results[0])
	}
}

func TestMemStoreListFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for i := 0; i < 5; i++ {
		id := "exec-" + string(rune('a'+i))
		_ = s.CreateExecution(ctx, flow.ExecutionContext{ExecutionID: id, FlowID: "f1", TenantID: "tenant-a", InputData: map[string]any{}})
	}
	_ = s.CreateExecution(ctx, flow.ExecutionContext{ExecutionID: "other-tenant", FlowID: "f1", TenantID: "tenant-b", InputData: map[string]any{}})

	page, err := s.List(ctx, "tenant-a", ListFilters{}, Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}

	all, err := s.List(ctx, "tenant-a", ListFilters{}, Pagination{Limit: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 executions for tenant-a, got %d", len(all))
	}
}
