package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowmesh/orchestrator/flow"
	"github.com/flowmesh/orchestrator/graph/catalog"
	"github.com/flowmesh/orchestrator/graph/emit"
	"github.com/flowmesh/orchestrator/graph/eval"
	"github.com/flowmesh/orchestrator/graph/proxy"
	"github.com/flowmesh/orchestrator/graph/registry"
	"github.com/flowmesh/orchestrator/graph/store"
)

// fakeAgentServer routes by the dispatch envelope's node_id, letting a
// single httptest.Server stand in for every agent a test flow needs.
func fakeAgentServer(t *testing.T, handlers map[string]func(body map[string]any) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		nodeID, _ := body["node_id"].(string)
		h, ok := handlers[nodeID]
		if !ok {
			http.Error(w, "no handler for node "+nodeID, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"output": h(body),
		})
	}))
}

// testHarness wires a Catalog/Registry/MemStore/Proxy/Evaluator into an
// Orchestrator, the same assembly a process's main would do, scoped to
// one httptest agent server.
type testHarness struct {
	orch *Orchestrator
	st   store.Store
	cat  *catalog.Catalog
	reg  *registry.Registry
}

func newHarness(t *testing.T, srv *httptest.Server, agentIDs []string, opts ...Option) *testHarness {
	t.Helper()
	cat := catalog.New()
	reg := registry.New(nil, nil)
	for _, id := range agentIDs {
		if _, err := reg.Register(flow.AgentRecord{AgentID: id, Endpoint: srv.URL, Health: flow.HealthReady}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	st := store.NewMemStore()
	px := proxy.New(proxy.Options{}, nil)
	ev := eval.New()
	return &testHarness{orch: New(cat, reg, st, px, ev, nil, opts...), st: st, cat: cat, reg: reg}
}

// newHarnessWithEmitter is newHarness plus a caller-supplied emitter,
// for tests exercising Subscribe (which requires an *emit.Router).
func newHarnessWithEmitter(t *testing.T, srv *httptest.Server, agentIDs []string, emitter emit.Emitter, opts ...Option) *testHarness {
	t.Helper()
	cat := catalog.New()
	reg := registry.New(nil, nil)
	for _, id := range agentIDs {
		if _, err := reg.Register(flow.AgentRecord{AgentID: id, Endpoint: srv.URL, Health: flow.HealthReady}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	st := store.NewMemStore()
	px := proxy.New(proxy.Options{}, nil)
	ev := eval.New()
	return &testHarness{orch: New(cat, reg, st, px, ev, emitter, opts...), st: st, cat: cat, reg: reg}
}

func (h *testHarness) loadFlow(t *testing.T, doc string) *flow.FlowDefinition {
	t.Helper()
	def, err := h.cat.Load([]byte(doc), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return def
}

func waitTerminal(t *testing.T, o *Orchestrator, tenantID, executionID string) flow.ExecutionContext {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ec, err := o.Status(context.Background(), executionID, tenantID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		switch ec.Status {
		case flow.StatusSucceeded, flow.StatusFailed, flow.StatusCancelled:
			return ec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal status in time")
	return flow.ExecutionContext{}
}

const linearFlowDoc = `
flow_id: linear
entry_point: a
exit_points: [b]
nodes:
  - id: a
    type: agent
    agent: {agent_id: agentA, timeout: 5, max_retries: 0}
  - id: b
    type: agent
    depends_on: [a]
    agent: {agent_id: agentB, timeout: 5, max_retries: 0}
`

func TestLinearTwoStepFlow(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{
		"a": func(map[string]any) map[string]any { return map[string]any{"value": 1.0} },
		"b": func(body map[string]any) map[string]any {
			in, _ := body["input"].(map[string]any)
			a, _ := in["a"].(map[string]any)
			return map[string]any{"sum": a["value"].(float64) + 1}
		},
	})
	defer srv.Close()

	h := newHarness(t, srv, []string{"agentA", "agentB"})
	h.loadFlow(t, linearFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "linear", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ec := waitTerminal(t, h.orch, "", execID)
	if ec.Status != flow.StatusSucceeded {
		t.Fatalf("status = %s, error = %+v", ec.Status, ec.Error)
	}
	b, _ := ec.OutputData["b"].(map[string]any)
	if b["sum"] != 2.0 {
		t.Fatalf("output_data.b.sum = %v", b["sum"])
	}
}

const forkJoinFlowDoc = `
flow_id: fanout
entry_point: start
exit_points: [out]
nodes:
  - id: start
    type: fork
    fork: {branches: [x, y]}
  - id: x
    type: agent
    agent: {agent_id: agentX, timeout: 5, max_retries: 0}
  - id: y
    type: agent
    agent: {agent_id: agentY, timeout: 5, max_retries: 0}
  - id: j
    type: join
    depends_on: [x, y]
    join: {sources: [x, y], strategy: all_complete}
  - id: out
    type: output
    depends_on: [j]
`

func TestForkAllCompleteJoin(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{
		"x": func(map[string]any) map[string]any { return map[string]any{"from": "x"} },
		"y": func(map[string]any) map[string]any { return map[string]any{"from": "y"} },
	})
	defer srv.Close()

	h := newHarness(t, srv, []string{"agentX", "agentY"})
	h.loadFlow(t, forkJoinFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "fanout", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ec := waitTerminal(t, h.orch, "", execID)
	if ec.Status != flow.StatusSucceeded {
		t.Fatalf("status = %s, error = %+v", ec.Status, ec.Error)
	}
	out, _ := ec.OutputData["out"].(map[string]any)
	j, _ := out["j"].(map[string]any)
	if j["x"] == nil || j["y"] == nil {
		t.Fatalf("expected join output to carry both sources, got %+v", j)
	}
}

const decisionConvergeFlowDoc = `
flow_id: decide
entry_point: start
exit_points: [merge]
nodes:
  - id: start
    type: agent
    agent: {agent_id: agentStart, timeout: 5, max_retries: 0}
  - id: dec
    type: decision
    depends_on: [start]
    decision: {condition: "output.start.go_right == true", then: right, else: left}
  - id: right
    type: agent
    agent: {agent_id: agentRight, timeout: 5, max_retries: 0}
  - id: left
    type: agent
    agent: {agent_id: agentLeft, timeout: 5, max_retries: 0}
  - id: merge
    type: output
    depends_on: [left, right]
`

// TestDecisionBranchConvergence exercises the node after a decision's
// two branches rejoin: only one branch ever runs, so the convergent
// node must still fire off the surviving branch rather than being
// cascade-skipped because its other depends_on edge was the decision's
// dead branch.
func TestDecisionBranchConvergence(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{
		"start": func(map[string]any) map[string]any { return map[string]any{"go_right": true} },
		"right": func(map[string]any) map[string]any { return map[string]any{"taken": "right"} },
		"left":  func(map[string]any) map[string]any { return map[string]any{"taken": "left"} },
	})
	defer srv.Close()

	h := newHarness(t, srv, []string{"agentStart", "agentRight", "agentLeft"})
	h.loadFlow(t, decisionConvergeFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "decide", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ec := waitTerminal(t, h.orch, "", execID)
	if ec.Status != flow.StatusSucceeded {
		t.Fatalf("status = %s, error = %+v", ec.Status, ec.Error)
	}
	merge, _ := ec.OutputData["merge"].(map[string]any)
	right, _ := merge["right"].(map[string]any)
	if right == nil || right["taken"] != "right" {
		t.Fatalf("expected merge.right from the taken branch, got %+v", merge)
	}
	if merge["left"] != nil {
		t.Fatalf("expected no output recorded for the skipped branch, got %+v", merge["left"])
	}

	results, err := h.st.ListNodeResults(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListNodeResults: %v", err)
	}
	statuses := make(map[string]flow.NodeResultStatus, len(results))
	for _, r := range results {
		statuses[r.NodeID] = r.Status
	}
	if statuses["left"] != flow.NodeStatusSkipped {
		t.Fatalf("expected left skipped, got %s", statuses["left"])
	}
	if statuses["right"] != flow.NodeStatusSucceeded {
		t.Fatalf("expected right succeeded, got %s", statuses["right"])
	}
	if statuses["merge"] != flow.NodeStatusSucceeded {
		t.Fatalf("expected merge to run despite its skipped sibling edge, got %s", statuses["merge"])
	}
}

const loopFlowDoc = `
flow_id: loopy
entry_point: worker
exit_points: [worker]
nodes:
  - id: worker
    type: loop
    loop: {body: [step], until: "iteration >= 1", max_iterations: 5}
  - id: step
    type: agent
    agent: {agent_id: agentStep, timeout: 5, max_retries: 0}
`

func TestLoopRunsUntilConditionTrue(t *testing.T) {
	calls := 0
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{
		"step": func(body map[string]any) map[string]any {
			calls++
			in, _ := body["input"].(map[string]any)
			return map[string]any{"iteration": in["iteration"]}
		},
	})
	defer srv.Close()

	h := newHarness(t, srv, []string{"agentStep"})
	h.loadFlow(t, loopFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "loopy", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ec := waitTerminal(t, h.orch, "", execID)
	if ec.Status != flow.StatusSucceeded {
		t.Fatalf("status = %s, error = %+v", ec.Status, ec.Error)
	}
	if calls != 1 {
		t.Fatalf("expected the loop body to run once (iteration 0, until evaluated against the bumped count of 1), ran %d times", calls)
	}

	results, err := h.st.ListNodeResults(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListNodeResults: %v", err)
	}
	iterations := 0
	for _, r := range results {
		if r.NodeID == "step" {
			iterations++
		}
	}
	if iterations != 1 {
		t.Fatalf("expected 1 persisted iteration of the loop body, got %d", iterations)
	}
}

const cancelFlowDoc = `
flow_id: cancellable
entry_point: slow
exit_points: [slow]
nodes:
  - id: slow
    type: agent
    agent: {agent_id: agentSlow, timeout: 5, max_retries: 0}
`

func TestCancelStopsARunningExecution(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{
		"slow": func(map[string]any) map[string]any {
			time.Sleep(200 * time.Millisecond)
			return map[string]any{"done": true}
		},
	})
	defer srv.Close()

	h := newHarness(t, srv, []string{"agentSlow"})
	h.loadFlow(t, cancelFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "cancellable", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Cancel(context.Background(), execID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ec := waitTerminal(t, h.orch, "", execID)
	if ec.Status != flow.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", ec.Status)
	}

	if err := h.orch.Cancel(context.Background(), execID, ""); err != ErrAlreadyTerminal {
		t.Fatalf("expected ErrAlreadyTerminal on a second cancel, got %v", err)
	}
}

func TestSubmitRejectsUnknownFlow(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{})
	defer srv.Close()
	h := newHarness(t, srv, nil)

	if _, err := h.orch.Submit(context.Background(), "missing", "", nil); err == nil {
		t.Fatal("expected an error submitting an unknown flow_id")
	}
}

func TestSubscribeStreamsExecutionEvents(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{
		"a": func(map[string]any) map[string]any { return map[string]any{"value": 1.0} },
		"b": func(body map[string]any) map[string]any {
			in, _ := body["input"].(map[string]any)
			a, _ := in["a"].(map[string]any)
			return map[string]any{"sum": a["value"].(float64) + 1}
		},
	})
	defer srv.Close()

	router := emit.NewRouter()
	h := newHarnessWithEmitter(t, srv, []string{"agentA", "agentB"}, router)
	h.loadFlow(t, linearFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "linear", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := h.orch.Subscribe(ctx, execID, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitTerminal(t, h.orch, "", execID)

	sawSucceeded := false
	deadline := time.After(time.Second)
	for !sawSucceeded {
		select {
		case e := <-events:
			if e.Msg == "execution.succeeded" {
				sawSucceeded = true
			}
		case <-deadline:
			t.Fatal("did not observe execution.succeeded on the subscribed stream")
		}
	}
}

func TestSubscribeUnknownExecutionReturnsNotFound(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{})
	defer srv.Close()
	router := emit.NewRouter()
	h := newHarnessWithEmitter(t, srv, nil, router)

	if _, err := h.orch.Subscribe(context.Background(), "nope", ""); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSubscribeWithoutRouterReturnsNotFound(t *testing.T) {
	srv := fakeAgentServer(t, map[string]func(map[string]any) map[string]any{
		"a": func(map[string]any) map[string]any { return map[string]any{"value": 1.0} },
		"b": func(map[string]any) map[string]any { return map[string]any{} },
	})
	defer srv.Close()
	h := newHarness(t, srv, []string{"agentA", "agentB"})
	h.loadFlow(t, linearFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "linear", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.orch.Subscribe(context.Background(), execID, ""); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

const firstCompleteJoinFlowDoc = `
flow_id: race
entry_point: start
exit_points: [out]
nodes:
  - id: start
    type: fork
    fork: {branches: [fast, slow]}
  - id: fast
    type: agent
    agent: {agent_id: agentFast, timeout: 5, max_retries: 0}
  - id: slow
    type: agent
    agent: {agent_id: agentSlow, timeout: 5, max_retries: 0}
  - id: j
    type: join
    depends_on: [fast, slow]
    join: {sources: [fast, slow], strategy: first_complete}
  - id: out
    type: output
    depends_on: [j]
`

// TestFirstCompleteJoinCancelsLosingBranch verifies that once a
// first_complete join resolves on its winning source, the still-running
// losing source is cooperatively cancelled rather than left to run to
// completion against its agent.
func TestFirstCompleteJoinCancelsLosingBranch(t *testing.T) {
	slowCancelled := make(chan bool, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		nodeID, _ := body["node_id"].(string)
		switch nodeID {
		case "fast":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"output": map[string]any{"from": "fast"},
			})
		case "slow":
			select {
			case <-r.Context().Done():
				slowCancelled <- true
			case <-time.After(2 * time.Second):
				slowCancelled <- false
			}
			http.Error(w, "client gone", http.StatusRequestTimeout)
		default:
			http.Error(w, "no handler for node "+nodeID, http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t, srv, []string{"agentFast", "agentSlow"})
	h.loadFlow(t, firstCompleteJoinFlowDoc)

	execID, err := h.orch.Submit(context.Background(), "race", "", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ec := waitTerminal(t, h.orch, "", execID)
	if ec.Status != flow.StatusSucceeded {
		t.Fatalf("status = %s, error = %+v", ec.Status, ec.Error)
	}

	select {
	case cancelled := <-slowCancelled:
		if !cancelled {
			t.Fatal("expected the losing join source's request context to be cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("losing join source was never cancelled")
	}
}
