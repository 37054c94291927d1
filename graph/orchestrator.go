package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/flow"
	"github.com/flowmesh/orchestrator/graph/catalog"
	"github.com/flowmesh/orchestrator/graph/emit"
	"github.com/flowmesh/orchestrator/graph/eval"
	"github.com/flowmesh/orchestrator/graph/proxy"
	"github.com/flowmesh/orchestrator/graph/registry"
	"github.com/flowmesh/orchestrator/graph/store"
)

// ExecutionSummary is passed to Options.UsageReporter once an
// execution reaches a terminal status.
type ExecutionSummary struct {
	ExecutionID string
	FlowID      string
	TenantID    string
	Status      flow.ExecutionStatus
	CostUSD     float64
}

// Orchestrator drives flow executions: the ready-set/fan-out
// scheduling loop, dispatching agent nodes through the Agent Proxy and
// routing decision/loop/fork/join nodes through the Control Flow
// Evaluator. Per-execution state is owned by a single coordinator
// goroutine per execution; node dispatches report back over a channel
// rather than mutating shared state directly.
type Orchestrator struct {
	catalog  *catalog.Catalog
	registry *registry.Registry
	store    store.Store
	proxy    *proxy.Proxy
	eval     *eval.Evaluator
	emitter  emit.Emitter
	opts     Options

	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
	tenantSems  map[string]chan struct{}
}

// New builds an Orchestrator. emitter may be nil, in which case events
// are discarded.
func New(cat *catalog.Catalog, reg *registry.Registry, st store.Store, px *proxy.Proxy, ev *eval.Evaluator, emitter emit.Emitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:     cat,
		registry:    reg,
		store:       st,
		proxy:       px,
		eval:        ev,
		emitter:     emitter,
		cancelFuncs: make(map[string]context.CancelFunc),
		tenantSems:  make(map[string]chan struct{}),
	}
	if o.emitter == nil {
		o.emitter = emit.NewNullEmitter()
	}
	var resolved Options
	for _, opt := range opts {
		opt(&resolved)
	}
	o.opts = resolved.withDefaults()
	return o
}

func (o *Orchestrator) emit(e emit.Event) { o.emitter.Emit(e) }

func (o *Orchestrator) tenantSemaphore(tenantID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.tenantSems[tenantID]
	if !ok {
		sem = make(chan struct{}, o.opts.TenantParallelism)
		o.tenantSems[tenantID] = sem
	}
	return sem
}

func isTerminal(s flow.ExecutionStatus) bool {
	switch s {
	case flow.StatusSucceeded, flow.StatusFailed, flow.StatusCancelled:
		return true
	}
	return false
}

// Submit validates flow_id against the catalog, creates a pending
// ExecutionContext, and starts the execution asynchronously, returning
// its execution_id immediately.
func (o *Orchestrator) Submit(ctx context.Context, flowID, tenantID string, input map[string]any) (string, error) {
	def, err := o.catalog.Get(flowID, tenantID)
	if err != nil {
		return "", &EngineError{Kind: KindFlowInvalid, Message: err.Error()}
	}

	executionID := uuid.NewString()
	ec := flow.ExecutionContext{
		ExecutionID: executionID,
		FlowID:      flowID,
		TenantID:    tenantID,
		Status:      flow.StatusPending,
		InputData:   input,
	}
	if err := o.store.CreateExecution(ctx, ec); err != nil {
		return "", &EngineError{Kind: KindStoreUnavailable, Message: err.Error(), Cause: err}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), o.opts.ExecutionDeadline)
	o.mu.Lock()
	o.cancelFuncs[executionID] = cancel
	o.mu.Unlock()

	go o.run(runCtx, def, ec)

	return executionID, nil
}

// Status returns the durable ExecutionContext for a tenant-scoped
// execution_id.
func (o *Orchestrator) Status(ctx context.Context, executionID, tenantID string) (flow.ExecutionContext, error) {
	ec, err := o.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return flow.ExecutionContext{}, ErrNotFound
	}
	return ec, nil
}

// Cancel requests cooperative cancellation of a running execution.
// Completed nodes are preserved; enqueued-but-not-started nodes are
// dropped; in-flight agent dispatches abort at their next suspension
// point.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, tenantID string) error {
	ec, err := o.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return ErrNotFound
	}
	if isTerminal(ec.Status) {
		return ErrAlreadyTerminal
	}
	o.mu.Lock()
	cancel, ok := o.cancelFuncs[executionID]
	o.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	cancel()
	return nil
}

// Subscribe streams events for a tenant-scoped execution_id. It
// verifies tenant ownership the same way Status does before
// subscribing, so a caller cannot observe another tenant's execution
// by guessing its id. The returned channel is closed and the
// subscription released when ctx is done; callers should range over it
// rather than polling.
//
// Subscribe requires the Orchestrator's emitter to be an *emit.Router,
// wrapping whatever backend emitters the caller configured; passing a
// bare Emitter to New disables streaming and Subscribe returns
// ErrNotFound.
func (o *Orchestrator) Subscribe(ctx context.Context, executionID, tenantID string) (<-chan emit.Event, error) {
	if _, err := o.store.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, ErrNotFound
	}
	router, ok := o.emitter.(*emit.Router)
	if !ok {
		return nil, ErrNotFound
	}
	src, unsubscribe := router.Subscribe(executionID, 64)
	out := make(chan emit.Event, 64)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RegisterAgent adds rec to the Agent Registry under tenantID's scope
// (empty for system scope). It is a thin delegation to the Registry
// collaborator: the Orchestrator is the single handle callers hold
// rather than reaching into module-level registry state.
func (o *Orchestrator) RegisterAgent(rec flow.AgentRecord, tenantID string) (flow.AgentRecord, error) {
	rec.OwnerTenantID = tenantID
	return o.registry.Register(rec)
}

// DeregisterAgent removes an agent record from tenantID's scope.
func (o *Orchestrator) DeregisterAgent(agentID, tenantID string) error {
	return o.registry.Deregister(tenantID, agentID)
}

// ListAgents returns every agent visible to tenantID matching filters.
func (o *Orchestrator) ListAgents(tenantID string, filters registry.ListFilters) []flow.AgentRecord {
	return o.registry.ListAgents(tenantID, filters)
}

// nodeOutcome is what a dispatched node (or a synchronously resolved
// control-flow node) reports back to the coordinator.
type nodeOutcome struct {
	nodeID    string
	status    flow.NodeResultStatus
	input     map[string]any
	output    map[string]any
	err       *EngineError
	attempts  int
	iteration int
	startedAt time.Time
	// route, when non-nil, names the exact successor(s) the coordinator
	// should mark ready, bypassing indegree bookkeeping (decision's
	// chosen branch, a fork's branches). skip names sibling nodes (and
	// their cascade) that must be marked skipped instead.
	route []string
	skip  []string
	// contextUpdate, when non-nil, is merged into the execution's
	// context scratch (the "context.*" namespace) by the coordinator.
	contextUpdate map[string]any
}

// run is the per-execution coordinator. It owns every shared map below
// and is the only goroutine that mutates them; dispatched nodes
// communicate exclusively through resultsCh.
func (o *Orchestrator) run(ctx context.Context, def *flow.FlowDefinition, ec flow.ExecutionContext) {
	defer func() {
		o.mu.Lock()
		delete(o.cancelFuncs, ec.ExecutionID)
		o.mu.Unlock()
	}()

	sem := o.tenantSemaphore(ec.TenantID)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		o.finish(context.Background(), def, ec, flow.StatusCancelled,
			&EngineError{Kind: KindCancelled, Message: "cancelled while queued"})
		return
	}

	if err := o.store.Transition(ctx, ec.ExecutionID, flow.StatusRunning, nil, nil); err != nil {
		return
	}
	o.emit(emit.Event{ExecutionID: ec.ExecutionID, Msg: "execution.started"})
	o.opts.Metrics.addInflight(0)

	def.EnsureIndex()

	adjacency := buildAdjacency(def)
	indegree := make(map[string]int, len(def.Indegree()))
	for k, v := range def.Indegree() {
		indegree[k] = v
	}

	status := make(map[string]flow.NodeResultStatus, len(def.Nodes))
	outputs := make(map[string]map[string]any, len(def.Nodes))
	joinSeen := make(map[string]map[string]flow.NodeResultStatus, len(def.Nodes))
	joinResolved := make(map[string]bool, len(def.Nodes))
	// anySucceeded tracks, per node, whether at least one of its
	// depends_on edges has ever carried a successful predecessor. A
	// convergent node (e.g. the node after a decision's two branches
	// rejoin) must run once its indegree hits zero only if the surviving
	// path actually produced output; otherwise it is skipped too.
	anySucceeded := make(map[string]bool, len(def.Nodes))
	scratch := make(map[string]any)

	ready := []string{def.EntryPoint}
	inflight := 0
	resultsCh := make(chan nodeOutcome, o.opts.Parallelism*2)
	step := 0
	// nodeCancels holds a per-node cancel func for every currently
	// dispatched agent/loop node, so a first_complete join can abort its
	// losing sources instead of letting them run to completion against a
	// real agent after the join has already resolved.
	nodeCancels := make(map[string]context.CancelFunc, len(def.Nodes))

	var finalErr *EngineError
	var cancelled bool

runLoop:
	for len(ready) > 0 || inflight > 0 {
		for i := 0; i < len(ready); {
			nodeID := ready[i]
			if status[nodeID] != "" {
				ready = append(ready[:i], ready[i+1:]...)
				continue
			}
			node, _ := def.NodeByID(nodeID)
			if node == nil {
				ready = append(ready[:i], ready[i+1:]...)
				continue
			}

			switch node.Type {
			case flow.NodeDecision, flow.NodeFork, flow.NodeOutput:
				ready = append(ready[:i], ready[i+1:]...)
				step++
				out := o.resolveSync(def, ec, *node, outputs, scratch)
				if ok, failErr := o.handleOutcome(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, scratch, nodeCancels, out, &ready); !ok {
					finalErr = failErr
					break runLoop
				}
			case flow.NodeJoin:
				// Joins are never dispatched from the ready queue; they
				// resolve as their sources complete (see handleOutcome).
				ready = append(ready[:i], ready[i+1:]...)
			default: // agent, loop
				if inflight >= o.opts.Parallelism {
					i++
					continue
				}
				ready = append(ready[:i], ready[i+1:]...)
				step++
				inflight++
				merged, depOutputs := mergeInputs(def, nodeID, ec, outputs)
				o.opts.Metrics.addInflight(1)
				nodeCtx, nodeCancel := context.WithCancel(ctx)
				nodeCancels[nodeID] = nodeCancel
				go o.dispatchNode(nodeCtx, def, ec, *node, step, merged, depOutputs, resultsCh)
			}
		}

		if inflight == 0 {
			if len(ready) == 0 {
				break runLoop
			}
			continue runLoop
		}

		select {
		case <-ctx.Done():
			cancelled = true
			break runLoop
		case out := <-resultsCh:
			inflight--
			o.opts.Metrics.addInflight(-1)
			if ok, failErr := o.handleOutcome(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, scratch, nodeCancels, out, &ready); !ok {
				finalErr = failErr
				break runLoop
			}
		}
	}

	if cancelled {
		o.finish(context.Background(), def, ec, flow.StatusCancelled,
			&EngineError{Kind: KindCancelled, Message: "execution cancelled"})
		return
	}
	if finalErr != nil {
		o.finish(context.Background(), def, ec, flow.StatusFailed, finalErr)
		return
	}

	for _, ep := range def.ExitPoints {
		if status[ep] != flow.NodeStatusSucceeded {
			o.finish(context.Background(), def, ec, flow.StatusFailed,
				&EngineError{Kind: KindAgentContract, NodeID: ep, Message: "exit point did not succeed"})
			return
		}
	}
	finalOutput := make(map[string]any, len(def.ExitPoints))
	for _, ep := range def.ExitPoints {
		finalOutput[ep] = outputs[ep]
	}
	ec.OutputData = finalOutput
	o.finish(context.Background(), def, ec, flow.StatusSucceeded, nil)
}

// emitTerminal publishes the node.succeeded/node.failed/node.skipped
// event matching out's status.
func (o *Orchestrator) emitTerminal(ec flow.ExecutionContext, out nodeOutcome) {
	switch out.status {
	case flow.NodeStatusSucceeded:
		o.emit(emit.Event{ExecutionID: ec.ExecutionID, Step: out.iteration, NodeID: out.nodeID, Msg: "node.succeeded"})
	case flow.NodeStatusFailed:
		o.emit(emit.Event{ExecutionID: ec.ExecutionID, NodeID: out.nodeID, Msg: "node.failed",
			Meta: map[string]any{"error": out.err.Error()}})
	case flow.NodeStatusSkipped:
		o.emit(emit.Event{ExecutionID: ec.ExecutionID, NodeID: out.nodeID, Msg: "node.skipped"})
	}
}

// handleOutcome applies one node's result to the shared scheduling
// state and returns false if the execution must fail immediately
// (a permanent error with no on_error_node and no absorbing join).
func (o *Orchestrator) handleOutcome(
	def *flow.FlowDefinition, ec flow.ExecutionContext,
	adjacency map[string][]string, indegree map[string]int,
	status map[string]flow.NodeResultStatus, outputs map[string]map[string]any,
	joinSeen map[string]map[string]flow.NodeResultStatus, joinResolved map[string]bool,
	anySucceeded map[string]bool, scratch map[string]any, nodeCancels map[string]context.CancelFunc,
	out nodeOutcome, ready *[]string,
) (bool, *EngineError) {
	status[out.nodeID] = out.status
	if out.output != nil {
		outputs[out.nodeID] = out.output
	}
	for k, v := range out.contextUpdate {
		scratch[k] = v
	}
	o.persistNodeResult(ec, out)
	o.emitTerminal(ec, out)

	// The node's own dispatch context is no longer needed once it has
	// reported a result; release it so context.WithCancel doesn't leak.
	if cancel, ok := nodeCancels[out.nodeID]; ok {
		cancel()
		delete(nodeCancels, out.nodeID)
	}

	var firstErr *EngineError

	// a decision's non-taken branch is a dead edge: its target never
	// gets a successful contribution from this path, so it is advanced
	// the same way any other terminal dependent edge is.
	for _, skipID := range out.skip {
		if err := o.advanceDependent(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, nodeCancels, out.nodeID, skipID, false, nil, ready); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	routed := make(map[string]bool, len(out.route))
	for _, nextID := range out.route {
		routed[nextID] = true
		o.appendMessage(ec, out.nodeID, nextID, out.output)
		if status[nextID] == "" {
			*ready = append(*ready, nextID)
		}
	}

	if out.status == flow.NodeStatusFailed {
		node, _ := def.NodeByID(out.nodeID)
		if node != nil && node.Type == flow.NodeAgent && node.Agent.OnErrorNode != "" {
			outputs[out.nodeID] = map[string]any{"_error": map[string]any{
				"kind": string(out.err.Kind), "message": out.err.Message,
			}}
			*ready = append(*ready, node.Agent.OnErrorNode)
		} else if !o.absorbedByJoin(def, out.nodeID, joinSeen) {
			return false, out.err
		}
	}

	// advance ordinary dependents via indegree bookkeeping, skipping
	// targets already resolved via route.
	if out.status == flow.NodeStatusSucceeded {
		for _, dep := range adjacency[out.nodeID] {
			if routed[dep] {
				continue // message already appended via out.route above
			}
			if err := o.advanceDependent(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, nodeCancels, out.nodeID, dep, true, out.output, ready); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if joinErr := o.settleJoinSources(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, nodeCancels, out, ready); joinErr != nil && firstErr == nil {
		firstErr = joinErr
	}

	if firstErr != nil {
		return false, firstErr
	}
	return true, nil
}

// advanceDependent records the edge from -> dep, decrements dep's
// indegree, and resolves dep once every predecessor has reported. A
// dependent with several depends_on edges (e.g. the node that rejoins
// after a decision's two branches) must not be skipped just because one
// of its edges was a decision's dead branch: anySucceeded remembers
// whether ANY predecessor actually succeeded, so dep runs normally once
// its indegree reaches zero as long as one of them did. Only when every
// predecessor was skipped or absorbed-failed does dep itself become
// skipped, and the cascade continues through dep's own dependents. Join
// nodes never resolve this way; they are left untouched here and settle
// exclusively through settleJoinSources.
func (o *Orchestrator) advanceDependent(
	def *flow.FlowDefinition, ec flow.ExecutionContext,
	adjacency map[string][]string, indegree map[string]int,
	status map[string]flow.NodeResultStatus, outputs map[string]map[string]any,
	joinSeen map[string]map[string]flow.NodeResultStatus, joinResolved map[string]bool,
	anySucceeded map[string]bool, nodeCancels map[string]context.CancelFunc,
	from, dep string, succeeded bool, payload map[string]any, ready *[]string,
) *EngineError {
	o.appendMessage(ec, from, dep, payload)
	if status[dep] != "" {
		return nil
	}
	depNode, _ := def.NodeByID(dep)
	if depNode != nil && depNode.Type == flow.NodeJoin {
		return nil
	}

	if succeeded {
		anySucceeded[dep] = true
	}
	indegree[dep]--
	if indegree[dep] > 0 {
		return nil
	}

	if anySucceeded[dep] {
		*ready = append(*ready, dep)
		return nil
	}

	skipped := nodeOutcome{nodeID: dep, status: flow.NodeStatusSkipped}
	status[dep] = flow.NodeStatusSkipped
	o.persistNodeResult(ec, skipped)
	o.emitTerminal(ec, skipped)
	o.opts.Metrics.incSkip(def.FlowID, 1)

	var firstErr *EngineError
	for _, next := range adjacency[dep] {
		if err := o.advanceDependent(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, nodeCancels, dep, next, false, nil, ready); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if joinErr := o.settleJoinSources(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, nodeCancels, skipped, ready); joinErr != nil && firstErr == nil {
		firstErr = joinErr
	}
	return firstErr
}

// settleJoinSources updates every unresolved join's view of its sources
// whenever one of them (out) reaches a terminal status, and advances
// the join's own dependents once it resolves.
func (o *Orchestrator) settleJoinSources(
	def *flow.FlowDefinition, ec flow.ExecutionContext,
	adjacency map[string][]string, indegree map[string]int,
	status map[string]flow.NodeResultStatus, outputs map[string]map[string]any,
	joinSeen map[string]map[string]flow.NodeResultStatus, joinResolved map[string]bool,
	anySucceeded map[string]bool, nodeCancels map[string]context.CancelFunc,
	out nodeOutcome, ready *[]string,
) *EngineError {
	switch out.status {
	case flow.NodeStatusSucceeded, flow.NodeStatusFailed, flow.NodeStatusSkipped:
	default:
		return nil
	}

	var joinErr *EngineError
	for _, n := range def.Nodes {
		if n.Type != flow.NodeJoin || n.Join == nil || joinResolved[n.ID] {
			continue
		}
		isSource := false
		for _, s := range n.Join.Sources {
			if s == out.nodeID {
				isSource = true
				break
			}
		}
		if !isSource {
			continue
		}
		seen := joinSeen[n.ID]
		if seen == nil {
			seen = make(map[string]flow.NodeResultStatus)
			joinSeen[n.ID] = seen
		}
		seen[out.nodeID] = out.status
		// advanceDependent has already recorded the message for a
		// succeeded or skipped source that the join also lists in
		// depends_on; record it here only otherwise.
		recorded := false
		if out.status != flow.NodeStatusFailed {
			for _, d := range n.DependsOn {
				if d == out.nodeID {
					recorded = true
					break
				}
			}
		}
		if !recorded {
			o.appendMessage(ec, out.nodeID, n.ID, out.output)
		}

		joinOut, ok := o.evaluateJoin(ec, n, seen, outputs)
		if !ok {
			continue
		}
		joinResolved[n.ID] = true
		status[n.ID] = joinOut.status
		outputs[n.ID] = joinOut.output
		o.persistNodeResult(ec, joinOut)

		if n.Join.Strategy == flow.MergeFirstComplete && joinOut.status == flow.NodeStatusSucceeded {
			o.cancelLosingSources(n.Join.Sources, joinOut.output, nodeCancels)
		}

		if joinOut.status == flow.NodeStatusSucceeded {
			o.emit(emit.Event{ExecutionID: ec.ExecutionID, NodeID: n.ID, Msg: "node.succeeded"})
			for _, dep := range adjacency[n.ID] {
				if err := o.advanceDependent(def, ec, adjacency, indegree, status, outputs, joinSeen, joinResolved, anySucceeded, nodeCancels, n.ID, dep, true, joinOut.output, ready); err != nil && joinErr == nil {
					joinErr = err
				}
			}
		} else {
			o.emit(emit.Event{ExecutionID: ec.ExecutionID, NodeID: n.ID, Msg: "node.failed",
				Meta: map[string]any{"error": joinOut.err.Error()}})
			if joinErr == nil {
				joinErr = joinOut.err
			}
		}
	}
	return joinErr
}

// cancelLosingSources aborts every first_complete join source other than
// the winner (the single key in winnerOutput) that is still in flight,
// so a racing branch doesn't keep consuming a proxy/tenant slot and
// calling its agent after the join has already resolved.
func (o *Orchestrator) cancelLosingSources(sources []string, winnerOutput map[string]any, nodeCancels map[string]context.CancelFunc) {
	var winner string
	for k := range winnerOutput {
		winner = k
	}
	for _, s := range sources {
		if s == winner {
			continue
		}
		if cancel, ok := nodeCancels[s]; ok {
			cancel()
			delete(nodeCancels, s)
		}
	}
}

// absorbedByJoin reports whether nodeID's failure is tolerated by a
// join wrapping it (first_complete or best_by can absorb one losing
// source; all_complete cannot).
func (o *Orchestrator) absorbedByJoin(def *flow.FlowDefinition, nodeID string, joinSeen map[string]map[string]flow.NodeResultStatus) bool {
	for _, n := range def.Nodes {
		if n.Type != flow.NodeJoin || n.Join == nil {
			continue
		}
		for _, s := range n.Join.Sources {
			if s == nodeID {
				return n.Join.Strategy == flow.MergeFirstComplete || n.Join.Strategy == flow.MergeBestBy
			}
		}
	}
	return false
}

// finish transitions the execution to a terminal status, emits the
// matching event, and invokes the usage reporter.
func (o *Orchestrator) finish(ctx context.Context, def *flow.FlowDefinition, ec flow.ExecutionContext, status flow.ExecutionStatus, engErr *EngineError) {
	var execErr *flow.ExecutionError
	if engErr != nil {
		execErr = engErr.toExecutionError()
	}
	_ = o.store.Transition(ctx, ec.ExecutionID, status, ec.OutputData, execErr)

	msg := map[flow.ExecutionStatus]string{
		flow.StatusSucceeded: "execution.succeeded",
		flow.StatusFailed:    "execution.failed",
		flow.StatusCancelled: "execution.cancelled",
	}[status]
	o.emit(emit.Event{ExecutionID: ec.ExecutionID, Msg: msg})
	o.opts.Metrics.incExecution(def.FlowID, string(status))

	if o.opts.UsageReporter != nil {
		o.opts.UsageReporter(ExecutionSummary{
			ExecutionID: ec.ExecutionID, FlowID: ec.FlowID, TenantID: ec.TenantID, Status: status,
		})
	}
}

// buildAdjacency returns, for every node id, the list of node ids that
// name it in depends_on. Control-flow references (decision and fork
// branches, loop bodies, join sources) are not included: handleOutcome,
// runLoopNode and settleJoinSources follow those directly.
func buildAdjacency(def *flow.FlowDefinition) map[string][]string {
	adj := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			adj[dep] = append(adj[dep], n.ID)
		}
	}
	return adj
}
