package flow

import (
	"fmt"
	"regexp"
)

var flowIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidationError reports a single structural defect found while
// validating a FlowDefinition. The catalog package wraps these into a
// FlowInvalid error carrying the flow_id.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks structural well-formedness and, on success,
// pre-computes topological layers and indegree via SetComputed. It
// does not mutate Nodes.
func Validate(f *FlowDefinition) error {
	if !flowIDPattern.MatchString(f.FlowID) {
		return invalid("invalid flow_id: %q", f.FlowID)
	}
	if f.EntryPoint == "" {
		return invalid("entry_point is required")
	}
	if len(f.ExitPoints) == 0 {
		return invalid("exit_points must be non-empty")
	}

	seen := make(map[string]struct{}, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return invalid("node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return invalid("duplicate node_id: %s", n.ID)
		}
		seen[n.ID] = struct{}{}
		if err := validateNodeShape(n); err != nil {
			return invalid("node %s: %v", n.ID, err)
		}
	}

	if _, ok := seen[f.EntryPoint]; !ok {
		return invalid("entry_point references unknown node: %s", f.EntryPoint)
	}
	for _, ep := range f.ExitPoints {
		if _, ok := seen[ep]; !ok {
			return invalid("exit_points references unknown node: %s", ep)
		}
	}

	// depends_on references must exist, and entry point must have none.
	adjacency := make(map[string][]string, len(f.Nodes)) // node -> dependents
	indegree := make(map[string]int, len(f.Nodes))
	for _, n := range f.Nodes {
		indegree[n.ID] = 0
	}
	for _, n := range f.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := seen[dep]; !ok {
				return invalid("node %s depends_on unknown node: %s", n.ID, dep)
			}
			adjacency[dep] = append(adjacency[dep], n.ID)
			indegree[n.ID]++
		}
		for _, extra := range extraEdges(n) {
			if _, ok := seen[extra]; !ok {
				return invalid("node %s references unknown node: %s", n.ID, extra)
			}
		}
	}
	if indegree[f.EntryPoint] != 0 {
		return invalid("entry_point %s must have no dependencies", f.EntryPoint)
	}

	layers, err := topoLayers(seen, adjacency, indegree)
	if err != nil {
		return err
	}

	reachable := reachableFrom(f.EntryPoint, adjacency, f)
	for _, ep := range f.ExitPoints {
		if _, ok := reachable[ep]; !ok {
			return invalid("exit point %s is not reachable from entry_point", ep)
		}
	}
	// every node must be reachable from entry_point, either through
	// depends_on edges or through a control-flow reference (decision and
	// fork branches, loop body, join sources; see extraEdges).
	for id := range seen {
		if _, ok := reachable[id]; !ok {
			return invalid("node %s is unreachable from entry_point", id)
		}
	}

	f.buildIndex()
	f.SetComputed(layers, indegree)
	return nil
}

// extraEdges returns node ids referenced by a node's control-flow
// configuration beyond depends_on (decision branches, loop body, fork
// branches, join sources) so reachability and existence checks cover
// them too.
func extraEdges(n Node) []string {
	switch n.Type {
	case NodeDecision:
		if n.Decision == nil {
			return nil
		}
		return []string{n.Decision.Then, n.Decision.Else}
	case NodeLoop:
		if n.Loop == nil {
			return nil
		}
		return n.Loop.Body
	case NodeFork:
		if n.Fork == nil {
			return nil
		}
		return n.Fork.Branches
	case NodeJoin:
		if n.Join == nil {
			return nil
		}
		return n.Join.Sources
	default:
		return nil
	}
}

func validateNodeShape(n Node) error {
	switch n.Type {
	case NodeAgent:
		if n.Agent == nil || n.Agent.AgentID == "" {
			return fmt.Errorf("agent node requires agent_id")
		}
		if n.Agent.MaxRetries < 0 || n.Agent.MaxRetries > 5 {
			return fmt.Errorf("max_retries must be 0..5")
		}
	case NodeDecision:
		if n.Decision == nil || n.Decision.Condition == "" || n.Decision.Then == "" || n.Decision.Else == "" {
			return fmt.Errorf("decision node requires condition, then, else")
		}
	case NodeLoop:
		if n.Loop == nil || len(n.Loop.Body) == 0 || n.Loop.Until == "" || n.Loop.MaxIterations <= 0 {
			return fmt.Errorf("loop node requires body, until, max_iterations>0")
		}
	case NodeFork:
		if n.Fork == nil || len(n.Fork.Branches) == 0 {
			return fmt.Errorf("fork node requires branches")
		}
	case NodeJoin:
		if n.Join == nil || len(n.Join.Sources) == 0 {
			return fmt.Errorf("join node requires sources")
		}
		switch n.Join.Strategy {
		case MergeFirstComplete, MergeAllComplete:
		case MergeBestBy:
			if n.Join.BestBy == "" {
				return fmt.Errorf("join strategy best_by requires best_by expression")
			}
		default:
			return fmt.Errorf("unknown join strategy: %s", n.Join.Strategy)
		}
	case NodeOutput:
		// depends_on only; nothing further to validate.
	default:
		return fmt.Errorf("unknown node type: %s", n.Type)
	}
	return nil
}

// topoLayers computes Kahn's-algorithm layers over depends_on edges
// and rejects cycles with a FlowInvalid-shaped error naming one node
// left unprocessed, which is on a cycle or downstream of one.
func topoLayers(nodes map[string]struct{}, adjacency map[string][]string, indegree map[string]int) ([][]string, error) {
	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}

	var layers [][]string
	processed := 0
	for len(remaining) > 0 {
		var layer []string
		for id, deg := range remaining {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Cycle: report one remaining node; which one depends on map
			// iteration order.
			for id := range remaining {
				return nil, invalid("cycle at %s", id)
			}
		}
		for _, id := range layer {
			delete(remaining, id)
			for _, dep := range adjacency[id] {
				if _, ok := remaining[dep]; ok {
					remaining[dep]--
				}
			}
		}
		layers = append(layers, layer)
		processed += len(layer)
	}
	if processed != len(nodes) {
		return nil, invalid("cycle detected: %d of %d nodes ordered", processed, len(nodes))
	}
	return layers, nil
}

// reachableFrom computes the set of node ids reachable from start by
// following depends_on edges forward (adjacency) plus control-flow
// edges (decision/loop/fork/join) declared on each node.
func reachableFrom(start string, adjacency map[string][]string, f *FlowDefinition) map[string]struct{} {
	visited := map[string]struct{}{start: {}}
	queue := []string{start}
	index := make(map[string]Node, len(f.Nodes))
	for _, n := range f.Nodes {
		index[n.ID] = n
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := append([]string{}, adjacency[cur]...)
		if n, ok := index[cur]; ok {
			next = append(next, extraEdges(n)...)
		}
		for _, nx := range next {
			if _, ok := visited[nx]; !ok {
				visited[nx] = struct{}{}
				queue = append(queue, nx)
			}
		}
	}
	return visited
}
