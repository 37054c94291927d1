// Package flow holds the typed data model shared by the catalog, the
// orchestrator, the registry and the execution store: flow definitions,
// nodes, agent records, executions, node results and the inter-node
// message trace.
package flow

import "time"

// NodeType enumerates the node variants a FlowDefinition may contain.
type NodeType string

const (
	NodeAgent    NodeType = "agent"
	NodeDecision NodeType = "decision"
	NodeLoop     NodeType = "loop"
	NodeFork     NodeType = "fork"
	NodeJoin     NodeType = "join"
	NodeOutput   NodeType = "output"
)

// MergeStrategy selects how a join node resolves its sources.
type MergeStrategy string

const (
	MergeFirstComplete MergeStrategy = "first_complete"
	MergeAllComplete   MergeStrategy = "all_complete"
	MergeBestBy        MergeStrategy = "best_by"
)

// AgentNodeConfig configures an agent-dispatch node.
type AgentNodeConfig struct {
	AgentID      string         `yaml:"agent_id" json:"agent_id"`
	Timeout      time.Duration  `yaml:"-" json:"-"`
	TimeoutSecs  int            `yaml:"timeout" json:"timeout"`
	MaxRetries   int            `yaml:"max_retries" json:"max_retries"`
	SystemPrompt string         `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	OnErrorNode  string         `yaml:"on_error_node,omitempty" json:"on_error_node,omitempty"`
}

// DecisionNodeConfig configures a conditional branch node.
type DecisionNodeConfig struct {
	Condition string `yaml:"condition" json:"condition"`
	Then      string `yaml:"then" json:"then"`
	Else      string `yaml:"else" json:"else"`
}

// LoopNodeConfig configures a looping subgraph node.
type LoopNodeConfig struct {
	Body          []string `yaml:"body" json:"body"`
	Until         string   `yaml:"until" json:"until"`
	MaxIterations int      `yaml:"max_iterations" json:"max_iterations"`
}

// ForkNodeConfig configures a parallel fan-out node.
type ForkNodeConfig struct {
	Branches []string `yaml:"branches" json:"branches"`
}

// JoinNodeConfig configures a fan-in node.
type JoinNodeConfig struct {
	Sources  []string      `yaml:"sources" json:"sources"`
	Strategy MergeStrategy `yaml:"strategy" json:"strategy"`
	BestBy   string        `yaml:"best_by,omitempty" json:"best_by,omitempty"`
}

// Node is one vertex of a FlowDefinition's DAG. Exactly one of the
// *Config fields is populated, selected by Type.
type Node struct {
	ID        string   `yaml:"id" json:"id"`
	Type      NodeType `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	Agent    *AgentNodeConfig    `yaml:"-" json:"agent,omitempty"`
	Decision *DecisionNodeConfig `yaml:"-" json:"decision,omitempty"`
	Loop     *LoopNodeConfig     `yaml:"-" json:"loop,omitempty"`
	Fork     *ForkNodeConfig     `yaml:"-" json:"fork,omitempty"`
	Join     *JoinNodeConfig     `yaml:"-" json:"join,omitempty"`
}

// FlowDefinition is an immutable, validated DAG of nodes.
type FlowDefinition struct {
	FlowID      string `yaml:"flow_id" json:"flow_id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Version     string `yaml:"version" json:"version"`
	EntryPoint  string `yaml:"entry_point" json:"entry_point"`
	ExitPoints  []string `yaml:"exit_points" json:"exit_points"`
	Nodes       []Node `yaml:"nodes" json:"nodes"`

	// TenantID is empty for system-scope (catalog-wide) flows.
	TenantID string `yaml:"-" json:"-"`

	// nodeIndex and layers are pre-computed by Validate.
	nodeIndex map[string]*Node
	layers    [][]string
	indegree  map[string]int
}

// NodeByID returns the node with the given id, if present.
func (f *FlowDefinition) NodeByID(id string) (*Node, bool) {
	if f.nodeIndex == nil {
		f.buildIndex()
	}
	n, ok := f.nodeIndex[id]
	return n, ok
}

// Layers returns the pre-computed topological layers (nodes with no
// unresolved dependency within an earlier layer).
func (f *FlowDefinition) Layers() [][]string { return f.layers }

// Indegree returns the pre-computed indegree count per node id.
func (f *FlowDefinition) Indegree() map[string]int { return f.indegree }

// SetComputed is called once by the catalog after validation to attach
// the pre-computed topological layers and indegree map.
func (f *FlowDefinition) SetComputed(layers [][]string, indegree map[string]int) {
	f.layers = layers
	f.indegree = indegree
}

func (f *FlowDefinition) buildIndex() {
	f.nodeIndex = make(map[string]*Node, len(f.Nodes))
	for i := range f.Nodes {
		f.nodeIndex[f.Nodes[i].ID] = &f.Nodes[i]
	}
}

// EnsureIndex builds the node-id index if it hasn't been built yet.
// Safe to call repeatedly.
func (f *FlowDefinition) EnsureIndex() {
	if f.nodeIndex == nil {
		f.buildIndex()
	}
}

// AgentHealth is the liveness state the Registry tracks for an agent.
type AgentHealth string

const (
	HealthUnknown   AgentHealth = "unknown"
	HealthReady     AgentHealth = "ready"
	HealthUnhealthy AgentHealth = "unhealthy"
)

// AgentType classifies the role an agent plays within flows.
type AgentType string

const (
	AgentInput       AgentType = "input"
	AgentProcessor   AgentType = "processor"
	AgentOutput      AgentType = "output"
	AgentConditional AgentType = "conditional"
)

// AgentRecord describes a registered, HTTP-addressable agent.
type AgentRecord struct {
	AgentID       string      `json:"agent_id"`
	Endpoint      string      `json:"endpoint"`
	AuthToken     string      `json:"-"`
	Capabilities  []string    `json:"capabilities"`
	AgentType     AgentType   `json:"agent_type"`
	Version       string      `json:"version"`
	OwnerTenantID string      `json:"owner_tenant_id,omitempty"`
	Health        AgentHealth `json:"health"`
	LastProbeAt   time.Time   `json:"last_probe_at,omitempty"`
}

// IsSystemScope reports whether the record has no owning tenant.
func (a AgentRecord) IsSystemScope() bool { return a.OwnerTenantID == "" }

// ExecutionStatus is the lifecycle state of an ExecutionContext.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionError is the user-visible error surfaced on a terminal,
// non-succeeded ExecutionContext.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

func (e *ExecutionError) Error() string { return e.Kind + ": " + e.Message }

// ExecutionContext is the durable record of one flow run.
type ExecutionContext struct {
	ExecutionID string          `json:"execution_id"`
	FlowID      string          `json:"flow_id"`
	TenantID    string          `json:"tenant_id"`
	Status      ExecutionStatus `json:"status"`
	InputData   map[string]any  `json:"input_data"`
	OutputData  map[string]any  `json:"output_data,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
}

// NodeResultStatus is the per-node execution outcome.
type NodeResultStatus string

const (
	NodeStatusPending   NodeResultStatus = "pending"
	NodeStatusRunning   NodeResultStatus = "running"
	NodeStatusSucceeded NodeResultStatus = "succeeded"
	NodeStatusFailed    NodeResultStatus = "failed"
	NodeStatusSkipped   NodeResultStatus = "skipped"
	NodeStatusCancelled NodeResultStatus = "cancelled"
)

// NodeResult is the append-mostly record of one node's execution
// within one execution, keyed by (ExecutionID, NodeID, Iteration).
type NodeResult struct {
	ExecutionID string           `json:"execution_id"`
	NodeID      string           `json:"node_id"`
	Iteration   int              `json:"iteration"`
	Status      NodeResultStatus `json:"status"`
	Input       map[string]any   `json:"input"`
	Output      map[string]any   `json:"output,omitempty"`
	Error       *ExecutionError  `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Attempts    int              `json:"attempts"`
	CostUSD     *float64         `json:"cost_usd,omitempty"`
}

// AgentMessage is the durable trace of one edge traversal's payload.
type AgentMessage struct {
	MessageID   string         `json:"message_id"`
	ExecutionID string         `json:"execution_id"`
	FromNode    string         `json:"from_node"`
	ToNode      string         `json:"to_node"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}
