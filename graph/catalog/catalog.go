// Package catalog loads and validates flow documents. Flows are
// authored as YAML, parsed into flow.FlowDefinition, structurally
// validated, and cached for tenant-then-system-scope lookup.
package catalog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/orchestrator/flow"
)

// ErrNotFound is returned by Get when no flow matches the given id in
// either the tenant's scope or system scope.
var ErrNotFound = errors.New("catalog: flow not found")

// FlowInvalidError wraps a structural validation failure with the
// offending flow_id, raised while loading a document into the catalog.
type FlowInvalidError struct {
	FlowID string
	Err    error
}

func (e *FlowInvalidError) Error() string {
	return fmt.Sprintf("flow %s is invalid: %v", e.FlowID, e.Err)
}

func (e *FlowInvalidError) Unwrap() error { return e.Err }

// document is the on-disk YAML shape for a flow. It mirrors
// flow.FlowDefinition/flow.Node but keeps the discriminated node config
// as raw YAML so Decode can dispatch on the node's declared type.
type document struct {
	FlowID      string       `yaml:"flow_id"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Version     string       `yaml:"version"`
	EntryPoint  string       `yaml:"entry_point"`
	ExitPoints  []string     `yaml:"exit_points"`
	Nodes       []nodeDoc    `yaml:"nodes"`
}

type nodeDoc struct {
	ID        string              `yaml:"id"`
	Type      flow.NodeType       `yaml:"type"`
	DependsOn []string            `yaml:"depends_on"`
	Agent     *flow.AgentNodeConfig    `yaml:"agent"`
	Decision  *flow.DecisionNodeConfig `yaml:"decision"`
	Loop      *flow.LoopNodeConfig     `yaml:"loop"`
	Fork      *flow.ForkNodeConfig     `yaml:"fork"`
	Join      *flow.JoinNodeConfig     `yaml:"join"`
}

// Parse decodes one YAML flow document. It does not validate DAG
// structure; call flow.Validate (done automatically by Catalog.Load) after.
func Parse(data []byte) (*flow.FlowDefinition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse flow document: %w", err)
	}

	nodes := make([]flow.Node, 0, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		n := flow.Node{
			ID:        nd.ID,
			Type:      nd.Type,
			DependsOn: nd.DependsOn,
			Agent:     nd.Agent,
			Decision:  nd.Decision,
			Loop:      nd.Loop,
			Fork:      nd.Fork,
			Join:      nd.Join,
		}
		if n.Agent != nil {
			n.Agent.Timeout = secondsToDuration(n.Agent.TimeoutSecs)
		}
		nodes = append(nodes, n)
	}

	def := &flow.FlowDefinition{
		FlowID:      doc.FlowID,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		EntryPoint:  doc.EntryPoint,
		ExitPoints:  doc.ExitPoints,
		Nodes:       nodes,
	}
	return def, nil
}

// Catalog holds validated flow definitions indexed by (tenant, flow_id)
// with a fallback to system scope ("") when a tenant has not overridden
// a flow of the same id.
type Catalog struct {
	mu    sync.RWMutex
	flows map[string]map[string]*flow.FlowDefinition // flowID -> tenantID -> def
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{flows: make(map[string]map[string]*flow.FlowDefinition)}
}

// Load parses, validates, and registers a flow document under the
// given tenant scope ("" for system scope). On success the definition
// is queryable via Get.
func (c *Catalog) Load(data []byte, tenantID string) (*flow.FlowDefinition, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	def.TenantID = tenantID

	if err := flow.Validate(def); err != nil {
		return nil, &FlowInvalidError{FlowID: def.FlowID, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	byTenant, ok := c.flows[def.FlowID]
	if !ok {
		byTenant = make(map[string]*flow.FlowDefinition)
		c.flows[def.FlowID] = byTenant
	}
	byTenant[tenantID] = def
	return def, nil
}

// Get resolves a flow by id, preferring the tenant's own copy and
// falling back to the system-scope (tenantID "") copy.
func (c *Catalog) Get(flowID, tenantID string) (*flow.FlowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byTenant, ok := c.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	if tenantID != "" {
		if def, ok := byTenant[tenantID]; ok {
			return def, nil
		}
	}
	if def, ok := byTenant[""]; ok {
		return def, nil
	}
	return nil, ErrNotFound
}

// List returns every flow_id loaded into the catalog under any scope,
// system or tenant, each id once.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.flows))
	for id := range c.flows {
		ids = append(ids, id)
	}
	return ids
}

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}
