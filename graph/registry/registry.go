// Package registry tracks the remote agent services flows dispatch to:
// their endpoints, capabilities, tenant ownership, and liveness.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flowmesh/orchestrator/flow"
)

// ErrNotFound is returned when no agent matches the requested id in
// either the tenant's scope or system scope.
var ErrNotFound = errors.New("registry: agent not found")

// ErrAgentConflict is returned by Register when agent_id is already
// registered under a different ownership scope: a tenant cannot shadow
// another tenant's or the system's agent_id.
var ErrAgentConflict = errors.New("registry: agent_id registered under a different scope")

// consecutiveFailureThreshold marks a ready agent unhealthy after this
// many consecutive failed probes.
const consecutiveFailureThreshold = 3

// Prober checks whether an agent endpoint is reachable and healthy.
// graph/proxy implements this over HTTP; tests substitute a fake.
type Prober interface {
	Probe(ctx context.Context, rec flow.AgentRecord) error
}

type entry struct {
	record      flow.AgentRecord
	failStreak  int
}

// Registry is a thread-safe, in-memory directory of agent records with
// a capability secondary index and a periodic health sweeper.
type Registry struct {
	mu           sync.RWMutex
	byKey        map[string]*entry   // "tenant:agent_id" (tenant "" = system scope)
	byCapability map[string][]string // capability -> keys in registration order
	scopesByID   map[string]map[string]struct{} // agent_id -> set of owning tenantIDs ("" = system)

	prober Prober
	logger *zap.Logger
	cron   *cron.Cron
}

func scopeKey(tenantID, agentID string) string {
	return tenantID + ":" + agentID
}

// New builds a Registry. The prober and logger may be nil; a nil
// prober disables StartHealthSweep.
func New(prober Prober, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byKey:        make(map[string]*entry),
		byCapability: make(map[string][]string),
		scopesByID:   make(map[string]map[string]struct{}),
		prober:       prober,
		logger:       logger,
	}
}

// Register adds a new agent record, scoped to OwnerTenantID (empty for
// system scope). A second Register of the same agent_id in the SAME
// scope is idempotent and returns the existing record; a Register of
// an agent_id already owned by a DIFFERENT scope (another tenant, or
// the system) fails with ErrAgentConflict.
func (r *Registry) Register(rec flow.AgentRecord) (flow.AgentRecord, error) {
	if rec.AgentID == "" {
		return flow.AgentRecord{}, fmt.Errorf("registry: agent_id is required")
	}
	if rec.Endpoint == "" {
		return flow.AgentRecord{}, fmt.Errorf("registry: endpoint is required")
	}
	if rec.Health == "" {
		rec.Health = flow.HealthUnknown
	}

	key := scopeKey(rec.OwnerTenantID, rec.AgentID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[key]; ok {
		return existing.record, nil
	}
	if scopes := r.scopesByID[rec.AgentID]; len(scopes) > 0 {
		return flow.AgentRecord{}, ErrAgentConflict
	}

	e := &entry{record: rec}
	r.byKey[key] = e
	for _, capb := range rec.Capabilities {
		r.byCapability[capb] = append(r.byCapability[capb], key)
	}
	scopes, ok := r.scopesByID[rec.AgentID]
	if !ok {
		scopes = make(map[string]struct{})
		r.scopesByID[rec.AgentID] = scopes
	}
	scopes[rec.OwnerTenantID] = struct{}{}
	return rec, nil
}

// Deregister removes an agent record from the given scope.
func (r *Registry) Deregister(tenantID, agentID string) error {
	key := scopeKey(tenantID, agentID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[key]
	if !ok {
		return ErrNotFound
	}
	delete(r.byKey, key)
	for _, capb := range e.record.Capabilities {
		r.byCapability[capb] = removeKey(r.byCapability[capb], key)
	}
	if scopes := r.scopesByID[agentID]; scopes != nil {
		delete(scopes, tenantID)
		if len(scopes) == 0 {
			delete(r.scopesByID, agentID)
		}
	}
	return nil
}

func removeKey(keys []string, target string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}

// Lookup resolves an agent_id, preferring the tenant's own registration
// and falling back to a system-scope agent of the same id.
func (r *Registry) Lookup(agentID, tenantID string) (flow.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tenantID != "" {
		if e, ok := r.byKey[scopeKey(tenantID, agentID)]; ok {
			return e.record, nil
		}
	}
	if e, ok := r.byKey[scopeKey("", agentID)]; ok {
		return e.record, nil
	}
	return flow.AgentRecord{}, ErrNotFound
}

// ListByCapability returns every agent visible to tenantID (its own and
// system-scope records) advertising the given capability and currently
// ready, in registration order.
func (r *Registry) ListByCapability(capability, tenantID string) []flow.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []flow.AgentRecord
	seen := make(map[string]struct{})
	for _, key := range r.byCapability[capability] {
		e, ok := r.byKey[key]
		if !ok || e.record.Health != flow.HealthReady {
			continue
		}
		if tenantID != "" && e.record.OwnerTenantID != tenantID && e.record.OwnerTenantID != "" {
			continue
		}
		if _, dup := seen[e.record.AgentID]; dup {
			continue
		}
		seen[e.record.AgentID] = struct{}{}
		out = append(out, e.record)
	}
	return out
}

// ListFilters narrows ListAgents to records matching the given fields
// when non-zero.
type ListFilters struct {
	Capability string
	AgentType  flow.AgentType
	Health     flow.AgentHealth
}

func (f ListFilters) matches(rec flow.AgentRecord) bool {
	if f.Capability != "" {
		found := false
		for _, c := range rec.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AgentType != "" && rec.AgentType != f.AgentType {
		return false
	}
	if f.Health != "" && rec.Health != f.Health {
		return false
	}
	return true
}

// ListAgents returns every agent visible to tenantID (its own records
// plus system-scope records) matching filters. Unlike ListByCapability
// this does not filter by health, so callers can see unhealthy agents
// too.
func (r *Registry) ListAgents(tenantID string, filters ListFilters) []flow.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]flow.AgentRecord, 0, len(r.byKey))
	for _, e := range r.byKey {
		if e.record.OwnerTenantID != "" && e.record.OwnerTenantID != tenantID {
			continue
		}
		if !filters.matches(e.record) {
			continue
		}
		out = append(out, e.record)
	}
	return out
}

// StartHealthSweep runs a cron-scheduled probe of every registered
// agent. spec defaults to a 30s interval ("@every 30s"). It returns a
// stop function; calling it twice is safe.
func (r *Registry) StartHealthSweep(spec string) (stop func(), err error) {
	if r.prober == nil {
		return nil, fmt.Errorf("registry: no prober configured")
	}
	if spec == "" {
		spec = "@every 30s"
	}
	c := cron.New()
	_, err = c.AddFunc(spec, r.sweepOnce)
	if err != nil {
		return nil, fmt.Errorf("registry: schedule health sweep: %w", err)
	}
	c.Start()
	r.cron = c
	var once sync.Once
	return func() { once.Do(func() { c.Stop() }) }, nil
}

func (r *Registry) sweepOnce() {
	r.mu.RLock()
	snapshot := make([]flow.AgentRecord, 0, len(r.byKey))
	for _, e := range r.byKey {
		snapshot = append(snapshot, e.record)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rec := range snapshot {
		err := r.prober.Probe(ctx, rec)
		r.recordProbe(rec.OwnerTenantID, rec.AgentID, err)
	}
}

func (r *Registry) recordProbe(tenantID, agentID string, probeErr error) {
	key := scopeKey(tenantID, agentID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[key]
	if !ok {
		return
	}
	now := time.Now()
	e.record.LastProbeAt = now
	if probeErr == nil {
		wasUnhealthy := e.record.Health == flow.HealthUnhealthy
		e.failStreak = 0
		e.record.Health = flow.HealthReady
		if wasUnhealthy {
			r.logger.Info("agent recovered", zap.String("agent_id", agentID))
		}
		return
	}
	e.failStreak++
	if e.failStreak >= consecutiveFailureThreshold && e.record.Health != flow.HealthUnhealthy {
		e.record.Health = flow.HealthUnhealthy
		r.logger.Warn("agent marked unhealthy",
			zap.String("agent_id", agentID),
			zap.Int("fail_streak", e.failStreak),
			zap.Error(probeErr))
	}
}
