// Package registry tracks the agents eligible for task assignment: their
// capability tags, reasoning tier, cost factor, rolling success rate, and
// availability. Derived health records are recomputed through the store
// whenever an entry changes, so health consumers never read stale counts.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/config"
	"github.com/openagents/quorum/internal/store"
)

const defaultReasoningTier = 5

// Agent is one registered agent. Scoring reads it by value; the registry
// owns the canonical copy.
type Agent struct {
	ID          string
	DisplayName string
	// Capabilities are free-form scene tags matched against task labels.
	Capabilities []string
	// ReasoningTier grades reasoning strength 1-10.
	ReasoningTier int
	// CostFactor scales relative cost; 1.0 is baseline.
	CostFactor float64
	// SuccessRate is the rolling completed/(completed+failed) ratio,
	// seeded at 0.8 until the agent has history.
	SuccessRate float64
	// Enabled gates assignment eligibility; disabled agents keep their
	// history.
	Enabled bool
	// Online mirrors the agent's reachability.
	Online bool
	// Configured reports whether the agent's execution backend is ready.
	Configured bool
	// Coordinator marks the agent eligible for manager duty.
	Coordinator bool

	LastHeartbeat time.Time
	CompletedTasks int
	FailedTasks    int
	AvgResponse    time.Duration
}

func (a Agent) clone() Agent {
	c := a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return c
}

// Registry is the agent roster. All mutations recompute and persist the
// agent's derived health record.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent
	st     *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a registry seeded from the static config roster. Seeded
// agents start online and configured; Enabled follows the config flag.
func New(ctx context.Context, st *store.Store, eventBus *bus.Bus, logger *slog.Logger, seed []config.AgentEntry, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		agents: make(map[string]*Agent),
		st:     st,
		bus:    eventBus,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, entry := range seed {
		agent := agentFromEntry(entry)
		agent.LastHeartbeat = r.now()
		if err := r.register(ctx, agent); err != nil {
			return nil, fmt.Errorf("seed agent %s: %w", entry.ID, err)
		}
	}
	return r, nil
}

func agentFromEntry(entry config.AgentEntry) *Agent {
	tier := entry.ReasoningTier
	if tier < 1 || tier > 10 {
		tier = defaultReasoningTier
	}
	cost := entry.CostFactor
	if cost <= 0 {
		cost = 1.0
	}
	return &Agent{
		ID:            entry.ID,
		DisplayName:   entry.DisplayName,
		Capabilities:  append([]string(nil), entry.Capabilities...),
		ReasoningTier: tier,
		CostFactor:    cost,
		SuccessRate:   0.8,
		Enabled:       !entry.Disabled,
		Online:        true,
		Configured:    true,
		Coordinator:   entry.Coordinator,
	}
}

// Register adds (or replaces) an agent and creates its health record.
func (r *Registry) Register(ctx context.Context, agent Agent) error {
	if agent.ID == "" {
		return &store.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if agent.ReasoningTier < 1 || agent.ReasoningTier > 10 {
		agent.ReasoningTier = defaultReasoningTier
	}
	if agent.CostFactor <= 0 {
		agent.CostFactor = 1.0
	}
	if agent.SuccessRate <= 0 || agent.SuccessRate > 1 {
		agent.SuccessRate = 0.8
	}
	cp := agent.clone()
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = r.now()
	}
	return r.register(ctx, &cp)
}

func (r *Registry) register(ctx context.Context, agent *Agent) error {
	r.mu.Lock()
	r.agents[agent.ID] = agent
	snapshot := agent.clone()
	r.mu.Unlock()

	if err := r.persistHealth(ctx, snapshot); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentListUpdated, bus.AgentListUpdatedEvent{AgentID: agent.ID})
	}
	return nil
}

// Deregister removes an agent and deletes its health record. Unknown ids
// are a no-op.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if _, err := r.st.DeleteAgentHealth(ctx, agentID); err != nil {
		return fmt.Errorf("delete health for %s: %w", agentID, err)
	}
	return nil
}

// Heartbeat records liveness for an agent and refreshes its derived
// health. Unknown agents are logged and ignored.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("heartbeat from unknown agent", "agent", agentID)
		return nil
	}
	agent.LastHeartbeat = r.now()
	agent.Online = true
	snapshot := agent.clone()
	r.mu.Unlock()

	return r.persistHealth(ctx, snapshot)
}

// SetOnline flips reachability and refreshes health.
func (r *Registry) SetOnline(ctx context.Context, agentID string, online bool) error {
	return r.mutate(ctx, agentID, func(a *Agent) { a.Online = online })
}

// SetEnabled flips assignment eligibility and refreshes health.
func (r *Registry) SetEnabled(ctx context.Context, agentID string, enabled bool) error {
	return r.mutate(ctx, agentID, func(a *Agent) { a.Enabled = enabled })
}

// SetConfigured flips execution-backend readiness and refreshes health.
func (r *Registry) SetConfigured(ctx context.Context, agentID string, configured bool) error {
	return r.mutate(ctx, agentID, func(a *Agent) { a.Configured = configured })
}

// RecordTaskResult folds one finished task into the agent's rolling
// stats and refreshes health.
func (r *Registry) RecordTaskResult(ctx context.Context, agentID string, succeeded bool, elapsed time.Duration) error {
	return r.mutate(ctx, agentID, func(a *Agent) {
		if succeeded {
			a.CompletedTasks++
		} else {
			a.FailedTasks++
		}
		total := a.CompletedTasks + a.FailedTasks
		if total > 0 {
			a.SuccessRate = float64(a.CompletedTasks) / float64(total)
		}
		if elapsed > 0 {
			if a.AvgResponse == 0 {
				a.AvgResponse = elapsed
			} else {
				// Exponential moving average, newest sample weighted 1/4.
				a.AvgResponse = (a.AvgResponse*3 + elapsed) / 4
			}
		}
	})
}

func (r *Registry) mutate(ctx context.Context, agentID string, fn func(*Agent)) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not registered", agentID)
	}
	fn(agent)
	snapshot := agent.clone()
	r.mu.Unlock()

	return r.persistHealth(ctx, snapshot)
}

// persistHealth recomputes the derived health record from the roster
// entry and the live task load, then writes it through the store. The
// store emits the health event with the prior status.
func (r *Registry) persistHealth(ctx context.Context, agent Agent) error {
	active := len(r.st.ListTasks(store.TaskFilter{
		AssignedTo: agent.ID,
		States:     []store.TaskState{store.TaskStateActive, store.TaskStateNeedsConfirm, store.TaskStateFinalizing},
	}))

	health := &store.AgentHealth{
		AgentID:            agent.ID,
		Status:             deriveStatus(agent),
		LastHeartbeat:      agent.LastHeartbeat,
		ActiveTaskCount:    active,
		CompletedTaskCount: agent.CompletedTasks,
		FailedTaskCount:    agent.FailedTasks,
		AvgResponseTime:    agent.AvgResponse,
		ErrorRate:          errorRate(agent),
		Capabilities:       agent.Capabilities,
	}
	if _, err := r.st.PutAgentHealth(ctx, health); err != nil {
		return fmt.Errorf("persist health for %s: %w", agent.ID, err)
	}
	return nil
}

func errorRate(agent Agent) float64 {
	total := agent.CompletedTasks + agent.FailedTasks
	if total == 0 {
		return 0
	}
	return float64(agent.FailedTasks) / float64(total)
}

// deriveStatus maps roster availability onto a health status. Threshold
// evaluation (failed counts, rates, heartbeat silence) stays with the
// failover supervisor; the registry only reports availability facts.
func deriveStatus(agent Agent) store.HealthStatus {
	if !agent.Online {
		return store.HealthOffline
	}
	if !agent.Enabled || !agent.Configured {
		return store.HealthDegraded
	}
	return store.HealthHealthy
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return agent.clone(), true
}

// List returns copies of all agents ordered by id.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAssignable returns copies of agents that are enabled, online, and
// configured, ordered by id.
func (r *Registry) ListAssignable() []Agent {
	all := r.List()
	out := all[:0]
	for _, a := range all {
		if a.Enabled && a.Online && a.Configured {
			out = append(out, a)
		}
	}
	return out
}

// Coordinators returns the ids of coordinator-tagged assignable agents,
// falling back to all assignable agents when none carry the tag.
func (r *Registry) Coordinators() []string {
	assignable := r.ListAssignable()
	var tagged []string
	for _, a := range assignable {
		if a.Coordinator {
			tagged = append(tagged, a.ID)
		}
	}
	if len(tagged) > 0 {
		return tagged
	}
	out := make([]string, 0, len(assignable))
	for _, a := range assignable {
		out = append(out, a.ID)
	}
	return out
}
