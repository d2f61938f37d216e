// Package scheduler ranks agents for a task with a weighted score and
// tracks live per-agent load from task-transition notifications. Scores
// are computed on demand and never persisted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/config"
	"github.com/openagents/quorum/internal/otel"
	"github.com/openagents/quorum/internal/registry"
	"github.com/openagents/quorum/internal/store"
)

// Weights are the scoring component weights. They sum to 1.
type Weights struct {
	SceneMatch       float64
	ReasoningFit     float64
	LoadBalance      float64
	SuccessRate      float64
	CostOptimization float64
}

// DefaultWeights returns the standard weight split.
func DefaultWeights() Weights {
	return Weights{
		SceneMatch:       0.35,
		ReasoningFit:     0.25,
		LoadBalance:      0.20,
		SuccessRate:      0.15,
		CostOptimization: 0.05,
	}
}

// WeightsFromConfig maps the config section onto Weights.
func WeightsFromConfig(c config.SchedulerConfig) Weights {
	return Weights{
		SceneMatch:       c.SceneMatchWeight,
		ReasoningFit:     c.ReasoningFitWeight,
		LoadBalance:      c.LoadBalanceWeight,
		SuccessRate:      c.SuccessRateWeight,
		CostOptimization: c.CostOptimizationWeight,
	}
}

// Breakdown holds the 0-100 component scores behind a total.
type Breakdown struct {
	SceneMatch       float64
	ReasoningFit     float64
	LoadBalance      float64
	SuccessRate      float64
	CostOptimization float64
}

// AgentScore is one ranked candidate. Ephemeral: computed per decision,
// never stored.
type AgentScore struct {
	AgentID   string
	Score     float64
	Breakdown Breakdown
	Reasoning string
}

// Scheduler owns the load counters and the scoring decision.
type Scheduler struct {
	mu      sync.Mutex
	load    map[string]int
	weights Weights
	maxLoad int

	st      *store.Store
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *otel.Metrics

	sub  *bus.Subscription
	done chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithMetrics attaches the otel instrument bundle.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New builds a scheduler. Call Start to begin consuming transition
// events for load tracking.
func New(st *store.Store, reg *registry.Registry, cfg config.SchedulerConfig, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	maxLoad := cfg.MaxLoad
	if maxLoad <= 0 {
		maxLoad = 10
	}
	weights := WeightsFromConfig(cfg)
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	s := &Scheduler{
		load:    make(map[string]int),
		weights: weights,
		maxLoad: maxLoad,
		st:      st,
		reg:     reg,
		logger:  logger,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to task transitions and keeps the load counters in
// lockstep: assignment increments, terminal transitions decrement.
func (s *Scheduler) Start(ctx context.Context, eventBus *bus.Bus) {
	s.sub = eventBus.Subscribe(bus.TopicTaskTransitioned)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.sub.Ch():
				if !ok {
					return
				}
				payload, ok := bus.PayloadAs[bus.TaskTransitionedEvent](ev)
				if !ok {
					continue
				}
				s.observeTransition(ctx, payload)
			}
		}
	}()
}

// Stop waits for the event loop to drain after ctx cancellation.
func (s *Scheduler) Stop(eventBus *bus.Bus) {
	if s.sub != nil {
		eventBus.Unsubscribe(s.sub)
	}
	<-s.done
}

func (s *Scheduler) observeTransition(ctx context.Context, ev bus.TaskTransitionedEvent) {
	if ev.AssignedTo == "" {
		return
	}
	switch store.TaskState(ev.To) {
	case store.TaskStateActive:
		// Only count the entry into active work, not re-activations of
		// a task this agent was already loaded with.
		if store.TaskState(ev.From) == store.TaskStatePending ||
			store.TaskState(ev.From) == store.TaskStateBlocked ||
			store.TaskState(ev.From) == store.TaskStateReassigning {
			s.RecordAssignment(ev.AssignedTo)
			if s.metrics != nil {
				s.metrics.ActiveTasks.Add(ctx, 1)
			}
		}
	case store.TaskStateBlocked, store.TaskStateReassigning:
		// Leaving active work without finishing (release, demotion,
		// timeout requeue, failover) frees the agent just as surely as
		// a terminal transition does.
		if inActiveWork(store.TaskState(ev.From)) {
			s.RecordCompletion(ev.AssignedTo)
			if s.metrics != nil {
				s.metrics.ActiveTasks.Add(ctx, -1)
			}
		}
	case store.TaskStateDone, store.TaskStateFailed:
		s.RecordCompletion(ev.AssignedTo)
		if s.metrics != nil {
			s.metrics.ActiveTasks.Add(ctx, -1)
		}
	}
}

// inActiveWork reports whether the state counts against an agent's live
// load.
func inActiveWork(state store.TaskState) bool {
	return state == store.TaskStateActive ||
		state == store.TaskStateNeedsConfirm ||
		state == store.TaskStateFinalizing
}

// RecordAssignment increments an agent's live load.
func (s *Scheduler) RecordAssignment(agentID string) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load[agentID]++
}

// RecordCompletion decrements an agent's live load, never below zero.
func (s *Scheduler) RecordCompletion(agentID string) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.load[agentID] > 0 {
		s.load[agentID]--
	}
}

// Load returns an agent's current load counter.
func (s *Scheduler) Load(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load[agentID]
}

// SelectBestAgent ranks all assignable agents for the task and returns
// them best-first. Agents whose health is offline or degraded are
// excluded before scoring. Returns store.ErrNoEligibleAgent when no
// candidate remains.
func (s *Scheduler) SelectBestAgent(task *store.TaskRecord) ([]AgentScore, error) {
	if s.metrics != nil {
		start := time.Now()
		defer func() {
			s.metrics.ScoringDuration.Record(context.Background(), time.Since(start).Seconds())
		}()
	}
	agents := s.reg.ListAssignable()
	var candidates []registry.Agent
	for _, agent := range agents {
		if health := s.st.GetAgentHealth(agent.ID); health != nil {
			if health.Status == store.HealthOffline || health.Status == store.HealthDegraded {
				continue
			}
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return nil, store.ErrNoEligibleAgent
	}

	scores := make([]AgentScore, 0, len(candidates))
	for _, agent := range candidates {
		scores = append(scores, s.scoreAgent(task, agent))
	}
	// Stable: equal totals keep registry (id) order.
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores, nil
}

func (s *Scheduler) scoreAgent(task *store.TaskRecord, agent registry.Agent) AgentScore {
	healthy := true
	if health := s.st.GetAgentHealth(agent.ID); health != nil {
		healthy = health.Status == store.HealthHealthy
	}

	b := Breakdown{
		SceneMatch:       sceneMatch(task.Labels, agent.Capabilities),
		ReasoningFit:     reasoningFit(agent.ReasoningTier, task.Difficulty().ReasoningRequirement()),
		LoadBalance:      loadBalance(s.Load(agent.ID), s.maxLoad, healthy),
		SuccessRate:      agent.SuccessRate * 100,
		CostOptimization: costOptimization(agent.CostFactor),
	}
	total := b.SceneMatch*s.weights.SceneMatch +
		b.ReasoningFit*s.weights.ReasoningFit +
		b.LoadBalance*s.weights.LoadBalance +
		b.SuccessRate*s.weights.SuccessRate +
		b.CostOptimization*s.weights.CostOptimization

	return AgentScore{
		AgentID:   agent.ID,
		Score:     total,
		Breakdown: b,
		Reasoning: fmt.Sprintf("scene %.0f, reasoning %.0f, load %.0f, success %.0f, cost %.0f",
			b.SceneMatch, b.ReasoningFit, b.LoadBalance, b.SuccessRate, b.CostOptimization),
	}
}

// sceneMatch scores the fraction of task labels matched against the
// agent's capability tags. Matching is case-insensitive and tolerant of
// separator noise; either side matching as a substring of the other
// counts. Empty labels or capabilities score a neutral 50.
func sceneMatch(labels, capabilities []string) float64 {
	if len(labels) == 0 || len(capabilities) == 0 {
		return 50
	}
	matched := 0
	for _, label := range labels {
		l := canonTag(label)
		for _, capability := range capabilities {
			c := canonTag(capability)
			if strings.Contains(l, c) || strings.Contains(c, l) {
				matched++
				break
			}
		}
	}
	return 100 * float64(matched) / float64(len(labels))
}

func canonTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	replacer := strings.NewReplacer("-", "", "_", "", " ", "")
	return replacer.Replace(s)
}

// reasoningFit rewards small positive gaps between the agent's tier and
// the task's requirement and penalizes shortfalls.
func reasoningFit(tier, required int) float64 {
	if tier >= required {
		gap := tier - required
		score := 100 - 5*float64(gap)
		if score < 0 {
			return 0
		}
		return score
	}
	deficit := required - tier
	score := 50 - 10*float64(deficit)
	if score < 0 {
		return 0
	}
	return score
}

// loadBalance scores spare capacity, with a small bonus for healthy
// agents, capped at 100.
func loadBalance(load, maxLoad int, healthy bool) float64 {
	score := 100 * (1 - float64(load)/float64(maxLoad))
	if score < 0 {
		score = 0
	}
	if healthy {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// costOptimization is the inverse of the cost factor: 100 at or below
// 0.5, linear decay to 50 at 1.0, a slower decay above 1.0, floor 0.
func costOptimization(costFactor float64) float64 {
	switch {
	case costFactor <= 0.5:
		return 100
	case costFactor <= 1.0:
		return 100 - (costFactor-0.5)*100
	default:
		score := 50 - (costFactor-1.0)*25
		if score < 0 {
			return 0
		}
		return score
	}
}
