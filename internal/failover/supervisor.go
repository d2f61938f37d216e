// Package failover reacts to agent health changes: it requeues work off
// unavailable agents, reassigns individual failing tasks, evaluates
// degrade thresholds, and rotates manager duty across the coordinator
// pool.
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/config"
	"github.com/openagents/quorum/internal/otel"
	"github.com/openagents/quorum/internal/registry"
	"github.com/openagents/quorum/internal/scheduler"
	"github.com/openagents/quorum/internal/store"
)

// Supervisor owns failover decisions and the manager pool.
type Supervisor struct {
	st      *store.Store
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	cfg     config.FailoverConfig
	now     func() time.Time

	sub     *bus.Subscription
	taskSub *bus.Subscription
	done    chan struct{}
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithMetrics attaches the otel instrument bundle.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New builds a supervisor. Call Start to begin consuming health events.
func New(st *store.Store, reg *registry.Registry, sched *scheduler.Scheduler, eventBus *bus.Bus, cfg config.FailoverConfig, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailedTaskThreshold <= 0 {
		cfg.FailedTaskThreshold = 5
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.30
	}
	if cfg.HeartbeatSilence <= 0 {
		cfg.HeartbeatSilence = 30 * time.Second
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 10
	}
	s := &Supervisor{
		st:     st,
		reg:    reg,
		sched:  sched,
		bus:    eventBus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to agent health updates and task transitions (for
// manager duty accounting) and reacts until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	s.sub = s.bus.Subscribe(bus.TopicAgentHealthUpdated)
	s.taskSub = s.bus.Subscribe(bus.TopicTaskTransitioned)
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
				payload, ok := bus.PayloadAs[bus.AgentHealthUpdatedEvent](ev)
				if !ok {
					continue
				}
				s.handleHealthChange(ctx, payload)
			case ev, ok := <-s.taskSub.Ch():
				if !ok {
					return
				}
				payload, ok := bus.PayloadAs[bus.TaskTransitionedEvent](ev)
				if !ok {
					continue
				}
				if store.TaskState(payload.To) == store.TaskStateDone {
					if err := s.RecordManagedTask(ctx); err != nil {
						s.logger.Error("manager duty accounting failed", "error", err)
					}
				}
			}
		}
	}()
}

// Stop waits for the event loop to drain after ctx cancellation.
func (s *Supervisor) Stop() {
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}
	if s.taskSub != nil {
		s.bus.Unsubscribe(s.taskSub)
	}
	<-s.done
}

func (s *Supervisor) handleHealthChange(ctx context.Context, ev bus.AgentHealthUpdatedEvent) {
	status := store.HealthStatus(ev.Status)
	if status != store.HealthOffline && status != store.HealthUnhealthy {
		return
	}
	if ev.Previous == ev.Status {
		return
	}
	s.HandleAgentDown(ctx, ev.AgentID, fmt.Sprintf("agent %s became %s", ev.AgentID, ev.Status))
}

// HandleAgentDown requeues everything assigned to the agent and rotates
// manager duty away from it when it held duty.
func (s *Supervisor) HandleAgentDown(ctx context.Context, agentID, reason string) {
	requeued := 0
	for _, task := range s.st.ListTasks(store.TaskFilter{AssignedTo: agentID}) {
		if task.State == store.TaskStateDone || task.State == store.TaskStateFailed {
			continue
		}
		if s.requeueTask(ctx, task, reason) {
			requeued++
		}
	}
	if requeued > 0 {
		s.logger.Warn("requeued tasks from unavailable agent",
			"agent", agentID, "count", requeued, "reason", reason)
	}

	if pool := s.st.ManagerPool(); pool != nil && pool.CurrentManager() == agentID {
		s.rotate(ctx, pool, "manager "+agentID+" unavailable")
	}
}

// requeueTask clears the assignment and parks the task in blocked with
// status queued so it re-enters scheduling on the next sweep.
func (s *Supervisor) requeueTask(ctx context.Context, task *store.TaskRecord, reason string) bool {
	// Finalizing tasks have their work done; let them finish rather
	// than throwing the result away.
	if task.State == store.TaskStateFinalizing {
		return false
	}
	// Transition while the assignment is still on the record so load
	// observers see which agent the task left.
	if task.State == store.TaskStateActive || task.State == store.TaskStateNeedsConfirm {
		if _, _, err := s.st.TransitionTask(ctx, task.ID, store.TaskStateBlocked, reason, "failover"); err != nil {
			s.logger.Error("requeue transition failed", "task", task.ID, "error", err)
			return false
		}
	}
	if _, err := s.st.MutateTask(ctx, task.ID, func(t *store.TaskRecord) {
		t.AssignedTo = ""
		t.Status = store.TaskStatusQueued
		t.BlockedReason = reason
	}); err != nil {
		s.logger.Error("requeue mutate failed", "task", task.ID, "error", err)
		return false
	}
	return true
}

// EvaluateAgentHealth is the single threshold entry point, fed both by
// the periodic poll and by push updates. It returns the derived status
// and persists it when the stored record disagrees.
func (s *Supervisor) EvaluateAgentHealth(ctx context.Context, agentID string) (store.HealthStatus, error) {
	agent, ok := s.reg.Get(agentID)
	if !ok {
		return "", fmt.Errorf("agent %s not registered", agentID)
	}
	health := s.st.GetAgentHealth(agentID)

	status := store.HealthHealthy
	switch {
	case !agent.Online:
		status = store.HealthOffline
	case agent.FailedTasks >= s.cfg.FailedTaskThreshold:
		status = store.HealthDegraded
	case failureRate(agent) >= s.cfg.FailureRateThreshold:
		status = store.HealthDegraded
	case s.now().Sub(agent.LastHeartbeat) > s.cfg.HeartbeatSilence:
		status = store.HealthDegraded
	case !agent.Enabled || !agent.Configured:
		status = store.HealthDegraded
	}

	if health != nil && health.Status == status {
		return status, nil
	}
	updated := &store.AgentHealth{
		AgentID:            agentID,
		Status:             status,
		LastHeartbeat:      agent.LastHeartbeat,
		CompletedTaskCount: agent.CompletedTasks,
		FailedTaskCount:    agent.FailedTasks,
		AvgResponseTime:    agent.AvgResponse,
		ErrorRate:          failureRate(agent),
		Capabilities:       agent.Capabilities,
	}
	if health != nil {
		updated.ActiveTaskCount = health.ActiveTaskCount
	}
	if _, err := s.st.PutAgentHealth(ctx, updated); err != nil {
		return status, fmt.Errorf("persist evaluated health for %s: %w", agentID, err)
	}
	return status, nil
}

func failureRate(agent registry.Agent) float64 {
	total := agent.CompletedTasks + agent.FailedTasks
	if total == 0 {
		return 0
	}
	return float64(agent.FailedTasks) / float64(total)
}

// HealthCheckPass evaluates every registered agent. Run it on the
// maintenance sweep cadence.
func (s *Supervisor) HealthCheckPass(ctx context.Context) {
	for _, agent := range s.reg.List() {
		if _, err := s.EvaluateAgentHealth(ctx, agent.ID); err != nil {
			s.logger.Error("health evaluation failed", "agent", agent.ID, "error", err)
		}
	}
}

// PerformFailover reassigns one failing task: move it to reassigning,
// pick the lowest-loaded alternative agent, and either activate it there
// or park it blocked with an alert. Returns the new assignee, or "".
func (s *Supervisor) PerformFailover(ctx context.Context, taskID, failedAgent, reason string) (string, error) {
	task := s.st.GetTask(taskID)
	if task == nil {
		return "", fmt.Errorf("task %s not found", taskID)
	}

	// reassigning is reachable from blocked and failed; park active work
	// in blocked first.
	if task.State == store.TaskStateActive || task.State == store.TaskStateNeedsConfirm {
		if _, _, err := s.st.TransitionTask(ctx, taskID, store.TaskStateBlocked, reason, "failover"); err != nil {
			return "", err
		}
	}
	_, changed, err := s.st.TransitionTask(ctx, taskID, store.TaskStateReassigning, reason, "failover")
	if err != nil {
		return "", err
	}
	if !changed {
		s.logger.Warn("failover skipped, task not in a reassignable state",
			"task", taskID, "state", task.State)
		return "", nil
	}
	if s.metrics != nil {
		s.metrics.Failovers.Add(ctx, 1)
	}

	candidate := s.selectAlternative(failedAgent)
	if candidate == "" {
		if _, _, err := s.st.TransitionTask(ctx, taskID, store.TaskStateBlocked, "no alternative agent available", "failover"); err != nil {
			return "", err
		}
		if _, err := s.st.MutateTask(ctx, taskID, func(t *store.TaskRecord) {
			t.AssignedTo = ""
			t.Status = store.TaskStatusQueued
			t.BlockedReason = "no alternative agent available"
		}); err != nil {
			return "", err
		}
		s.alert("Failover exhausted",
			fmt.Sprintf("no alternative agent for task %s after %s failed", taskID, failedAgent),
			taskID, failedAgent)
		return "", nil
	}

	if _, err := s.st.MutateTask(ctx, taskID, func(t *store.TaskRecord) {
		t.AssignedTo = candidate
		t.Status = store.TaskStatusAssigned
		t.BlockedReason = ""
	}); err != nil {
		return "", err
	}
	if _, _, err := s.st.TransitionTask(ctx, taskID, store.TaskStateActive, "failover to "+candidate, "failover"); err != nil {
		return "", err
	}
	s.notice("Task reassigned",
		fmt.Sprintf("task %s moved from %s to %s", taskID, failedAgent, candidate),
		taskID, candidate)
	return candidate, nil
}

// selectAlternative picks the lowest-loaded enabled/online/configured
// agent, excluding the failed one and anything degraded or offline. Ties
// keep id order.
func (s *Supervisor) selectAlternative(exclude string) string {
	best := ""
	bestLoad := -1
	for _, agent := range s.reg.ListAssignable() {
		if agent.ID == exclude {
			continue
		}
		if health := s.st.GetAgentHealth(agent.ID); health != nil {
			if health.Status == store.HealthDegraded || health.Status == store.HealthOffline ||
				health.Status == store.HealthUnhealthy {
				continue
			}
		}
		load := 0
		if s.sched != nil {
			load = s.sched.Load(agent.ID)
		}
		if best == "" || load < bestLoad {
			best = agent.ID
			bestLoad = load
		}
	}
	return best
}

func (s *Supervisor) alert(title, body, taskID, agentID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicNotifyAlert, bus.NotificationEvent{
		Severity: "alert", Title: title, Body: body, TaskID: taskID, AgentID: agentID,
	})
}

func (s *Supervisor) notice(title, body, taskID, agentID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicNotifyInfo, bus.NotificationEvent{
		Severity: "info", Title: title, Body: body, TaskID: taskID, AgentID: agentID,
	})
}
