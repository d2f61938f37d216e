// Package lifecycle is the orchestration hub: authoritative task CRUD,
// dependency resolution, concurrency admission, timeout/retry sweeps,
// and the glue that asks the scheduler for assignment decisions. It
// reconciles the legacy flat status field with the task state machine on
// every mutation.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/config"
	"github.com/openagents/quorum/internal/graph"
	"github.com/openagents/quorum/internal/otel"
	"github.com/openagents/quorum/internal/registry"
	"github.com/openagents/quorum/internal/scheduler"
	"github.com/openagents/quorum/internal/store"
)

// Manager coordinates the task lifecycle.
type Manager struct {
	st      *store.Store
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	cfg     config.Config
	now     func() time.Time

	sweeping atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches the otel instrument bundle.
func WithMetrics(metrics *otel.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// New builds a manager.
func New(st *store.Store, reg *registry.Registry, sched *scheduler.Scheduler, eventBus *bus.Bus, cfg config.Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Task.Timeout <= 0 {
		cfg.Task.Timeout = 10 * time.Minute
	}
	if cfg.Task.MaxRetries < 0 {
		cfg.Task.MaxRetries = 2
	}
	if cfg.Admission.MaxActivePerSession <= 0 {
		cfg.Admission.MaxActivePerSession = 3
	}
	if cfg.Admission.MaxChildrenPerParent <= 0 {
		cfg.Admission.MaxChildrenPerParent = 1
	}
	if cfg.Admission.MaxTasksPerAgent <= 0 {
		cfg.Admission.MaxTasksPerAgent = 1
	}
	m := &Manager{
		st:     st,
		reg:    reg,
		sched:  sched,
		bus:    eventBus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateInput is the caller-facing shape for a new task.
type CreateInput struct {
	SessionID    string
	Title        string
	Description  string
	Priority     store.Priority
	Labels       []string
	Dependencies []string
	Context      store.ValueMap
	PlanID       string
	GoalID       string
	ParentID     string
	Serialized   bool
	MaxRetries   *int
	Timeout      time.Duration
}

// Create validates and persists one task. Tasks with unmet dependencies
// are created directly in blocked; everything else starts pending.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*store.TaskRecord, error) {
	tasks, err := m.CreateBatch(ctx, in.SessionID, []CreateInput{in})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// CreateBatch validates and persists a batch of tasks. Tasks sharing a
// plan/goal/parent marker with unfinished tasks from earlier batches in
// the same session gain dependency edges on those siblings, preserving
// submission order without explicit caller wiring.
func (m *Manager) CreateBatch(ctx context.Context, sessionID string, inputs []CreateInput) ([]*store.TaskRecord, error) {
	if sessionID == "" {
		return nil, &store.ValidationError{Field: "session_id", Reason: "required"}
	}
	for i, in := range inputs {
		if in.Title == "" {
			return nil, &store.ValidationError{Field: "title", Reason: fmt.Sprintf("required (input %d)", i)}
		}
		if in.Priority != "" && in.Priority != store.PriorityHigh &&
			in.Priority != store.PriorityMedium && in.Priority != store.PriorityLow {
			return nil, &store.ValidationError{Field: "priority", Reason: "unknown value " + string(in.Priority)}
		}
	}

	// Snapshot before the loop: plan/goal/parent deps link only to
	// earlier batches, never to siblings created in this call.
	existing := m.st.ListTasks(store.TaskFilter{SessionID: sessionID})

	out := make([]*store.TaskRecord, 0, len(inputs))
	for _, in := range inputs {
		maxRetries := m.cfg.Task.MaxRetries
		if in.MaxRetries != nil {
			maxRetries = *in.MaxRetries
		}
		rec := &store.TaskRecord{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			Title:        in.Title,
			Description:  in.Description,
			Priority:     in.Priority,
			Labels:       in.Labels,
			Dependencies: append([]string(nil), in.Dependencies...),
			Context:      in.Context,
			PlanID:       in.PlanID,
			GoalID:       in.GoalID,
			ParentID:     in.ParentID,
			Serialized:   in.Serialized,
			MaxRetries:   maxRetries,
			Timeout:      in.Timeout,
			Status:       store.TaskStatusPending,
		}
		rec.Dependencies = append(rec.Dependencies, m.crossBatchDeps(rec, existing)...)

		saved, err := m.st.PutTask(ctx, rec)
		if err != nil {
			return nil, err
		}
		// Unmet dependencies park the task in blocked immediately.
		if unmet := m.unmetDependencies(saved); len(unmet) > 0 {
			saved, err = m.st.MutateTask(ctx, saved.ID, func(t *store.TaskRecord) {
				t.BlockedBy = unmet
				t.BlockedReason = "waiting on dependencies"
				t.Status = store.TaskStatusQueued
			})
			if err != nil {
				return nil, err
			}
			if saved, _, err = m.st.TransitionTask(ctx, saved.ID, store.TaskStateBlocked, "waiting on dependencies", "lifecycle"); err != nil {
				return nil, err
			}
		}
		out = append(out, saved)
		m.logger.Info("task created",
			"task", saved.ID, "session", sessionID, "title", saved.Title, "state", saved.State)
	}
	return out, nil
}

// crossBatchDeps returns ids of unfinished earlier-batch siblings that
// share a plan/goal/parent marker with the new task.
func (m *Manager) crossBatchDeps(rec *store.TaskRecord, existing []*store.TaskRecord) []string {
	if rec.PlanID == "" && rec.GoalID == "" && rec.ParentID == "" {
		return nil
	}
	have := make(map[string]bool, len(rec.Dependencies))
	for _, dep := range rec.Dependencies {
		have[dep] = true
	}
	var out []string
	for _, sibling := range existing {
		if sibling.Status == store.TaskStatusCompleted || have[sibling.ID] {
			continue
		}
		shared := (rec.PlanID != "" && sibling.PlanID == rec.PlanID) ||
			(rec.GoalID != "" && sibling.GoalID == rec.GoalID) ||
			(rec.ParentID != "" && sibling.ParentID == rec.ParentID)
		if shared {
			out = append(out, sibling.ID)
		}
	}
	return out
}

// unmetDependencies returns the task's dependencies not yet completed.
func (m *Manager) unmetDependencies(rec *store.TaskRecord) []string {
	var out []string
	for _, dep := range rec.Dependencies {
		depTask := m.st.GetTask(dep)
		if depTask == nil || depTask.Status != store.TaskStatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}

// CanExecute reports whether every dependency has completed.
func (m *Manager) CanExecute(id string) bool {
	rec := m.st.GetTask(id)
	if rec == nil {
		return false
	}
	return len(m.unmetDependencies(rec)) == 0
}

// UpdateInput carries optional field updates; nil pointers leave the
// field unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	Priority    *store.Priority
	Labels      *[]string
	Context     store.ValueMap
	Timeout     *time.Duration
}

// Update applies field changes to a task. Returns nil when unknown.
func (m *Manager) Update(ctx context.Context, id string, in UpdateInput) (*store.TaskRecord, error) {
	if in.Priority != nil && *in.Priority != store.PriorityHigh &&
		*in.Priority != store.PriorityMedium && *in.Priority != store.PriorityLow {
		return nil, &store.ValidationError{Field: "priority", Reason: "unknown value " + string(*in.Priority)}
	}
	return m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		if in.Title != nil {
			t.Title = *in.Title
		}
		if in.Description != nil {
			t.Description = *in.Description
		}
		if in.Priority != nil {
			t.Priority = *in.Priority
		}
		if in.Labels != nil {
			t.Labels = append([]string(nil), (*in.Labels)...)
		}
		if in.Context != nil {
			t.Context = in.Context
		}
		if in.Timeout != nil {
			t.Timeout = *in.Timeout
		}
	})
}

// Delete removes a task permanently.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	return m.st.DeleteTask(ctx, id)
}

// Get returns one task, or nil.
func (m *Manager) Get(id string) *store.TaskRecord {
	return m.st.GetTask(id)
}

// List returns tasks matching the filter.
func (m *Manager) List(filter store.TaskFilter) []*store.TaskRecord {
	return m.st.ListTasks(filter)
}

// Transition applies an explicit state transition and reconciles the
// flat status.
func (m *Manager) Transition(ctx context.Context, id string, to store.TaskState, reason, actor string) (*store.TaskRecord, error) {
	rec, changed, err := m.st.TransitionTask(ctx, id, to, reason, actor)
	if err != nil || rec == nil || !changed {
		return rec, err
	}
	if m.metrics != nil {
		m.metrics.TaskTransitions.Add(ctx, 1)
	}
	return m.reconcileStatus(ctx, rec)
}

// reconcileStatus realigns the legacy flat status with the state
// machine after a transition.
func (m *Manager) reconcileStatus(ctx context.Context, rec *store.TaskRecord) (*store.TaskRecord, error) {
	want := statusForState(rec)
	if rec.Status == want {
		return rec, nil
	}
	return m.st.MutateTask(ctx, rec.ID, func(t *store.TaskRecord) {
		t.Status = want
	})
}

// statusForState maps a state-machine node onto the flat status,
// preserving paused.
func statusForState(rec *store.TaskRecord) store.TaskStatus {
	if rec.Status == store.TaskStatusPaused &&
		rec.State != store.TaskStateDone && rec.State != store.TaskStateFailed {
		return store.TaskStatusPaused
	}
	switch rec.State {
	case store.TaskStatePending:
		return store.TaskStatusPending
	case store.TaskStateActive, store.TaskStateNeedsConfirm, store.TaskStateFinalizing:
		if rec.StartedAt != nil {
			return store.TaskStatusRunning
		}
		return store.TaskStatusAssigned
	case store.TaskStateBlocked, store.TaskStateReassigning:
		return store.TaskStatusQueued
	case store.TaskStateDone:
		return store.TaskStatusCompleted
	case store.TaskStateFailed:
		return store.TaskStatusFailed
	default:
		return rec.Status
	}
}

// Pause marks a task paused; paused tasks are skipped by admission until
// resumed. Terminal tasks cannot pause.
func (m *Manager) Pause(ctx context.Context, id string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	if rec.State == store.TaskStateDone || rec.State == store.TaskStateFailed {
		return rec, &store.ValidationError{Field: "state", Reason: "cannot pause a finished task"}
	}
	return m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		t.Status = store.TaskStatusPaused
	})
}

// Resume lifts a pause, restoring the status implied by the state.
func (m *Manager) Resume(ctx context.Context, id string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	if rec.Status != store.TaskStatusPaused {
		return rec, nil
	}
	return m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		t.Status = store.TaskStatusPending // drop the pause before remapping
		t.Status = statusForState(t)
	})
}

// Assign hands a task to an agent and activates it.
func (m *Manager) Assign(ctx context.Context, id, agentID string) (*store.TaskRecord, error) {
	if agentID == "" {
		return nil, &store.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if _, ok := m.reg.Get(agentID); !ok {
		return nil, fmt.Errorf("agent %s not registered", agentID)
	}
	rec, err := m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		t.AssignedTo = agentID
		t.Status = store.TaskStatusAssigned
		t.BlockedReason = ""
	})
	if err != nil || rec == nil {
		return rec, err
	}
	rec, _, err = m.st.TransitionTask(ctx, id, store.TaskStateActive, "assigned to "+agentID, "lifecycle")
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.TasksAssigned.Add(ctx, 1)
	}
	return rec, nil
}

// Claim marks an assigned task as actually running under its agent.
func (m *Manager) Claim(ctx context.Context, id, agentID string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	if rec.AssignedTo != agentID {
		return nil, fmt.Errorf("task %s is assigned to %q, not %q", id, rec.AssignedTo, agentID)
	}
	now := m.now()
	return m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		t.Status = store.TaskStatusRunning
		t.StartedAt = &now
	})
}

// Release clears an assignment and requeues the task for scheduling.
func (m *Manager) Release(ctx context.Context, id, reason string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	if rec.State == store.TaskStateActive || rec.State == store.TaskStateNeedsConfirm {
		if _, _, err := m.st.TransitionTask(ctx, id, store.TaskStateBlocked, reason, "lifecycle"); err != nil {
			return nil, err
		}
	}
	return m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		t.AssignedTo = ""
		t.Status = store.TaskStatusQueued
		t.BlockedReason = reason
		t.StartedAt = nil
	})
}

// Complete finishes a task (active → finalizing → done), records the
// agent result, and unblocks dependents whose remaining dependencies are
// now satisfied — they move to queued, not directly to assigned, so they
// re-enter scheduling.
func (m *Manager) Complete(ctx context.Context, id string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	started := rec.StartedAt

	if rec.State == store.TaskStateActive {
		if _, _, err := m.st.TransitionTask(ctx, id, store.TaskStateFinalizing, "work finished", "lifecycle"); err != nil {
			return nil, err
		}
	}
	rec, changed, err := m.st.TransitionTask(ctx, id, store.TaskStateDone, "completed", "lifecycle")
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	rec, err = m.reconcileStatus(ctx, rec)
	if err != nil {
		return nil, err
	}

	if rec.AssignedTo != "" {
		elapsed := time.Duration(0)
		if started != nil {
			elapsed = m.now().Sub(*started)
		}
		if err := m.reg.RecordTaskResult(ctx, rec.AssignedTo, true, elapsed); err != nil {
			m.logger.Warn("record task result failed", "agent", rec.AssignedTo, "error", err)
		}
	}
	if err := m.unblockDependents(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// unblockDependents clears the finished task from dependents' BlockedBy
// and requeues those with nothing left to wait on.
func (m *Manager) unblockDependents(ctx context.Context, doneID string) error {
	done := m.st.GetTask(doneID)
	if done == nil {
		return nil
	}
	for _, task := range m.st.ListTasks(store.TaskFilter{SessionID: done.SessionID}) {
		if !contains(task.Dependencies, doneID) {
			continue
		}
		unmet := m.unmetDependencies(task)
		if _, err := m.st.MutateTask(ctx, task.ID, func(t *store.TaskRecord) {
			t.BlockedBy = unmet
			if len(unmet) == 0 {
				t.BlockedReason = ""
				if t.Status == store.TaskStatusPending || t.Status == store.TaskStatusQueued {
					t.Status = store.TaskStatusQueued
				}
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// Fail marks a task failed and recursively blocks its transitive
// dependents with an explanatory reason. Terminal failures are mirrored
// to the operational log and an alert.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	started := rec.StartedAt

	rec, changed, err := m.st.TransitionTask(ctx, id, store.TaskStateFailed, reason, "lifecycle")
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	rec, err = m.reconcileStatus(ctx, rec)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.TasksFailed.Add(ctx, 1)
	}

	if rec.AssignedTo != "" {
		elapsed := time.Duration(0)
		if started != nil {
			elapsed = m.now().Sub(*started)
		}
		if err := m.reg.RecordTaskResult(ctx, rec.AssignedTo, false, elapsed); err != nil {
			m.logger.Warn("record task result failed", "agent", rec.AssignedTo, "error", err)
		}
	}

	if err := m.st.AppendLog(ctx, "error", "task", "task failed: "+reason, rec.ID, rec.AssignedTo); err != nil {
		m.logger.Error("append failure log", "task", rec.ID, "error", err)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicNotifyAlert, bus.NotificationEvent{
			Severity: "alert",
			Title:    "Task failed",
			Body:     fmt.Sprintf("task %s failed: %s", rec.ID, reason),
			TaskID:   rec.ID,
			AgentID:  rec.AssignedTo,
		})
	}

	return rec, m.blockDependents(ctx, rec, reason)
}

// blockDependents cascades a failure through everything downstream.
func (m *Manager) blockDependents(ctx context.Context, failed *store.TaskRecord, reason string) error {
	g, err := m.sessionGraph(failed.SessionID)
	if err != nil {
		return err
	}
	for _, depID := range g.TransitiveDependents(failed.ID) {
		dependent := m.st.GetTask(depID)
		if dependent == nil || dependent.State == store.TaskStateDone || dependent.State == store.TaskStateFailed {
			continue
		}
		blockReason := fmt.Sprintf("dependency %s failed: %s", failed.ID, reason)
		if dependent.State != store.TaskStateBlocked {
			if _, _, err := m.st.TransitionTask(ctx, depID, store.TaskStateBlocked, blockReason, "lifecycle"); err != nil {
				return err
			}
		}
		if _, err := m.st.MutateTask(ctx, depID, func(t *store.TaskRecord) {
			t.BlockedReason = blockReason
			if !contains(t.BlockedBy, failed.ID) {
				t.BlockedBy = append(t.BlockedBy, failed.ID)
			}
			t.Status = store.TaskStatusQueued
		}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDependencies replaces a task's dependency list, rejecting edits
// that would close a cycle within the session.
func (m *Manager) UpdateDependencies(ctx context.Context, id string, deps []string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	g, err := m.sessionGraph(rec.SessionID)
	if err != nil {
		return nil, err
	}
	if err := g.SetDependencies(id, deps); err != nil {
		return nil, err
	}

	rec, err = m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		t.Dependencies = append([]string(nil), deps...)
	})
	if err != nil {
		return nil, err
	}

	unmet := m.unmetDependencies(rec)
	rec, err = m.st.MutateTask(ctx, id, func(t *store.TaskRecord) {
		t.BlockedBy = unmet
		if len(unmet) > 0 {
			t.BlockedReason = "waiting on dependencies"
		} else if t.BlockedReason == "waiting on dependencies" {
			t.BlockedReason = ""
		}
	})
	if err != nil {
		return nil, err
	}
	if len(unmet) > 0 && (rec.State == store.TaskStatePending || rec.State == store.TaskStateActive) {
		return m.Transition(ctx, id, store.TaskStateBlocked, "waiting on dependencies", "lifecycle")
	}
	return rec, nil
}

// sessionGraph builds the dependency graph for one session's tasks.
func (m *Manager) sessionGraph(sessionID string) (*graph.Graph, error) {
	tasks := m.st.ListTasks(store.TaskFilter{SessionID: sessionID})
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		edges[t.ID] = t.Dependencies
	}
	g, err := graph.Build(edges)
	if err != nil {
		return nil, fmt.Errorf("session %s dependency graph: %w", sessionID, err)
	}
	for _, t := range tasks {
		if t.Status == store.TaskStatusCompleted {
			g.MarkDone(t.ID)
		}
	}
	return g, nil
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
