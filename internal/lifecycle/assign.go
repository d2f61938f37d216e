package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/registry"
	"github.com/openagents/quorum/internal/store"
)

// ScheduleTask asks the scheduler for the best agent and assigns the
// task to it. When the scheduler yields no positive-score candidate, the
// fallback auto-assignment path runs; when that also finds nobody, the
// task is parked in blocked with an alert — the external dependency
// (a working agent) is unavailable.
func (m *Manager) ScheduleTask(ctx context.Context, id string) (*store.TaskRecord, error) {
	rec := m.st.GetTask(id)
	if rec == nil {
		return nil, nil
	}
	if rec.AssignedTo != "" {
		return rec, nil
	}
	if unmet := m.unmetDependencies(rec); len(unmet) > 0 {
		return rec, nil
	}

	agentID := m.pickAgent(rec)
	if agentID == "" {
		return m.parkUnassignable(ctx, rec)
	}
	return m.Assign(ctx, id, agentID)
}

func (m *Manager) pickAgent(rec *store.TaskRecord) string {
	scores, err := m.sched.SelectBestAgent(rec)
	if err != nil && !errors.Is(err, store.ErrNoEligibleAgent) {
		m.logger.Error("scheduler selection failed", "task", rec.ID, "error", err)
		return ""
	}
	if len(scores) > 0 && scores[0].Score > 0 {
		m.logger.Info("scheduler selected agent",
			"task", rec.ID, "agent", scores[0].AgentID, "score", scores[0].Score,
			"reasoning", scores[0].Reasoning)
		return scores[0].AgentID
	}
	return m.fallbackAgent(rec)
}

// parkUnassignable blocks a task nobody can take and raises an alert.
func (m *Manager) parkUnassignable(ctx context.Context, rec *store.TaskRecord) (*store.TaskRecord, error) {
	reason := "no agent available for assignment"
	if rec.State == store.TaskStatePending || rec.State == store.TaskStateActive ||
		rec.State == store.TaskStateNeedsConfirm || rec.State == store.TaskStateReassigning ||
		rec.State == store.TaskStateFailed {
		if _, _, err := m.st.TransitionTask(ctx, rec.ID, store.TaskStateBlocked, reason, "lifecycle"); err != nil {
			return nil, err
		}
	}
	updated, err := m.st.MutateTask(ctx, rec.ID, func(t *store.TaskRecord) {
		t.Status = store.TaskStatusQueued
		t.BlockedReason = reason
	})
	if err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicNotifyAlert, bus.NotificationEvent{
			Severity: "alert",
			Title:    "Task unassignable",
			Body:     fmt.Sprintf("task %s: %s", rec.ID, reason),
			TaskID:   rec.ID,
		})
	}
	return updated, nil
}

// fallbackAgent scores online, capability-configured agents directly:
// substring hits between task text and capability tags (2 points each),
// the reasoning-tier gap against a difficulty requirement, reasoning/
// cost efficiency, all weighted by priority and divided by a load
// penalty. Returns "" when nobody scores above zero.
func (m *Manager) fallbackAgent(rec *store.TaskRecord) string {
	taskText := strings.ToLower(rec.Title + " " + rec.Description + " " + strings.Join(rec.Labels, " "))
	required := rec.Difficulty().FallbackRequirement()

	best := ""
	bestScore := 0.0
	for _, agent := range m.reg.ListAssignable() {
		score := fallbackScore(taskText, required, rec.Priority, agent, m.sched.Load(agent.ID))
		if score > bestScore {
			best = agent.ID
			bestScore = score
		}
	}
	if best != "" {
		m.logger.Info("fallback assignment selected agent",
			"task", rec.ID, "agent", best, "score", bestScore)
	}
	return best
}

func fallbackScore(taskText string, requiredTier int, priority store.Priority, agent registry.Agent, load int) float64 {
	score := 0.0
	for _, capability := range agent.Capabilities {
		if c := strings.ToLower(strings.TrimSpace(capability)); c != "" && strings.Contains(taskText, c) {
			score += 2
		}
	}

	gap := agent.ReasoningTier - requiredTier
	switch {
	case gap >= 0:
		score += 3 - float64(gap)*0.5 // just-enough reasoning beats overkill
	default:
		score += float64(gap) * 2 // shortfall penalty
	}

	// Reasoning per unit cost.
	if agent.CostFactor > 0 {
		score += float64(agent.ReasoningTier) / agent.CostFactor * 0.5
	}

	score *= priority.Weight()
	score /= 1 + 2*float64(load)
	return score
}

// ExecutionScore orders the ready backlog: priority weight times
// difficulty weight, ties broken by the earliest eligible run time.
func ExecutionScore(rec *store.TaskRecord) float64 {
	return rec.Priority.Weight() * rec.Difficulty().Weight()
}
