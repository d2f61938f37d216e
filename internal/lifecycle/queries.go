package lifecycle

import (
	"sort"

	"github.com/openagents/quorum/internal/store"
)

// ListExecutable returns the session's tasks that could run right now,
// ordered by execution score (highest first), with earlier eligibility
// breaking ties.
func (m *Manager) ListExecutable(sessionID string) []*store.TaskRecord {
	var out []*store.TaskRecord
	for _, t := range m.st.ListTasks(store.TaskFilter{SessionID: sessionID}) {
		if t.State.Terminal() || t.State == store.TaskStateFailed {
			continue
		}
		if t.Status == store.TaskStatusPaused || t.Status == store.TaskStatusCompleted ||
			t.Status == store.TaskStatusFailed {
			continue
		}
		if len(m.unmetDependencies(t)) > 0 {
			continue
		}
		if !t.NotBefore.IsZero() && t.NotBefore.After(m.now()) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := ExecutionScore(out[i]), ExecutionScore(out[j])
		if si != sj {
			return si > sj
		}
		return eligibleAt(out[i]).Before(eligibleAt(out[j]))
	})
	return out
}

// SessionMetrics aggregates task counts for one session.
type SessionMetrics struct {
	Total    int                           `json:"total"`
	ByState  map[store.TaskState]int       `json:"by_state"`
	ByStatus map[store.TaskStatus]int      `json:"by_status"`
	ByAgent  map[string]int                `json:"by_agent"`
	Blocked  int                           `json:"blocked"`
	Overdue  int                           `json:"overdue"`
}

// Metrics computes aggregate counts for a session; pass "" for all
// sessions.
func (m *Manager) Metrics(sessionID string) SessionMetrics {
	sm := SessionMetrics{
		ByState:  make(map[store.TaskState]int),
		ByStatus: make(map[store.TaskStatus]int),
		ByAgent:  make(map[string]int),
	}
	now := m.now()
	for _, t := range m.st.ListTasks(store.TaskFilter{SessionID: sessionID}) {
		sm.Total++
		sm.ByState[t.State]++
		sm.ByStatus[t.Status]++
		if t.AssignedTo != "" {
			sm.ByAgent[t.AssignedTo]++
		}
		if len(t.BlockedBy) > 0 {
			sm.Blocked++
		}
		if t.Status == store.TaskStatusRunning && t.StartedAt != nil &&
			now.After(t.StartedAt.Add(t.EffectiveTimeout(m.cfg.Task.Timeout))) {
			sm.Overdue++
		}
	}
	return sm
}

// PlanBacklog summarizes the unfinished work for one plan.
type PlanBacklog struct {
	PlanID    string `json:"plan_id"`
	Remaining int    `json:"remaining"`
	Blocked   int    `json:"blocked"`
	InFlight  int    `json:"in_flight"`
	Done      int    `json:"done"`
	Failed    int    `json:"failed"`
}

// Backlog groups a session's tasks by plan and summarizes progress.
// Tasks without a plan are grouped under the empty plan ID. Plans are
// returned in lexical order.
func (m *Manager) Backlog(sessionID string) []PlanBacklog {
	byPlan := make(map[string]*PlanBacklog)
	for _, t := range m.st.ListTasks(store.TaskFilter{SessionID: sessionID}) {
		pb, ok := byPlan[t.PlanID]
		if !ok {
			pb = &PlanBacklog{PlanID: t.PlanID}
			byPlan[t.PlanID] = pb
		}
		switch {
		case t.State == store.TaskStateDone:
			pb.Done++
		case t.State == store.TaskStateFailed && t.RetryCount >= t.MaxRetries:
			pb.Failed++
		case t.State == store.TaskStateActive || t.State == store.TaskStateNeedsConfirm ||
			t.State == store.TaskStateFinalizing || t.State == store.TaskStateReassigning:
			pb.InFlight++
			pb.Remaining++
		case t.State == store.TaskStateBlocked:
			pb.Blocked++
			pb.Remaining++
		default:
			pb.Remaining++
		}
	}
	out := make([]PlanBacklog, 0, len(byPlan))
	for _, pb := range byPlan {
		out = append(out, *pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}
