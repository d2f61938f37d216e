package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/openagents/quorum/internal/store"
)

// statusRank orders admission candidates: work already in flight keeps
// its slot ahead of work waiting to start.
func statusRank(s store.TaskStatus) int {
	switch s {
	case store.TaskStatusRunning:
		return 0
	case store.TaskStatusAssigned:
		return 1
	case store.TaskStatusQueued:
		return 2
	case store.TaskStatusPending:
		return 3
	default:
		return 4
	}
}

// admitSession enforces the concurrency caps for one session: total
// active/assigned tasks, parallel children per parent, serialized-scope
// exclusivity, and per-agent concurrency. Candidates are ranked by
// status rank, then priority weight, then creation time, and admitted
// greedily; everything in flight that does not fit is demoted to queued.
// Returns the ids admitted for (or keeping) execution.
func (m *Manager) admitSession(ctx context.Context, sessionID string) ([]string, error) {
	tasks := m.st.ListTasks(store.TaskFilter{SessionID: sessionID})

	var candidates []*store.TaskRecord
	for _, t := range tasks {
		if t.State == store.TaskStateDone || t.State == store.TaskStateFailed {
			continue
		}
		if t.Status == store.TaskStatusPaused || t.Status == store.TaskStatusCompleted || t.Status == store.TaskStatusFailed {
			continue
		}
		if len(m.unmetDependencies(t)) > 0 {
			continue
		}
		if !t.NotBefore.IsZero() && t.NotBefore.After(m.now()) {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if wa, wb := ExecutionScore(a), ExecutionScore(b); wa != wb {
			return wa > wb
		}
		return eligibleAt(a).Before(eligibleAt(b))
	})

	admitted := make([]string, 0, m.cfg.Admission.MaxActivePerSession)
	activeTotal := 0
	perParent := make(map[string]int)
	perAgent := make(map[string]int)
	serializedHeld := false

	for _, t := range candidates {
		if activeTotal >= m.cfg.Admission.MaxActivePerSession {
			if err := m.demote(ctx, t); err != nil {
				return nil, err
			}
			continue
		}
		if t.Serialized && (serializedHeld || activeTotal > 0) {
			if err := m.demote(ctx, t); err != nil {
				return nil, err
			}
			continue
		}
		if !t.Serialized && serializedHeld {
			if err := m.demote(ctx, t); err != nil {
				return nil, err
			}
			continue
		}
		if t.ParentID != "" && perParent[t.ParentID] >= m.cfg.Admission.MaxChildrenPerParent {
			if err := m.demote(ctx, t); err != nil {
				return nil, err
			}
			continue
		}
		if t.AssignedTo != "" && perAgent[t.AssignedTo] >= m.cfg.Admission.MaxTasksPerAgent {
			if err := m.demote(ctx, t); err != nil {
				return nil, err
			}
			continue
		}

		admitted = append(admitted, t.ID)
		activeTotal++
		if t.Serialized {
			serializedHeld = true
		}
		if t.ParentID != "" {
			perParent[t.ParentID]++
		}
		if t.AssignedTo != "" {
			perAgent[t.AssignedTo]++
		}
	}
	return admitted, nil
}

// eligibleAt is the earliest time the task may run.
func eligibleAt(t *store.TaskRecord) time.Time {
	if !t.NotBefore.IsZero() {
		return t.NotBefore
	}
	return t.CreatedAt
}

// demote pushes an over-cap in-flight task back to queued, releasing its
// agent if it held one.
func (m *Manager) demote(ctx context.Context, t *store.TaskRecord) error {
	if t.Status != store.TaskStatusRunning && t.Status != store.TaskStatusAssigned {
		return nil
	}
	_, err := m.Release(ctx, t.ID, "demoted by concurrency admission")
	if err != nil {
		return err
	}
	m.logger.Info("task demoted by admission", "task", t.ID, "session", t.SessionID)
	return nil
}
