package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openagents/quorum/internal/bus"
)

// defaultAuditLimit bounds the per-assist audit history.
const defaultAuditLimit = 50

// Store is the single mutation funnel for all operational state. One
// mutex serializes every read-modify-persist-emit sequence (single
// logical writer per entity); callers only ever see deep clones.
type Store struct {
	mu      sync.Mutex
	backend Backend
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time

	auditLimit int

	tasks   map[string]*TaskRecord
	assists map[string]*AssistRequest
	agents  map[string]*AgentHealth
	runs    map[string]*RunRecord
	pool    *ManagerPool
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use it to control
// timestamps and deadline math.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAuditLimit overrides the bounded assist audit history length.
func WithAuditLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.auditLimit = n
		}
	}
}

// Open warms the cache from the backend and returns a ready Store.
func Open(ctx context.Context, backend Backend, eventBus *bus.Bus, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:    backend,
		bus:        eventBus,
		logger:     logger,
		now:        time.Now,
		auditLimit: defaultAuditLimit,
		tasks:      make(map[string]*TaskRecord),
		assists:    make(map[string]*AssistRequest),
		agents:     make(map[string]*AgentHealth),
		runs:       make(map[string]*RunRecord),
	}
	for _, opt := range opts {
		opt(s)
	}

	snap, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	for _, t := range snap.Tasks {
		s.tasks[t.ID] = t.Clone()
	}
	for _, a := range snap.Assists {
		s.assists[a.ID] = a.Clone()
	}
	for _, h := range snap.Agents {
		s.agents[h.AgentID] = h.Clone()
	}
	for _, r := range snap.Runs {
		s.runs[r.ID] = r.Clone()
	}
	if snap.Pool != nil {
		s.pool = snap.Pool.Clone()
	}
	return s, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// --- Tasks ---

// PutTask upserts a task record. Missing id or session id is a
// ValidationError; the context bag is normalized at the boundary.
func (s *Store) PutTask(ctx context.Context, t *TaskRecord) (*TaskRecord, error) {
	if t.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}
	if t.SessionID == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "required"}
	}
	normalized, err := NormalizeValueMap(t.Context)
	if err != nil {
		return nil, &ValidationError{Field: "context", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := t.Clone()
	rec.Context = normalized
	now := s.now()
	if existing, ok := s.tasks[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = TaskStatePending
	}
	if rec.Status == "" {
		rec.Status = TaskStatusPending
	}
	if rec.Priority == "" {
		rec.Priority = PriorityMedium
	}

	if err := s.backend.UpsertTask(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", rec.ID, err)
	}
	s.tasks[rec.ID] = rec
	s.publish(bus.TopicTaskListUpdated, bus.TaskListUpdatedEvent{SessionID: rec.SessionID, TaskID: rec.ID})
	return rec.Clone(), nil
}

// MutateTask applies fn to the task under the store lock, persists and
// emits. Returns nil when the task does not exist (expected when racing
// a delete). State and ID changes inside fn are ignored; use
// TransitionTask for state edges.
func (s *Store) MutateTask(ctx context.Context, id string, fn func(*TaskRecord)) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	rec := existing.Clone()
	fn(rec)
	rec.ID = existing.ID
	rec.SessionID = existing.SessionID
	rec.State = existing.State
	rec.PreviousState = existing.PreviousState
	rec.History = append([]Transition(nil), existing.History...)
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = s.now()

	normalized, err := NormalizeValueMap(rec.Context)
	if err != nil {
		return nil, &ValidationError{Field: "context", Reason: err.Error()}
	}
	rec.Context = normalized

	if err := s.backend.UpsertTask(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", id, err)
	}
	s.tasks[id] = rec
	s.publish(bus.TopicTaskListUpdated, bus.TaskListUpdatedEvent{SessionID: rec.SessionID, TaskID: rec.ID})
	return rec.Clone(), nil
}

// TransitionTask moves a task along an allowed state-machine edge.
// Same-state calls are silent no-ops; illegal edges are logged and
// return the unchanged record. The boolean reports whether anything
// changed (and an event was emitted).
func (s *Store) TransitionTask(ctx context.Context, id string, to TaskState, reason, actor string) (*TaskRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	if existing.State == to {
		return existing.Clone(), false, nil
	}
	if !CanTransitionTask(existing.State, to) {
		s.logger.Warn("rejected task transition",
			"task", id, "from", existing.State, "to", to, "reason", reason, "actor", actor)
		return existing.Clone(), false, nil
	}

	rec := existing.Clone()
	now := s.now()
	rec.PreviousState = rec.State
	rec.State = to
	rec.History = append(rec.History, Transition{
		From:   rec.PreviousState,
		To:     to,
		Reason: reason,
		Actor:  actor,
		At:     now,
	})
	rec.UpdatedAt = now

	if err := s.backend.UpsertTask(ctx, rec); err != nil {
		return existing.Clone(), false, fmt.Errorf("persist task transition %s: %w", id, err)
	}
	s.tasks[id] = rec
	s.publish(bus.TopicTaskTransitioned, bus.TaskTransitionedEvent{
		TaskID:     rec.ID,
		SessionID:  rec.SessionID,
		From:       string(rec.PreviousState),
		To:         string(rec.State),
		AssignedTo: rec.AssignedTo,
		Reason:     reason,
		Actor:      actor,
		At:         now,
	})
	return rec.Clone(), true, nil
}

// GetTask returns a clone of the task, or nil when unknown.
func (s *Store) GetTask(id string) *TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

// TaskFilter selects tasks for ListTasks. Zero fields match everything.
type TaskFilter struct {
	SessionID  string
	States     []TaskState
	Statuses   []TaskStatus
	AssignedTo string
	PlanID     string
	ParentID   string
}

func (f TaskFilter) matches(t *TaskRecord) bool {
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	if f.PlanID != "" && t.PlanID != f.PlanID {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if t.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if t.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ListTasks returns clones of all tasks matching the filter, ordered by
// creation time then id for determinism.
func (s *Store) ListTasks(filter TaskFilter) []*TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TaskRecord
	for _, t := range s.tasks {
		if filter.matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteTask removes a task. Returns false when it did not exist.
func (s *Store) DeleteTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if err := s.backend.DeleteTask(ctx, id); err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	delete(s.tasks, id)
	s.publish(bus.TopicTaskListUpdated, bus.TaskListUpdatedEvent{SessionID: existing.SessionID, TaskID: id})
	return true, nil
}

// --- Assist requests ---

// PutAssist upserts an assist request. Terminal-state immutability is
// enforced: once terminal, only the audit history may grow.
func (s *Store) PutAssist(ctx context.Context, a *AssistRequest) (*AssistRequest, error) {
	if a.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}
	if a.TaskID == "" {
		return nil, &ValidationError{Field: "task_id", Reason: "required"}
	}
	if a.RequesterID == "" {
		return nil, &ValidationError{Field: "requester_id", Reason: "required"}
	}
	normalized, err := NormalizeValueMap(a.Context)
	if err != nil {
		return nil, &ValidationError{Field: "context", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := a.Clone()
	rec.Context = normalized
	now := s.now()
	if existing, ok := s.assists[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
		if existing.State.Terminal() && rec.State != existing.State {
			s.logger.Warn("ignored state change on terminal assist request",
				"assist", rec.ID, "state", existing.State, "attempted", rec.State)
			rec.State = existing.State
		}
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = AssistRequested
	}
	if rec.Priority == "" {
		rec.Priority = AssistPriorityNormal
	}

	if err := s.backend.UpsertAssist(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist assist %s: %w", rec.ID, err)
	}
	s.assists[rec.ID] = rec
	return rec.Clone(), nil
}

// TransitionAssist moves an assist request along an allowed edge,
// appending one bounded audit entry to its context and emitting one
// event. Terminal states never change again.
func (s *Store) TransitionAssist(ctx context.Context, id string, to AssistState, reason, actor string) (*AssistRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.assists[id]
	if !ok {
		return nil, false, nil
	}
	if existing.State == to {
		return existing.Clone(), false, nil
	}
	if existing.State.Terminal() || !CanTransitionAssist(existing.State, to) {
		s.logger.Warn("rejected assist transition",
			"assist", id, "from", existing.State, "to", to, "reason", reason)
		return existing.Clone(), false, nil
	}

	rec := existing.Clone()
	now := s.now()
	from := rec.State
	rec.State = to
	rec.UpdatedAt = now
	s.appendAuditLocked(rec, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
		"actor":  actor,
		"at":     now.UTC().Format(time.RFC3339),
	})

	if err := s.backend.UpsertAssist(ctx, rec); err != nil {
		return existing.Clone(), false, fmt.Errorf("persist assist transition %s: %w", id, err)
	}
	s.assists[id] = rec
	s.publish(bus.TopicAssistUpdated, bus.AssistUpdatedEvent{
		AssistID: rec.ID,
		TaskID:   rec.TaskID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		Actor:    actor,
	})
	return rec.Clone(), true, nil
}

// MutateAssist applies fn under the lock. State changes inside fn are
// ignored; only TransitionAssist moves the machine.
func (s *Store) MutateAssist(ctx context.Context, id string, fn func(*AssistRequest)) (*AssistRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.assists[id]
	if !ok {
		return nil, nil
	}
	rec := existing.Clone()
	fn(rec)
	rec.ID = existing.ID
	rec.TaskID = existing.TaskID
	rec.State = existing.State
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = s.now()

	normalized, err := NormalizeValueMap(rec.Context)
	if err != nil {
		return nil, &ValidationError{Field: "context", Reason: err.Error()}
	}
	rec.Context = normalized

	if err := s.backend.UpsertAssist(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist assist %s: %w", id, err)
	}
	s.assists[id] = rec
	return rec.Clone(), nil
}

// appendAuditLocked appends one entry to the request's bounded audit
// history. Caller holds s.mu.
func (s *Store) appendAuditLocked(rec *AssistRequest, entry map[string]any) {
	if rec.Context == nil {
		rec.Context = ValueMap{}
	}
	var audit []any
	if existing, ok := rec.Context["audit"].([]any); ok {
		audit = existing
	}
	audit = append(audit, entry)
	if len(audit) > s.auditLimit {
		audit = audit[len(audit)-s.auditLimit:]
	}
	rec.Context["audit"] = audit
}

// GetAssist returns a clone, or nil when unknown.
func (s *Store) GetAssist(id string) *AssistRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assists[id].Clone()
}

// AssistFilter selects assist requests.
type AssistFilter struct {
	TaskID      string
	SessionID   string
	States      []AssistState
	NonTerminal bool
}

func (f AssistFilter) matches(a *AssistRequest) bool {
	if f.TaskID != "" && a.TaskID != f.TaskID {
		return false
	}
	if f.SessionID != "" && a.SessionID != f.SessionID {
		return false
	}
	if f.NonTerminal && a.State.Terminal() {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if a.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ListAssists returns clones of matching requests ordered by creation
// time.
func (s *Store) ListAssists(filter AssistFilter) []*AssistRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*AssistRequest
	for _, a := range s.assists {
		if filter.matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteAssist removes a request; only explicit administrative purges
// call this.
func (s *Store) DeleteAssist(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assists[id]; !ok {
		return false, nil
	}
	if err := s.backend.DeleteAssist(ctx, id); err != nil {
		return false, fmt.Errorf("delete assist %s: %w", id, err)
	}
	delete(s.assists, id)
	return true, nil
}

// --- Agent health ---

// PutAgentHealth upserts a derived health record and emits a health
// update carrying the prior status.
func (s *Store) PutAgentHealth(ctx context.Context, h *AgentHealth) (*AgentHealth, error) {
	if h.AgentID == "" {
		return nil, &ValidationError{Field: "agent_id", Reason: "required"}
	}
	normalized, err := NormalizeValueMap(h.Metadata)
	if err != nil {
		return nil, &ValidationError{Field: "metadata", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := h.Clone()
	rec.Metadata = normalized
	rec.UpdatedAt = s.now()
	if rec.Status == "" {
		rec.Status = HealthHealthy
	}

	previous := ""
	if existing, ok := s.agents[rec.AgentID]; ok {
		previous = string(existing.Status)
	}

	if err := s.backend.UpsertAgentHealth(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist agent health %s: %w", rec.AgentID, err)
	}
	s.agents[rec.AgentID] = rec
	s.publish(bus.TopicAgentHealthUpdated, bus.AgentHealthUpdatedEvent{
		AgentID:  rec.AgentID,
		Status:   string(rec.Status),
		Previous: previous,
	})
	return rec.Clone(), nil
}

// GetAgentHealth returns a clone, or nil when the agent was never
// observed.
func (s *Store) GetAgentHealth(agentID string) *AgentHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[agentID].Clone()
}

// ListAgentHealth returns clones of all health records ordered by agent
// id.
func (s *Store) ListAgentHealth() []*AgentHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*AgentHealth, 0, len(s.agents))
	for _, h := range s.agents {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// DeleteAgentHealth removes the record when an agent is deregistered.
func (s *Store) DeleteAgentHealth(ctx context.Context, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return false, nil
	}
	if err := s.backend.DeleteAgentHealth(ctx, agentID); err != nil {
		return false, fmt.Errorf("delete agent health %s: %w", agentID, err)
	}
	delete(s.agents, agentID)
	s.publish(bus.TopicAgentListUpdated, bus.AgentListUpdatedEvent{AgentID: agentID, Removed: true})
	return true, nil
}

// --- Run records ---

// PutRun upserts an auxiliary run record.
func (s *Store) PutRun(ctx context.Context, r *RunRecord) (*RunRecord, error) {
	if r.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := r.Clone()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if err := s.backend.UpsertRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist run %s: %w", rec.ID, err)
	}
	s.runs[rec.ID] = rec
	s.publish(bus.TopicRunUpdated, bus.RunUpdatedEvent{RunID: rec.ID, TaskID: rec.TaskID})
	return rec.Clone(), nil
}

// GetRun returns a clone, or nil when unknown.
func (s *Store) GetRun(id string) *RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id].Clone()
}

// ListRunsByTask returns clones of a task's runs ordered by start time.
func (s *Store) ListRunsByTask(taskID string) []*RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*RunRecord
	for _, r := range s.runs {
		if r.TaskID == taskID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- Operational log ---

// AppendLog writes one append-only operational log entry.
func (s *Store) AppendLog(ctx context.Context, level, scope, message, taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &LogRecord{
		ID:        uuid.NewString(),
		Level:     level,
		Scope:     scope,
		Message:   message,
		TaskID:    taskID,
		AgentID:   agentID,
		CreatedAt: s.now(),
	}
	if err := s.backend.AppendLog(ctx, rec); err != nil {
		return fmt.Errorf("persist log record: %w", err)
	}
	s.publish(bus.TopicRecordUpdated, bus.RecordUpdatedEvent{Kind: "log", ID: rec.ID})
	return nil
}

// --- Manager pool ---

// ManagerPool returns a clone of the persisted pool, or nil when none
// was ever saved.
func (s *Store) ManagerPool() *ManagerPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Clone()
}

// SaveManagerPool persists the rotation state.
func (s *Store) SaveManagerPool(ctx context.Context, p *ManagerPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := p.Clone()
	if err := s.backend.SaveManagerPool(ctx, rec); err != nil {
		return fmt.Errorf("persist manager pool: %w", err)
	}
	s.pool = rec
	s.publish(bus.TopicRecordUpdated, bus.RecordUpdatedEvent{Kind: "manager_pool"})
	return nil
}
