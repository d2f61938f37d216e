// Package store is the authoritative record of task states, assist
// requests, agent health, and auxiliary run records. It is the single
// mutation funnel the rest of the core builds on: every change persists
// through the durable backend before it is acknowledged, then emits one
// typed bus notification.
package store

import (
	"strings"
	"time"
)

// TaskState is a node in the task state machine.
type TaskState string

const (
	TaskStatePending      TaskState = "pending"
	TaskStateActive       TaskState = "active"
	TaskStateBlocked      TaskState = "blocked"
	TaskStateNeedsConfirm TaskState = "needs-confirm"
	TaskStateFinalizing   TaskState = "finalizing"
	TaskStateReassigning  TaskState = "reassigning"
	TaskStateDone         TaskState = "done"
	TaskStateFailed       TaskState = "failed"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateActive, TaskStateBlocked, TaskStateNeedsConfirm,
		TaskStateFinalizing, TaskStateReassigning, TaskStateDone, TaskStateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state machine stops here.
func (s TaskState) Terminal() bool {
	return s == TaskStateDone
}

// taskTransitions is the allowed-edge table. A transition absent from
// this table is rejected as a no-op.
var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending:      {TaskStateActive, TaskStateBlocked},
	TaskStateActive:       {TaskStateBlocked, TaskStateNeedsConfirm, TaskStateFinalizing, TaskStateFailed},
	TaskStateBlocked:      {TaskStateReassigning, TaskStateActive},
	TaskStateNeedsConfirm: {TaskStateActive, TaskStateBlocked},
	TaskStateReassigning:  {TaskStateActive, TaskStateBlocked},
	TaskStateFinalizing:   {TaskStateDone},
	TaskStateFailed:       {TaskStateReassigning, TaskStateBlocked},
}

// CanTransitionTask reports whether from→to is an allowed edge.
func CanTransitionTask(from, to TaskState) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskStatus is the legacy flat status field, reconciled with the state
// machine by the lifecycle manager.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused:
		return true
	default:
		return false
	}
}

// Priority orders tasks for admission and scoring.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Weight returns the execution-order weight for the priority.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Difficulty is a derived low/medium/high classification used to gate
// the reasoning tier required for assignment.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// Weight returns the execution-order weight for the difficulty.
func (d Difficulty) Weight() float64 {
	switch d {
	case DifficultyHigh:
		return 1.5
	case DifficultyLow:
		return 0.7
	default:
		return 1
	}
}

// ReasoningRequirement is the agent reasoning tier this difficulty
// demands during weighted scoring.
func (d Difficulty) ReasoningRequirement() int {
	switch d {
	case DifficultyHigh:
		return 8
	case DifficultyLow:
		return 1
	default:
		return 5
	}
}

// FallbackRequirement is the reasoning tier demanded by the fallback
// auto-assignment path.
func (d Difficulty) FallbackRequirement() int {
	switch d {
	case DifficultyHigh:
		return 7
	case DifficultyLow:
		return 3
	default:
		return 5
	}
}

// difficultyKeywords classify a task from its labels and title when no
// explicit difficulty label is present.
var difficultyKeywords = map[Difficulty][]string{
	DifficultyHigh: {"architecture", "migration", "refactor", "security", "concurren", "distributed", "redesign"},
	DifficultyLow:  {"typo", "rename", "comment", "formatting", "docs", "readme", "cleanup"},
}

// Transition is one entry in a task's append-only history.
type Transition struct {
	From   TaskState `json:"from"`
	To     TaskState `json:"to"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// TaskRecord is the canonical task state machine record.
type TaskRecord struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	State         TaskState  `json:"state"`
	PreviousState TaskState  `json:"previous_state"`
	Status        TaskStatus `json:"status"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	Priority      Priority   `json:"priority"`
	// Labels is an ordered set of capability/difficulty hints.
	Labels []string `json:"labels,omitempty"`
	// Dependencies lists task IDs that must complete first.
	Dependencies  []string `json:"dependencies,omitempty"`
	BlockedBy     []string `json:"blocked_by,omitempty"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
	// Context is a schema-less value bag; invariant-bearing fields live
	// outside it.
	Context ValueMap `json:"context,omitempty"`
	// History is the append-only transition log.
	History []Transition `json:"history,omitempty"`

	// Batch markers used for cross-batch dependency merging.
	PlanID   string `json:"plan_id,omitempty"`
	GoalID   string `json:"goal_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	// Serialized tasks share one exclusive scope (e.g. whole-workspace
	// edits) and never run in parallel with each other.
	Serialized bool `json:"serialized,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
	// Timeout overrides the default running deadline when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// NotBefore defers scheduling eligibility (retry backoff).
	NotBefore time.Time  `json:"not_before,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy; callers outside the store only ever see
// clones.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	c.Labels = append([]string(nil), t.Labels...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	c.History = append([]Transition(nil), t.History...)
	c.Context = t.Context.Clone()
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	return &c
}

// EffectiveTimeout returns the task's running deadline, falling back to
// def when no override is set.
func (t *TaskRecord) EffectiveTimeout(def time.Duration) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return def
}

// Difficulty derives the task's difficulty from an explicit
// "difficulty:<level>" label, else from keyword hints in labels and
// title, defaulting to medium.
func (t *TaskRecord) Difficulty() Difficulty {
	for _, label := range t.Labels {
		if v, ok := strings.CutPrefix(strings.ToLower(label), "difficulty:"); ok {
			switch Difficulty(strings.TrimSpace(v)) {
			case DifficultyLow:
				return DifficultyLow
			case DifficultyHigh:
				return DifficultyHigh
			case DifficultyMedium:
				return DifficultyMedium
			}
		}
	}
	haystack := strings.ToLower(t.Title + " " + strings.Join(t.Labels, " "))
	for _, kw := range difficultyKeywords[DifficultyHigh] {
		if strings.Contains(haystack, kw) {
			return DifficultyHigh
		}
	}
	for _, kw := range difficultyKeywords[DifficultyLow] {
		if strings.Contains(haystack, kw) {
			return DifficultyLow
		}
	}
	return DifficultyMedium
}

// AssistState is a node in the assist request state machine.
type AssistState string

const (
	AssistRequested  AssistState = "requested"
	AssistAssigned   AssistState = "assigned"
	AssistInProgress AssistState = "in-progress"
	AssistCompleted  AssistState = "completed"
	AssistTimeout    AssistState = "timeout"
	AssistCancelled  AssistState = "cancelled"
)

// Terminal reports whether the assist state machine stops here. Once
// terminal, the state never changes again.
func (s AssistState) Terminal() bool {
	switch s {
	case AssistCompleted, AssistTimeout, AssistCancelled:
		return true
	default:
		return false
	}
}

var assistTransitions = map[AssistState][]AssistState{
	AssistRequested:  {AssistAssigned, AssistCancelled, AssistTimeout},
	AssistAssigned:   {AssistInProgress, AssistCancelled, AssistTimeout},
	AssistInProgress: {AssistCompleted, AssistCancelled, AssistTimeout},
}

// CanTransitionAssist reports whether from→to is an allowed edge.
func CanTransitionAssist(from, to AssistState) bool {
	for _, next := range assistTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AssistPriority orders assist requests and scales their deadlines.
type AssistPriority string

const (
	AssistPriorityCritical AssistPriority = "critical"
	AssistPriorityHigh     AssistPriority = "high"
	AssistPriorityNormal   AssistPriority = "normal"
	AssistPriorityLow      AssistPriority = "low"
)

// AssistRequest is a time-boxed side-channel help request tied to a
// task, independent of task assignment.
type AssistRequest struct {
	ID                   string         `json:"id"`
	TaskID               string         `json:"task_id"`
	SessionID            string         `json:"session_id"`
	RequesterID          string         `json:"requester_id"`
	TargetAgentID        string         `json:"target_agent_id,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Priority             AssistPriority `json:"priority"`
	State                AssistState    `json:"state"`
	Description          string         `json:"description,omitempty"`
	// Context carries the bounded, append-only audit history under the
	// "audit" key; it may keep growing after the request is terminal.
	Context          ValueMap  `json:"context,omitempty"`
	AssignedTo       string    `json:"assigned_to,omitempty"`
	ResponseDeadline time.Time `json:"response_deadline"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (a *AssistRequest) Clone() *AssistRequest {
	if a == nil {
		return nil
	}
	c := *a
	c.RequiredCapabilities = append([]string(nil), a.RequiredCapabilities...)
	c.Context = a.Context.Clone()
	return &c
}

// HealthStatus classifies agent health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
)

// AgentHealth is the derived health record for one agent. It is
// recomputed whenever the owning registry entry changes, never
// hand-edited.
type AgentHealth struct {
	AgentID            string        `json:"agent_id"`
	Status             HealthStatus  `json:"status"`
	LastHeartbeat      time.Time     `json:"last_heartbeat"`
	ActiveTaskCount    int           `json:"active_task_count"`
	CompletedTaskCount int           `json:"completed_task_count"`
	FailedTaskCount    int           `json:"failed_task_count"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	ErrorRate          float64       `json:"error_rate"`
	Capabilities       []string      `json:"capabilities,omitempty"`
	Metadata           ValueMap      `json:"metadata,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (h *AgentHealth) Clone() *AgentHealth {
	if h == nil {
		return nil
	}
	c := *h
	c.Capabilities = append([]string(nil), h.Capabilities...)
	c.Metadata = h.Metadata.Clone()
	return &c
}

// ManagerPool is the ordered rotation of agents eligible for the
// coordinating "manager" role.
type ManagerPool struct {
	Members []string `json:"members"`
	// CurrentIndex is always a valid index into Members, or the pool is
	// empty.
	CurrentIndex           int `json:"current_index"`
	RotationInterval       int `json:"rotation_interval"`
	TaskCountSinceRotation int `json:"task_count_since_rotation"`
}

// Clone returns a deep copy.
func (p *ManagerPool) Clone() *ManagerPool {
	if p == nil {
		return nil
	}
	c := *p
	c.Members = append([]string(nil), p.Members...)
	return &c
}

// CurrentManager returns the agent currently holding manager duty, or
// "" when the pool is empty.
func (p *ManagerPool) CurrentManager() string {
	if p == nil || len(p.Members) == 0 {
		return ""
	}
	if p.CurrentIndex < 0 || p.CurrentIndex >= len(p.Members) {
		return p.Members[0]
	}
	return p.Members[p.CurrentIndex]
}

// RunRecord is an auxiliary per-execution-attempt record.
type RunRecord struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	AgentID   string     `json:"agent_id"`
	Outcome   string     `json:"outcome,omitempty"` // "", "completed", "failed", "timeout"
	Detail    string     `json:"detail,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndedAt != nil {
		at := *r.EndedAt
		c.EndedAt = &at
	}
	return &c
}

// LogRecord is an append-only operational log entry; terminal failures
// are always mirrored here so no failure is silent.
type LogRecord struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"` // "info", "warn", "error"
	Scope     string    `json:"scope"` // "task", "assist", "failover", "manager"
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
