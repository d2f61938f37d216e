package bus

import "time"

// The topic set is closed: every publisher uses one of these constants and
// the payload struct documented next to it. Subscribers switch on the
// payload type, not on string-keyed maps.
const (
	// TopicTaskTransitioned carries a TaskTransitionedEvent.
	TopicTaskTransitioned = "task.transitioned"
	// TopicTaskListUpdated carries a TaskListUpdatedEvent.
	TopicTaskListUpdated = "task.list_updated"
	// TopicAgentHealthUpdated carries an AgentHealthUpdatedEvent.
	TopicAgentHealthUpdated = "agent.health_updated"
	// TopicAgentListUpdated carries an AgentListUpdatedEvent.
	TopicAgentListUpdated = "agent.list_updated"
	// TopicAssistUpdated carries an AssistUpdatedEvent.
	TopicAssistUpdated = "assist.updated"
	// TopicManagerRotated carries a ManagerRotatedEvent.
	TopicManagerRotated = "manager.rotated"
	// TopicRunUpdated carries a RunUpdatedEvent.
	TopicRunUpdated = "run.updated"
	// TopicRecordUpdated carries a RecordUpdatedEvent.
	TopicRecordUpdated = "record.updated"
	// TopicNotifyAlert and TopicNotifyInfo carry a NotificationEvent.
	TopicNotifyAlert = "notify.alert"
	TopicNotifyInfo  = "notify.info"
)

// TaskTransitionedEvent is published after a task state transition has
// been persisted.
type TaskTransitionedEvent struct {
	TaskID     string
	SessionID  string
	From       string // previous state
	To         string // new state
	AssignedTo string // assignee at the time of the transition
	Reason     string
	Actor      string
	At         time.Time
}

// TaskListUpdatedEvent is published after any non-transition task
// mutation (create, field update, delete).
type TaskListUpdatedEvent struct {
	SessionID string
	TaskID    string
}

// AgentHealthUpdatedEvent is published after an agent health record
// changes.
type AgentHealthUpdatedEvent struct {
	AgentID  string
	Status   string // new health status
	Previous string // prior health status, "" on first observation
}

// AgentListUpdatedEvent is published when an agent is registered or
// deregistered.
type AgentListUpdatedEvent struct {
	AgentID string
	Removed bool
}

// AssistUpdatedEvent is published after an assist request transition has
// been persisted.
type AssistUpdatedEvent struct {
	AssistID string
	TaskID   string
	From     string
	To       string
	Reason   string
	Actor    string
}

// ManagerRotatedEvent is published when manager duty moves to another
// agent.
type ManagerRotatedEvent struct {
	Previous string
	Current  string
	Reason   string
}

// RunUpdatedEvent is published after a run record mutation.
type RunUpdatedEvent struct {
	RunID  string
	TaskID string
}

// RecordUpdatedEvent is published after an auxiliary record mutation
// (manager pool, operational log entries).
type RecordUpdatedEvent struct {
	Kind string // "manager_pool", "log"
	ID   string
}

// NotificationEvent is an outward-facing, human-readable notice. Terminal
// failures are always mirrored here so they are never silent.
type NotificationEvent struct {
	Severity string // "info" or "alert"
	Title    string
	Body     string
	TaskID   string
	AgentID  string
}
