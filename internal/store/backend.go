package store

import "context"

// Snapshot is everything a backend holds, loaded once at startup to warm
// the in-memory cache.
type Snapshot struct {
	Tasks   []*TaskRecord
	Assists []*AssistRequest
	Agents  []*AgentHealth
	Runs    []*RunRecord
	Pool    *ManagerPool
}

// Backend is the durable-store collaborator. Implementations persist
// records keyed by id (tasks, assists, runs) or natural key (agent id).
// The store serializes all calls; backends need not be goroutine-safe.
//
// LoadAll may normalize nil slice and map fields to empty non-nil
// values: backends encode nil collections as empty JSON collections,
// so a record that round-trips through persistence carries []/{} where
// it held nil. Callers must treat nil and empty as equivalent.
type Backend interface {
	LoadAll(ctx context.Context) (*Snapshot, error)

	UpsertTask(ctx context.Context, t *TaskRecord) error
	DeleteTask(ctx context.Context, id string) error

	UpsertAssist(ctx context.Context, a *AssistRequest) error
	DeleteAssist(ctx context.Context, id string) error

	UpsertAgentHealth(ctx context.Context, h *AgentHealth) error
	DeleteAgentHealth(ctx context.Context, agentID string) error

	UpsertRun(ctx context.Context, r *RunRecord) error

	AppendLog(ctx context.Context, l *LogRecord) error

	SaveManagerPool(ctx context.Context, p *ManagerPool) error

	Close() error
}
