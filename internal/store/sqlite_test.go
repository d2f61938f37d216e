package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestBackend(t *testing.T) (*SQLiteBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quorum.db")
	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, path
}

func TestSQLiteTaskRoundTrip(t *testing.T) {
	b, path := openTestBackend(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	task := &TaskRecord{
		ID:            "t1",
		SessionID:     "sess-1",
		Title:         "migrate settings store",
		Description:   "move settings to the new table",
		State:         TaskStateActive,
		PreviousState: TaskStatePending,
		Status:        TaskStatusRunning,
		AssignedTo:    "agent-7",
		Priority:      PriorityHigh,
		Labels:        []string{"backend", "difficulty:high"},
		Dependencies:  []string{"t0"},
		BlockedBy:     []string{},
		BlockedReason: "",
		Context:       ValueMap{"attempt": float64(2), "flags": []any{"dry-run"}},
		History: []Transition{
			{From: TaskStatePending, To: TaskStateActive, Reason: "assigned", Actor: "scheduler", At: started},
		},
		PlanID:     "plan-1",
		GoalID:     "goal-1",
		ParentID:   "t0",
		Serialized: true,
		RetryCount: 1,
		MaxRetries: 2,
		Timeout:    5 * time.Minute,
		NotBefore:  started.Add(time.Minute),
		StartedAt:  &started,
		CreatedAt:  started.Add(-time.Hour),
		UpdatedAt:  started,
	}
	if err := b.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snap.Tasks) != 1 {
		t.Fatalf("loaded %d tasks, want 1", len(snap.Tasks))
	}
	got := snap.Tasks[0]

	// Compare time fields on the UTC instant, then the rest structurally.
	timesEqual := got.NotBefore.Equal(task.NotBefore) &&
		got.CreatedAt.Equal(task.CreatedAt) &&
		got.UpdatedAt.Equal(task.UpdatedAt) &&
		got.StartedAt != nil && got.StartedAt.Equal(*task.StartedAt) &&
		len(got.History) == 1 && got.History[0].At.Equal(task.History[0].At)
	if !timesEqual {
		t.Errorf("time fields did not round-trip:\n got %+v\nwant %+v", got, task)
	}

	normalize := func(r *TaskRecord) *TaskRecord {
		c := r.Clone()
		c.NotBefore = time.Time{}
		c.CreatedAt = time.Time{}
		c.UpdatedAt = time.Time{}
		c.StartedAt = nil
		for i := range c.History {
			c.History[i].At = time.Time{}
		}
		return c
	}
	if !reflect.DeepEqual(normalize(got), normalize(task)) {
		t.Errorf("task did not round-trip:\n got %+v\nwant %+v", normalize(got), normalize(task))
	}
}

func TestSQLiteAssistRoundTrip(t *testing.T) {
	b, path := openTestBackend(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	assist := &AssistRequest{
		ID:                   "a1",
		TaskID:               "t1",
		SessionID:            "sess-1",
		RequesterID:          "agent-1",
		TargetAgentID:        "agent-2",
		RequiredCapabilities: []string{"sql", "review"},
		Priority:             AssistPriorityHigh,
		State:                AssistAssigned,
		Description:          "need a schema review",
		Context: ValueMap{"audit": []any{
			map[string]any{"from": "requested", "to": "assigned"},
		}},
		AssignedTo:       "agent-2",
		ResponseDeadline: now.Add(30 * time.Minute),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := b.UpsertAssist(ctx, assist); err != nil {
		t.Fatalf("UpsertAssist: %v", err)
	}
	_ = b.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snap.Assists) != 1 {
		t.Fatalf("loaded %d assists, want 1", len(snap.Assists))
	}
	got := snap.Assists[0]
	if got.State != AssistAssigned || got.AssignedTo != "agent-2" {
		t.Errorf("assist fields lost: %+v", got)
	}
	if !got.ResponseDeadline.Equal(assist.ResponseDeadline) {
		t.Errorf("deadline = %v, want %v", got.ResponseDeadline, assist.ResponseDeadline)
	}
	audit, ok := got.Context["audit"].([]any)
	if !ok || len(audit) != 1 {
		t.Errorf("audit did not round-trip: %v", got.Context["audit"])
	}
}

func TestSQLiteAgentHealthAndPool(t *testing.T) {
	b, path := openTestBackend(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	health := &AgentHealth{
		AgentID:            "agent-1",
		Status:             HealthDegraded,
		LastHeartbeat:      now,
		ActiveTaskCount:    1,
		CompletedTaskCount: 12,
		FailedTaskCount:    4,
		AvgResponseTime:    800 * time.Millisecond,
		ErrorRate:          0.25,
		Capabilities:       []string{"go", "sql"},
		UpdatedAt:          now,
	}
	if err := b.UpsertAgentHealth(ctx, health); err != nil {
		t.Fatalf("UpsertAgentHealth: %v", err)
	}
	pool := &ManagerPool{Members: []string{"agent-1", "agent-2"}, CurrentIndex: 1, RotationInterval: 10, TaskCountSinceRotation: 3}
	if err := b.SaveManagerPool(ctx, pool); err != nil {
		t.Fatalf("SaveManagerPool: %v", err)
	}
	_ = b.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snap.Agents) != 1 {
		t.Fatalf("loaded %d agents, want 1", len(snap.Agents))
	}
	got := snap.Agents[0]
	if got.Status != HealthDegraded || got.FailedTaskCount != 4 || got.ErrorRate != 0.25 {
		t.Errorf("agent health lost fields: %+v", got)
	}
	if got.AvgResponseTime != 800*time.Millisecond {
		t.Errorf("avg response = %v", got.AvgResponseTime)
	}
	if snap.Pool == nil || snap.Pool.CurrentManager() != "agent-2" || snap.Pool.TaskCountSinceRotation != 3 {
		t.Errorf("pool = %+v", snap.Pool)
	}
}

func TestSQLiteRunAndLog(t *testing.T) {
	b, _ := openTestBackend(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 2, 8, 0, 0, 0, time.UTC)
	ended := started.Add(2 * time.Minute)
	run := &RunRecord{ID: "r1", TaskID: "t1", AgentID: "agent-1", StartedAt: started}
	if err := b.UpsertRun(ctx, run); err != nil {
		t.Fatalf("UpsertRun: %v", err)
	}
	run.Outcome = "completed"
	run.EndedAt = &ended
	if err := b.UpsertRun(ctx, run); err != nil {
		t.Fatalf("UpsertRun update: %v", err)
	}

	if err := b.AppendLog(ctx, &LogRecord{
		ID: "l1", Level: "error", Scope: "task", Message: "exhausted retries",
		TaskID: "t1", CreatedAt: started,
	}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	snap, err := b.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(snap.Runs) != 1 {
		t.Fatalf("loaded %d runs, want 1", len(snap.Runs))
	}
	got := snap.Runs[0]
	if got.Outcome != "completed" || got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("run = %+v", got)
	}
}

func TestSQLiteSchemaChecksumMismatch(t *testing.T) {
	b, path := openTestBackend(t)
	ctx := context.Background()

	if _, err := b.db.ExecContext(ctx,
		`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`,
		schemaVersionLatest); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = b.Close()

	if _, err := OpenSQLite(path); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}
