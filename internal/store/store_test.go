package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/openagents/quorum/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	s, err := Open(context.Background(), NewMemoryBackend(), eventBus, testLogger(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, eventBus
}

func waitEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func assertNoEvent(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event on %s: %+v", ev.Topic, ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPutTaskDefaultsAndValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutTask(ctx, &TaskRecord{SessionID: "sess-1"}); !IsValidation(err) {
		t.Fatalf("expected validation error for missing id, got %v", err)
	}
	if _, err := s.PutTask(ctx, &TaskRecord{ID: "t1"}); !IsValidation(err) {
		t.Fatalf("expected validation error for missing session, got %v", err)
	}
	if _, err := s.PutTask(ctx, &TaskRecord{
		ID: "t1", SessionID: "sess-1",
		Context: ValueMap{"bad": struct{}{}},
	}); !IsValidation(err) {
		t.Fatalf("expected validation error for unsupported context value, got %v", err)
	}

	rec, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "sess-1", Title: "fix parser"})
	if err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if rec.State != TaskStatePending {
		t.Errorf("default state = %s, want pending", rec.State)
	}
	if rec.Status != TaskStatusPending {
		t.Errorf("default status = %s, want pending", rec.Status)
	}
	if rec.Priority != PriorityMedium {
		t.Errorf("default priority = %s, want medium", rec.Priority)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestPutTaskPreservesCreatedAt(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, _ := newTestStore(t, WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	first, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "s"})
	if err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	now = now.Add(time.Hour)
	second, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "s", Title: "renamed"})
	if err != nil {
		t.Fatalf("PutTask update: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("UpdatedAt did not advance")
	}
}

func TestTransitionTaskLegalEdge(t *testing.T) {
	s, eventBus := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "s", AssignedTo: "agent-a"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicTaskTransitioned)
	defer eventBus.Unsubscribe(sub)

	rec, changed, err := s.TransitionTask(ctx, "t1", TaskStateActive, "assigned", "scheduler")
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if !changed {
		t.Fatal("expected transition to apply")
	}
	if rec.State != TaskStateActive || rec.PreviousState != TaskStatePending {
		t.Errorf("state = %s/%s, want active/pending", rec.State, rec.PreviousState)
	}
	if len(rec.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(rec.History))
	}
	if rec.History[0].From != TaskStatePending || rec.History[0].To != TaskStateActive {
		t.Errorf("history entry = %+v", rec.History[0])
	}

	ev := waitEvent(t, sub)
	payload, ok := bus.PayloadAs[bus.TaskTransitionedEvent](ev)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if payload.TaskID != "t1" || payload.From != "pending" || payload.To != "active" {
		t.Errorf("event = %+v", payload)
	}
	if payload.AssignedTo != "agent-a" || payload.Actor != "scheduler" {
		t.Errorf("event carries %q/%q", payload.AssignedTo, payload.Actor)
	}
}

func TestTransitionTaskIllegalEdgeIsNoOp(t *testing.T) {
	s, eventBus := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "s"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicTaskTransitioned)
	defer eventBus.Unsubscribe(sub)

	// pending -> done is not an edge.
	rec, changed, err := s.TransitionTask(ctx, "t1", TaskStateDone, "shortcut", "test")
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if changed {
		t.Fatal("illegal transition applied")
	}
	if rec.State != TaskStatePending {
		t.Errorf("state = %s, want pending", rec.State)
	}
	if len(rec.History) != 0 {
		t.Errorf("history grew on illegal transition: %d entries", len(rec.History))
	}
	assertNoEvent(t, sub)
}

func TestTransitionTaskDoubleCallEmitsOnce(t *testing.T) {
	s, eventBus := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "s"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicTaskTransitioned)
	defer eventBus.Unsubscribe(sub)

	first, changed, err := s.TransitionTask(ctx, "t1", TaskStateActive, "assigned", "scheduler")
	if err != nil || !changed {
		t.Fatalf("first transition: changed=%v err=%v", changed, err)
	}
	waitEvent(t, sub)

	second, changed, err := s.TransitionTask(ctx, "t1", TaskStateActive, "assigned", "scheduler")
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if changed {
		t.Fatal("same-state transition reported as applied")
	}
	if len(second.History) != len(first.History) {
		t.Errorf("history length %d after repeat, want %d", len(second.History), len(first.History))
	}
	assertNoEvent(t, sub)
}

func TestTransitionTaskUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	rec, changed, err := s.TransitionTask(context.Background(), "nope", TaskStateActive, "", "test")
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if rec != nil || changed {
		t.Errorf("unknown task produced rec=%v changed=%v", rec, changed)
	}
}

func TestMutateTaskIgnoresStateChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "s"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	rec, err := s.MutateTask(ctx, "t1", func(task *TaskRecord) {
		task.State = TaskStateDone
		task.Title = "updated"
		task.AssignedTo = "agent-b"
	})
	if err != nil {
		t.Fatalf("MutateTask: %v", err)
	}
	if rec.State != TaskStatePending {
		t.Errorf("state mutated to %s through MutateTask", rec.State)
	}
	if rec.Title != "updated" || rec.AssignedTo != "agent-b" {
		t.Errorf("field updates lost: %+v", rec)
	}

	if rec, err := s.MutateTask(ctx, "ghost", func(*TaskRecord) {}); err != nil || rec != nil {
		t.Errorf("missing task: rec=%v err=%v", rec, err)
	}
}

func TestListTasksFilterAndOrder(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	s, _ := newTestStore(t, WithClock(func() time.Time {
		i++
		return now.Add(time.Duration(i) * time.Second)
	}))
	ctx := context.Background()

	seed := []*TaskRecord{
		{ID: "a", SessionID: "s1", AssignedTo: "agent-1"},
		{ID: "b", SessionID: "s1"},
		{ID: "c", SessionID: "s2", AssignedTo: "agent-1"},
	}
	for _, task := range seed {
		if _, err := s.PutTask(ctx, task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}

	got := s.ListTasks(TaskFilter{SessionID: "s1"})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("session filter returned %v", ids(got))
	}

	got = s.ListTasks(TaskFilter{AssignedTo: "agent-1"})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("assignee filter returned %v", ids(got))
	}

	got = s.ListTasks(TaskFilter{States: []TaskState{TaskStateActive}})
	if len(got) != 0 {
		t.Errorf("state filter returned %v", ids(got))
	}
}

func ids(tasks []*TaskRecord) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestDeleteTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutTask(ctx, &TaskRecord{ID: "t1", SessionID: "s"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	ok, err := s.DeleteTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("DeleteTask: ok=%v err=%v", ok, err)
	}
	if s.GetTask("t1") != nil {
		t.Error("task still visible after delete")
	}
	ok, err = s.DeleteTask(ctx, "t1")
	if err != nil || ok {
		t.Errorf("second delete: ok=%v err=%v", ok, err)
	}
}

func TestAssistTransitionAppendsAudit(t *testing.T) {
	s, eventBus := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutAssist(ctx, &AssistRequest{ID: "a1", TaskID: "t1", RequesterID: "agent-1"}); err != nil {
		t.Fatalf("PutAssist: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicAssistUpdated)
	defer eventBus.Unsubscribe(sub)

	rec, changed, err := s.TransitionAssist(ctx, "a1", AssistAssigned, "matched", "coordinator")
	if err != nil || !changed {
		t.Fatalf("TransitionAssist: changed=%v err=%v", changed, err)
	}
	audit, ok := rec.Context["audit"].([]any)
	if !ok || len(audit) != 1 {
		t.Fatalf("audit = %v", rec.Context["audit"])
	}
	entry, ok := audit[0].(map[string]any)
	if !ok {
		t.Fatalf("audit entry type %T", audit[0])
	}
	if entry["from"] != "requested" || entry["to"] != "assigned" || entry["reason"] != "matched" {
		t.Errorf("audit entry = %v", entry)
	}

	ev := waitEvent(t, sub)
	payload, _ := bus.PayloadAs[bus.AssistUpdatedEvent](ev)
	if payload.AssistID != "a1" || payload.To != "assigned" {
		t.Errorf("event = %+v", payload)
	}
}

func TestAssistAuditBounded(t *testing.T) {
	s, _ := newTestStore(t, WithAuditLimit(3))
	ctx := context.Background()

	if _, err := s.PutAssist(ctx, &AssistRequest{ID: "a1", TaskID: "t1", RequesterID: "r"}); err != nil {
		t.Fatalf("PutAssist: %v", err)
	}

	// Five synthetic entries against a limit of three.
	s.mu.Lock()
	rec := s.assists["a1"]
	for i := 0; i < 5; i++ {
		s.appendAuditLocked(rec, map[string]any{"n": float64(i)})
	}
	s.mu.Unlock()

	got := s.GetAssist("a1")
	audit := got.Context["audit"].([]any)
	if len(audit) != 3 {
		t.Fatalf("audit length = %d, want 3", len(audit))
	}
	if first := audit[0].(map[string]any)["n"]; first != float64(2) {
		t.Errorf("oldest surviving entry = %v, want 2", first)
	}
}

func TestAssistTerminalImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutAssist(ctx, &AssistRequest{ID: "a1", TaskID: "t1", RequesterID: "r"}); err != nil {
		t.Fatalf("PutAssist: %v", err)
	}
	for _, step := range []AssistState{AssistAssigned, AssistInProgress, AssistCompleted} {
		if _, changed, err := s.TransitionAssist(ctx, "a1", step, "", "test"); err != nil || !changed {
			t.Fatalf("transition to %s: changed=%v err=%v", step, changed, err)
		}
	}

	rec, changed, err := s.TransitionAssist(ctx, "a1", AssistCancelled, "late cancel", "test")
	if err != nil {
		t.Fatalf("TransitionAssist: %v", err)
	}
	if changed || rec.State != AssistCompleted {
		t.Errorf("terminal request moved: changed=%v state=%s", changed, rec.State)
	}

	// Upserts cannot resurrect a terminal request either.
	upserted, err := s.PutAssist(ctx, &AssistRequest{
		ID: "a1", TaskID: "t1", RequesterID: "r", State: AssistRequested,
	})
	if err != nil {
		t.Fatalf("PutAssist on terminal: %v", err)
	}
	if upserted.State != AssistCompleted {
		t.Errorf("upsert changed terminal state to %s", upserted.State)
	}
}

func TestAssistSkipsIllegalEdge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutAssist(ctx, &AssistRequest{ID: "a1", TaskID: "t1", RequesterID: "r"}); err != nil {
		t.Fatalf("PutAssist: %v", err)
	}
	// requested -> completed skips assigned/in-progress.
	rec, changed, err := s.TransitionAssist(ctx, "a1", AssistCompleted, "", "test")
	if err != nil {
		t.Fatalf("TransitionAssist: %v", err)
	}
	if changed || rec.State != AssistRequested {
		t.Errorf("illegal edge applied: changed=%v state=%s", changed, rec.State)
	}
}

func TestAgentHealthEmitsPreviousStatus(t *testing.T) {
	s, eventBus := newTestStore(t)
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.TopicAgentHealthUpdated)
	defer eventBus.Unsubscribe(sub)

	if _, err := s.PutAgentHealth(ctx, &AgentHealth{AgentID: "agent-1", Status: HealthHealthy}); err != nil {
		t.Fatalf("PutAgentHealth: %v", err)
	}
	ev := waitEvent(t, sub)
	payload, _ := bus.PayloadAs[bus.AgentHealthUpdatedEvent](ev)
	if payload.Previous != "" || payload.Status != "healthy" {
		t.Errorf("first event = %+v", payload)
	}

	if _, err := s.PutAgentHealth(ctx, &AgentHealth{AgentID: "agent-1", Status: HealthUnhealthy}); err != nil {
		t.Fatalf("PutAgentHealth update: %v", err)
	}
	ev = waitEvent(t, sub)
	payload, _ = bus.PayloadAs[bus.AgentHealthUpdatedEvent](ev)
	if payload.Previous != "healthy" || payload.Status != "unhealthy" {
		t.Errorf("second event = %+v", payload)
	}
}

func TestManagerPoolRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if s.ManagerPool() != nil {
		t.Fatal("expected nil pool before first save")
	}
	pool := &ManagerPool{Members: []string{"m1", "m2"}, CurrentIndex: 1, RotationInterval: 10}
	if err := s.SaveManagerPool(ctx, pool); err != nil {
		t.Fatalf("SaveManagerPool: %v", err)
	}

	got := s.ManagerPool()
	if got.CurrentManager() != "m2" {
		t.Errorf("CurrentManager = %s, want m2", got.CurrentManager())
	}

	// Mutating the returned clone must not affect the store.
	got.Members[0] = "hacked"
	if s.ManagerPool().Members[0] != "m1" {
		t.Error("clone mutation leaked into store")
	}
}

func TestClonesDoNotAliasStore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutTask(ctx, &TaskRecord{
		ID: "t1", SessionID: "s", Labels: []string{"backend"},
		Context: ValueMap{"k": "v"},
	}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	got := s.GetTask("t1")
	got.Labels[0] = "hacked"
	got.Context["k"] = "hacked"

	fresh := s.GetTask("t1")
	if fresh.Labels[0] != "backend" || fresh.Context["k"] != "v" {
		t.Errorf("clone mutation leaked: %+v", fresh)
	}
}

func TestOpenWarmsCacheFromBackend(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	seeded := &TaskRecord{
		ID: "t1", SessionID: "s", State: TaskStateActive, Status: TaskStatusRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := backend.UpsertTask(ctx, seeded); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	s, err := Open(ctx, backend, bus.New(), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got := s.GetTask("t1")
	if got == nil || got.State != TaskStateActive {
		t.Fatalf("warmed task = %+v", got)
	}
}
