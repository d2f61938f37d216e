package lifecycle

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/config"
	"github.com/openagents/quorum/internal/registry"
	"github.com/openagents/quorum/internal/store"
)

func TestRetryBackoffDoubling(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{4, 960 * time.Second},
		{7, 960 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := retryBackoff(tc.retries); got != tc.want {
			t.Errorf("retryBackoff(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}

func TestSweepRequeuesTimedOutTaskWithBackoff(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}})
	ctx := context.Background()

	rec := f.mustCreate(t, CreateInput{Title: "slow job"})
	f.mustRun(t, rec.ID, "a1")

	// Still inside the deadline: nothing happens.
	f.now = f.now.Add(9 * time.Minute)
	if err := f.mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := f.mgr.Get(rec.ID); got.Status != store.TaskStatusRunning {
		t.Fatalf("status = %s before deadline, want running", got.Status)
	}

	f.now = f.now.Add(2 * time.Minute)
	if err := f.mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got := f.mgr.Get(rec.ID)
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if got.State != store.TaskStateBlocked || got.Status != store.TaskStatusQueued {
		t.Errorf("state/status = %s/%s, want blocked/queued", got.State, got.Status)
	}
	if got.AssignedTo != "" || got.StartedAt != nil {
		t.Errorf("requeued task kept assignment %q / start %v", got.AssignedTo, got.StartedAt)
	}
	if want := f.now.Add(60 * time.Second); !got.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %s, want %s", got.NotBefore, want)
	}

	// Second timeout doubles the backoff.
	f.mustRun(t, rec.ID, "a1")
	f.now = f.now.Add(11 * time.Minute)
	if err := f.mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got = f.mgr.Get(rec.ID)
	if got.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", got.RetryCount)
	}
	if want := f.now.Add(120 * time.Second); !got.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %s, want %s", got.NotBefore, want)
	}

	// Retries exhausted: next timeout is a permanent failure.
	f.mustRun(t, rec.ID, "a1")
	f.now = f.now.Add(11 * time.Minute)
	if err := f.mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got = f.mgr.Get(rec.ID)
	if got.State != store.TaskStateFailed || got.Status != store.TaskStatusFailed {
		t.Errorf("exhausted task state/status = %s/%s, want failed/failed", got.State, got.Status)
	}
}

func TestSweepHonorsPerTaskTimeoutOverride(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}})
	ctx := context.Background()

	rec := f.mustCreate(t, CreateInput{Title: "quick job", Timeout: time.Minute})
	f.mustRun(t, rec.ID, "a1")

	f.now = f.now.Add(2 * time.Minute)
	if err := f.mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := f.mgr.Get(rec.ID); got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1 after override deadline", got.RetryCount)
	}
}

func TestAdmissionEnforcesSessionCap(t *testing.T) {
	agents := []config.AgentEntry{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}, {ID: "a4"}}
	f := newFixture(t, agents)
	ctx := context.Background()

	var ids []string
	for _, agent := range []string{"a1", "a2", "a3", "a4"} {
		rec := f.mustCreate(t, CreateInput{Title: "job " + agent})
		f.mustRun(t, rec.ID, agent)
		ids = append(ids, rec.ID)
		f.now = f.now.Add(time.Second)
	}

	admitted, err := f.mgr.admitSession(ctx, "sess")
	if err != nil {
		t.Fatalf("admitSession: %v", err)
	}
	if len(admitted) != 3 {
		t.Fatalf("admitted %d tasks, want 3", len(admitted))
	}
	for i := 0; i < 3; i++ {
		if admitted[i] != ids[i] {
			t.Errorf("admitted[%d] = %s, want %s (earliest first)", i, admitted[i], ids[i])
		}
	}

	demoted := f.mgr.Get(ids[3])
	if demoted.AssignedTo != "" || demoted.Status != store.TaskStatusQueued {
		t.Errorf("over-cap task not demoted: assigned=%q status=%s", demoted.AssignedTo, demoted.Status)
	}
}

func TestAdmissionSerializedTaskRunsAlone(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}, {ID: "a2"}})
	ctx := context.Background()

	serialized := f.mustCreate(t, CreateInput{Title: "exclusive pass", Serialized: true})
	f.mustRun(t, serialized.ID, "a1")
	f.now = f.now.Add(time.Second)
	normal := f.mustCreate(t, CreateInput{Title: "ordinary pass"})
	f.mustRun(t, normal.ID, "a2")

	admitted, err := f.mgr.admitSession(ctx, "sess")
	if err != nil {
		t.Fatalf("admitSession: %v", err)
	}
	if len(admitted) != 1 || admitted[0] != serialized.ID {
		t.Fatalf("admitted = %v, want only the serialized task", admitted)
	}
	if got := f.mgr.Get(normal.ID); got.AssignedTo != "" {
		t.Errorf("normal task kept its agent alongside a serialized task")
	}
}

func TestAdmissionCapsChildrenPerParent(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}, {ID: "a2"}})
	ctx := context.Background()

	first := f.mustCreate(t, CreateInput{Title: "child one", ParentID: "parent"})
	f.mustRun(t, first.ID, "a1")
	f.now = f.now.Add(time.Second)
	second := f.mustCreate(t, CreateInput{Title: "child two", ParentID: "parent"})
	f.mustRun(t, second.ID, "a2")

	admitted, err := f.mgr.admitSession(ctx, "sess")
	if err != nil {
		t.Fatalf("admitSession: %v", err)
	}
	if len(admitted) != 1 || admitted[0] != first.ID {
		t.Fatalf("admitted = %v, want only the first child", admitted)
	}
}

func TestAdmissionCapsTasksPerAgent(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}})
	ctx := context.Background()

	first := f.mustCreate(t, CreateInput{Title: "held one"})
	f.mustRun(t, first.ID, "a1")
	f.now = f.now.Add(time.Second)
	second := f.mustCreate(t, CreateInput{Title: "held two"})
	f.mustRun(t, second.ID, "a1")

	admitted, err := f.mgr.admitSession(ctx, "sess")
	if err != nil {
		t.Fatalf("admitSession: %v", err)
	}
	if len(admitted) != 1 || admitted[0] != first.ID {
		t.Fatalf("admitted = %v, want one task per agent", admitted)
	}
	if got := f.mgr.Get(second.ID); got.AssignedTo != "" {
		t.Errorf("second task still assigned to a1")
	}
}

func TestScheduleTaskAssignsBestAgent(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{
		{ID: "backend", Capabilities: []string{"api", "database"}},
		{ID: "frontend", Capabilities: []string{"ui", "css"}},
	})
	ctx := context.Background()

	rec := f.mustCreate(t, CreateInput{Title: "fix api endpoint", Labels: []string{"api"}})
	assigned, err := f.mgr.ScheduleTask(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if assigned.AssignedTo != "backend" {
		t.Errorf("assigned to %s, want backend", assigned.AssignedTo)
	}
	if assigned.State != store.TaskStateActive {
		t.Errorf("state = %s, want active", assigned.State)
	}
}

func TestScheduleTaskParksWhenNoAgents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub := f.bus.Subscribe(bus.TopicNotifyAlert)
	defer f.bus.Unsubscribe(sub)

	rec := f.mustCreate(t, CreateInput{Title: "orphan work"})
	parked, err := f.mgr.ScheduleTask(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if parked.State != store.TaskStateBlocked || parked.Status != store.TaskStatusQueued {
		t.Errorf("parked state/status = %s/%s", parked.State, parked.Status)
	}

	ev := waitEvent(t, sub)
	note, ok := bus.PayloadAs[bus.NotificationEvent](ev)
	if !ok || note.Title != "Task unassignable" {
		t.Errorf("alert = %+v", ev.Payload)
	}
}

func TestScheduleTaskSkipsAssignedAndBlocked(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}})
	ctx := context.Background()

	dep := f.mustCreate(t, CreateInput{Title: "gate"})
	waiting := f.mustCreate(t, CreateInput{Title: "gated", Dependencies: []string{dep.ID}})

	got, err := f.mgr.ScheduleTask(ctx, waiting.ID)
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if got.AssignedTo != "" {
		t.Errorf("dependency-blocked task was assigned to %s", got.AssignedTo)
	}
}

func TestFallbackScore(t *testing.T) {
	agent := func(tier int, cost float64, caps ...string) registry.Agent {
		return registry.Agent{ID: "x", Capabilities: caps, ReasoningTier: tier, CostFactor: cost}
	}
	cases := []struct {
		name     string
		text     string
		required int
		priority store.Priority
		agent    registry.Agent
		load     int
		want     float64
	}{
		{"exact tier with capability hit", "fix api handler", 5, store.PriorityMedium, agent(5, 1.0, "api"), 0, 15},
		{"load penalty divides", "fix api handler", 5, store.PriorityMedium, agent(5, 1.0, "api"), 1, 5},
		{"overkill tier at higher cost pays", "fix api handler", 5, store.PriorityMedium, agent(9, 3.0, "api"), 0, 9},
		{"shortfall goes negative", "plain words", 5, store.PriorityMedium, agent(3, 1.0), 0, -5},
		{"high priority scales", "fix api handler", 5, store.PriorityHigh, agent(5, 1.0, "api"), 0, 22.5},
	}
	for _, tc := range cases {
		got := fallbackScore(tc.text, tc.required, tc.priority, tc.agent, tc.load)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: score = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestListExecutableOrdering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	low := f.mustCreate(t, CreateInput{Title: "low job", Priority: store.PriorityLow})
	f.now = f.now.Add(time.Second)
	high := f.mustCreate(t, CreateInput{Title: "high job", Priority: store.PriorityHigh})
	f.now = f.now.Add(time.Second)
	med := f.mustCreate(t, CreateInput{Title: "medium job", Priority: store.PriorityMedium})

	// Excluded candidates: paused, dependency-blocked, deferred.
	paused := f.mustCreate(t, CreateInput{Title: "paused job"})
	if _, err := f.mgr.Pause(ctx, paused.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	f.mustCreate(t, CreateInput{Title: "gated job", Dependencies: []string{low.ID}})
	deferred := f.mustCreate(t, CreateInput{Title: "deferred job"})
	if _, err := f.st.MutateTask(ctx, deferred.ID, func(t *store.TaskRecord) {
		t.NotBefore = f.now.Add(time.Hour)
	}); err != nil {
		t.Fatalf("MutateTask: %v", err)
	}

	got := f.mgr.ListExecutable("sess")
	if len(got) != 3 {
		t.Fatalf("executable count = %d, want 3", len(got))
	}
	wantOrder := []string{high.ID, med.ID, low.ID}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("executable[%d] = %s (%s), want %s", i, got[i].ID, got[i].Title, want)
		}
	}
}

func TestMetricsAggregates(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}})

	running := f.mustCreate(t, CreateInput{Title: "busy"})
	f.mustRun(t, running.ID, "a1")
	f.mustCreate(t, CreateInput{Title: "idle"})
	f.mustCreate(t, CreateInput{Title: "waiting", Dependencies: []string{running.ID}})

	f.now = f.now.Add(11 * time.Minute) // running task is now overdue

	sm := f.mgr.Metrics("sess")
	if sm.Total != 3 {
		t.Errorf("total = %d, want 3", sm.Total)
	}
	if sm.ByState[store.TaskStateActive] != 1 || sm.ByState[store.TaskStatePending] != 1 ||
		sm.ByState[store.TaskStateBlocked] != 1 {
		t.Errorf("by state = %v", sm.ByState)
	}
	if sm.ByAgent["a1"] != 1 {
		t.Errorf("by agent = %v", sm.ByAgent)
	}
	if sm.Blocked != 1 {
		t.Errorf("blocked = %d, want 1", sm.Blocked)
	}
	if sm.Overdue != 1 {
		t.Errorf("overdue = %d, want 1", sm.Overdue)
	}
}

func TestBacklogGroupsByPlan(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1"}})
	ctx := context.Background()

	done := f.mustCreate(t, CreateInput{Title: "finished step", PlanID: "alpha"})
	f.mustRun(t, done.ID, "a1")
	if _, err := f.mgr.Complete(ctx, done.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	inflight := f.mustCreate(t, CreateInput{Title: "current step", PlanID: "alpha"})
	f.mustRun(t, inflight.ID, "a1")
	f.mustCreate(t, CreateInput{Title: "next step", PlanID: "beta"})

	got := f.mgr.Backlog("sess")
	if len(got) != 2 {
		t.Fatalf("plans = %d, want 2", len(got))
	}
	alpha, beta := got[0], got[1]
	if alpha.PlanID != "alpha" || beta.PlanID != "beta" {
		t.Fatalf("plan order = %s, %s", alpha.PlanID, beta.PlanID)
	}
	if alpha.Done != 1 || alpha.InFlight != 1 || alpha.Remaining != 1 {
		t.Errorf("alpha = %+v", alpha)
	}
	if beta.Remaining != 1 || beta.InFlight != 0 {
		t.Errorf("beta = %+v", beta)
	}
}

func TestSweepSchedulesAdmittedWork(t *testing.T) {
	f := newFixture(t, []config.AgentEntry{{ID: "a1", Capabilities: []string{"api"}}})
	ctx := context.Background()

	rec := f.mustCreate(t, CreateInput{Title: "fix api endpoint", Labels: []string{"api"}})
	if err := f.mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got := f.mgr.Get(rec.ID)
	if got.AssignedTo != "a1" {
		t.Errorf("sweep did not assign: assigned=%q state=%s", got.AssignedTo, got.State)
	}
}
