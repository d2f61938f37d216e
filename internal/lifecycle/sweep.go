package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openagents/quorum/internal/store"
)

const retryBackoffBase = 60 * time.Second

// retryBackoff returns the requeue delay for a given retry count:
// 60s, 120s, 240s, 480s, 960s, capped at the fourth doubling.
func retryBackoff(retryCount int) time.Duration {
	exp := retryCount
	if exp > 4 {
		exp = 4
	}
	return retryBackoffBase * (1 << uint(exp))
}

// Sweep runs one maintenance pass: expire timed-out running tasks
// (requeue with backoff or permanently fail), then re-run concurrency
// admission per session and schedule admitted unassigned work. Overlap
// is prevented with a single in-flight guard.
func (m *Manager) Sweep(ctx context.Context) error {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.logger.Debug("maintenance sweep already in flight, skipping")
		return nil
	}
	defer m.sweeping.Store(false)

	start := m.now()
	if err := m.sweepTimeouts(ctx); err != nil {
		return err
	}
	if err := m.sweepAdmission(ctx); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.SweepDuration.Record(ctx, m.now().Sub(start).Seconds())
	}
	return nil
}

// sweepTimeouts expires tasks running past their deadline.
func (m *Manager) sweepTimeouts(ctx context.Context) error {
	now := m.now()
	running := m.st.ListTasks(store.TaskFilter{Statuses: []store.TaskStatus{store.TaskStatusRunning}})
	for _, task := range running {
		if task.StartedAt == nil {
			continue
		}
		deadline := task.StartedAt.Add(task.EffectiveTimeout(m.cfg.Task.Timeout))
		if !now.After(deadline) {
			continue
		}
		if task.RetryCount < task.MaxRetries {
			if err := m.requeueForRetry(ctx, task); err != nil {
				return err
			}
			continue
		}
		reason := fmt.Sprintf("timed out after %d retries", task.RetryCount)
		if _, err := m.Fail(ctx, task.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

// requeueForRetry pushes a timed-out task back to the queue with an
// exponential backoff before it becomes eligible again.
func (m *Manager) requeueForRetry(ctx context.Context, task *store.TaskRecord) error {
	backoff := retryBackoff(task.RetryCount)
	notBefore := m.now().Add(backoff)

	if _, _, err := m.st.TransitionTask(ctx, task.ID, store.TaskStateBlocked,
		fmt.Sprintf("timed out, retry %d scheduled in %s", task.RetryCount+1, backoff), "sweep"); err != nil {
		return err
	}
	if _, err := m.st.MutateTask(ctx, task.ID, func(t *store.TaskRecord) {
		t.AssignedTo = ""
		t.Status = store.TaskStatusQueued
		t.RetryCount++
		t.NotBefore = notBefore
		t.StartedAt = nil
		t.BlockedReason = "awaiting retry backoff"
	}); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.TasksRetried.Add(ctx, 1)
	}
	m.logger.Warn("task timed out, requeued",
		"task", task.ID, "retry", task.RetryCount+1, "backoff", backoff)
	return nil
}

// sweepAdmission re-runs admission per session and schedules admitted
// work that has no agent yet.
func (m *Manager) sweepAdmission(ctx context.Context) error {
	sessions := make(map[string]bool)
	for _, task := range m.st.ListTasks(store.TaskFilter{}) {
		sessions[task.SessionID] = true
	}
	for sessionID := range sessions {
		admitted, err := m.admitSession(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, id := range admitted {
			task := m.st.GetTask(id)
			if task == nil || task.AssignedTo != "" {
				continue
			}
			if task.Status != store.TaskStatusQueued && task.Status != store.TaskStatusPending {
				continue
			}
			if _, err := m.ScheduleTask(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes the maintenance sweep until ctx is cancelled, either on
// a fixed interval or, when a cron schedule is configured, on that
// schedule.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Sweep.Schedule != "" {
		return m.runCron(ctx)
	}
	interval := m.cfg.Sweep.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("maintenance sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) runCron(ctx context.Context) error {
	schedule, err := cron.ParseStandard(m.cfg.Sweep.Schedule)
	if err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", m.cfg.Sweep.Schedule, err)
	}
	timer := time.NewTimer(time.Until(schedule.Next(m.now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("maintenance sweep failed", "error", err)
			}
			timer.Reset(time.Until(schedule.Next(m.now())))
		}
	}
}
