package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the coordination core's metric instruments.
type Metrics struct {
	TaskTransitions  metric.Int64Counter
	TasksAssigned    metric.Int64Counter
	TasksRetried     metric.Int64Counter
	TasksFailed      metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
	SweepDuration    metric.Float64Histogram
	ScoringDuration  metric.Float64Histogram
	AssistTimeouts   metric.Int64Counter
	Failovers        metric.Int64Counter
	ManagerRotations metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskTransitions, err = meter.Int64Counter("quorum.task.transitions",
		metric.WithDescription("Task state transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAssigned, err = meter.Int64Counter("quorum.task.assigned",
		metric.WithDescription("Scheduling decisions that assigned a task to an agent"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("quorum.task.retried",
		metric.WithDescription("Timed-out tasks requeued with backoff"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("quorum.task.failed",
		metric.WithDescription("Tasks permanently failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("quorum.task.active",
		metric.WithDescription("Tasks currently active across all sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("quorum.sweep.duration",
		metric.WithDescription("Maintenance sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ScoringDuration, err = meter.Float64Histogram("quorum.scheduler.duration",
		metric.WithDescription("Agent scoring pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AssistTimeouts, err = meter.Int64Counter("quorum.assist.timeouts",
		metric.WithDescription("Assist requests forced to timeout by the deadline sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.Failovers, err = meter.Int64Counter("quorum.failover.total",
		metric.WithDescription("Failover attempts for specific tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.ManagerRotations, err = meter.Int64Counter("quorum.manager.rotations",
		metric.WithDescription("Manager pool rotations"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
