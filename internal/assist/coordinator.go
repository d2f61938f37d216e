// Package assist manages side-channel help requests between agents,
// independent of the main task-assignment machine. Requests move through
// a small state machine; every transition leaves an audit entry and a
// notification, and a periodic sweep times out overdue requests.
package assist

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/config"
	"github.com/openagents/quorum/internal/otel"
	"github.com/openagents/quorum/internal/shared"
	"github.com/openagents/quorum/internal/store"
)

// Coordinator owns assist request intake, transitions, and the deadline
// sweep.
type Coordinator struct {
	st      *store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	cfg     config.AssistConfig
	now     func() time.Time

	sweeping atomic.Bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics attaches the otel instrument bundle.
func WithMetrics(m *otel.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New builds a coordinator.
func New(st *store.Store, eventBus *bus.Bus, cfg config.AssistConfig, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseDeadline <= 0 {
		cfg.ResponseDeadline = 30 * time.Minute
	}
	c := &Coordinator{
		st:     st,
		bus:    eventBus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestInput is the caller-facing shape for a new assist request.
type RequestInput struct {
	TaskID               string
	SessionID            string
	RequesterID          string
	TargetAgentID        string
	RequiredCapabilities []string
	Priority             store.AssistPriority
	Description          string
	Context              store.ValueMap
	// ResponseDeadline overrides the priority-scaled default when set.
	ResponseDeadline time.Time
}

// Request creates a new assist request in the requested state. Missing
// task or requester ids are ValidationErrors.
func (c *Coordinator) Request(ctx context.Context, in RequestInput) (*store.AssistRequest, error) {
	if in.TaskID == "" {
		return nil, &store.ValidationError{Field: "task_id", Reason: "required"}
	}
	if in.RequesterID == "" {
		return nil, &store.ValidationError{Field: "requester_id", Reason: "required"}
	}
	if in.Priority == "" {
		in.Priority = store.AssistPriorityNormal
	}
	deadline := in.ResponseDeadline
	if deadline.IsZero() {
		deadline = c.now().Add(c.deadlineFor(in.Priority))
	}

	rec, err := c.st.PutAssist(ctx, &store.AssistRequest{
		ID:                   uuid.NewString(),
		TaskID:               in.TaskID,
		SessionID:            in.SessionID,
		RequesterID:          in.RequesterID,
		TargetAgentID:        in.TargetAgentID,
		RequiredCapabilities: in.RequiredCapabilities,
		Priority:             in.Priority,
		State:                store.AssistRequested,
		Description:          in.Description,
		Context:              in.Context,
		ResponseDeadline:     deadline,
	})
	if err != nil {
		return nil, err
	}

	c.notify(bus.TopicNotifyInfo, "Assist requested",
		fmt.Sprintf("%s requested help on task %s", in.RequesterID, in.TaskID), rec)
	c.logger.Info("assist requested",
		"assist", rec.ID, "task", rec.TaskID, "requester", rec.RequesterID,
		"priority", rec.Priority, "trace", shared.TraceID(ctx))
	return rec, nil
}

// deadlineFor scales the default response deadline by priority: critical
// and high requests get shorter windows, low gets a longer one.
func (c *Coordinator) deadlineFor(p store.AssistPriority) time.Duration {
	base := c.cfg.ResponseDeadline
	switch p {
	case store.AssistPriorityCritical:
		return base / 4
	case store.AssistPriorityHigh:
		return base / 2
	case store.AssistPriorityLow:
		return base * 2
	default:
		return base
	}
}

// Assign moves a request to assigned and records the helper.
func (c *Coordinator) Assign(ctx context.Context, id, helperID, actor string) (*store.AssistRequest, error) {
	if helperID == "" {
		return nil, &store.ValidationError{Field: "helper_id", Reason: "required"}
	}
	if rec, err := c.st.MutateAssist(ctx, id, func(a *store.AssistRequest) {
		a.AssignedTo = helperID
	}); err != nil {
		return nil, err
	} else if rec == nil {
		return nil, nil
	}
	return c.transition(ctx, id, store.AssistAssigned, "assigned to "+helperID, actor)
}

// Start moves a request to in-progress.
func (c *Coordinator) Start(ctx context.Context, id, actor string) (*store.AssistRequest, error) {
	return c.transition(ctx, id, store.AssistInProgress, "helper started", actor)
}

// Complete moves a request to its completed terminal state.
func (c *Coordinator) Complete(ctx context.Context, id, actor string) (*store.AssistRequest, error) {
	return c.transition(ctx, id, store.AssistCompleted, "completed", actor)
}

// Cancel moves a request to its cancelled terminal state.
func (c *Coordinator) Cancel(ctx context.Context, id, reason, actor string) (*store.AssistRequest, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return c.transition(ctx, id, store.AssistCancelled, reason, actor)
}

// Timeout force-expires a request.
func (c *Coordinator) Timeout(ctx context.Context, id, actor string) (*store.AssistRequest, error) {
	rec, err := c.transition(ctx, id, store.AssistTimeout, "response deadline passed", actor)
	if err == nil && rec != nil && rec.State == store.AssistTimeout && c.metrics != nil {
		c.metrics.AssistTimeouts.Add(ctx, 1)
	}
	return rec, err
}

// transition funnels every state change: the store enforces edges and
// appends the audit entry; the coordinator adds the notification.
func (c *Coordinator) transition(ctx context.Context, id string, to store.AssistState, reason, actor string) (*store.AssistRequest, error) {
	rec, changed, err := c.st.TransitionAssist(ctx, id, to, reason, actor)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !changed {
		return rec, nil
	}

	topic := bus.TopicNotifyInfo
	if to == store.AssistTimeout {
		topic = bus.TopicNotifyAlert
	}
	c.notify(topic, "Assist "+string(to), reason, rec)
	c.logger.Info("assist transitioned",
		"assist", rec.ID, "task", rec.TaskID, "to", to, "reason", reason, "actor", actor)
	return rec, nil
}

func (c *Coordinator) notify(topic, title, body string, rec *store.AssistRequest) {
	if c.bus == nil {
		return
	}
	severity := "info"
	if topic == bus.TopicNotifyAlert {
		severity = "alert"
	}
	c.bus.Publish(topic, bus.NotificationEvent{
		Severity: severity,
		Title:    title,
		Body:     body,
		TaskID:   rec.TaskID,
		AgentID:  rec.AssignedTo,
	})
}

// Get returns one request, or nil.
func (c *Coordinator) Get(id string) *store.AssistRequest {
	return c.st.GetAssist(id)
}

// List returns requests matching the filter.
func (c *Coordinator) List(filter store.AssistFilter) []*store.AssistRequest {
	return c.st.ListAssists(filter)
}

// SweepDeadlines force-times-out every non-terminal request past its
// response deadline. Each overdue request gets exactly one timeout
// transition (and thus one audit entry). Returns the number timed out.
func (c *Coordinator) SweepDeadlines(ctx context.Context) int {
	if !c.sweeping.CompareAndSwap(false, true) {
		c.logger.Debug("assist sweep already in flight, skipping")
		return 0
	}
	defer c.sweeping.Store(false)

	now := c.now()
	timedOut := 0
	for _, rec := range c.st.ListAssists(store.AssistFilter{NonTerminal: true}) {
		if rec.ResponseDeadline.IsZero() || !rec.ResponseDeadline.Before(now) {
			continue
		}
		updated, err := c.Timeout(ctx, rec.ID, "deadline-sweep")
		if err != nil {
			c.logger.Error("assist timeout failed", "assist", rec.ID, "error", err)
			continue
		}
		if updated != nil && updated.State == store.AssistTimeout {
			timedOut++
		}
	}
	if timedOut > 0 {
		c.logger.Info("assist deadline sweep", "timed_out", timedOut)
	}
	return timedOut
}

// Run executes the deadline sweep on the configured interval until ctx
// is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepDeadlines(ctx)
		}
	}
}
