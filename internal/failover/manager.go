package failover

import (
	"context"
	"fmt"

	"github.com/openagents/quorum/internal/bus"
	"github.com/openagents/quorum/internal/store"
)

// EnsureManagerPool builds (or refreshes) the rotation pool from the
// coordinator-tagged agents, preserving the current duty holder when it
// is still a member. Called at startup and whenever the roster changes.
func (s *Supervisor) EnsureManagerPool(ctx context.Context) (*store.ManagerPool, error) {
	members := s.reg.Coordinators()
	pool := s.st.ManagerPool()

	if pool == nil {
		pool = &store.ManagerPool{
			Members:          members,
			RotationInterval: s.cfg.RotationInterval,
		}
		if err := s.st.SaveManagerPool(ctx, pool); err != nil {
			return nil, err
		}
		return pool, nil
	}

	current := pool.CurrentManager()
	pool.Members = members
	pool.RotationInterval = s.cfg.RotationInterval
	pool.CurrentIndex = 0
	for i, id := range members {
		if id == current {
			pool.CurrentIndex = i
			break
		}
	}
	if err := s.st.SaveManagerPool(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// CurrentManager returns the agent holding manager duty, or "".
func (s *Supervisor) CurrentManager() string {
	return s.st.ManagerPool().CurrentManager()
}

// RecordManagedTask counts one task handled under the current manager
// and rotates duty when the configured interval is reached.
func (s *Supervisor) RecordManagedTask(ctx context.Context) error {
	pool := s.st.ManagerPool()
	if pool == nil || len(pool.Members) == 0 {
		return nil
	}
	pool.TaskCountSinceRotation++
	if pool.RotationInterval > 0 && pool.TaskCountSinceRotation >= pool.RotationInterval {
		s.rotate(ctx, pool, fmt.Sprintf("served %d tasks", pool.TaskCountSinceRotation))
		return nil
	}
	return s.st.SaveManagerPool(ctx, pool)
}

// RotateManager advances duty to the next healthy member. Manual
// invocations pass their own reason.
func (s *Supervisor) RotateManager(ctx context.Context, reason string) string {
	pool := s.st.ManagerPool()
	if pool == nil {
		return ""
	}
	return s.rotate(ctx, pool, reason)
}

// rotate advances round-robin, skipping members that are currently
// offline or unhealthy. Unavailable members stay in the pool; skipping
// is temporary, eviction never happens here. Resets the task counter.
func (s *Supervisor) rotate(ctx context.Context, pool *store.ManagerPool, reason string) string {
	if len(pool.Members) == 0 {
		return ""
	}
	previous := pool.CurrentManager()

	next := pool.CurrentIndex
	for i := 1; i <= len(pool.Members); i++ {
		candidate := (pool.CurrentIndex + i) % len(pool.Members)
		id := pool.Members[candidate]
		if health := s.st.GetAgentHealth(id); health != nil {
			if health.Status == store.HealthOffline || health.Status == store.HealthUnhealthy {
				continue
			}
		}
		next = candidate
		break
	}

	pool.CurrentIndex = next
	pool.TaskCountSinceRotation = 0
	if err := s.st.SaveManagerPool(ctx, pool); err != nil {
		s.logger.Error("persist manager rotation failed", "error", err)
		return previous
	}

	current := pool.CurrentManager()
	if s.metrics != nil {
		s.metrics.ManagerRotations.Add(ctx, 1)
	}
	s.logger.Info("manager duty rotated", "previous", previous, "current", current, "reason", reason)
	if s.bus != nil {
		s.bus.Publish(bus.TopicManagerRotated, bus.ManagerRotatedEvent{
			Previous: previous, Current: current, Reason: reason,
		})
	}
	if previous != current {
		s.alert("Manager rotated",
			fmt.Sprintf("manager duty moved from %s to %s (%s)", previous, current, reason),
			"", current)
	}
	return current
}

// OverrideManager hands duty to a specific pool member. Also serves as
// the explicit reinstatement operation for a member that rotation has
// been skipping.
func (s *Supervisor) OverrideManager(ctx context.Context, agentID, reason string) error {
	pool := s.st.ManagerPool()
	if pool == nil {
		return fmt.Errorf("no manager pool")
	}
	idx := -1
	for i, id := range pool.Members {
		if id == agentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("agent %s is not in the manager pool", agentID)
	}

	previous := pool.CurrentManager()
	pool.CurrentIndex = idx
	pool.TaskCountSinceRotation = 0
	if err := s.st.SaveManagerPool(ctx, pool); err != nil {
		return err
	}
	s.logger.Info("manager duty overridden", "previous", previous, "current", agentID, "reason", reason)
	if s.bus != nil {
		s.bus.Publish(bus.TopicManagerRotated, bus.ManagerRotatedEvent{
			Previous: previous, Current: agentID, Reason: reason,
		})
	}
	return nil
}
