package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "qr-v1-2026-08-19-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// SQLiteBackend persists all records in a single SQLite file. The store
// serializes writes, so the backend keeps a single connection.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and runs
// schema migrations.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLITE_BUSY (5) or SQLITE_LOCKED (6) by error
// string, avoiding a direct sqlite3 package dependency outside cgo
// paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL CHECK(state IN ('pending', 'active', 'blocked', 'needs-confirm', 'finalizing', 'reassigning', 'done', 'failed')),
			previous_state TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'queued', 'assigned', 'running', 'completed', 'failed', 'paused')),
			assigned_to TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'medium',
			labels_json TEXT NOT NULL DEFAULT '[]',
			dependencies_json TEXT NOT NULL DEFAULT '[]',
			blocked_by_json TEXT NOT NULL DEFAULT '[]',
			blocked_reason TEXT NOT NULL DEFAULT '',
			context_json TEXT NOT NULL DEFAULT '{}',
			history_json TEXT NOT NULL DEFAULT '[]',
			plan_id TEXT NOT NULL DEFAULT '',
			goal_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			serialized INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ns INTEGER NOT NULL DEFAULT 0,
			not_before DATETIME,
			started_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS assists (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			requester_id TEXT NOT NULL,
			target_agent_id TEXT NOT NULL DEFAULT '',
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			priority TEXT NOT NULL DEFAULT 'normal',
			state TEXT NOT NULL CHECK(state IN ('requested', 'assigned', 'in-progress', 'completed', 'timeout', 'cancelled')),
			description TEXT NOT NULL DEFAULT '',
			context_json TEXT NOT NULL DEFAULT '{}',
			assigned_to TEXT NOT NULL DEFAULT '',
			response_deadline DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_health (
			agent_id TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('healthy', 'degraded', 'unhealthy', 'offline')),
			last_heartbeat DATETIME,
			active_tasks INTEGER NOT NULL DEFAULT 0,
			completed_tasks INTEGER NOT NULL DEFAULT 0,
			failed_tasks INTEGER NOT NULL DEFAULT 0,
			avg_response_ns INTEGER NOT NULL DEFAULT 0,
			error_rate REAL NOT NULL DEFAULT 0,
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS op_log (
			id TEXT PRIMARY KEY,
			level TEXT NOT NULL,
			scope TEXT NOT NULL,
			message TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS manager_pool (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			members_json TEXT NOT NULL DEFAULT '[]',
			current_index INTEGER NOT NULL DEFAULT 0,
			rotation_interval INTEGER NOT NULL DEFAULT 0,
			tasks_since_rotation INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);`,
		`CREATE INDEX IF NOT EXISTS idx_assists_task ON assists(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_assists_state ON assists(state);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_op_log_task ON op_log(task_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanTime(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time
}

// LoadAll reads every table into a snapshot.
func (b *SQLiteBackend) LoadAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := b.loadTasks(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadAssists(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadAgents(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadRuns(ctx, snap); err != nil {
		return nil, err
	}
	if err := b.loadPool(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *SQLiteBackend) loadTasks(ctx context.Context, snap *Snapshot) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, session_id, title, description, state, previous_state, status,
		       assigned_to, priority, labels_json, dependencies_json, blocked_by_json,
		       blocked_reason, context_json, history_json, plan_id, goal_id, parent_id,
		       serialized, retry_count, max_retries, timeout_ns, not_before, started_at,
		       created_at, updated_at
		FROM tasks;`)
	if err != nil {
		return fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                                  TaskRecord
			labels, deps, blockedBy, ctxJSON   string
			history                            string
			serialized                         int
			timeoutNs                          int64
			notBefore, startedAt, created, upd sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.Description, &t.State,
			&t.PreviousState, &t.Status, &t.AssignedTo, &t.Priority, &labels, &deps,
			&blockedBy, &t.BlockedReason, &ctxJSON, &history, &t.PlanID, &t.GoalID,
			&t.ParentID, &serialized, &t.RetryCount, &t.MaxRetries, &timeoutNs,
			&notBefore, &startedAt, &created, &upd); err != nil {
			return fmt.Errorf("scan task row: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
			return fmt.Errorf("decode task %s labels: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
			return fmt.Errorf("decode task %s dependencies: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(blockedBy), &t.BlockedBy); err != nil {
			return fmt.Errorf("decode task %s blocked_by: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
			return fmt.Errorf("decode task %s context: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(history), &t.History); err != nil {
			return fmt.Errorf("decode task %s history: %w", t.ID, err)
		}
		t.Serialized = serialized != 0
		t.Timeout = time.Duration(timeoutNs)
		t.NotBefore = scanTime(notBefore)
		if startedAt.Valid {
			at := startedAt.Time
			t.StartedAt = &at
		}
		t.CreatedAt = scanTime(created)
		t.UpdatedAt = scanTime(upd)
		snap.Tasks = append(snap.Tasks, &t)
	}
	return rows.Err()
}

func (b *SQLiteBackend) loadAssists(ctx context.Context, snap *Snapshot) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, session_id, requester_id, target_agent_id, capabilities_json,
		       priority, state, description, context_json, assigned_to, response_deadline,
		       created_at, updated_at
		FROM assists;`)
	if err != nil {
		return fmt.Errorf("query assists: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                      AssistRequest
			caps, ctxJSON          string
			deadline, created, upd sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.SessionID, &a.RequesterID,
			&a.TargetAgentID, &caps, &a.Priority, &a.State, &a.Description, &ctxJSON,
			&a.AssignedTo, &deadline, &created, &upd); err != nil {
			return fmt.Errorf("scan assist row: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.RequiredCapabilities); err != nil {
			return fmt.Errorf("decode assist %s capabilities: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &a.Context); err != nil {
			return fmt.Errorf("decode assist %s context: %w", a.ID, err)
		}
		a.ResponseDeadline = scanTime(deadline)
		a.CreatedAt = scanTime(created)
		a.UpdatedAt = scanTime(upd)
		snap.Assists = append(snap.Assists, &a)
	}
	return rows.Err()
}

func (b *SQLiteBackend) loadAgents(ctx context.Context, snap *Snapshot) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT agent_id, status, last_heartbeat, active_tasks, completed_tasks,
		       failed_tasks, avg_response_ns, error_rate, capabilities_json,
		       metadata_json, updated_at
		FROM agent_health;`)
	if err != nil {
		return fmt.Errorf("query agent_health: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h              AgentHealth
			caps, metadata string
			avgNs          int64
			heartbeat, upd sql.NullTime
		)
		if err := rows.Scan(&h.AgentID, &h.Status, &heartbeat, &h.ActiveTaskCount,
			&h.CompletedTaskCount, &h.FailedTaskCount, &avgNs, &h.ErrorRate, &caps,
			&metadata, &upd); err != nil {
			return fmt.Errorf("scan agent health row: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &h.Capabilities); err != nil {
			return fmt.Errorf("decode agent %s capabilities: %w", h.AgentID, err)
		}
		if err := json.Unmarshal([]byte(metadata), &h.Metadata); err != nil {
			return fmt.Errorf("decode agent %s metadata: %w", h.AgentID, err)
		}
		h.AvgResponseTime = time.Duration(avgNs)
		h.LastHeartbeat = scanTime(heartbeat)
		h.UpdatedAt = scanTime(upd)
		snap.Agents = append(snap.Agents, &h)
	}
	return rows.Err()
}

func (b *SQLiteBackend) loadRuns(ctx context.Context, snap *Snapshot) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, outcome, detail, started_at, ended_at
		FROM runs;`)
	if err != nil {
		return fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r              RunRecord
			started, ended sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.Outcome, &r.Detail,
			&started, &ended); err != nil {
			return fmt.Errorf("scan run row: %w", err)
		}
		r.StartedAt = scanTime(started)
		if ended.Valid {
			at := ended.Time
			r.EndedAt = &at
		}
		snap.Runs = append(snap.Runs, &r)
	}
	return rows.Err()
}

func (b *SQLiteBackend) loadPool(ctx context.Context, snap *Snapshot) error {
	var (
		members string
		pool    ManagerPool
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT members_json, current_index, rotation_interval, tasks_since_rotation
		FROM manager_pool WHERE id = 1;`).
		Scan(&members, &pool.CurrentIndex, &pool.RotationInterval, &pool.TaskCountSinceRotation)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query manager_pool: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &pool.Members); err != nil {
		return fmt.Errorf("decode manager pool members: %w", err)
	}
	snap.Pool = &pool
	return nil
}

// UpsertTask writes one task row.
func (b *SQLiteBackend) UpsertTask(ctx context.Context, t *TaskRecord) error {
	labels, err := marshalJSON(orEmptySlice(t.Labels))
	if err != nil {
		return fmt.Errorf("encode task %s labels: %w", t.ID, err)
	}
	deps, err := marshalJSON(orEmptySlice(t.Dependencies))
	if err != nil {
		return fmt.Errorf("encode task %s dependencies: %w", t.ID, err)
	}
	blockedBy, err := marshalJSON(orEmptySlice(t.BlockedBy))
	if err != nil {
		return fmt.Errorf("encode task %s blocked_by: %w", t.ID, err)
	}
	ctxJSON, err := marshalJSON(orEmptyMap(t.Context))
	if err != nil {
		return fmt.Errorf("encode task %s context: %w", t.ID, err)
	}
	history, err := marshalJSON(orEmptyTransitions(t.History))
	if err != nil {
		return fmt.Errorf("encode task %s history: %w", t.ID, err)
	}
	serialized := 0
	if t.Serialized {
		serialized = 1
	}
	var startedAt any
	if t.StartedAt != nil {
		startedAt = t.StartedAt.UTC()
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, session_id, title, description, state, previous_state, status,
				assigned_to, priority, labels_json, dependencies_json, blocked_by_json,
				blocked_reason, context_json, history_json, plan_id, goal_id, parent_id,
				serialized, retry_count, max_retries, timeout_ns, not_before, started_at,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				session_id = excluded.session_id,
				title = excluded.title,
				description = excluded.description,
				state = excluded.state,
				previous_state = excluded.previous_state,
				status = excluded.status,
				assigned_to = excluded.assigned_to,
				priority = excluded.priority,
				labels_json = excluded.labels_json,
				dependencies_json = excluded.dependencies_json,
				blocked_by_json = excluded.blocked_by_json,
				blocked_reason = excluded.blocked_reason,
				context_json = excluded.context_json,
				history_json = excluded.history_json,
				plan_id = excluded.plan_id,
				goal_id = excluded.goal_id,
				parent_id = excluded.parent_id,
				serialized = excluded.serialized,
				retry_count = excluded.retry_count,
				max_retries = excluded.max_retries,
				timeout_ns = excluded.timeout_ns,
				not_before = excluded.not_before,
				started_at = excluded.started_at,
				updated_at = excluded.updated_at;`,
			t.ID, t.SessionID, t.Title, t.Description, string(t.State),
			string(t.PreviousState), string(t.Status), t.AssignedTo, string(t.Priority),
			labels, deps, blockedBy, t.BlockedReason, ctxJSON, history, t.PlanID,
			t.GoalID, t.ParentID, serialized, t.RetryCount, t.MaxRetries,
			int64(t.Timeout), nullableTime(t.NotBefore), startedAt,
			t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		return err
	})
}

// DeleteTask removes one task row.
func (b *SQLiteBackend) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		return err
	})
}

// UpsertAssist writes one assist row.
func (b *SQLiteBackend) UpsertAssist(ctx context.Context, a *AssistRequest) error {
	caps, err := marshalJSON(orEmptySlice(a.RequiredCapabilities))
	if err != nil {
		return fmt.Errorf("encode assist %s capabilities: %w", a.ID, err)
	}
	ctxJSON, err := marshalJSON(orEmptyMap(a.Context))
	if err != nil {
		return fmt.Errorf("encode assist %s context: %w", a.ID, err)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO assists (
				id, task_id, session_id, requester_id, target_agent_id,
				capabilities_json, priority, state, description, context_json,
				assigned_to, response_deadline, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				task_id = excluded.task_id,
				session_id = excluded.session_id,
				requester_id = excluded.requester_id,
				target_agent_id = excluded.target_agent_id,
				capabilities_json = excluded.capabilities_json,
				priority = excluded.priority,
				state = excluded.state,
				description = excluded.description,
				context_json = excluded.context_json,
				assigned_to = excluded.assigned_to,
				response_deadline = excluded.response_deadline,
				updated_at = excluded.updated_at;`,
			a.ID, a.TaskID, a.SessionID, a.RequesterID, a.TargetAgentID, caps,
			string(a.Priority), string(a.State), a.Description, ctxJSON, a.AssignedTo,
			nullableTime(a.ResponseDeadline), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
		return err
	})
}

// DeleteAssist removes one assist row.
func (b *SQLiteBackend) DeleteAssist(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM assists WHERE id = ?;`, id)
		return err
	})
}

// UpsertAgentHealth writes one agent health row.
func (b *SQLiteBackend) UpsertAgentHealth(ctx context.Context, h *AgentHealth) error {
	caps, err := marshalJSON(orEmptySlice(h.Capabilities))
	if err != nil {
		return fmt.Errorf("encode agent %s capabilities: %w", h.AgentID, err)
	}
	metadata, err := marshalJSON(orEmptyMap(h.Metadata))
	if err != nil {
		return fmt.Errorf("encode agent %s metadata: %w", h.AgentID, err)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO agent_health (
				agent_id, status, last_heartbeat, active_tasks, completed_tasks,
				failed_tasks, avg_response_ns, error_rate, capabilities_json,
				metadata_json, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status,
				last_heartbeat = excluded.last_heartbeat,
				active_tasks = excluded.active_tasks,
				completed_tasks = excluded.completed_tasks,
				failed_tasks = excluded.failed_tasks,
				avg_response_ns = excluded.avg_response_ns,
				error_rate = excluded.error_rate,
				capabilities_json = excluded.capabilities_json,
				metadata_json = excluded.metadata_json,
				updated_at = excluded.updated_at;`,
			h.AgentID, string(h.Status), nullableTime(h.LastHeartbeat),
			h.ActiveTaskCount, h.CompletedTaskCount, h.FailedTaskCount,
			int64(h.AvgResponseTime), h.ErrorRate, caps, metadata, h.UpdatedAt.UTC())
		return err
	})
}

// DeleteAgentHealth removes one agent health row.
func (b *SQLiteBackend) DeleteAgentHealth(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM agent_health WHERE agent_id = ?;`, agentID)
		return err
	})
}

// UpsertRun writes one run row.
func (b *SQLiteBackend) UpsertRun(ctx context.Context, r *RunRecord) error {
	var endedAt any
	if r.EndedAt != nil {
		endedAt = r.EndedAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO runs (id, task_id, agent_id, outcome, detail, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				outcome = excluded.outcome,
				detail = excluded.detail,
				ended_at = excluded.ended_at;`,
			r.ID, r.TaskID, r.AgentID, r.Outcome, r.Detail, r.StartedAt.UTC(), endedAt)
		return err
	})
}

// AppendLog writes one operational log row.
func (b *SQLiteBackend) AppendLog(ctx context.Context, l *LogRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO op_log (id, level, scope, message, task_id, agent_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			l.ID, l.Level, l.Scope, l.Message, l.TaskID, l.AgentID, l.CreatedAt.UTC())
		return err
	})
}

// SaveManagerPool writes the singleton pool row.
func (b *SQLiteBackend) SaveManagerPool(ctx context.Context, p *ManagerPool) error {
	members, err := marshalJSON(orEmptySlice(p.Members))
	if err != nil {
		return fmt.Errorf("encode manager pool members: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO manager_pool (id, members_json, current_index, rotation_interval, tasks_since_rotation)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				members_json = excluded.members_json,
				current_index = excluded.current_index,
				rotation_interval = excluded.rotation_interval,
				tasks_since_rotation = excluded.tasks_since_rotation;`,
			members, p.CurrentIndex, p.RotationInterval, p.TaskCountSinceRotation)
		return err
	})
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m ValueMap) ValueMap {
	if m == nil {
		return ValueMap{}
	}
	return m
}

func orEmptyTransitions(h []Transition) []Transition {
	if h == nil {
		return []Transition{}
	}
	return h
}
