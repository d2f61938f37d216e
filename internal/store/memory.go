package store

import "context"

// MemoryBackend is a map-backed Backend for tests and ephemeral runs.
type MemoryBackend struct {
	tasks   map[string]*TaskRecord
	assists map[string]*AssistRequest
	agents  map[string]*AgentHealth
	runs    map[string]*RunRecord
	logs    []*LogRecord
	pool    *ManagerPool
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tasks:   make(map[string]*TaskRecord),
		assists: make(map[string]*AssistRequest),
		agents:  make(map[string]*AgentHealth),
		runs:    make(map[string]*RunRecord),
	}
}

func (m *MemoryBackend) LoadAll(context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	for _, t := range m.tasks {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	for _, a := range m.assists {
		snap.Assists = append(snap.Assists, a.Clone())
	}
	for _, h := range m.agents {
		snap.Agents = append(snap.Agents, h.Clone())
	}
	for _, r := range m.runs {
		snap.Runs = append(snap.Runs, r.Clone())
	}
	snap.Pool = m.pool.Clone()
	return snap, nil
}

func (m *MemoryBackend) UpsertTask(_ context.Context, t *TaskRecord) error {
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryBackend) DeleteTask(_ context.Context, id string) error {
	delete(m.tasks, id)
	return nil
}

func (m *MemoryBackend) UpsertAssist(_ context.Context, a *AssistRequest) error {
	m.assists[a.ID] = a.Clone()
	return nil
}

func (m *MemoryBackend) DeleteAssist(_ context.Context, id string) error {
	delete(m.assists, id)
	return nil
}

func (m *MemoryBackend) UpsertAgentHealth(_ context.Context, h *AgentHealth) error {
	m.agents[h.AgentID] = h.Clone()
	return nil
}

func (m *MemoryBackend) DeleteAgentHealth(_ context.Context, agentID string) error {
	delete(m.agents, agentID)
	return nil
}

func (m *MemoryBackend) UpsertRun(_ context.Context, r *RunRecord) error {
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *MemoryBackend) AppendLog(_ context.Context, l *LogRecord) error {
	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

// Logs returns the appended log records, oldest first.
func (m *MemoryBackend) Logs() []*LogRecord {
	out := make([]*LogRecord, 0, len(m.logs))
	for _, l := range m.logs {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

func (m *MemoryBackend) SaveManagerPool(_ context.Context, p *ManagerPool) error {
	m.pool = p.Clone()
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
