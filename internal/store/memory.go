package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gridflow/gridflow/pkg/schema"
)

// MemoryStore is an in-process Store for tests and embedded single-node
// use. All methods copy records on the way in and out so callers can never
// alias internal state.
type MemoryStore struct {
	mu sync.RWMutex

	graphs   map[string][]*schema.GraphDefinition // key: tenant/graph, versions ascending
	execs    map[string]*Execution                // key: tenant/exec
	steps    map[string][]*ExecutionStep          // key: tenant/exec, append order
	actions  map[string]*PendingAction            // key: tenant/action
	scheds   map[string]*Schedule                 // key: tenant/schedule
	events   map[string][]*Event                  // key: tenant/exec
	eventSeq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs:  make(map[string][]*schema.GraphDefinition),
		execs:   make(map[string]*Execution),
		steps:   make(map[string][]*ExecutionStep),
		actions: make(map[string]*PendingAction),
		scheds:  make(map[string]*Schedule),
		events:  make(map[string][]*Event),
	}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func cloneJSON[T any](in *T) *T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(err) // records are always JSON-serializable by construction
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

// cloneSchedule copies a schedule field by field. Input is caller-supplied
// bytes with no validity guarantee, so the marshal-based clone does not
// apply here.
func cloneSchedule(s *Schedule) *Schedule {
	out := *s
	if s.Input != nil {
		out.Input = append(json.RawMessage(nil), s.Input...)
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		out.NextRunAt = &t
	}
	return &out
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

// --- Graphs ---

func (m *MemoryStore) CreateGraph(ctx context.Context, def *schema.GraphDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(def.TenantID, def.ID)
	if len(m.graphs[k]) > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "graph already exists: %s", def.ID)
	}
	m.graphs[k] = append(m.graphs[k], cloneJSON(def))
	return nil
}

func (m *MemoryStore) SaveGraphVersion(ctx context.Context, def *schema.GraphDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(def.TenantID, def.ID)
	if len(m.graphs[k]) == 0 {
		return notFound("graph", def.ID)
	}
	for _, v := range m.graphs[k] {
		if v.Version == def.Version {
			return schema.NewErrorf(schema.ErrCodeConflict, "graph %s version %d already exists", def.ID, def.Version)
		}
	}
	m.graphs[k] = append(m.graphs[k], cloneJSON(def))
	return nil
}

func (m *MemoryStore) GetGraph(ctx context.Context, tenantID, graphID string) (*schema.GraphDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.graphs[key(tenantID, graphID)]
	if len(versions) == 0 {
		return nil, notFound("graph", graphID)
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.Version > latest.Version {
			latest = v
		}
	}
	return cloneJSON(latest), nil
}

func (m *MemoryStore) GetGraphVersion(ctx context.Context, tenantID, graphID string, version int) (*schema.GraphDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.graphs[key(tenantID, graphID)] {
		if v.Version == version {
			return cloneJSON(v), nil
		}
	}
	return nil, notFound("graph version", graphID)
}

func (m *MemoryStore) UpdateDraft(ctx context.Context, def *schema.GraphDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(def.TenantID, def.ID)
	versions := m.graphs[k]
	for i, v := range versions {
		if v.Version == def.Version {
			if v.Status != schema.GraphStatusDraft {
				return schema.NewErrorf(schema.ErrCodeConflict, "graph %s version %d is %s, not draft", def.ID, def.Version, v.Status)
			}
			versions[i] = cloneJSON(def)
			return nil
		}
	}
	return notFound("graph", def.ID)
}

func (m *MemoryStore) ListGraphs(ctx context.Context, tenantID string, filter GraphFilter) ([]*schema.GraphDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.GraphDefinition
	for _, versions := range m.graphs {
		if len(versions) == 0 || versions[0].TenantID != tenantID {
			continue
		}
		latest := versions[0]
		for _, v := range versions[1:] {
			if v.Version > latest.Version {
				latest = v
			}
		}
		if filter.Status != nil && latest.Status != *filter.Status {
			continue
		}
		if filter.Name != "" && latest.Name != filter.Name {
			continue
		}
		out = append(out, cloneJSON(latest))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ArchiveGraph(ctx context.Context, tenantID, graphID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.graphs[key(tenantID, graphID)]
	if len(versions) == 0 {
		return notFound("graph", graphID)
	}
	for _, v := range versions {
		v.Status = schema.GraphStatusArchived
	}
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(exec.TenantID, exec.ID)
	if _, exists := m.execs[k]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution already exists: %s", exec.ID)
	}
	m.execs[k] = cloneJSON(exec)
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, tenantID, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[key(tenantID, id)]
	if !ok {
		return nil, notFound("execution", id)
	}
	return cloneJSON(exec), nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, tenantID, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[key(tenantID, id)]
	if !ok {
		return notFound("execution", id)
	}
	applyExecutionUpdate(exec, update)
	return nil
}

func applyExecutionUpdate(exec *Execution, update ExecutionUpdate) {
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Context != nil {
		exec.Context = append(json.RawMessage(nil), update.Context...)
	}
	if update.Output != nil {
		exec.Output = append(json.RawMessage(nil), update.Output...)
	}
	if update.Error != nil {
		exec.Error = append(json.RawMessage(nil), update.Error...)
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		exec.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		exec.CompletedAt = &t
	}
	if update.Counters != nil {
		exec.TotalSteps = update.Counters.Total
		exec.SucceededSteps = update.Counters.Succeeded
		exec.FailedSteps = update.Counters.Failed
		exec.SkippedSteps = update.Counters.Skipped
	}
}

func (m *MemoryStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.execs {
		if exec.TenantID != tenantID {
			continue
		}
		if filter.GraphID != "" && exec.GraphID != filter.GraphID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneJSON(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Steps ---

func (m *MemoryStore) AppendStep(ctx context.Context, step *ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(step.TenantID, step.ExecutionID)
	m.steps[k] = append(m.steps[k], cloneJSON(step))
	return nil
}

func (m *MemoryStore) UpdateStep(ctx context.Context, tenantID, stepID string, update StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, steps := range m.steps {
		for _, s := range steps {
			if s.TenantID != tenantID || s.ID != stepID {
				continue
			}
			if update.Status != nil {
				s.Status = *update.Status
			}
			if update.Attempts != nil {
				s.Attempts = *update.Attempts
			}
			if update.Output != nil {
				s.Output = append(json.RawMessage(nil), update.Output...)
			}
			if update.Error != nil {
				s.Error = append(json.RawMessage(nil), update.Error...)
			}
			if update.Logs != nil {
				s.Logs = append([]string(nil), update.Logs...)
			}
			if update.CompletedAt != nil {
				t := *update.CompletedAt
				s.CompletedAt = &t
			}
			if update.DurationMs != nil {
				s.DurationMs = *update.DurationMs
			}
			return nil
		}
	}
	return notFound("execution step", stepID)
}

func (m *MemoryStore) ListSteps(ctx context.Context, tenantID, executionID string) ([]*ExecutionStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[key(tenantID, executionID)]
	out := make([]*ExecutionStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, cloneJSON(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// --- Pending actions ---

func (m *MemoryStore) CreatePendingAction(ctx context.Context, pa *PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(pa.TenantID, pa.ID)
	if _, exists := m.actions[k]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "pending action already exists: %s", pa.ID)
	}
	m.actions[k] = cloneJSON(pa)
	return nil
}

func (m *MemoryStore) GetPendingAction(ctx context.Context, tenantID, id string) (*PendingAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pa, ok := m.actions[key(tenantID, id)]
	if !ok {
		return nil, notFound("pending action", id)
	}
	return cloneJSON(pa), nil
}

func (m *MemoryStore) ResolvePendingAction(ctx context.Context, tenantID, id string, status ApprovalStatus, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.actions[key(tenantID, id)]
	if !ok {
		return notFound("pending action", id)
	}
	if pa.Status != ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "pending action %s already resolved: %s", id, pa.Status)
	}
	now := time.Now().UTC()
	pa.Status = status
	pa.Reviewer = reviewer
	pa.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) ListPendingActions(ctx context.Context, tenantID string, filter PendingActionFilter) ([]*PendingAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PendingAction
	for _, pa := range m.actions {
		if pa.TenantID != tenantID {
			continue
		}
		if filter.ExecutionID != "" && pa.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != nil && pa.Status != *filter.Status {
			continue
		}
		out = append(out, cloneJSON(pa))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpireDuePendingActions(ctx context.Context, now time.Time) ([]*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*PendingAction
	for _, pa := range m.actions {
		if pa.Status == ApprovalPending && !pa.ExpiresAt.IsZero() && !pa.ExpiresAt.After(now) {
			t := now
			pa.Status = ApprovalExpired
			pa.ResolvedAt = &t
			expired = append(expired, cloneJSON(pa))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(s.TenantID, s.ID)
	if _, exists := m.scheds[k]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule already exists: %s", s.ID)
	}
	m.scheds[k] = cloneSchedule(s)
	return nil
}

func (m *MemoryStore) UpdateScheduleRun(ctx context.Context, tenantID, id string, lastRun time.Time, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheds[key(tenantID, id)]
	if !ok {
		return notFound("schedule", id)
	}
	t := lastRun
	s.LastRunAt = &t
	s.NextRunAt = nextRun
	return nil
}

func (m *MemoryStore) SetScheduleEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheds[key(tenantID, id)]
	if !ok {
		return notFound("schedule", id)
	}
	s.Enabled = enabled
	return nil
}

func (m *MemoryStore) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, s := range m.scheds {
		if s.TenantID == tenantID {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, s := range m.scheds {
		if !s.Enabled {
			continue
		}
		if s.NextRunAt == nil || !s.NextRunAt.After(now) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Telemetry ---

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(event.TenantID, event.ExecutionID)
	m.eventSeq++
	event.ID = m.eventSeq
	event.Sequence = int64(len(m.events[k]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.events[k] = append(m.events[k], cloneJSON(event))
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, tenantID, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[key(tenantID, executionID)] {
		if e.Sequence > since {
			out = append(out, cloneJSON(e))
		}
	}
	return out, nil
}

// --- Lifecycle ---

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
