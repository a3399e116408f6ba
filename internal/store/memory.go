package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/loom/pkg/schema"
)

// MemoryStore is an in-process Store. It applies the same append rules as
// LibSQLStore and is used by tests and single-process deployments that do not
// need durability across restarts.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[schema.ExecutionRef]*schema.Execution
	history    map[schema.ExecutionRef][]schema.Event
	current    map[string]string
	heartbeats map[string]*Heartbeat
	jobs       map[string]*ScheduledJob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[schema.ExecutionRef]*schema.Execution),
		history:    make(map[schema.ExecutionRef][]schema.Event),
		current:    make(map[string]string),
		heartbeats: make(map[string]*Heartbeat),
		jobs:       make(map[string]*ScheduledJob),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *schema.Execution, started schema.Event, policy schema.IDReusePolicy) (*schema.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if runID, ok := m.current[exec.WorkflowID]; ok {
		current := m.executions[schema.ExecutionRef{WorkflowID: exec.WorkflowID, RunID: runID}]
		if !policy.AllowsNewRun(current.Status) {
			return copyExecution(current), false, nil
		}
	}

	snap, started, err := newRunSnapshot(exec, started)
	if err != nil {
		return nil, false, err
	}
	ref := snap.Ref()
	if _, exists := m.executions[ref]; exists {
		return nil, false, schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", ref)
	}
	m.executions[ref] = snap
	m.history[ref] = []schema.Event{started}
	m.current[exec.WorkflowID] = exec.RunID
	return copyExecution(snap), true, nil
}

func (m *MemoryStore) GetExecution(_ context.Context, ref schema.ExecutionRef) (*schema.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[ref]
	if !ok {
		return nil, storeNotFound("run", ref.Key())
	}
	return copyExecution(exec), nil
}

func (m *MemoryStore) GetCurrentExecution(_ context.Context, workflowID string) (*schema.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runID, ok := m.current[workflowID]
	if !ok {
		return nil, storeNotFound("workflow", workflowID)
	}
	return copyExecution(m.executions[schema.ExecutionRef{WorkflowID: workflowID, RunID: runID}]), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Execution
	for _, exec := range m.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.WorkflowType != "" && exec.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Open && exec.Status.IsTerminal() {
			continue
		}
		if filter.ChainHeads && exec.ContinuedTo != "" {
			continue
		}
		if filter.After != nil && !filter.After.follows(exec) {
			continue
		}
		out = append(out, copyExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- History ---

func (m *MemoryStore) AppendHistory(_ context.Context, ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, opts AppendOptions) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ref, expectedVersion, events, opts)
}

func (m *MemoryStore) appendLocked(ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, opts AppendOptions) (AppendResult, error) {
	exec, ok := m.executions[ref]
	if !ok {
		return AppendResult{}, storeNotFound("run", ref.Key())
	}
	next := copyExecution(exec)
	seqd, res, err := prepareAppend(next, expectedVersion, events, opts)
	if err != nil {
		return AppendResult{}, err
	}
	m.executions[ref] = next
	m.history[ref] = append(m.history[ref], seqd...)
	return res, nil
}

func (m *MemoryStore) ReadHistory(_ context.Context, ref schema.ExecutionRef, fromSequence int64) ([]schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[ref]
	if !ok {
		return nil, storeNotFound("run", ref.Key())
	}
	if fromSequence < 0 {
		fromSequence = 0
	}
	if fromSequence >= int64(len(h)) {
		return nil, nil
	}
	out := make([]schema.Event, len(h)-int(fromSequence))
	copy(out, h[fromSequence:])
	return out, nil
}

func (m *MemoryStore) CompleteWorkflowTask(_ context.Context, ref schema.ExecutionRef, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[ref]
	if !ok {
		return storeNotFound("run", ref.Key())
	}
	if exec.Version != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeVersionConflict,
			"run %s: expected version %d, current %d", ref, expectedVersion, exec.Version)
	}
	next := copyExecution(exec)
	next.WorkflowTaskOpen = false
	m.executions[ref] = next
	return nil
}

func (m *MemoryStore) ContinueAsNew(_ context.Context, ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, next *schema.Execution, nextStarted schema.Event) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, started, err := newRunSnapshot(next, nextStarted)
	if err != nil {
		return AppendResult{}, err
	}
	if _, exists := m.executions[snap.Ref()]; exists {
		return AppendResult{}, schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", snap.Ref())
	}
	res, err := m.appendLocked(ref, expectedVersion, events, AppendOptions{CompleteWorkflowTask: true})
	if err != nil {
		return AppendResult{}, err
	}
	m.executions[snap.Ref()] = snap
	m.history[snap.Ref()] = []schema.Event{started}
	m.current[snap.WorkflowID] = snap.RunID
	return res, nil
}

// --- Heartbeats ---

func heartbeatKey(ref schema.ExecutionRef, activityID string) string {
	return ref.Key() + "/" + activityID
}

func (m *MemoryStore) RecordHeartbeat(_ context.Context, hb *Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *hb
	cp.RecordedAt = timeOrNow(cp.RecordedAt)
	m.heartbeats[heartbeatKey(schema.ExecutionRef{WorkflowID: hb.WorkflowID, RunID: hb.RunID}, hb.ActivityID)] = &cp
	return nil
}

func (m *MemoryStore) GetHeartbeat(_ context.Context, ref schema.ExecutionRef, activityID string) (*Heartbeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hb, ok := m.heartbeats[heartbeatKey(ref, activityID)]
	if !ok {
		return nil, storeNotFound("heartbeat", heartbeatKey(ref, activityID))
	}
	cp := *hb
	return &cp, nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	cp := *job
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		job.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		job.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledJob
	for _, job := range m.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowType != "" && job.WorkflowType != filter.WorkflowType {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

func copyExecution(e *schema.Execution) *schema.Execution {
	cp := *e
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
