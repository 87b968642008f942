package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrTaskNotFound = errors.New("task not found")
	ErrRunActive    = errors.New("a run is active for this plan")
	ErrTaskFrozen   = errors.New("task position is frozen")
	ErrBadIndex     = errors.New("index out of range")
)

const defaultEventHistoryLimit = 512

// TaskSpec carries the caller-supplied fields for a new task.
type TaskSpec struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Input        string   `json:"input,omitempty"`
}

// Manager owns the in-memory plan set and hosts the plan editor. All reads
// hand out Clone snapshots; all mutations go through the mutex. Structural
// edits (add, delete, reorder) end by rebuilding the strict linear dependency
// chain and are rejected while a run is active on the plan.
type Manager struct {
	mu sync.RWMutex

	store Store

	plans           map[string]*Plan
	running         map[string]bool
	eventsByPlan    map[string][]Event
	eventHistoryMax int

	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewManager() *Manager {
	return &Manager{
		plans:           make(map[string]*Plan),
		running:         make(map[string]bool),
		eventsByPlan:    make(map[string][]Event),
		eventHistoryMax: defaultEventHistoryLimit,
		subscribers:     make(map[string]map[int]chan Event),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// Subscribe returns a buffered event channel for one plan plus a cancel func.
// Publishing never blocks; slow subscribers lose events.
func (m *Manager) Subscribe(planID string) (<-chan Event, func()) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[planID]; !ok {
		m.subscribers[planID] = make(map[int]chan Event)
	}
	m.subscribers[planID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[planID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, planID)
		}
	}
}

// CreatePlan registers a plan for the given conversation/turn id. An empty
// planID gets a generated one. When no task supplies dependencies the tasks
// are chained linearly; caller-supplied references are stored as entered and
// resolved when an execution snapshot is taken.
func (m *Manager) CreatePlan(planID string, specs []TaskSpec) (Plan, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		planID = uuid.NewString()
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plans[planID]; exists {
		return Plan{}, fmt.Errorf("plan %q already exists", planID)
	}

	p := &Plan{
		ID:        planID,
		Tasks:     make([]Task, 0, len(specs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	anyDeps := false
	for _, spec := range specs {
		task := newTask(spec, now)
		if len(task.Dependencies) > 0 {
			anyDeps = true
		}
		p.Tasks = append(p.Tasks, task)
	}
	if !anyDeps {
		RebuildLinearChain(p.Tasks)
	}
	m.plans[planID] = p

	m.publishLocked(planID, Event{
		Type:   EventPlanUpdated,
		PlanID: planID,
		Detail: fmt.Sprintf("Plan created with %d task(s).", len(p.Tasks)),
		At:     now,
	})
	m.persistPlan(p.Clone())
	return p.Clone(), nil
}

// AddTask appends a task and rebuilds the linear chain.
func (m *Manager) AddTask(planID string, spec TaskSpec) (Plan, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return Plan{}, errors.New("title is required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.editablePlanLocked(planID)
	if err != nil {
		return Plan{}, err
	}

	p.Tasks = append(p.Tasks, newTask(spec, now))
	RebuildLinearChain(p.Tasks)
	p.UpdatedAt = now

	m.publishLocked(p.ID, Event{
		Type:   EventPlanUpdated,
		PlanID: p.ID,
		TaskID: p.Tasks[len(p.Tasks)-1].ID,
		Title:  p.Tasks[len(p.Tasks)-1].Title,
		Detail: "Task added.",
		At:     now,
	})
	m.persistPlan(p.Clone())
	return p.Clone(), nil
}

// EditTask patches only the provided fields. It performs no dependency
// rebuild, and editing a completed task does not reset its status.
func (m *Manager) EditTask(planID, taskID string, patch TaskPatch) (Plan, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[strings.TrimSpace(planID)]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	idx := indexByID(p.Tasks, strings.TrimSpace(taskID))
	if idx < 0 {
		return Plan{}, ErrTaskNotFound
	}

	t := &p.Tasks[idx]
	if patch.Title != nil {
		t.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.AgentID != nil {
		t.AgentID = normalizeAgentID(*patch.AgentID)
	}
	if patch.Input != nil {
		t.Input = *patch.Input
	}
	t.UpdatedAt = now
	p.UpdatedAt = now

	m.publishLocked(p.ID, Event{
		Type:   EventPlanUpdated,
		PlanID: p.ID,
		TaskID: t.ID,
		Title:  t.Title,
		Detail: "Task edited.",
		At:     now,
	})
	m.persistPlan(p.Clone())
	return p.Clone(), nil
}

// DeleteTask removes a task and rebuilds the linear chain over the remainder.
// A task that is currently in_progress cannot be deleted.
func (m *Manager) DeleteTask(planID, taskID string) (Plan, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.editablePlanLocked(planID)
	if err != nil {
		return Plan{}, err
	}
	idx := indexByID(p.Tasks, strings.TrimSpace(taskID))
	if idx < 0 {
		return Plan{}, ErrTaskNotFound
	}
	if p.Tasks[idx].Status == TaskStatusInProgress {
		return Plan{}, fmt.Errorf("%w: task is in_progress", ErrTaskFrozen)
	}

	removed := p.Tasks[idx]
	p.Tasks = append(p.Tasks[:idx], p.Tasks[idx+1:]...)
	RebuildLinearChain(p.Tasks)
	p.UpdatedAt = now

	m.publishLocked(p.ID, Event{
		Type:   EventPlanUpdated,
		PlanID: p.ID,
		TaskID: removed.ID,
		Title:  removed.Title,
		Detail: "Task deleted.",
		At:     now,
	})
	m.persistPlan(p.Clone())
	return p.Clone(), nil
}

// Reorder moves the task at from to position to and rebuilds the linear
// chain. Tasks that are in_progress or completed are frozen: they may not be
// moved, and a move may not shift their positions either.
func (m *Manager) Reorder(planID string, from, to int) (Plan, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.editablePlanLocked(planID)
	if err != nil {
		return Plan{}, err
	}
	if from < 0 || from >= len(p.Tasks) || to < 0 || to >= len(p.Tasks) {
		return Plan{}, ErrBadIndex
	}
	if from == to {
		return p.Clone(), nil
	}
	if frozen(p.Tasks[from].Status) {
		return Plan{}, fmt.Errorf("%w: task is %s", ErrTaskFrozen, p.Tasks[from].Status)
	}
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}
	for i := lo; i <= hi; i++ {
		if i != from && frozen(p.Tasks[i].Status) {
			return Plan{}, fmt.Errorf("%w: move would displace a %s task", ErrTaskFrozen, p.Tasks[i].Status)
		}
	}

	moved := p.Tasks[from]
	p.Tasks = append(p.Tasks[:from], p.Tasks[from+1:]...)
	p.Tasks = append(p.Tasks[:to], append([]Task{moved}, p.Tasks[to:]...)...)
	RebuildLinearChain(p.Tasks)
	p.UpdatedAt = now

	m.publishLocked(p.ID, Event{
		Type:   EventPlanUpdated,
		PlanID: p.ID,
		TaskID: moved.ID,
		Title:  moved.Title,
		Detail: fmt.Sprintf("Task moved from %d to %d.", from, to),
		At:     now,
	})
	m.persistPlan(p.Clone())
	return p.Clone(), nil
}

// Get returns a snapshot, falling back to the store for plans that are not
// cached (for example after a restart).
func (m *Manager) Get(planID string) (Plan, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return Plan{}, errors.New("plan_id is required")
	}
	m.mu.RLock()
	p, ok := m.plans[planID]
	var snapshot Plan
	if ok && p != nil {
		snapshot = p.Clone()
	}
	store := m.store
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if store == nil {
		return Plan{}, ErrPlanNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Plan{}, ErrPlanNotFound
		}
		return Plan{}, err
	}
	m.mu.Lock()
	if _, exists := m.plans[persisted.ID]; !exists {
		cached := persisted.Clone()
		m.plans[persisted.ID] = &cached
	}
	cached := m.plans[persisted.ID].Clone()
	m.mu.Unlock()
	return cached, nil
}

// List returns plan snapshots newest-first, matching the store ordering.
func (m *Manager) List(limit int) []Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (m *Manager) ListEvents(planID string, limit int) ([]Event, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, errors.New("plan_id is required")
	}
	if _, err := m.Get(planID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.eventsByPlan[planID]
	if len(events) == 0 {
		return []Event{}, nil
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

// BeginRun marks the plan busy so structural edits are rejected while the
// executor owns it. It fails if a run is already active.
func (m *Manager) BeginRun(planID string) error {
	planID = strings.TrimSpace(planID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[planID]; !ok {
		return ErrPlanNotFound
	}
	if m.running[planID] {
		return ErrRunActive
	}
	m.running[planID] = true
	return nil
}

func (m *Manager) EndRun(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, strings.TrimSpace(planID))
}

func (m *Manager) RunActive(planID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running[strings.TrimSpace(planID)]
}

// ApplyTask writes an executor-side task transition back into the plan and
// persists the result. Only the fields the executor owns are merged in:
// status, output, chain metadata, and invocation telemetry. Descriptive
// fields stay as they are in the live plan, so a PATCH made while the run
// holds an older snapshot is not reverted by the writeback. Unknown tasks
// are ignored (the plan may have been reloaded); the executor never adds or
// removes tasks.
func (m *Manager) ApplyTask(planID string, task Task) (Plan, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[strings.TrimSpace(planID)]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	idx := indexByID(p.Tasks, task.ID)
	if idx < 0 {
		return p.Clone(), nil
	}
	live := &p.Tasks[idx]
	live.Status = task.Status
	live.Output = task.Output
	live.ChainMeta = task.ChainMeta
	live.DurationMS = task.DurationMS
	live.Cost = task.Cost
	live.TokenUsage = task.TokenUsage
	live.ResponseFormat = task.ResponseFormat
	live.UpdatedAt = now
	p.UpdatedAt = now
	m.persistPlan(p.Clone())
	return p.Clone(), nil
}

// Publish records an event in the per-plan history and fans it out to
// subscribers without blocking.
func (m *Manager) Publish(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(evt.PlanID, evt)
}

func (m *Manager) editablePlanLocked(planID string) (*Plan, error) {
	planID = strings.TrimSpace(planID)
	p, ok := m.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	if m.running[planID] {
		return nil, ErrRunActive
	}
	return p, nil
}

func (m *Manager) publishLocked(planID string, evt Event) {
	planID = strings.TrimSpace(planID)
	if planID != "" {
		m.eventsByPlan[planID] = append(m.eventsByPlan[planID], evt)
		if limit := m.eventHistoryMax; limit > 0 && len(m.eventsByPlan[planID]) > limit {
			trimFrom := len(m.eventsByPlan[planID]) - limit
			m.eventsByPlan[planID] = append([]Event(nil), m.eventsByPlan[planID][trimFrom:]...)
		}
	}

	subs := m.subscribers[planID]
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Manager) persistPlan(p Plan) {
	store := m.store
	if store == nil {
		return
	}

	go func(snapshot Plan) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.SavePlan(ctx, snapshot)
	}(p)
}

func newTask(spec TaskSpec, now time.Time) Task {
	deps := make([]string, 0, len(spec.Dependencies))
	for _, d := range spec.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		deps = append(deps, d)
	}
	return Task{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(spec.Title),
		Description:  spec.Description,
		Status:       TaskStatusPending,
		AgentID:      normalizeAgentID(spec.AgentID),
		Dependencies: deps,
		Input:        spec.Input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func normalizeAgentID(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return AgentAuto
	}
	return agentID
}

func frozen(status TaskStatus) bool {
	return status == TaskStatusInProgress || status == TaskStatusCompleted
}
