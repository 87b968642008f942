package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avottero/taskchain/internal/agent"
	"github.com/avottero/taskchain/internal/executor"
	"github.com/avottero/taskchain/internal/observability"
	"github.com/avottero/taskchain/internal/plan"
)

type Config struct {
	RunTimeout  time.Duration
	DatabaseURL string
}

// Service wires the plan manager, chain executor, agent invoker, store, and
// metrics together. It enforces the single-active-run-per-plan rule: starting
// a run while one is active cancels the active run first.
type Service struct {
	runTimeout time.Duration
	storeMode  string
	manager    *plan.Manager
	invoker    agent.Invoker
	store      plan.Store
	metrics    *observability.Metrics
	window     *observability.LatencyWindow

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the service. A set DatabaseURL must yield a working postgres
// store; init failure is returned, never silently downgraded to the
// in-memory store.
func New(cfg Config, invoker agent.Invoker, metrics *observability.Metrics) (*Service, error) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}

	manager := plan.NewManager()
	storeMode := "in-memory"
	store, err := plan.NewStore(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("plan store init: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}
	manager.SetStore(store)

	return &Service{
		runTimeout: cfg.RunTimeout,
		storeMode:  storeMode,
		manager:    manager,
		invoker:    invoker,
		store:      store,
		metrics:    metrics,
		window:     observability.NewLatencyWindow(0),
		runs:       make(map[string]*runHandle),
	}, nil
}

func (s *Service) StoreMode() string {
	if s == nil {
		return "disabled"
	}
	return s.storeMode
}

func (s *Service) Manager() *plan.Manager {
	return s.manager
}

// StatsSnapshot reports recent run and invocation latency percentiles plus
// outcome counters for this process.
func (s *Service) StatsSnapshot() observability.StatsSnapshot {
	return s.window.Snapshot()
}

func (s *Service) CreatePlan(planID string, specs []plan.TaskSpec) (plan.Plan, error) {
	return s.manager.CreatePlan(planID, specs)
}

func (s *Service) AddTask(planID string, spec plan.TaskSpec) (plan.Plan, error) {
	return s.manager.AddTask(planID, spec)
}

func (s *Service) EditTask(planID, taskID string, patch plan.TaskPatch) (plan.Plan, error) {
	return s.manager.EditTask(planID, taskID, patch)
}

func (s *Service) DeleteTask(planID, taskID string) (plan.Plan, error) {
	return s.manager.DeleteTask(planID, taskID)
}

func (s *Service) Reorder(planID string, from, to int) (plan.Plan, error) {
	return s.manager.Reorder(planID, from, to)
}

func (s *Service) GetPlan(planID string) (plan.Plan, error) {
	return s.manager.Get(planID)
}

func (s *Service) ListPlans(limit int) []plan.Plan {
	return s.manager.List(limit)
}

func (s *Service) ListEvents(planID string, limit int) ([]plan.Event, error) {
	return s.manager.ListEvents(planID, limit)
}

func (s *Service) Subscribe(planID string) (<-chan plan.Event, func()) {
	return s.manager.Subscribe(planID)
}

func (s *Service) RunActive(planID string) bool {
	return s.manager.RunActive(planID)
}

// ExecutePlan starts one execution run for the plan, seeding the chain with
// initialInput. An active run for the same plan is cancelled and drained
// before the new run begins. The run itself proceeds in the background; task
// transitions surface through the store and the plan's event channel.
func (s *Service) ExecutePlan(planID, initialInput string) error {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return errors.New("plan_id is required")
	}

	if prev := s.takeRun(planID); prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-time.After(30 * time.Second):
			return errors.New("previous run did not stop in time")
		}
	}

	snapshot, err := s.manager.Get(planID)
	if err != nil {
		return err
	}
	if err := s.manager.BeginRun(planID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.putRun(planID, handle)
	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
	}

	go s.run(ctx, handle, snapshot, initialInput)
	return nil
}

// CancelRun requests cooperative cancellation of the plan's active run. The
// in-flight agent invocation, if any, is aborted through the run context.
func (s *Service) CancelRun(planID string) error {
	planID = strings.TrimSpace(planID)
	s.mu.Lock()
	handle := s.runs[planID]
	s.mu.Unlock()
	if handle == nil {
		return errors.New("no active run for plan")
	}
	handle.cancel()
	return nil
}

func (s *Service) run(ctx context.Context, handle *runHandle, snapshot plan.Plan, initialInput string) {
	defer close(handle.done)
	defer handle.cancel()
	defer func() {
		s.manager.EndRun(snapshot.ID)
		s.dropRun(snapshot.ID, handle)
		if s.metrics != nil {
			s.metrics.ActiveRuns.Dec()
		}
	}()

	exec := executor.New(s.invoker)
	exec.OnTaskUpdate = func(task plan.Task) {
		_, _ = s.manager.ApplyTask(snapshot.ID, task)
		switch task.Status {
		case plan.TaskStatusInProgress:
			s.observeTask("started")
			s.manager.Publish(plan.Event{
				Type:   plan.EventTaskStarted,
				PlanID: snapshot.ID,
				TaskID: task.ID,
				Title:  task.Title,
				Status: task.Status,
				At:     time.Now().UTC(),
			})
		case plan.TaskStatusFailed:
			s.observeTask("failed")
			s.manager.Publish(plan.Event{
				Type:   plan.EventTaskFailed,
				PlanID: snapshot.ID,
				TaskID: task.ID,
				Title:  task.Title,
				Status: task.Status,
				Detail: task.ChainMeta.Error,
				At:     time.Now().UTC(),
			})
		}
	}
	exec.OnTaskCompleted = func(task plan.Task, output string) {
		s.observeTask("completed")
		if task.ChainMeta.ExecutedAt != nil {
			elapsed := time.Since(*task.ChainMeta.ExecutedAt)
			s.window.Observe("task_invoke", elapsed)
			if s.metrics != nil {
				s.metrics.ObserveTaskLatency(elapsed)
			}
		}
		s.manager.Publish(plan.Event{
			Type:   plan.EventTaskCompleted,
			PlanID: snapshot.ID,
			TaskID: task.ID,
			Title:  task.Title,
			Status: task.Status,
			Output: output,
			At:     time.Now().UTC(),
		})
	}

	started := time.Now()
	run := exec.Execute(ctx, snapshot.ID, snapshot.Tasks, initialInput)

	s.window.Observe("run_total", time.Since(started))
	s.window.ObserveIndicator("run_" + string(run.Outcome))
	if s.metrics != nil {
		s.metrics.ObserveRunOutcome(string(run.Outcome))
	}
	evtType := plan.EventRunFinished
	switch run.Outcome {
	case executor.OutcomeCancelled:
		evtType = plan.EventRunCancelled
	case executor.OutcomeHalted:
		evtType = plan.EventRunHalted
	}
	s.manager.Publish(plan.Event{
		Type:   evtType,
		PlanID: snapshot.ID,
		Detail: string(run.Outcome),
		At:     time.Now().UTC(),
	})
}

func (s *Service) observeTask(event string) {
	s.window.ObserveIndicator("task_" + event)
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent(event)
	}
}

func (s *Service) takeRun(planID string) *runHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.runs[planID]
	delete(s.runs, planID)
	return h
}

func (s *Service) putRun(planID string, h *runHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[planID] = h
}

func (s *Service) dropRun(planID string, h *runHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[planID] == h {
		delete(s.runs, planID)
	}
}

func (s *Service) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Close()
}
