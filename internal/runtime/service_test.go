package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/avottero/taskchain/internal/agent"
	"github.com/avottero/taskchain/internal/plan"
)

func newTestService(t *testing.T, invoker agent.Invoker) *Service {
	t.Helper()
	svc, err := New(Config{RunTimeout: 30 * time.Second}, invoker, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func seedPlan(t *testing.T, svc *Service, titles ...string) plan.Plan {
	t.Helper()
	specs := make([]plan.TaskSpec, 0, len(titles))
	for _, title := range titles {
		specs = append(specs, plan.TaskSpec{Title: title})
	}
	p, err := svc.CreatePlan("", specs)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	return p
}

func waitEvent(t *testing.T, ch <-chan plan.Event, want plan.EventType) plan.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

// waitRunInactive polls until the run bookkeeping for the plan is released.
// The terminal run event is published just before that happens, so tests that
// act on the plan after the event wait here first.
func waitRunInactive(t *testing.T, svc *Service, planID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !svc.RunActive(planID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run for plan %s still active", planID)
}

// blockingInvoker parks every invocation until its context is cancelled,
// announcing the call on started first.
type blockingInvoker struct {
	started chan string
}

// gatedInvoker parks invocations until release is closed, then answers like
// the mock invoker.
type gatedInvoker struct {
	started chan string
	release chan struct{}
}

func (g *gatedInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) (agent.InvokeResult, error) {
	select {
	case g.started <- req.Title:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return agent.InvokeResult{}, ctx.Err()
	}
	return agent.InvokeResult{Success: true, Output: strings.TrimSpace(req.Title + " " + req.Input)}, nil
}

func (b *blockingInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) (agent.InvokeResult, error) {
	select {
	case b.started <- req.Title:
	default:
	}
	<-ctx.Done()
	return agent.InvokeResult{}, ctx.Err()
}

func TestExecutePlanRunsChainToCompletion(t *testing.T) {
	svc := newTestService(t, agent.NewMockInvoker())
	p := seedPlan(t, svc, "A", "B", "C")

	events, unsubscribe := svc.Subscribe(p.ID)
	defer unsubscribe()

	if err := svc.ExecutePlan(p.ID, "x"); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	waitEvent(t, events, plan.EventRunFinished)

	got, err := svc.GetPlan(p.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	for i, task := range got.Tasks {
		if task.Status != plan.TaskStatusCompleted {
			t.Fatalf("task %d status = %q, want completed", i, task.Status)
		}
	}
	if got.Tasks[2].Output != "C B A x" {
		t.Fatalf("final output = %q, want %q", got.Tasks[2].Output, "C B A x")
	}
	if got.Tasks[1].ChainMeta.Input != got.Tasks[0].Output {
		t.Fatalf("task 1 input = %q, want task 0 output %q", got.Tasks[1].ChainMeta.Input, got.Tasks[0].Output)
	}
	waitRunInactive(t, svc, p.ID)
}

func TestExecutePlanUnknownPlan(t *testing.T) {
	svc := newTestService(t, agent.NewMockInvoker())
	if err := svc.ExecutePlan("no-such-plan", ""); !errors.Is(err, plan.ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
}

func TestExecutePlanRequiresPlanID(t *testing.T) {
	svc := newTestService(t, agent.NewMockInvoker())
	if err := svc.ExecutePlan("  ", ""); err == nil {
		t.Fatal("expected error for blank plan id")
	}
}

func TestCancelRunStopsActiveRun(t *testing.T) {
	inv := &blockingInvoker{started: make(chan string, 1)}
	svc := newTestService(t, inv)
	p := seedPlan(t, svc, "A", "B")

	events, unsubscribe := svc.Subscribe(p.ID)
	defer unsubscribe()

	if err := svc.ExecutePlan(p.ID, "x"); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	waitEvent(t, events, plan.EventTaskStarted)

	if err := svc.CancelRun(p.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	waitEvent(t, events, plan.EventRunCancelled)
	waitRunInactive(t, svc, p.ID)

	got, err := svc.GetPlan(p.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	// The aborted task went back to pending; nothing completed.
	for i, task := range got.Tasks {
		if task.Status != plan.TaskStatusPending {
			t.Fatalf("task %d status = %q, want pending", i, task.Status)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for svc.CancelRun(p.ID) == nil {
		if time.Now().After(deadline) {
			t.Fatal("expected error cancelling a plan with no active run")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStructuralEditsRejectedDuringRun(t *testing.T) {
	inv := &blockingInvoker{started: make(chan string, 1)}
	svc := newTestService(t, inv)
	p := seedPlan(t, svc, "A", "B")

	events, unsubscribe := svc.Subscribe(p.ID)
	defer unsubscribe()

	if err := svc.ExecutePlan(p.ID, ""); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	waitEvent(t, events, plan.EventTaskStarted)

	if _, err := svc.AddTask(p.ID, plan.TaskSpec{Title: "C"}); !errors.Is(err, plan.ErrRunActive) {
		t.Fatalf("AddTask during run: err = %v, want ErrRunActive", err)
	}
	if _, err := svc.DeleteTask(p.ID, p.Tasks[1].ID); !errors.Is(err, plan.ErrRunActive) {
		t.Fatalf("DeleteTask during run: err = %v, want ErrRunActive", err)
	}
	if _, err := svc.Reorder(p.ID, 0, 1); !errors.Is(err, plan.ErrRunActive) {
		t.Fatalf("Reorder during run: err = %v, want ErrRunActive", err)
	}

	if err := svc.CancelRun(p.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	waitEvent(t, events, plan.EventRunCancelled)
	waitRunInactive(t, svc, p.ID)

	// Edits succeed again once the run is gone.
	if _, err := svc.AddTask(p.ID, plan.TaskSpec{Title: "C"}); err != nil {
		t.Fatalf("AddTask after cancel: %v", err)
	}
}

func TestExecutePlanReplacesActiveRun(t *testing.T) {
	inv := &blockingInvoker{started: make(chan string, 2)}
	svc := newTestService(t, inv)
	p := seedPlan(t, svc, "A")

	events, unsubscribe := svc.Subscribe(p.ID)
	defer unsubscribe()

	if err := svc.ExecutePlan(p.ID, "first"); err != nil {
		t.Fatalf("first ExecutePlan: %v", err)
	}
	waitEvent(t, events, plan.EventTaskStarted)

	// Starting again cancels and drains the active run before the new one.
	if err := svc.ExecutePlan(p.ID, "second"); err != nil {
		t.Fatalf("second ExecutePlan: %v", err)
	}
	waitEvent(t, events, plan.EventRunCancelled)
	waitEvent(t, events, plan.EventTaskStarted)

	if err := svc.CancelRun(p.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	waitEvent(t, events, plan.EventRunCancelled)
}

func TestFieldEditDuringRunSurvivesWriteback(t *testing.T) {
	inv := &gatedInvoker{started: make(chan string, 2), release: make(chan struct{})}
	svc := newTestService(t, inv)
	p := seedPlan(t, svc, "A", "B")

	events, unsubscribe := svc.Subscribe(p.ID)
	defer unsubscribe()

	if err := svc.ExecutePlan(p.ID, "x"); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	select {
	case <-inv.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first invocation never started")
	}

	// Rename a later task while the run holds an older snapshot; the
	// executor's writeback must not revert it.
	newTitle := "B renamed"
	if _, err := svc.EditTask(p.ID, p.Tasks[1].ID, plan.TaskPatch{Title: &newTitle}); err != nil {
		t.Fatalf("EditTask during run: %v", err)
	}

	close(inv.release)
	waitEvent(t, events, plan.EventRunFinished)

	got, err := svc.GetPlan(p.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got.Tasks[1].Title != "B renamed" {
		t.Fatalf("task B title = %q after run, want %q", got.Tasks[1].Title, "B renamed")
	}
	if got.Tasks[1].Status != plan.TaskStatusCompleted {
		t.Fatalf("task B status = %q, want completed", got.Tasks[1].Status)
	}
}

func TestExecutePlanResumesFromCompletedTasks(t *testing.T) {
	svc := newTestService(t, agent.NewMockInvoker())
	p := seedPlan(t, svc, "A", "B")

	events, unsubscribe := svc.Subscribe(p.ID)
	defer unsubscribe()

	if err := svc.ExecutePlan(p.ID, "x"); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	waitEvent(t, events, plan.EventRunFinished)

	// A second run over an already-completed chain re-uses outputs and
	// invokes nothing, finishing immediately.
	if err := svc.ExecutePlan(p.ID, "ignored"); err != nil {
		t.Fatalf("second ExecutePlan: %v", err)
	}
	waitEvent(t, events, plan.EventRunFinished)

	got, err := svc.GetPlan(p.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got.Tasks[1].Output != "B A x" {
		t.Fatalf("output after resume = %q, want unchanged %q", got.Tasks[1].Output, "B A x")
	}
}

func TestStoreModeReportsBackend(t *testing.T) {
	svc := newTestService(t, agent.NewMockInvoker())
	if got := svc.StoreMode(); got != "in-memory" {
		t.Fatalf("StoreMode = %q, want in-memory", got)
	}
}

func TestNewFailsOnBadDatabaseURL(t *testing.T) {
	// A set database URL must not silently fall back to the in-memory store.
	_, err := New(Config{DatabaseURL: "postgres://%zz-bad-url/db"}, agent.NewMockInvoker(), nil)
	if err == nil {
		t.Fatal("expected error for unparseable database url")
	}
}
