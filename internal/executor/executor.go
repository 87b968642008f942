package executor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/avottero/taskchain/internal/agent"
	"github.com/avottero/taskchain/internal/plan"
)

// Outcome is the terminal state of one execution run.
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeHalted    Outcome = "halted"
)

// Run is the explicit state of one execution pass: the task snapshot, the
// input flowing through the chain, and the set of completed task ids. It is
// owned by a single Execute call; nothing else mutates it.
type Run struct {
	PlanID       string          `json:"plan_id"`
	Tasks        []plan.Task     `json:"tasks"`
	CurrentInput string          `json:"current_input"`
	Completed    map[string]bool `json:"completed"`
	Outcome      Outcome         `json:"outcome"`
}

// Executor runs a plan's tasks one at a time in dependency order, forwarding
// each task's output as the next task's input.
//
// OnTaskUpdate fires on every status transition so the caller can persist and
// publish it. OnTaskCompleted is the outward completion notification; it is
// fired once per successfully completed task and never awaited for scheduling.
type Executor struct {
	Invoker         agent.Invoker
	OnTaskUpdate    func(task plan.Task)
	OnTaskCompleted func(task plan.Task, output string)
	Logf            func(format string, args ...any)
}

func New(invoker agent.Invoker) *Executor {
	return &Executor{
		Invoker: invoker,
		Logf:    log.Printf,
	}
}

// Execute performs one synchronous run over a snapshot of the plan's tasks.
//
// Guarantees: at most one task is in_progress at any instant; task i+1 never
// starts before task i reached a terminal state or the run stopped; already
// completed tasks re-use their stored output without re-invocation;
// cancellation is checked at every task boundary and propagated into the
// invocation transport. A failed invocation halts the run; tasks after the
// failing one are left untouched. An unmet dependency only skips the task,
// which can starve it forever if the dependency never completes; that task
// stays pending and a later run may pick it up.
func (e *Executor) Execute(ctx context.Context, planID string, tasks []plan.Task, initialInput string) *Run {
	run := &Run{
		PlanID:       planID,
		Tasks:        plan.NormalizeDependencies(tasks),
		CurrentInput: initialInput,
		Completed:    make(map[string]bool),
	}

	for _, ordered := range plan.ExecutionOrder(run.Tasks) {
		if ctx.Err() != nil {
			run.Outcome = OutcomeCancelled
			return run
		}

		idx := taskIndex(run.Tasks, ordered.ID)
		if idx < 0 {
			continue
		}
		task := &run.Tasks[idx]

		if unmet := unmetDependencies(*task, run.Completed, run.Tasks); len(unmet) > 0 {
			e.logf("executor: skipping task %q (%s): unmet dependencies %v", task.Title, task.ID, unmet)
			continue
		}

		if task.Status == plan.TaskStatusCompleted {
			run.Completed[task.ID] = true
			run.CurrentInput = task.Output
			continue
		}

		now := time.Now().UTC()
		task.Status = plan.TaskStatusInProgress
		task.ChainMeta = plan.ChainMetadata{
			Input:      run.CurrentInput,
			ExecutedAt: &now,
		}
		e.notifyUpdate(*task)

		res, err := e.Invoker.Invoke(ctx, agent.InvokeRequest{
			TaskID:      task.ID,
			AgentID:     task.AgentID,
			Title:       task.Title,
			Description: task.Description,
			Input:       run.CurrentInput,
		})
		if err != nil && isCancellation(ctx, err) {
			// The in-flight call was aborted. The task never produced a
			// result, so it goes back to pending for the next run.
			task.Status = plan.TaskStatusPending
			e.notifyUpdate(*task)
			run.Outcome = OutcomeCancelled
			return run
		}
		if err != nil || !res.Success {
			errText := res.Error
			if err != nil {
				errText = err.Error()
			}
			if errText == "" {
				errText = "agent invocation failed"
			}
			task.Status = plan.TaskStatusFailed
			task.ChainMeta.Error = errText
			e.notifyUpdate(*task)
			e.logf("executor: task %q (%s) failed, halting run: %s", task.Title, task.ID, errText)
			run.Outcome = OutcomeHalted
			return run
		}

		task.Status = plan.TaskStatusCompleted
		task.Output = res.Output
		task.DurationMS = res.DurationMS
		task.Cost = res.Cost
		task.TokenUsage = res.TokenUsage
		task.ResponseFormat = res.ResponseFormat
		run.Completed[task.ID] = true
		run.CurrentInput = res.Output
		e.notifyUpdate(*task)
		if e.OnTaskCompleted != nil {
			e.OnTaskCompleted(task.Clone(), res.Output)
		}
	}

	run.Outcome = OutcomeFinished
	return run
}

func (e *Executor) notifyUpdate(task plan.Task) {
	if e.OnTaskUpdate != nil {
		e.OnTaskUpdate(task.Clone())
	}
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

// unmetDependencies returns the normalized dependencies that are not yet in
// the completed set. References that never resolved to a task id in the set
// count as unmet; they can only be satisfied by a re-plan.
func unmetDependencies(task plan.Task, completed map[string]bool, tasks []plan.Task) []string {
	var unmet []string
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			continue
		}
		if taskIndex(tasks, dep) < 0 {
			unmet = append(unmet, dep)
			continue
		}
		if !completed[dep] {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func taskIndex(tasks []plan.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}
