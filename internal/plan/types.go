package plan

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusInProgress PlanStatus = "in_progress"
	PlanStatusCompleted  PlanStatus = "completed"
	PlanStatusFailed     PlanStatus = "failed"
)

// AgentAuto is the orchestrator sentinel used when a task has no explicit agent.
const AgentAuto = "auto"

// ChainMetadata records execution provenance for one task: the concrete input
// that was handed to the agent, when the invocation happened, and the error
// text when it failed.
type ChainMetadata struct {
	Input      string     `json:"input,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Task is one step of an execution plan, bound to an agent.
//
// Dependencies holds raw references as entered: an ordinal ("Step 2" or "2"),
// another task's title, or another task's id. They are normalized to ids
// before any graph operation runs.
type Task struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Status         TaskStatus    `json:"status"`
	AgentID        string        `json:"agent_id"`
	Dependencies   []string      `json:"dependencies"`
	Input          string        `json:"input,omitempty"`
	Output         string        `json:"output,omitempty"`
	ChainMeta      ChainMetadata `json:"chain_metadata"`
	DurationMS     int64         `json:"duration_ms,omitempty"`
	Cost           float64       `json:"cost,omitempty"`
	TokenUsage     int64         `json:"token_usage,omitempty"`
	ResponseFormat string        `json:"response_format,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Plan is the ordered set of tasks belonging to one conversation turn.
// Slice order is display (insertion) order and is never resorted; the
// execution order is derived separately from dependencies.
type Plan struct {
	ID        string    `json:"id"`
	Tasks     []Task    `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskPatch carries the fields EditTask may change. Nil means "leave as is".
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	Input       *string `json:"input,omitempty"`
}

type EventType string

const (
	EventPlanUpdated   EventType = "plan_updated"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventRunFinished   EventType = "run_finished"
	EventRunCancelled  EventType = "run_cancelled"
	EventRunHalted     EventType = "run_halted"
)

type Event struct {
	Type   EventType  `json:"type"`
	PlanID string     `json:"plan_id"`
	TaskID string     `json:"task_id,omitempty"`
	Title  string     `json:"title,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Output string     `json:"output,omitempty"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

func (t Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

func (t Task) Clone() Task {
	out := t
	if t.Dependencies != nil {
		out.Dependencies = make([]string, len(t.Dependencies))
		copy(out.Dependencies, t.Dependencies)
	}
	return out
}

func (p Plan) Clone() Plan {
	out := p
	if p.Tasks != nil {
		out.Tasks = make([]Task, len(p.Tasks))
		for i := range p.Tasks {
			out.Tasks[i] = p.Tasks[i].Clone()
		}
	}
	return out
}

// indexByID returns the display index of the task with the given id, or -1.
func indexByID(tasks []Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}
