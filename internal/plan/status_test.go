package plan

import "testing"

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []TaskStatus
		want     PlanStatus
	}{
		{name: "empty plan", statuses: nil, want: PlanStatusPending},
		{name: "all pending", statuses: []TaskStatus{TaskStatusPending, TaskStatusPending}, want: PlanStatusPending},
		{name: "any in_progress wins", statuses: []TaskStatus{TaskStatusCompleted, TaskStatusInProgress, TaskStatusFailed}, want: PlanStatusInProgress},
		{name: "all completed", statuses: []TaskStatus{TaskStatusCompleted, TaskStatusCompleted}, want: PlanStatusCompleted},
		{name: "any failed without running", statuses: []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusPending}, want: PlanStatusFailed},
		{name: "failed then pending rest", statuses: []TaskStatus{TaskStatusFailed, TaskStatusPending}, want: PlanStatusFailed},
		{name: "partial completion", statuses: []TaskStatus{TaskStatusCompleted, TaskStatusPending}, want: PlanStatusPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks := make([]Task, 0, len(tc.statuses))
			for i, st := range tc.statuses {
				tasks = append(tasks, Task{ID: string(rune('a' + i)), Status: st})
			}
			if got := AggregateStatus(tasks); got != tc.want {
				t.Fatalf("AggregateStatus() = %q, want %q", got, tc.want)
			}
		})
	}
}
