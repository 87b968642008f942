package plan

// AggregateStatus derives the overall plan status from task statuses alone.
// It is evaluated on demand and never stored: in_progress wins if any task is
// running, then completed if every task finished, then failed if any task
// failed, otherwise pending. An empty plan reads as pending.
func AggregateStatus(tasks []Task) PlanStatus {
	if len(tasks) == 0 {
		return PlanStatusPending
	}
	allCompleted := true
	anyFailed := false
	for i := range tasks {
		switch tasks[i].Status {
		case TaskStatusInProgress:
			return PlanStatusInProgress
		case TaskStatusCompleted:
		case TaskStatusFailed:
			anyFailed = true
			allCompleted = false
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return PlanStatusCompleted
	}
	if anyFailed {
		return PlanStatusFailed
	}
	return PlanStatusPending
}
