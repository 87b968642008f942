package plan

// ExecutionOrder derives the run sequence from normalized dependencies using
// Kahn's algorithm. Among tasks whose dependencies are all satisfied, display
// order breaks the tie, so the result is deterministic and a strict linear
// chain comes out in display order. Dependencies that do not name a task in
// the set are ignored for ordering purposes; tasks trapped in a dependency
// cycle are appended after the sorted prefix in display order and left for
// the executor's unmet-dependency check to skip.
func ExecutionOrder(tasks []Task) []Task {
	n := len(tasks)
	if n <= 1 {
		out := make([]Task, n)
		copy(out, tasks)
		return out
	}

	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i := range tasks {
		for _, dep := range tasks[i].Dependencies {
			j := indexByID(tasks, dep)
			if j < 0 || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	order := make([]Task, 0, n)
	placed := make([]bool, n)
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	for len(ready) > 0 {
		// Lowest display index first keeps the order stable.
		next := ready[0]
		for _, idx := range ready[1:] {
			if idx < next {
				next = idx
			}
		}
		for k, idx := range ready {
			if idx == next {
				ready = append(ready[:k], ready[k+1:]...)
				break
			}
		}

		placed[next] = true
		order = append(order, tasks[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	for i := 0; i < n; i++ {
		if !placed[i] {
			order = append(order, tasks[i])
		}
	}
	return order
}
