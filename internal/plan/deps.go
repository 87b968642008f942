package plan

import (
	"regexp"
	"strconv"
	"strings"
)

var stepRefRe = regexp.MustCompile(`(?i)^step\s+(\d+)$`)

// NormalizeDependencies resolves every task's raw dependency references into
// canonical task ids. Resolution order per reference, first match wins:
//
//  1. "Step N" resolves to the task at zero-based index N-1, unless that is
//     the task's own index.
//  2. A bare integer N resolves the same way.
//  3. An exact match of another task's title.
//  4. An exact match of another task's id.
//
// References that resolve to nothing are left untouched; an unresolved
// reference is tolerated and surfaces later as a skipped task, never as an
// error here. The function is pure and idempotent: ids resolve to themselves
// through rule 4, so re-normalizing an already-normalized list is a no-op.
func NormalizeDependencies(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].Clone()
		for j, ref := range out[i].Dependencies {
			out[i].Dependencies[j] = resolveReference(ref, i, tasks)
		}
	}
	return out
}

func resolveReference(ref string, selfIndex int, tasks []Task) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return ref
	}

	if m := stepRefRe.FindStringSubmatch(trimmed); m != nil {
		if id, ok := ordinalID(m[1], selfIndex, tasks); ok {
			return id
		}
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		if id, ok := ordinalID(strconv.Itoa(n), selfIndex, tasks); ok {
			return id
		}
	}
	for i := range tasks {
		if i != selfIndex && tasks[i].Title == trimmed {
			return tasks[i].ID
		}
	}
	for i := range tasks {
		if i != selfIndex && tasks[i].ID == trimmed {
			return tasks[i].ID
		}
	}
	return ref
}

func ordinalID(digits string, selfIndex int, tasks []Task) (string, bool) {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > len(tasks) {
		return "", false
	}
	idx := n - 1
	if idx == selfIndex {
		return "", false
	}
	return tasks[idx].ID, true
}

// RebuildLinearChain forces the task set back into a strict linear chain:
// the task at position i depends solely on the task at position i-1, and the
// first task has no dependencies. Called after every structural edit so the
// plan stays always-executable.
func RebuildLinearChain(tasks []Task) {
	for i := range tasks {
		if i == 0 {
			tasks[i].Dependencies = nil
			continue
		}
		tasks[i].Dependencies = []string{tasks[i-1].ID}
	}
}
