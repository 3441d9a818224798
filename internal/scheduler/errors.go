package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var errEmptyTaskID = errors.New("task ID must not be empty")

// DuplicateTaskError reports a task ID added to a TaskSet twice.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task with ID %q already exists", e.ID)
}

// MissingDependencyError reports a declared dependency that does not
// exist in the task set. Suggestions carries similarly-named task IDs
// ranked by edit distance, to surface likely typos.
type MissingDependencyError struct {
	TaskID      string
	Dependency  string
	Suggestions []string
}

func (e *MissingDependencyError) Error() string {
	msg := fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.Dependency)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

// CircularDependencyError reports a dependency cycle. Cycle holds the
// full path, starting and ending at the same task ID.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// suggestSimilar returns up to three candidates within a small edit
// distance of name, closest first.
func suggestSimilar(name string, candidates []string) []string {
	type scored struct {
		id   string
		dist int
	}
	const maxDistance = 3
	var matches []scored
	for _, c := range candidates {
		if c == name {
			continue
		}
		if d := editDistance(name, c); d <= maxDistance {
			matches = append(matches, scored{c, d})
		}
	}
	// Insertion sort; candidate lists are tiny.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].dist < matches[j-1].dist; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	out := make([]string, 0, 3)
	for _, m := range matches {
		out = append(out, m.id)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// editDistance is the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
