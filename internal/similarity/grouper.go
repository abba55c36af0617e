package similarity

import (
	"github.com/dmhsqBase/monitor/internal/event"
)

// DefaultThreshold is the minimum message similarity for two errors to merge.
const DefaultThreshold = 0.85

// Result is the outcome of one batch grouping pass.
// Params: Events grouped output; Absorbed maps representative id to merged member ids.
// Returns: grouping result.
type Result struct {
	Events   []event.Event
	Absorbed map[string][]string
	Merged   int
}

// Levenshtein computes rune-level edit distance.
// Params: a and b compared strings.
// Returns: minimum insert/delete/substitute operations.
func Levenshtein(a, b string) int {
	left := []rune(a)
	right := []rune(b)
	if len(left) == 0 {
		return len(right)
	}
	if len(right) == 0 {
		return len(left)
	}

	prev := make([]int, len(right)+1)
	curr := make([]int, len(right)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(left); i++ {
		curr[0] = i
		for j := 1; j <= len(right); j++ {
			cost := 1
			if left[i-1] == right[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(right)]
}

// Similarity returns normalized edit similarity in range 0..1.
// Params: a and b compared messages.
// Returns: 1 - distance/maxLen; two empty strings are identical.
func Similarity(a, b string) float64 {
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(Levenshtein(a, b))/float64(maxLen)
}

// AreSimilar reports whether two error events describe the same failure.
// Params: a and b events; threshold minimum message similarity.
// Returns: true for error events with equal errorType and similar message.
func AreSimilar(a, b event.Event, threshold float64) bool {
	if a.Type != event.TypeError || b.Type != event.TypeError {
		return false
	}
	if a.String("errorType") != b.String("errorType") {
		return false
	}
	return Similarity(a.String("message"), b.String("message")) >= threshold
}

// Group merges near-duplicate error events within one batch.
// Params: events batch in queue order; threshold similarity (<= 0 uses DefaultThreshold).
// Returns: group representatives followed by non-error events in original order.
func Group(events []event.Event, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(events) <= 1 {
		return Result{Events: events}
	}

	var (
		groups [][]event.Event
		others []event.Event
	)
	for _, item := range events {
		if item.Type != event.TypeError {
			others = append(others, item)
			continue
		}

		joined := false
		for idx := range groups {
			if AreSimilar(groups[idx][0], item, threshold) {
				groups[idx] = append(groups[idx], item)
				joined = true
				break
			}
		}
		if !joined {
			groups = append(groups, []event.Event{item})
		}
	}

	out := Result{
		Events:   make([]event.Event, 0, len(groups)+len(others)),
		Absorbed: make(map[string][]string),
	}
	for _, group := range groups {
		representative := group[0]
		if len(group) > 1 {
			representative = representative.Clone()
			representative.Data["occurrences"] = len(group)
			representative.Data["firstOccurrence"] = group[0].Timestamp
			representative.Data["lastOccurrence"] = group[len(group)-1].Timestamp

			members := make([]string, 0, len(group)-1)
			for _, member := range group[1:] {
				members = append(members, member.ID)
			}
			out.Absorbed[representative.ID] = members
			out.Merged += len(group) - 1
		}
		out.Events = append(out.Events, representative)
	}
	out.Events = append(out.Events, others...)
	return out
}
