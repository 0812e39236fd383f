// Package batch runs a file of queries against one endpoint: each line is
// POSTed as a request body, optionally repeated, shuffled, and concurrent.
package batch

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
)

// Ref identifies one execution of a query line.
type Ref struct {
	// Index is the 0-based line of the queries file.
	Index      int
	Repetition int
}

// Line returns the 1-based line number.
func (r Ref) Line() int {
	return r.Index + 1
}

// FileName is the zero-padded line number, plus the repetition when
// withRepetition is set.
func (r Ref) FileName(withRepetition bool) string {
	if withRepetition {
		return fmt.Sprintf("%06d-%06d", r.Line(), r.Repetition)
	}
	return fmt.Sprintf("%06d", r.Line())
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("line %d repetition %d", r.Line(), r.Repetition)
}

// SplitQueries splits s into lines after dropping one trailing newline.
// Empty input has no queries.
func SplitQueries(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// LoadQueries reads a queries file.
func LoadQueries(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return SplitQueries(string(data)), nil
}

// BuildPlan lists n query lines repeat times, shuffled when rnd is non-nil.
// Repetition numbers count the occurrences of each line in final order.
func BuildPlan(n, repeat int, rnd *rand.Rand) []Ref {
	if repeat < 1 {
		repeat = 1
	}
	plan := make([]Ref, 0, n*repeat)
	for range repeat {
		for i := range n {
			plan = append(plan, Ref{Index: i})
		}
	}
	if rnd != nil {
		rnd.Shuffle(len(plan), func(i, j int) { plan[i], plan[j] = plan[j], plan[i] })
	}

	counters := make([]int, n)
	for i := range plan {
		plan[i].Repetition = counters[plan[i].Index]
		counters[plan[i].Index]++
	}
	return plan
}
