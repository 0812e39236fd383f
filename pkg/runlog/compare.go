package runlog

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// ErrLengthMismatch is returned when two logs cover different numbers of query lines.
var ErrLengthMismatch = errors.New("the logs use differing numbers of query entries")

// Mismatch is a repetition whose CRC differs from the first CRC of its line.
type Mismatch struct {
	QueryIndex int
	Repetition int
	FirstCRC   uint32
	CRC        uint32
}

// Sums holds the first CRC per query line of one log.
type Sums struct {
	Path       string
	CRCs       []uint32
	Mismatches []Mismatch
	// Matches counts repetitions agreeing with the first CRC.
	Matches int

	seen []bool
}

// Len is the number of query lines covered.
func (s *Sums) Len() int {
	return len(s.CRCs)
}

func (s *Sums) add(r Record) {
	if !r.OK() {
		return
	}
	i := r.QueryIndex
	if i >= len(s.CRCs) {
		s.CRCs = append(s.CRCs, make([]uint32, i+1-len(s.CRCs))...)
		s.seen = append(s.seen, make([]bool, i+1-len(s.seen))...)
	}
	if !s.seen[i] {
		s.seen[i] = true
		s.CRCs[i] = r.CRC
		return
	}
	if s.CRCs[i] == r.CRC {
		s.Matches++
		return
	}
	s.Mismatches = append(s.Mismatches, Mismatch{QueryIndex: i, Repetition: r.Repetition, FirstCRC: s.CRCs[i], CRC: r.CRC})
}

// IgnoreFunc reports whether a query line is left out of a comparison.
type IgnoreFunc func(queryIndex int) (bool, error)

// IgnoreMatching ignores lines of queries matching re.
func IgnoreMatching(queries []string, re *regexp.Regexp) IgnoreFunc {
	return func(i int) (bool, error) {
		if i < 0 || i >= len(queries) {
			return false, fmt.Errorf("query reference for line %d is out of range (%d queries)", i+1, len(queries))
		}
		return re.MatchString(queries[i]), nil
	}
}

// LoadSums reads the log at path. Failed executions are skipped.
func LoadSums(path string, ignore IgnoreFunc) (*Sums, error) {
	sums := &Sums{Path: path}
	for rec, err := range Records(path) {
		if err != nil {
			return nil, err
		}
		if ignore != nil {
			skip, err := ignore(rec.QueryIndex)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if skip {
				continue
			}
		}
		sums.add(rec)
	}
	slices.SortFunc(sums.Mismatches, func(a, b Mismatch) int {
		if a.QueryIndex != b.QueryIndex {
			return a.QueryIndex - b.QueryIndex
		}
		return a.Repetition - b.Repetition
	})
	return sums, nil
}

// LineDiff is a query line whose first CRC differs between two logs.
type LineDiff struct {
	QueryIndex int
	A, B       uint32
}

// Comparison is the result of Compare.
type Comparison struct {
	A, B  *Sums
	Diffs []LineDiff
}

// Failures counts differing lines plus inconsistent repetitions in either log.
func (c *Comparison) Failures() int {
	return len(c.Diffs) + len(c.A.Mismatches) + len(c.B.Mismatches)
}

// Compare matches the first CRC of every line of a and b.
func Compare(a, b *Sums) (*Comparison, error) {
	if a.Len() != b.Len() {
		return nil, fmt.Errorf("%w: %d vs. %d", ErrLengthMismatch, a.Len(), b.Len())
	}
	c := &Comparison{A: a, B: b}
	for i := range a.CRCs {
		if a.CRCs[i] != b.CRCs[i] {
			c.Diffs = append(c.Diffs, LineDiff{QueryIndex: i, A: a.CRCs[i], B: b.CRCs[i]})
		}
	}
	return c, nil
}
