// Package matcher pairs events from two provider snapshots.
package matcher

import (
	"fmt"
	"sort"
	"strings"
	"syncal/internal/models"
	"time"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
)

// Pair is a matched source/target event.
type Pair struct {
	A models.CanonicalEvent
	B models.CanonicalEvent
}

// AmbiguityWarning is reported when an A-event had more than one equally good
// B-candidate. It is informational and never fails a run.
type AmbiguityWarning struct {
	A          models.EventRef
	Chosen     models.EventRef
	Candidates []models.EventRef
}

func (w AmbiguityWarning) String() string {
	return fmt.Sprintf("event %s had %d matching candidates, chose %s", w.A, len(w.Candidates), w.Chosen)
}

// Result partitions two snapshots.
type Result struct {
	Matched    []Pair
	UnmatchedA []models.CanonicalEvent
	UnmatchedB []models.CanonicalEvent
	Warnings   []AmbiguityWarning
}

// Matcher implements exact summary/time matching with a title-distance tie-break.
// It holds no state and is safe for concurrent use.
type Matcher struct{}

// New creates a Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Match partitions a and b. Identical inputs always yield identical results.
func (m *Matcher) Match(a, b []models.CanonicalEvent) Result {
	orderA := byStart(a)
	orderB := byStart(b)

	// Casers carry state between calls, so each run gets its own.
	fold := cases.Fold()
	key := func(summary string) string {
		return fold.String(strings.TrimSpace(summary))
	}

	foldedB := make([]string, len(b))
	for i := range b {
		foldedB[i] = key(b[i].Summary)
	}

	usedA := make([]bool, len(a))
	usedB := make([]bool, len(b))
	var res Result

	for _, i := range orderA {
		ev := a[i]
		k := key(ev.Summary)
		start, end := ev.StartTime.Truncate(time.Second), ev.EndTime.Truncate(time.Second)

		var candidates []int
		for _, j := range orderB {
			if usedB[j] || foldedB[j] != k {
				continue
			}
			if b[j].StartTime.Truncate(time.Second).Equal(start) && b[j].EndTime.Truncate(time.Second).Equal(end) {
				candidates = append(candidates, j)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		best := candidates[0]
		if len(candidates) > 1 {
			best = closest(ev.Summary, b, candidates)
			w := AmbiguityWarning{A: ev.Ref(), Chosen: b[best].Ref()}
			for _, j := range candidates {
				w.Candidates = append(w.Candidates, b[j].Ref())
			}
			res.Warnings = append(res.Warnings, w)
		}

		usedA[i], usedB[best] = true, true
		res.Matched = append(res.Matched, Pair{A: ev, B: b[best]})
	}

	for i, ev := range a {
		if !usedA[i] {
			res.UnmatchedA = append(res.UnmatchedA, ev)
		}
	}
	for j, ev := range b {
		if !usedB[j] {
			res.UnmatchedB = append(res.UnmatchedB, ev)
		}
	}
	return res
}

// closest picks the candidate whose summary has the smallest edit distance to
// summary. Candidates are already in scan order, so the first minimum wins.
func closest(summary string, b []models.CanonicalEvent, candidates []int) int {
	summary = strings.TrimSpace(summary)
	best, bestDist := candidates[0], -1
	for _, j := range candidates {
		d := levenshtein.ComputeDistance(summary, strings.TrimSpace(b[j].Summary))
		if bestDist < 0 || d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// byStart returns indices of events in ascending start order, stable on input order.
func byStart(events []models.CanonicalEvent) []int {
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		return events[idx[x]].StartTime.Before(events[idx[y]].StartTime)
	})
	return idx
}
