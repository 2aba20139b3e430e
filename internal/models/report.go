package models

import "time"

// Outcome describes what a sync run did with one mapping.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeLinked   Outcome = "linked"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeConflict Outcome = "conflict"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	OutcomeAborted  Outcome = "aborted"
)

// MappingResult records the outcome for one mapping in a sync run.
type MappingResult struct {
	Key     MappingKey
	Target  Provider
	Outcome Outcome
	Reason  string
}

// SyncReport summarizes one SyncProviders run. Failures are collected here
// instead of aborting the run.
type SyncReport struct {
	UserID     string
	Range      DateRange
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	Fetched              map[Provider]int
	Matched              int
	Results              []MappingResult
	Warnings             []string
	Errors               []error
	RemindersScheduled   int
	RemindersRescheduled int
	RemindersCancelled   int
}

// Count returns how many results have the given outcome.
func (r *SyncReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}
