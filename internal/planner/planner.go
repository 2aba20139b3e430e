// Package planner turns match results and existing mapping state into a sync plan.
// Planning is pure: it never talks to a provider or to the mapping store.
package planner

import (
	"syncal/internal/matcher"
	"syncal/internal/models"
)

// Create asks the executor to create Event on TargetProvider. Mapping is the
// pending row that tracks the create.
type Create struct {
	TargetProvider models.Provider
	Event          models.CanonicalEvent
	Mapping        models.EventMapping
}

// Skip records an event that could not be queued for creation.
type Skip struct {
	Event  models.CanonicalEvent
	Reason string
}

// Plan is the set of changes one sync run should apply.
type Plan struct {
	Creates        []Create
	MappingUpserts []models.EventMapping
	Skipped        []Skip
}

// Input carries everything the planner looks at.
type Input struct {
	UserID    string
	ProviderA models.Provider
	ProviderB models.Provider
	Range     models.DateRange
	Match     matcher.Result
	Mappings  []models.EventMapping
}

// Build computes the plan for one run.
func Build(in Input) Plan {
	p := &planBuilder{
		in:       in,
		bySource: make(map[models.EventRef]models.EventMapping),
		byTarget: make(map[models.EventRef]models.EventMapping),
		present:  make(map[models.EventRef]struct{}),
		upserts:  make(map[models.MappingKey]int),
	}
	for _, m := range in.Mappings {
		p.bySource[m.SourceRef()] = m
		if ref, ok := m.TargetRef(); ok {
			p.byTarget[ref] = m
		}
	}
	for _, pair := range in.Match.Matched {
		p.present[pair.A.Ref()] = struct{}{}
		p.present[pair.B.Ref()] = struct{}{}
	}
	for _, ev := range in.Match.UnmatchedA {
		p.present[ev.Ref()] = struct{}{}
	}
	for _, ev := range in.Match.UnmatchedB {
		p.present[ev.Ref()] = struct{}{}
	}

	for _, pair := range in.Match.Matched {
		p.matched(pair)
	}
	for _, ev := range in.Match.UnmatchedA {
		p.unmatched(ev, in.ProviderB)
	}
	for _, ev := range in.Match.UnmatchedB {
		p.unmatched(ev, in.ProviderA)
	}
	for _, m := range in.Mappings {
		p.vanished(m)
	}

	return p.plan
}

type planBuilder struct {
	in       Input
	plan     Plan
	bySource map[models.EventRef]models.EventMapping
	byTarget map[models.EventRef]models.EventMapping
	present  map[models.EventRef]struct{}
	upserts  map[models.MappingKey]int
}

// lookup finds the mapping that involves ref on either side.
func (p *planBuilder) lookup(ref models.EventRef) (models.EventMapping, bool) {
	if m, ok := p.bySource[ref]; ok {
		return m, true
	}
	m, ok := p.byTarget[ref]
	return m, ok
}

// upsert queues m, replacing an earlier queued version of the same row.
func (p *planBuilder) upsert(m models.EventMapping) {
	key := m.Key()
	if i, ok := p.upserts[key]; ok {
		p.plan.MappingUpserts[i] = m
	} else {
		p.upserts[key] = len(p.plan.MappingUpserts)
		p.plan.MappingUpserts = append(p.plan.MappingUpserts, m)
	}
	if old, ok := p.bySource[m.SourceRef()]; ok {
		if ref, ok := old.TargetRef(); ok {
			delete(p.byTarget, ref)
		}
	}
	p.bySource[m.SourceRef()] = m
	if ref, ok := m.TargetRef(); ok {
		p.byTarget[ref] = m
	}
}

func (p *planBuilder) matched(pair matcher.Pair) {
	m, ok := p.lookup(pair.A.Ref())
	if !ok {
		m, ok = p.lookup(pair.B.Ref())
	}
	if !ok {
		p.upsert(models.EventMapping{
			UserID:           p.in.UserID,
			SourceProvider:   pair.A.Provider,
			SourceExternalID: pair.A.ExternalID,
			TargetProvider:   pair.B.Provider,
			TargetExternalID: pair.B.ExternalID,
			SyncState:        models.SyncStateSynced,
			SourceStart:      pair.A.StartTime,
		})
		return
	}
	if m.Terminal() {
		return
	}
	if m.SourceRef() != pair.A.Ref() && m.SourceRef() != pair.B.Ref() {
		// One side mirrors a third event; leave that row alone.
		return
	}

	source, target := pair.A, pair.B
	if m.SourceRef() == pair.B.Ref() {
		source, target = pair.B, pair.A
	}
	linked := m.SyncState == models.SyncStateSynced &&
		m.SourceRef() == source.Ref() && m.TargetExternalID == target.ExternalID
	if linked && m.SourceStart.Equal(source.StartTime) {
		return
	}

	m.SourceProvider, m.SourceExternalID = source.Provider, source.ExternalID
	m.TargetProvider, m.TargetExternalID = target.Provider, target.ExternalID
	m.SyncState = models.SyncStateSynced
	m.SourceStart = source.StartTime
	m.LastError = ""
	p.upsert(m)
}

func (p *planBuilder) unmatched(ev models.CanonicalEvent, other models.Provider) {
	m, ok := p.lookup(ev.Ref())
	if !ok {
		if reason := missingFields(ev); reason != "" {
			p.plan.Skipped = append(p.plan.Skipped, Skip{Event: ev, Reason: reason})
			return
		}
		m = models.EventMapping{
			UserID:           p.in.UserID,
			SourceProvider:   ev.Provider,
			SourceExternalID: ev.ExternalID,
			TargetProvider:   other,
			SyncState:        models.SyncStatePending,
			SourceStart:      ev.StartTime,
		}
		p.upsert(m)
		p.plan.Creates = append(p.plan.Creates, Create{TargetProvider: other, Event: ev, Mapping: m})
		return
	}

	switch {
	case m.Terminal() || m.SyncState == models.SyncStateConflict:
		return
	case m.SyncState == models.SyncStatePending && m.TargetExternalID == "" && m.SourceRef() == ev.Ref():
		// Earlier create never landed: retry it under the same row.
		if reason := missingFields(ev); reason != "" {
			p.plan.Skipped = append(p.plan.Skipped, Skip{Event: ev, Reason: reason})
			return
		}
		m.SourceStart = ev.StartTime
		p.plan.Creates = append(p.plan.Creates, Create{TargetProvider: m.TargetProvider, Event: ev, Mapping: m})
	default:
		// Both sides exist but no longer match: the pair diverged.
		if _, ok := p.present[m.SourceRef()]; !ok {
			return
		}
		if ref, ok := m.TargetRef(); ok {
			if _, ok := p.present[ref]; !ok {
				return
			}
		}
		m.SyncState = models.SyncStateConflict
		p.upsert(m)
	}
}

// vanished retires mappings whose events disappeared upstream inside the range.
func (p *planBuilder) vanished(orig models.EventMapping) {
	m := p.bySource[orig.SourceRef()]
	if m.Terminal() {
		return
	}
	if !m.SourceStart.IsZero() && !p.in.Range.Contains(m.SourceStart) {
		return
	}

	_, sourcePresent := p.present[m.SourceRef()]
	targetGone := false
	if ref, ok := m.TargetRef(); ok {
		_, present := p.present[ref]
		targetGone = !present
	}
	if sourcePresent && !targetGone {
		return
	}

	m.SyncState = models.SyncStateDeleted
	p.upsert(m)
}

func missingFields(ev models.CanonicalEvent) string {
	switch {
	case ev.ExternalID == "":
		return "missing external id"
	case ev.StartTime.IsZero():
		return "missing start time"
	case ev.EndTime.IsZero():
		return "missing end time"
	}
	return ""
}
