// Package syncer is the scheduling agent: it creates events on demand and
// reconciles two calendar providers so that every event exists on both.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syncal/internal/matcher"
	"syncal/internal/models"
	"syncal/internal/normalize"
	"syncal/internal/planner"
	"syncal/internal/provider"
	"syncal/internal/reminder"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrUnknownProvider is returned when an operation names a provider the syncer
// was not configured with.
var ErrUnknownProvider = errors.New("unknown provider")

// MappingStore persists event mappings.
type MappingStore interface {
	Upsert(ctx context.Context, m models.EventMapping) error
	ListByUser(ctx context.Context, userID string) ([]models.EventMapping, error)
}

// Options tunes a Syncer.
type Options struct {
	// Workers bounds concurrent creates per direction.
	Workers int
	// RetryMaxElapsed bounds retries of transient provider errors.
	RetryMaxElapsed time.Duration
	// DefaultLeadMinutes is applied to mirrored events whose source has no reminder. Zero disables it.
	DefaultLeadMinutes int
	// DryRun plans and reports without writing to providers or the store.
	DryRun bool
	Now    func() time.Time
}

// Syncer orchestrates scheduling and cross-provider synchronization.
type Syncer struct {
	logger     *slog.Logger
	providerA  provider.Client
	providerB  provider.Client
	store      MappingStore
	reminders  *reminder.Scheduler
	normalizer *normalize.Normalizer
	matcher    *matcher.Matcher
	opts       Options

	usersMu sync.Mutex
	users   map[string]*semaphore.Weighted
	keys    *keyedMutex
}

// NewSyncer creates a new Syncer for the pair (a, b).
func NewSyncer(logger *slog.Logger, a, b provider.Client, store MappingStore, reminders *reminder.Scheduler, opts Options) *Syncer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		logger:     logger,
		providerA:  a,
		providerB:  b,
		store:      store,
		reminders:  reminders,
		normalizer: normalize.New(logger),
		matcher:    matcher.New(),
		opts:       opts,
		users:      make(map[string]*semaphore.Weighted),
		keys:       newKeyedMutex(),
	}
}

func (s *Syncer) client(p models.Provider) (provider.Client, error) {
	switch p {
	case s.providerA.Name():
		return s.providerA, nil
	case s.providerB.Name():
		return s.providerB, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
}

// userLock returns the semaphore serializing sync runs for userID.
func (s *Syncer) userLock(userID string) *semaphore.Weighted {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	sem, ok := s.users[userID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.users[userID] = sem
	}
	return sem
}

// ScheduleEvent creates pe on provider p. If pe carries a reminder request, a
// reminder is scheduled for the new event. The event is created even when the
// reminder is declined; the returned error then wraps reminder.ErrInvalidLeadTime.
func (s *Syncer) ScheduleEvent(ctx context.Context, userID string, p models.Provider, pe models.ProviderEvent) (models.CanonicalEvent, error) {
	client, err := s.client(p)
	if err != nil {
		return models.CanonicalEvent{}, err
	}
	pe.Provider = p

	ev, err := s.normalizer.Normalize(userID, pe)
	if err != nil {
		return models.CanonicalEvent{}, err
	}

	var created models.ProviderEvent
	err = provider.Retry(ctx, s.opts.RetryMaxElapsed, func() error {
		var err error
		created, err = client.CreateEvent(ctx, userID, pe)
		return err
	})
	if err != nil {
		return models.CanonicalEvent{}, fmt.Errorf("creating event on %s: %w", p, err)
	}
	ev.ExternalID = created.ExternalID
	s.logger.Info("Scheduled event", "userID", userID, "provider", p, "id", ev.ExternalID, "title", ev.Summary)

	if pe.Reminder == nil {
		return ev, nil
	}
	if _, err := s.reminders.Schedule(userID, ev.Ref(), ev.StartTime, pe.Reminder.LeadMinutes); err != nil {
		s.logger.Warn("Reminder declined", "event", ev.Ref().String(), "error", err)
		return ev, fmt.Errorf("scheduling reminder: %w", err)
	}
	return ev, nil
}

// ListEvents returns the normalized events of provider p within r. Events that
// fail normalization are logged and left out.
func (s *Syncer) ListEvents(ctx context.Context, userID string, p models.Provider, r models.DateRange) ([]models.CanonicalEvent, error) {
	client, err := s.client(p)
	if err != nil {
		return nil, err
	}
	raw, err := s.fetch(ctx, client, userID, r)
	if err != nil {
		return nil, err
	}
	events, _ := s.normalizer.NormalizeAll(userID, raw)
	return events, nil
}

func (s *Syncer) fetch(ctx context.Context, client provider.Client, userID string, r models.DateRange) ([]models.ProviderEvent, error) {
	var events []models.ProviderEvent
	err := provider.Retry(ctx, s.opts.RetryMaxElapsed, func() error {
		var err error
		events, err = client.ListEvents(ctx, userID, r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s events: %w", client.Name(), err)
	}
	for i := range events {
		events[i].Provider = client.Name()
	}
	return events, nil
}

// SyncProviders reconciles both providers for userID within r. Per-event
// failures are collected in the report; the returned error is non-nil only when
// the run could not proceed, such as when the mapping store is unavailable.
func (s *Syncer) SyncProviders(ctx context.Context, userID string, r models.DateRange) (*models.SyncReport, error) {
	sem := s.userLock(userID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	run := &syncRun{
		s: s,
		report: &models.SyncReport{
			UserID:    userID,
			Range:     r,
			StartedAt: s.opts.Now().UTC(),
			DryRun:    s.opts.DryRun,
			Fetched:   make(map[models.Provider]int),
		},
	}
	defer func() { run.report.FinishedAt = s.opts.Now().UTC() }()

	s.logger.Info("Starting sync cycle.", "userID", userID, "from", r.Start, "to", r.End, "dryRun", s.opts.DryRun)

	var rawA, rawB []models.ProviderEvent
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rawA, err = s.fetch(gctx, s.providerA, userID, r)
		return err
	})
	g.Go(func() error {
		var err error
		rawB, err = s.fetch(gctx, s.providerB, userID, r)
		return err
	})
	if err := g.Wait(); err != nil {
		// Without both snapshots nothing can be planned safely.
		run.fail(err)
		s.logger.Error("Sync cycle skipped", "userID", userID, "error", err)
		return run.report, nil
	}
	run.report.Fetched[s.providerA.Name()] = len(rawA)
	run.report.Fetched[s.providerB.Name()] = len(rawB)

	eventsA, errsA := s.normalizer.NormalizeAll(userID, rawA)
	eventsB, errsB := s.normalizer.NormalizeAll(userID, rawB)
	for _, err := range append(errsA, errsB...) {
		run.fail(err)
	}

	match := s.matcher.Match(eventsA, eventsB)
	run.report.Matched = len(match.Matched)
	for _, w := range match.Warnings {
		run.warn(w.String())
	}

	mappings, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return run.report, fmt.Errorf("loading mappings: %w", err)
	}

	plan := planner.Build(planner.Input{
		UserID:    userID,
		ProviderA: s.providerA.Name(),
		ProviderB: s.providerB.Name(),
		Range:     r,
		Match:     match,
		Mappings:  mappings,
	})
	for _, sk := range plan.Skipped {
		run.record(models.MappingResult{
			Key:     models.MappingKey{UserID: userID, Provider: sk.Event.Provider, ExternalID: sk.Event.ExternalID},
			Outcome: models.OutcomeSkipped,
			Reason:  sk.Reason,
		})
	}
	s.assignLeads(&plan)

	if s.opts.DryRun {
		run.dryRun(plan)
		s.logger.Info("Sync cycle finished.", "userID", userID, "dryRun", true, "creates", len(plan.Creates))
		return run.report, nil
	}

	if err := run.applyUpserts(ctx, plan.MappingUpserts); err != nil {
		return run.report, err
	}
	if err := run.executeCreates(ctx, plan.Creates); err != nil {
		return run.report, err
	}
	run.refreshReminders(userID, append(eventsA, eventsB...), plan.MappingUpserts, mappings)

	s.logger.Info("Sync cycle finished.",
		"userID", userID,
		"created", run.report.Count(models.OutcomeCreated),
		"linked", run.report.Count(models.OutcomeLinked),
		"deleted", run.report.Count(models.OutcomeDeleted),
		"failed", run.report.Count(models.OutcomeFailed),
		"errors", len(run.report.Errors))
	return run.report, nil
}

// assignLeads sets the reminder lead carried by each new mapping: the source's
// scheduled reminder wins, then an earlier lead, then the configured default.
func (s *Syncer) assignLeads(plan *planner.Plan) {
	type lead struct {
		minutes    *int
		fromSource bool
	}
	leads := make(map[models.MappingKey]lead)
	for i := range plan.Creates {
		c := &plan.Creates[i]
		l := lead{minutes: c.Mapping.LeadMinutes, fromSource: c.Mapping.SourceReminder}
		if r, ok := s.reminders.ForEvent(c.Event.Ref()); ok {
			l = lead{minutes: &r.LeadMinutes, fromSource: true}
		} else if l.minutes == nil && s.opts.DefaultLeadMinutes > 0 {
			d := s.opts.DefaultLeadMinutes
			l.minutes = &d
		}
		c.Mapping.LeadMinutes = l.minutes
		c.Mapping.SourceReminder = l.fromSource
		leads[c.Mapping.Key()] = l
	}
	for i := range plan.MappingUpserts {
		if l, ok := leads[plan.MappingUpserts[i].Key()]; ok {
			plan.MappingUpserts[i].LeadMinutes = l.minutes
			plan.MappingUpserts[i].SourceReminder = l.fromSource
		}
	}
}

// syncRun holds the mutable state of one SyncProviders call.
type syncRun struct {
	s      *Syncer
	mu     sync.Mutex
	report *models.SyncReport
}

func (r *syncRun) record(res models.MappingResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Results = append(r.report.Results, res)
}

func (r *syncRun) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Warnings = append(r.report.Warnings, msg)
}

func (r *syncRun) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Errors = append(r.report.Errors, err)
}

func (r *syncRun) dryRun(plan planner.Plan) {
	for _, m := range plan.MappingUpserts {
		if o, ok := upsertOutcome(m); ok {
			r.record(models.MappingResult{Key: m.Key(), Target: m.TargetProvider, Outcome: o})
		}
	}
	for _, c := range plan.Creates {
		r.s.logger.Info("[DRY RUN] Would create event", "target", c.TargetProvider, "title", c.Event.Summary, "startTime", c.Event.StartTime)
		r.record(models.MappingResult{Key: c.Mapping.Key(), Target: c.TargetProvider, Outcome: models.OutcomeCreated, Reason: "dry run"})
	}
}

func upsertOutcome(m models.EventMapping) (models.Outcome, bool) {
	switch m.SyncState {
	case models.SyncStateSynced:
		return models.OutcomeLinked, true
	case models.SyncStateDeleted:
		return models.OutcomeDeleted, true
	case models.SyncStateConflict:
		return models.OutcomeConflict, true
	}
	return "", false
}

// applyUpserts persists the planned mapping changes. A store failure aborts the run.
func (r *syncRun) applyUpserts(ctx context.Context, upserts []models.EventMapping) error {
	for _, m := range upserts {
		if err := r.upsert(ctx, m); err != nil {
			return err
		}
		o, ok := upsertOutcome(m)
		if !ok {
			continue
		}
		r.record(models.MappingResult{Key: m.Key(), Target: m.TargetProvider, Outcome: o})
		if o == models.OutcomeDeleted {
			r.cancelReminders(m)
		}
	}
	return nil
}

func (r *syncRun) upsert(ctx context.Context, m models.EventMapping) error {
	unlock := r.s.keys.Lock(m.Key().String())
	defer unlock()
	if err := r.s.store.Upsert(ctx, m); err != nil {
		return fmt.Errorf("saving mapping %s: %w", m.Key(), err)
	}
	return nil
}

func (r *syncRun) cancelReminders(m models.EventMapping) {
	refs := []models.EventRef{m.SourceRef()}
	if ref, ok := m.TargetRef(); ok {
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		if _, ok := r.s.reminders.CancelForEvent(ref); ok {
			r.mu.Lock()
			r.report.RemindersCancelled++
			r.mu.Unlock()
		}
	}
}

// executeCreates runs both directions concurrently. A provider failure in one
// direction stops only that direction's remaining creates; a store failure
// stops both.
func (r *syncRun) executeCreates(ctx context.Context, creates []planner.Create) error {
	byTarget := make(map[models.Provider][]planner.Create)
	var order []models.Provider
	for _, c := range creates {
		if _, ok := byTarget[c.TargetProvider]; !ok {
			order = append(order, c.TargetProvider)
		}
		byTarget[c.TargetProvider] = append(byTarget[c.TargetProvider], c)
	}

	ctx, abort := context.WithCancel(ctx)
	defer abort()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		storeErr error
	)
	for _, target := range order {
		client, err := r.s.client(target)
		if err != nil {
			r.fail(err)
			continue
		}
		wg.Add(1)
		go func(client provider.Client, batch []planner.Create) {
			defer wg.Done()
			if err := r.direction(ctx, abort, client, batch); err != nil {
				mu.Lock()
				if storeErr == nil {
					storeErr = err
				}
				mu.Unlock()
			}
		}(client, byTarget[target])
	}
	wg.Wait()
	return storeErr
}

// errDirectionAborted stops the remaining creates of a direction.
var errDirectionAborted = errors.New("direction aborted")

// direction executes creates toward one provider with bounded concurrency. It
// returns an error only for store failures, after calling abort so the other
// direction stops too.
func (r *syncRun) direction(ctx context.Context, abort context.CancelFunc, client provider.Client, batch []planner.Create) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.s.opts.Workers)

	var (
		mu       sync.Mutex
		storeErr error
	)
	for _, c := range batch {
		g.Go(func() error {
			if gctx.Err() != nil {
				r.record(models.MappingResult{Key: c.Mapping.Key(), Target: c.TargetProvider, Outcome: models.OutcomeAborted, Reason: "direction aborted"})
				return nil
			}
			err := r.create(gctx, client, c)
			var se *storeError
			if errors.As(err, &se) {
				mu.Lock()
				if storeErr == nil {
					storeErr = se.err
					abort()
				}
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); errors.Is(err, errDirectionAborted) {
		r.s.logger.Warn("Remaining creates skipped", "target", client.Name())
	}
	return storeErr
}

type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// create performs one create and records its outcome. Calls already started are
// allowed to finish when the run is cancelled so their result is not lost.
func (r *syncRun) create(ctx context.Context, client provider.Client, c planner.Create) error {
	m := c.Mapping
	detached := context.WithoutCancel(ctx)
	log := r.s.logger.With("mapping", m.Key().String(), "target", c.TargetProvider)

	var created models.ProviderEvent
	err := provider.Retry(ctx, r.s.opts.RetryMaxElapsed, func() error {
		var err error
		created, err = client.CreateEvent(detached, m.UserID, c.Event.ToProviderEvent(c.TargetProvider))
		return err
	})
	if err != nil {
		m.LastError = err.Error()
		r.fail(fmt.Errorf("creating %s on %s: %w", m.Key(), c.TargetProvider, err))
		if provider.IsPermanent(err) {
			log.Error("Create rejected, retiring mapping", "error", err)
			m.SyncState = models.SyncStateDeleted
			if err := r.upsert(detached, m); err != nil {
				return &storeError{err}
			}
			r.record(models.MappingResult{Key: m.Key(), Target: c.TargetProvider, Outcome: models.OutcomeDeleted, Reason: err.Error()})
			r.cancelReminders(m)
			return nil
		}
		log.Error("Create failed, aborting direction", "error", err)
		if err := r.upsert(detached, m); err != nil {
			return &storeError{err}
		}
		r.record(models.MappingResult{Key: m.Key(), Target: c.TargetProvider, Outcome: models.OutcomeFailed, Reason: err.Error()})
		return errDirectionAborted
	}

	m.TargetExternalID = created.ExternalID
	m.SyncState = models.SyncStateSynced
	m.LastError = ""
	if err := r.upsert(detached, m); err != nil {
		return &storeError{err}
	}
	log.Info("Mirrored event", "title", c.Event.Summary, "targetID", created.ExternalID)
	r.record(models.MappingResult{Key: m.Key(), Target: c.TargetProvider, Outcome: models.OutcomeCreated})

	if m.LeadMinutes != nil {
		ref, _ := m.TargetRef()
		r.schedule(m.UserID, ref, c.Event.StartTime, *m.LeadMinutes)
	}
	return nil
}

func (r *syncRun) schedule(userID string, ref models.EventRef, start time.Time, lead int) {
	if _, err := r.s.reminders.Schedule(userID, ref, start, lead); err != nil {
		r.warn(fmt.Sprintf("reminder for %s declined: %v", ref, err))
		return
	}
	r.mu.Lock()
	r.report.RemindersScheduled++
	r.mu.Unlock()
}

// refreshReminders keeps reminders of live events in step with their start
// times, and recreates reminders lost since the process started: on mirrored
// events, and on source events whose reminder was requested explicitly.
// Reminders already fired or cancelled are left alone.
func (r *syncRun) refreshReminders(userID string, events []models.CanonicalEvent, upserts, stored []models.EventMapping) {
	current := make(map[models.MappingKey]models.EventMapping, len(stored)+len(upserts))
	for _, m := range stored {
		current[m.Key()] = m
	}
	for _, m := range upserts {
		current[m.Key()] = m
	}
	leads := make(map[models.EventRef]int)
	for _, m := range current {
		if m.Terminal() || m.LeadMinutes == nil {
			continue
		}
		if ref, ok := m.TargetRef(); ok {
			leads[ref] = *m.LeadMinutes
		}
		if m.SourceReminder {
			leads[m.SourceRef()] = *m.LeadMinutes
		}
	}

	for _, ev := range events {
		ref := ev.Ref()
		latest, ok := r.s.reminders.Latest(ref)
		switch {
		case !ok:
			lead, mapped := leads[ref]
			if !mapped || !reminder.FireAt(ev.StartTime, lead).After(r.s.opts.Now()) {
				continue
			}
			r.schedule(userID, ref, ev.StartTime, lead)
		case latest.Status == models.ReminderCancelled, latest.Status == models.ReminderFired:
			continue
		case latest.FireAt.Equal(reminder.FireAt(ev.StartTime, latest.LeadMinutes)):
			continue
		default:
			if _, err := r.s.reminders.Reschedule(latest.ID, ev.StartTime); err != nil {
				r.warn(fmt.Sprintf("reminder %s for %s not moved: %v", latest.ID, ref, err))
				continue
			}
			r.mu.Lock()
			r.report.RemindersRescheduled++
			r.mu.Unlock()
		}
	}
}

// keyedMutex serializes work per mapping key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
