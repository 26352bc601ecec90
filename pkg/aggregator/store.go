// Package aggregator implements the long-lived service that tracks the state
// of every download job launched on this machine.
//
// All job state is owned by a single goroutine (Store.Run). Connections,
// HTTP handlers and tests submit operations to it through a channel, so
// state transitions are serialized without per-record locking.
package aggregator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
)

var (
	// ErrUnknownJob indicates a message referenced a job id that was never
	// registered. It is an outcome, not a failure: callers log and move on.
	ErrUnknownJob = errors.New("unknown job")

	// ErrTerminal indicates a message referenced a job that already completed
	// or failed. The message is dropped.
	ErrTerminal = errors.New("job is in a terminal state")

	// ErrStaleUpdate indicates an update would have decreased the recorded
	// percentage and was dropped.
	ErrStaleUpdate = errors.New("update would decrease progress")

	// ErrInvalidEvent indicates an update carrying out-of-range values. The
	// whole update is dropped.
	ErrInvalidEvent = progress.ErrInvalidEvent

	// ErrInvalidRequest indicates a registration without a URL.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStopped indicates the store's run loop is not running.
	ErrStopped = errors.New("store is stopped")
)

// Outcome describes what a message did to the store.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeStale    Outcome = "stale"
	OutcomeTerminal Outcome = "terminal"
	OutcomeUnknown  Outcome = "unknown_job"
	OutcomeInvalid  Outcome = "invalid"
)

// OutcomeOf maps an error returned by a Store method to an Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, ErrStaleUpdate):
		return OutcomeStale
	case errors.Is(err, ErrTerminal):
		return OutcomeTerminal
	case errors.Is(err, ErrUnknownJob):
		return OutcomeUnknown
	case errors.Is(err, ErrInvalidEvent):
		return OutcomeInvalid
	default:
		return ""
	}
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// ServiceID identifies this store's lifetime. Generated when empty.
	ServiceID string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Metrics receives state-transition counts. Optional.
	Metrics *Metrics
}

// Store holds every job record known to one aggregator lifetime.
type Store struct {
	serviceID string
	now       func() time.Time
	metrics   *Metrics

	ops     chan func(*table)
	stopped chan struct{}
}

type table struct {
	lastID jobstate.JobID
	order  []jobstate.JobID
	byID   map[jobstate.JobID]*jobstate.Record
}

// NewStore creates a store. Call Run to start processing operations.
func NewStore(opts StoreOptions) *Store {
	if opts.ServiceID == "" {
		opts.ServiceID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		serviceID: opts.ServiceID,
		now:       opts.Now,
		metrics:   opts.Metrics,
		ops:       make(chan func(*table)),
		stopped:   make(chan struct{}),
	}
}

// ServiceID returns the identifier of this store's lifetime.
func (s *Store) ServiceID() string {
	return s.serviceID
}

// Run processes operations until ctx is cancelled. Run must be called
// exactly once. Operations submitted after Run returns fail with ErrStopped.
func (s *Store) Run(ctx context.Context) {
	t := &table{byID: make(map[jobstate.JobID]*jobstate.Record)}
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op(t)
		}
	}
}

// do runs fn on the state-owning goroutine and waits for it to finish.
func (s *Store) do(ctx context.Context, fn func(*table)) error {
	done := make(chan struct{})
	op := func(t *table) {
		defer close(done)
		fn(t)
	}
	select {
	case s.ops <- op:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Register creates a pending job and returns its id. Ids start at 1 and are
// never reused within one store.
func (s *Store) Register(ctx context.Context, url, titleHint, filename string) (jobstate.JobID, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return 0, ErrInvalidRequest
	}

	var id jobstate.JobID
	err := s.do(ctx, func(t *table) {
		t.lastID++
		id = t.lastID
		now := s.now()
		t.byID[id] = &jobstate.Record{
			ID:          id,
			Title:       strings.TrimSpace(titleHint),
			URL:         url,
			Filename:    filename,
			State:       jobstate.StatePending,
			CreatedAt:   now,
			LastUpdated: now,
		}
		t.order = append(t.order, id)
		s.metrics.registered()
		s.metrics.moved("", jobstate.StatePending)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Update applies a progress event to id.
//
// An event with out-of-range values is rejected (ErrInvalidEvent). An event
// whose percentage is lower than the recorded one is dropped as a whole
// (ErrStaleUpdate), since it was observed before data already applied.
// Any accepted event moves a pending job to in progress.
func (s *Store) Update(ctx context.Context, id jobstate.JobID, ev progress.Event) error {
	var result error
	err := s.do(ctx, func(t *table) {
		rec, ok := t.byID[id]
		if !ok {
			result = ErrUnknownJob
			return
		}
		if !jobstate.CanTransition(rec.State, jobstate.StateInProgress) {
			result = ErrTerminal
			return
		}
		if err := ev.Validate(); err != nil {
			result = err
			return
		}
		if ev.Percent != nil && *ev.Percent < rec.Percent {
			result = ErrStaleUpdate
			return
		}

		prev := rec.State
		rec.State = jobstate.StateInProgress
		applyEvent(rec, ev)
		rec.LastUpdated = s.now()
		s.metrics.moved(prev, rec.State)
	})
	if err != nil {
		return err
	}
	s.metrics.observe("update", OutcomeOf(result))
	return result
}

func applyEvent(rec *jobstate.Record, ev progress.Event) {
	if ev.Percent != nil {
		rec.Percent = *ev.Percent
	}
	if ev.Speed != "" {
		rec.Speed = ev.Speed
	}
	if ev.ETA != nil {
		eta := *ev.ETA
		rec.ETA = &eta
	}
	if ev.TotalSize != "" {
		rec.TotalSize = ev.TotalSize
	}
	if ev.Title != "" {
		rec.Title = ev.Title
	}
	if ev.Filename != "" {
		rec.Filename = ev.Filename
	}
}

// Complete marks id as completed at 100%. Repeated calls are no-ops that
// return ErrTerminal.
func (s *Store) Complete(ctx context.Context, id jobstate.JobID) error {
	return s.finish(ctx, "complete", id, jobstate.StateCompleted, func(rec *jobstate.Record) {
		rec.Percent = 100
		rec.ETA = nil
	})
}

// Fail marks id as failed with the download tool's exit code. A zero code
// contradicts the failure and is recorded as 1.
func (s *Store) Fail(ctx context.Context, id jobstate.JobID, exitCode int, reason string) error {
	if exitCode == 0 {
		exitCode = 1
	}
	return s.finish(ctx, "fail", id, jobstate.StateFailed, func(rec *jobstate.Record) {
		code := exitCode
		rec.ExitCode = &code
		rec.Reason = reason
		rec.ETA = nil
	})
}

func (s *Store) finish(ctx context.Context, kind string, id jobstate.JobID, next jobstate.State, apply func(*jobstate.Record)) error {
	var result error
	err := s.do(ctx, func(t *table) {
		rec, ok := t.byID[id]
		if !ok {
			result = ErrUnknownJob
			return
		}
		if !jobstate.CanTransition(rec.State, next) {
			result = ErrTerminal
			return
		}
		prev := rec.State
		rec.State = next
		apply(rec)
		rec.LastUpdated = s.now()
		s.metrics.moved(prev, rec.State)
	})
	if err != nil {
		return err
	}
	s.metrics.observe(kind, OutcomeOf(result))
	return result
}

// Query returns a deep copy of every job, ordered by registration.
func (s *Store) Query(ctx context.Context) (jobstate.Snapshot, error) {
	var snap jobstate.Snapshot
	err := s.do(ctx, func(t *table) {
		records := make([]jobstate.Record, 0, len(t.order))
		for _, id := range t.order {
			records = append(records, *t.byID[id])
		}
		snap = jobstate.NewSnapshot(s.serviceID, s.now(), records)
	})
	if err != nil {
		return jobstate.Snapshot{}, err
	}
	return snap, nil
}
