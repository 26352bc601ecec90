package jobstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Snapshot is an immutable point-in-time copy of every job known to an
// aggregator, ordered by registration.
type Snapshot struct {
	// ServiceID identifies the aggregator lifetime that produced the
	// snapshot. Job ids are only unique within one ServiceID.
	ServiceID string    `json:"service_id,omitempty" yaml:"service_id,omitempty"`
	TakenAt   time.Time `json:"taken_at" yaml:"taken_at"`
	Jobs      []Record  `json:"jobs" yaml:"jobs"`
}

// NewSnapshot copies records into a snapshot.
func NewSnapshot(serviceID string, takenAt time.Time, records []Record) Snapshot {
	jobs := make([]Record, 0, len(records))
	for _, r := range records {
		jobs = append(jobs, r.Clone())
	}
	return Snapshot{ServiceID: serviceID, TakenAt: takenAt, Jobs: jobs}
}

// Empty reports whether the snapshot contains no jobs.
func (s Snapshot) Empty() bool {
	return len(s.Jobs) == 0
}

// Find returns the record for id.
func (s Snapshot) Find(id JobID) (Record, bool) {
	return lo.Find(s.Jobs, func(r Record) bool { return r.ID == id })
}

// Active returns a snapshot holding only jobs that have not finished.
func (s Snapshot) Active() Snapshot {
	return s.Filter(func(r Record) bool { return r.State.IsActive() })
}

// Filter returns a snapshot holding only the jobs keep accepts.
func (s Snapshot) Filter(keep func(Record) bool) Snapshot {
	out := s
	out.Jobs = lo.Filter(s.Jobs, func(r Record, _ int) bool { return keep(r) })
	return out
}

// Counts tallies jobs per state.
func (s Snapshot) Counts() map[State]int {
	groups := lo.GroupBy(s.Jobs, func(r Record) State { return r.State })
	counts := make(map[State]int, len(groups))
	for st, recs := range groups {
		counts[st] = len(recs)
	}
	return counts
}

// Summary renders a one-line tally, e.g. "3 jobs: 1 in_progress, 2 completed".
func (s Snapshot) Summary() string {
	counts := s.Counts()
	parts := make([]string, 0, len(counts))
	for _, st := range []State{StatePending, StateInProgress, StateCompleted, StateFailed} {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	noun := "jobs"
	if len(s.Jobs) == 1 {
		noun = "job"
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d %s", len(s.Jobs), noun)
	}
	return fmt.Sprintf("%d %s: %s", len(s.Jobs), noun, strings.Join(parts, ", "))
}
