// Package jobstate defines the tracked state of download jobs as held by the
// aggregator and returned to clients in snapshots.
package jobstate

import (
	"strconv"
	"time"
)

// JobID identifies a job within one aggregator lifetime.
//
// Ids are assigned by the aggregator at registration, starting at 1, and are
// never reused. Zero means "no job" (e.g. the aggregator was unreachable).
type JobID uint64

func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Valid reports whether id was assigned by an aggregator.
func (id JobID) Valid() bool {
	return id != 0
}

// State is the lifecycle state of a job.
//
// NOTE: These values travel over the wire and are part of the protocol
// contract.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var allowedTransitions = map[State]map[State]bool{
	StatePending: {
		StateInProgress: true,
		StateCompleted:  true,
		StateFailed:     true,
	},
	StateInProgress: {
		StateInProgress: true,
		StateCompleted:  true,
		StateFailed:     true,
	},
	StateCompleted: {},
	StateFailed:    {},
}

// IsTerminal reports whether no further transitions are permitted from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsActive reports whether the job is still expected to make progress.
func (s State) IsActive() bool {
	return s == StatePending || s == StateInProgress
}

func (s State) String() string {
	return string(s)
}

// CanTransition reports whether a job may move from one state to another.
// States only move forward; terminal states accept nothing.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Record is the aggregator's view of one job.
type Record struct {
	ID       JobID  `json:"id" yaml:"id"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	URL      string `json:"url" yaml:"url"`
	Filename string `json:"filename,omitempty" yaml:"filename,omitempty"`
	State    State  `json:"state" yaml:"state"`

	// Percent is the last known completion percentage (0-100).
	Percent float64 `json:"percent" yaml:"percent"`

	Speed     string         `json:"speed,omitempty" yaml:"speed,omitempty"`
	ETA       *time.Duration `json:"eta_ns,omitempty" yaml:"eta,omitempty"`
	TotalSize string         `json:"total_size,omitempty" yaml:"total_size,omitempty"`

	// ExitCode is set when the job failed because the download tool exited
	// non-zero.
	ExitCode *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`

	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// Clone returns a deep copy of r that shares no memory with it.
func (r Record) Clone() Record {
	out := r
	if r.ETA != nil {
		eta := *r.ETA
		out.ETA = &eta
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return out
}

// DisplayTitle returns the best available label for the job.
func (r Record) DisplayTitle() string {
	switch {
	case r.Title != "":
		return r.Title
	case r.Filename != "":
		return r.Filename
	default:
		return r.URL
	}
}
