// Package launch starts detached background copies of the launchr binary
// (download workers and the aggregator) and keeps a small on-disk record of
// each launch so its outcome and logs can be found later.
package launch

import (
	"fmt"
	"time"
)

// Kind is what a background launch runs.
type Kind string

const (
	KindDownload   Kind = "download"
	KindAggregator Kind = "aggregator"
)

// State is the outcome of a launch.
//
// NOTE: These values are persisted in launch.json.
type State string

const (
	// StateRunning means the child has not reported an exit status.
	StateRunning State = "running"

	// StateExited means the child exited with status 0.
	StateExited State = "exited"

	// StateFailed means the child exited with a non-zero status.
	StateFailed State = "failed"

	// StateLost means the child is gone without having reported an exit
	// status, e.g. it was killed by SIGKILL after its parent exited.
	StateLost State = "lost"
)

// StateForExit maps a process exit status to the launch state it produces.
func StateForExit(code int) State {
	if code == 0 {
		return StateExited
	}
	return StateFailed
}

// Record is the persistent record written to launch.json.
type Record struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	State      State      `json:"state"`
	Label      string     `json:"label,omitempty"`
	Args       []string   `json:"args"`
	PID        int        `json:"pid,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}

// Outcome renders the state with the exit status when one was recorded,
// e.g. "failed (3)".
func (r Record) Outcome() string {
	if r.ExitCode != nil && r.State == StateFailed {
		return fmt.Sprintf("%s (%d)", r.State, *r.ExitCode)
	}
	return string(r.State)
}
