// Package progress turns the line-oriented progress output of an external
// download tool (yt-dlp) into structured progress events.
//
// The tool's output format is not under our control and changes between
// releases, so parsing is deliberately forgiving: a line that is not
// recognised yields no event and is skipped, never an error.
package progress

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidEvent indicates an event whose values are out of range.
var ErrInvalidEvent = errors.New("invalid progress event")

// Event is a single structured progress observation.
//
// Every field is optional. A zero Event carries no information and is never
// returned by Parse.
type Event struct {
	// Percent is the completion percentage in the range 0-100.
	Percent *float64 `json:"percent,omitempty"`

	// Speed is the human-readable transfer rate as reported by the tool
	// (e.g. "3.2MiB/s").
	Speed string `json:"speed,omitempty"`

	// ETA is the estimated time remaining.
	ETA *time.Duration `json:"eta_ns,omitempty"`

	// TotalSize is the human-readable expected size (e.g. "~10.00MiB").
	TotalSize string `json:"total_size,omitempty"`

	// Title is the display title, once the tool reports it.
	Title string `json:"title,omitempty"`

	// Filename is the destination file, once the tool reports it.
	Filename string `json:"filename,omitempty"`
}

// IsZero reports whether the event carries no fields.
func (e Event) IsZero() bool {
	return e.Percent == nil &&
		e.Speed == "" &&
		e.ETA == nil &&
		e.TotalSize == "" &&
		e.Title == "" &&
		e.Filename == ""
}

// Validate rejects a percentage outside 0-100 (or NaN) and a negative ETA.
func (e Event) Validate() error {
	if e.Percent != nil {
		p := *e.Percent
		if math.IsNaN(p) || p < 0 || p > 100 {
			return fmt.Errorf("%w: percent %v out of range", ErrInvalidEvent, p)
		}
	}
	if e.ETA != nil && *e.ETA < 0 {
		return fmt.Errorf("%w: negative eta %s", ErrInvalidEvent, *e.ETA)
	}
	return nil
}

// HasMetadata reports whether the event names the job's title or filename.
func (e Event) HasMetadata() bool {
	return e.Title != "" || e.Filename != ""
}

// Merge folds next into e and returns the combined event.
//
// Transfer fields (speed, ETA, size) take the newer value when present.
// Percent keeps the larger value. Metadata keeps the newer non-empty value.
// The receiver is not modified.
func (e Event) Merge(next Event) Event {
	out := e.Clone()
	if next.Percent != nil {
		if out.Percent == nil || *next.Percent >= *out.Percent {
			out.Percent = Float(*next.Percent)
		}
	}
	if next.Speed != "" {
		out.Speed = next.Speed
	}
	if next.ETA != nil {
		out.ETA = Duration(*next.ETA)
	}
	if next.TotalSize != "" {
		out.TotalSize = next.TotalSize
	}
	if next.Title != "" {
		out.Title = next.Title
	}
	if next.Filename != "" {
		out.Filename = next.Filename
	}
	return out
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	out := e
	if e.Percent != nil {
		out.Percent = Float(*e.Percent)
	}
	if e.ETA != nil {
		out.ETA = Duration(*e.ETA)
	}
	return out
}

func (e Event) String() string {
	pct := "-"
	if e.Percent != nil {
		pct = fmt.Sprintf("%.1f%%", *e.Percent)
	}
	eta := "-"
	if e.ETA != nil {
		eta = e.ETA.String()
	}
	return fmt.Sprintf("percent=%s speed=%q eta=%s title=%q filename=%q", pct, e.Speed, eta, e.Title, e.Filename)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Duration returns a pointer to d.
func Duration(d time.Duration) *time.Duration { return &d }
