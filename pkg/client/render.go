package client

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/launchr/launchr/pkg/jobstate"
)

// NoActiveDownloads is printed when there is nothing to show.
const NoActiveDownloads = "no active downloads"

// Filter narrows a snapshot.
type Filter struct {
	// ActiveOnly drops completed and failed jobs.
	ActiveOnly bool

	// Match is a doublestar glob tested against title, filename and URL.
	Match string
}

// Validate checks the glob syntax.
func (f Filter) Validate() error {
	if f.Match == "" {
		return nil
	}
	if !doublestar.ValidatePattern(f.Match) {
		return fmt.Errorf("invalid --match pattern %q", f.Match)
	}
	return nil
}

// Apply returns the jobs of snap accepted by f.
func (f Filter) Apply(snap jobstate.Snapshot) jobstate.Snapshot {
	if f.ActiveOnly {
		snap = snap.Active()
	}
	if f.Match == "" {
		return snap
	}
	return snap.Filter(func(r jobstate.Record) bool {
		for _, v := range []string{r.Title, r.Filename, r.URL} {
			if v == "" {
				continue
			}
			if ok, err := doublestar.Match(f.Match, v); err == nil && ok {
				return true
			}
		}
		return false
	})
}

// RenderTable writes snap as an aligned table.
func RenderTable(w io.Writer, snap jobstate.Snapshot) error {
	if snap.Empty() {
		_, err := fmt.Fprintln(w, NoActiveDownloads)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATE\tPROGRESS\tSPEED\tETA\tSIZE\tTITLE")
	for _, r := range snap.Jobs {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			stateLabel(r),
			fmt.Sprintf("%5.1f%%", r.Percent),
			dash(r.Speed),
			FormatETA(r.ETA),
			dash(r.TotalSize),
			truncate(r.DisplayTitle(), 60),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, snap.Summary())
	return err
}

// RenderJSON writes snap as indented JSON.
func RenderJSON(w io.Writer, snap jobstate.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// RenderYAML writes snap as YAML.
func RenderYAML(w io.Writer, snap jobstate.Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return enc.Close()
}

// FormatETA renders an ETA as H:MM:SS or M:SS, or "-" when unknown.
func FormatETA(eta *time.Duration) string {
	if eta == nil || *eta < 0 {
		return "-"
	}
	total := int(eta.Round(time.Second).Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func stateLabel(r jobstate.Record) string {
	if r.State == jobstate.StateFailed && r.ExitCode != nil {
		return fmt.Sprintf("failed (%d)", *r.ExitCode)
	}
	return string(r.State)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
