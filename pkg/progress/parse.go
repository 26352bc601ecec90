package progress

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TitleMarker prefixes the title line printed by the worker's
// `--print before_dl:` template.
const TitleMarker = "[launchr] title:"

var (
	rePct   = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)
	reOf    = regexp.MustCompile(`\bof\s+(~?\s*[0-9]+(?:\.[0-9]+)?\s*[KMGTPE]?i?B)\b`)
	reSpeed = regexp.MustCompile(`\bat\s+(\S+)`)
	reETA   = regexp.MustCompile(`\bETA\s+(\S+)`)

	reDestination = regexp.MustCompile(`^\[download\]\s+Destination:\s+(.+)$`)
	reAlready     = regexp.MustCompile(`^\[download\]\s+(.+?) has already been downloaded`)
	reMerger      = regexp.MustCompile(`^\[Merger\]\s+Merging formats into "(.+)"$`)
	reExtract     = regexp.MustCompile(`^\[ExtractAudio\]\s+Destination:\s+(.+)$`)
)

// Parse interprets one line of download tool output.
//
// It returns the recognised event and true, or a zero Event and false when
// the line carries nothing useful. Parse never fails: partial or garbled
// lines from a not-yet-flushed buffer simply yield fewer fields.
func Parse(line string) (Event, bool) {
	l := strings.TrimSpace(strings.Trim(line, "\r\n\x00"))
	if l == "" {
		return Event{}, false
	}

	var ev Event
	switch {
	case strings.HasPrefix(l, TitleMarker):
		ev.Title = strings.TrimSpace(strings.TrimPrefix(l, TitleMarker))
	case strings.HasPrefix(l, "[download]"):
		ev = parseDownloadLine(l)
	case strings.HasPrefix(l, "[Merger]"):
		if m := reMerger.FindStringSubmatch(l); len(m) > 1 {
			ev.Filename = strings.TrimSpace(m[1])
		}
	case strings.HasPrefix(l, "[ExtractAudio]"):
		if m := reExtract.FindStringSubmatch(l); len(m) > 1 {
			ev.Filename = strings.TrimSpace(m[1])
		}
	}

	if ev.IsZero() {
		return Event{}, false
	}
	return ev, true
}

func parseDownloadLine(l string) Event {
	var ev Event
	if m := reDestination.FindStringSubmatch(l); len(m) > 1 {
		ev.Filename = strings.TrimSpace(m[1])
		return ev
	}
	if m := reAlready.FindStringSubmatch(l); len(m) > 1 {
		ev.Filename = strings.TrimSpace(m[1])
		ev.Percent = Float(100)
		return ev
	}

	m := rePct.FindStringSubmatch(l)
	if len(m) < 2 {
		return ev
	}
	pct, ok := parsePercent(m[1])
	if !ok {
		// An impossible percentage means the line is corrupt; trust none of it.
		return Event{}
	}
	ev.Percent = Float(pct)
	if m := reOf.FindStringSubmatch(l); len(m) > 1 {
		ev.TotalSize = strings.ReplaceAll(m[1], " ", "")
	}
	if m := reSpeed.FindStringSubmatch(l); len(m) > 1 && known(m[1]) {
		ev.Speed = m[1]
	}
	if m := reETA.FindStringSubmatch(l); len(m) > 1 && known(m[1]) {
		if eta, ok := ParseETA(m[1]); ok {
			ev.ETA = Duration(eta)
		}
	}
	return ev
}

func parsePercent(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

func known(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "unknown", "n/a", "na":
		return false
	}
	return true
}

// ParseETA parses SS, MM:SS, HH:MM:SS or D:HH:MM:SS.
func ParseETA(raw string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) == 0 || len(parts) > 4 {
		return 0, false
	}
	units := []time.Duration{time.Second, time.Minute, time.Hour, 24 * time.Hour}
	var total time.Duration
	for i := 0; i < len(parts); i++ {
		p := parts[len(parts)-1-i]
		if p == "" {
			return 0, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		if time.Duration(n) > (math.MaxInt64-total)/units[i] {
			return 0, false
		}
		total += time.Duration(n) * units[i]
	}
	return total, true
}
