package worker

import (
	"fmt"
	"strings"
)

// Format selects what the download tool fetches.
type Format string

const (
	Format1440p Format = "1440p"
	Format1080p Format = "1080p"
	Format720p  Format = "720p"
	Format480p  Format = "480p"
	FormatWorst Format = "worst"
	FormatAudio Format = "audio"
)

// DefaultFormat is used when no format is configured.
const DefaultFormat = Format1080p

// Formats lists every supported format, best first.
func Formats() []Format {
	return []Format{Format1440p, Format1080p, Format720p, Format480p, FormatWorst, FormatAudio}
}

// ParseFormat resolves a user-supplied format name. An empty value yields
// DefaultFormat.
func ParseFormat(raw string) (Format, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return DefaultFormat, nil
	case "1440p", "1440":
		return Format1440p, nil
	case "1080p", "1080", "hd":
		return Format1080p, nil
	case "720p", "720":
		return Format720p, nil
	case "480p", "480", "sd":
		return Format480p, nil
	case "worst", "smallest":
		return FormatWorst, nil
	case "audio", "mp3":
		return FormatAudio, nil
	default:
		names := make([]string, 0, len(Formats()))
		for _, f := range Formats() {
			names = append(names, string(f))
		}
		return "", fmt.Errorf("unsupported format %q (expected one of %s)", strings.TrimSpace(raw), strings.Join(names, ", "))
	}
}

// Args returns the download tool arguments selecting f.
func (f Format) Args() []string {
	switch f {
	case Format1440p:
		return heightCeiling(1440)
	case Format720p:
		return heightCeiling(720)
	case Format480p:
		return heightCeiling(480)
	case FormatWorst:
		return []string{"-S", "+size,+br,+res,+fps"}
	case FormatAudio:
		return []string{"-x", "--audio-format", "mp3"}
	default:
		return heightCeiling(1080)
	}
}

func heightCeiling(h int) []string {
	return []string{"-f", fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", h, h)}
}
