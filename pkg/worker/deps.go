package worker

import (
	"fmt"
	"os/exec"
)

// DependencyReport describes which external tools are available.
type DependencyReport struct {
	BinaryFound bool   `json:"binary_found"`
	BinaryPath  string `json:"binary_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
}

// DependencyStatus looks up the download tool and ffmpeg on PATH.
func DependencyStatus(binary string) DependencyReport {
	if binary == "" {
		binary = DefaultBinary
	}
	report := DependencyReport{}
	if path, err := exec.LookPath(binary); err == nil {
		report.BinaryFound = true
		report.BinaryPath = path
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

// CheckDependencies returns an error naming the first missing tool.
func CheckDependencies(binary string) error {
	if binary == "" {
		binary = DefaultBinary
	}
	report := DependencyStatus(binary)
	if !report.BinaryFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", binary)
	}
	if !report.FFmpegFound {
		return fmt.Errorf("missing dependency: ffmpeg is required to merge formats and extract audio and was not found on PATH")
	}
	return nil
}
