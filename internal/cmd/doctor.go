package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/launchr/launchr/internal/observability"
	"github.com/launchr/launchr/pkg/client"
	"github.com/launchr/launchr/pkg/worker"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Checks that yt-dlp and ffmpeg are installed, that the output and launch
directories are usable and whether an aggregator is answering.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic. A required check that fails makes the
// command exit non-zero.
type doctorCheck struct {
	name     string
	required bool
	run      func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return err
	}

	deps := worker.DependencyStatus(cfg.Worker.Binary)
	checks := []doctorCheck{
		{name: "Go runtime", run: func(context.Context) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{name: cfg.Worker.Binary, required: true, run: func(context.Context) (string, error) {
			if !deps.BinaryFound {
				return "", fmt.Errorf("%s not found on PATH", cfg.Worker.Binary)
			}
			return deps.BinaryPath, nil
		}},
		{name: "ffmpeg", run: func(context.Context) (string, error) {
			if !deps.FFmpegFound {
				return "", errors.New("ffmpeg not found; merging formats and audio extraction will fail")
			}
			return deps.FFmpegPath, nil
		}},
		{name: "output directory", run: func(context.Context) (string, error) {
			return checkWritableDir(cfg.Worker.OutputDir)
		}},
		{name: "launch log directory", run: func(context.Context) (string, error) {
			return checkWritableDir(cfg.Jobs.LogDir)
		}},
		{name: "aggregator", run: func(ctx context.Context) (string, error) {
			if err := client.New(cfg.Aggregator.Socket, dialOptions(cfg)).Ping(ctx); err != nil {
				return "", fmt.Errorf("not running on %s (start it with 'launchr ytdl serve --background')", cfg.Aggregator.Socket)
			}
			return "answering on " + cfg.Aggregator.Socket, nil
		}},
	}

	log := observability.CLILogger
	log.Info("=== launchr doctor ===")
	failedRequired := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context())
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		switch {
		case err == nil:
			log.Info(prefix+" ok "+detail, zap.String("check", c.name))
		case c.required:
			failedRequired++
			log.Error(prefix+" FAILED", zap.String("check", c.name), zap.Error(err))
		default:
			log.Warn(prefix+" warning", zap.String("check", c.name), zap.Error(err))
		}
	}

	if failedRequired > 0 {
		return exitError(foundry.ExitFileNotFound, "Doctor found problems",
			fmt.Errorf("%d required check(s) failed", failedRequired))
	}
	log.Info("All required checks passed")
	return nil
}

// checkWritableDir creates dir if needed and verifies a file can be written.
func checkWritableDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(abs, ".launchr-doctor-*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", abs, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return abs, nil
}
