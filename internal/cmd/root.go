package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/launchr/launchr/internal/config"
	"github.com/launchr/launchr/internal/observability"
	"github.com/launchr/launchr/internal/server/handlers"
	"github.com/launchr/launchr/pkg/launch"
	"github.com/launchr/launchr/pkg/protocol"
)

// VersionInfo is the build metadata injected by main.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	cfgFile     string
	logLevel    string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "launchr",
	Short: "Launch downloads and follow their progress",
	Long: `launchr runs yt-dlp downloads and aggregates their progress in a
local service so any terminal can ask what is downloading.

Examples:
  launchr ytdl serve --background
  launchr ytdl download url https://www.youtube.com/watch?v=dQw4w9WgXcQ
  launchr ytdl progress --watch`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/launchr/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose CLI output")
}

// SetVersionInfo records build metadata for "version" and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(version, commit, buildDate)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	observability.InitCLILogger(config.AppName, verboseFlag)
	if err := observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	defer observability.Sync()

	code := 0
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		code = exitCodeOf(err)
	}
	if err := launch.FinishCurrent(code); err != nil {
		observability.CLILogger.Warn("Failed to record launch exit status", zap.Error(err))
	}
	return code
}

// ExitError carries the exit code a failed command should produce.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

func exitCodeOf(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) && ee.Code != 0 {
		return ee.Code
	}
	return 1
}

// loadedConfig returns the configuration resolved by initConfig.
func loadedConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

func dialOptions(cfg *config.Config) protocol.DialOptions {
	return protocol.DialOptions{
		DialTimeout:     cfg.Aggregator.DialTimeout,
		RequestTimeout:  cfg.Aggregator.RequestTimeout,
		MaxMessageBytes: cfg.Aggregator.MaxMessageBytes,
	}
}

// globalArgs repeats the persistent flags for a background child.
func globalArgs() []string {
	var args []string
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return args
}
