package cmd

import (
	"errors"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/launchr/launchr/internal/observability"
	"github.com/launchr/launchr/pkg/client"
)

var progressCmd = &cobra.Command{
	Use:     "progress",
	Aliases: []string{"get-download-progress"},
	Short:   "Show the progress of every download",
	Long: `Show the progress of every download known to the aggregator.

When no aggregator is running this prints "no active downloads".

Examples:
  launchr ytdl progress
  launchr ytdl progress --active --match '*talk*'
  launchr ytdl progress --json
  launchr ytdl progress --watch`,
	Args: cobra.NoArgs,
	RunE: runProgress,
}

func init() {
	ytdlCmd.AddCommand(progressCmd)
	progressCmd.Flags().Bool("json", false, "Output as JSON")
	progressCmd.Flags().Bool("yaml", false, "Output as YAML")
	progressCmd.Flags().Bool("active", false, "Only show downloads that have not finished")
	progressCmd.Flags().String("match", "", "Only show downloads whose title, filename or URL match this glob")
	progressCmd.Flags().Bool("watch", false, "Keep refreshing in a live view")
	progressCmd.Flags().Duration("interval", time.Second, "Refresh interval for --watch")
}

func runProgress(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	yamlOutput, _ := cmd.Flags().GetBool("yaml")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")
	active, _ := cmd.Flags().GetBool("active")
	match, _ := cmd.Flags().GetString("match")

	if jsonOutput && yamlOutput {
		return exitError(foundry.ExitInvalidArgument, "Conflicting output flags", errors.New("--json and --yaml are mutually exclusive"))
	}
	if watch && (jsonOutput || yamlOutput) {
		return exitError(foundry.ExitInvalidArgument, "Conflicting output flags", errors.New("--watch cannot be combined with --json or --yaml"))
	}
	if interval <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --interval value", errors.New("interval must be positive"))
	}

	filter := client.Filter{ActiveOnly: active, Match: match}
	if err := filter.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match value", err)
	}

	c := client.New(cfg.Aggregator.Socket, dialOptions(cfg))
	if watch {
		return client.Watch(cmd.Context(), c, filter, interval)
	}

	snap, err := c.Query(cmd.Context())
	if err != nil {
		if !errors.Is(err, client.ErrNoAggregator) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Progress query failed", err)
		}
		observability.CLILogger.Debug("No aggregator answering", zap.String("socket", cfg.Aggregator.Socket), zap.Error(err))
	}
	snap = filter.Apply(snap)

	out := cmd.OutOrStdout()
	switch {
	case jsonOutput:
		return client.RenderJSON(out, snap)
	case yamlOutput:
		return client.RenderYAML(out, snap)
	default:
		return client.RenderTable(out, snap)
	}
}
