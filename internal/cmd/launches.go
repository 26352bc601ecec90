package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/launchr/launchr/pkg/launch"
)

var launchesCmd = &cobra.Command{
	Use:   "launches",
	Short: "Inspect background downloads and aggregators",
	Long: `Inspect processes started with --background.

Each launch keeps a record and its stdout/stderr under jobs.log_dir.`,
}

var launchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List background launches",
	Args:  cobra.NoArgs,
	RunE:  runLaunchesList,
}

var launchesLogsCmd = &cobra.Command{
	Use:   "logs <launch_id>",
	Short: "Show logs for a background launch",
	Args:  cobra.ExactArgs(1),
	RunE:  runLaunchesLogs,
}

func init() {
	ytdlCmd.AddCommand(launchesCmd)
	launchesCmd.AddCommand(launchesListCmd)
	launchesCmd.AddCommand(launchesLogsCmd)

	launchesListCmd.Flags().Bool("json", false, "Output as JSON")
	launchesLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
}

func runLaunchesList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	recs, err := launch.NewStore(cfg.Jobs.LogDir).List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read launches", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if recs == nil {
			recs = []launch.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(out, "No launches found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "LAUNCH ID\tKIND\tSTATE\tPID\tSTARTED\tLABEL")
	for _, r := range recs {
		label := r.Label
		if label == "" {
			label = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortLaunchID(r.ID), r.Kind, r.Outcome(), r.PID,
			r.CreatedAt.Local().Format(time.DateTime), label)
	}
	return nil
}

func runLaunchesLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return err
	}
	stream, _ := cmd.Flags().GetString("stream")

	store := launch.NewStore(cfg.Jobs.LogDir)
	rec, err := resolveLaunch(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Launch not found", err)
	}

	var paths []string
	switch stream {
	case "stdout":
		paths = []string{rec.StdoutPath}
	case "stderr":
		paths = []string{rec.StderrPath}
	case "both":
		paths = []string{rec.StdoutPath, rec.StderrPath}
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value", fmt.Errorf("unknown stream %q", stream))
	}

	for _, p := range paths {
		if err := copyFile(cmd.OutOrStdout(), p); err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read log", err)
		}
	}
	return nil
}

// resolveLaunch accepts a full launch id or a unique prefix of one.
func resolveLaunch(store *launch.Store, id string) (*launch.Record, error) {
	if rec, err := store.Get(id); err == nil {
		return rec, nil
	}
	recs, err := store.List()
	if err != nil {
		return nil, err
	}
	var found *launch.Record
	for i := range recs {
		if len(id) > 0 && len(recs[i].ID) >= len(id) && recs[i].ID[:len(id)] == id {
			if found != nil {
				return nil, fmt.Errorf("launch id prefix %q is ambiguous", id)
			}
			found = &recs[i]
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no launch with id %q", id)
	}
	return found, nil
}

func shortLaunchID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
