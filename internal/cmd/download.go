package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/launchr/launchr/internal/config"
	"github.com/launchr/launchr/internal/observability"
	"github.com/launchr/launchr/pkg/launch"
	"github.com/launchr/launchr/pkg/worker"
)

var ytdlCmd = &cobra.Command{
	Use:   "ytdl",
	Short: "Download with yt-dlp and track progress",
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Start a download",
	Long: `Start a yt-dlp download and report its progress to the aggregator.

The download runs even when no aggregator is listening; progress is then
simply not shared. Arguments after "--" are passed to yt-dlp unchanged.

Examples:
  launchr ytdl download url https://vimeo.com/76979871 --format 720p
  launchr ytdl download clipboard --background
  launchr ytdl download url https://example.com/v -- --no-playlist`,
}

var downloadURLCmd = &cobra.Command{
	Use:   "url <URL> [-- yt-dlp args...]",
	Short: "Download the given URL",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload(cmd, args[0], extraToolArgs(cmd, args))
	},
}

var downloadClipboardCmd = &cobra.Command{
	Use:   "clipboard [-- yt-dlp args...]",
	Short: "Download the URL currently on the clipboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := clipboard.ReadAll()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to read clipboard", err)
		}
		u, err := clipboardURL(raw)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Clipboard does not hold a URL", err)
		}
		return runDownload(cmd, u, extraToolArgs(cmd, args))
	},
}

func init() {
	rootCmd.AddCommand(ytdlCmd)
	ytdlCmd.AddCommand(downloadCmd)
	downloadCmd.AddCommand(downloadURLCmd)
	downloadCmd.AddCommand(downloadClipboardCmd)

	formats := make([]string, 0, len(worker.Formats()))
	for _, f := range worker.Formats() {
		formats = append(formats, string(f))
	}
	pf := downloadCmd.PersistentFlags()
	pf.String("format", "", "Format: "+strings.Join(formats, ", ")+" (default from config)")
	pf.String("title", "", "Title shown until yt-dlp reports the real one")
	pf.String("output-dir", "", "Directory to download into (default from config)")
	pf.String("output-template", "", "yt-dlp output template (default from config)")
	pf.Bool("background", false, "Run the download as a detached background process")
	pf.BoolP("quiet", "q", false, "Do not echo yt-dlp output")
}

// extraToolArgs returns the arguments given after "--".
func extraToolArgs(cmd *cobra.Command, args []string) []string {
	at := cmd.ArgsLenAtDash()
	if at < 0 || at >= len(args) {
		return nil
	}
	return append([]string(nil), args[at:]...)
}

// clipboardURL extracts an http(s) URL from clipboard text.
func clipboardURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("clipboard is empty")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("clipboard holds more than one line or word")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%q is not an http(s) URL", s)
	}
	return u.String(), nil
}

// downloadRequest is a download resolved from flags and config.
type downloadRequest struct {
	URL            string
	Title          string
	Format         worker.Format
	OutputDir      string
	OutputTemplate string
	ExtraArgs      []string
	Quiet          bool
}

func resolveDownload(cmd *cobra.Command, cfg *config.Config, rawURL string, extra []string) (downloadRequest, error) {
	flags := cmd.Flags()
	formatFlag, _ := flags.GetString("format")
	title, _ := flags.GetString("title")
	outputDir, _ := flags.GetString("output-dir")
	outputTemplate, _ := flags.GetString("output-template")
	quiet, _ := flags.GetBool("quiet")

	if formatFlag == "" {
		formatFlag = cfg.Worker.Format
	}
	format, err := worker.ParseFormat(formatFlag)
	if err != nil {
		return downloadRequest{}, exitError(foundry.ExitInvalidArgument, "Invalid --format value", err)
	}
	if outputDir == "" {
		outputDir = cfg.Worker.OutputDir
	}
	if outputTemplate == "" {
		outputTemplate = cfg.Worker.OutputTemplate
	}

	req := downloadRequest{
		URL:            strings.TrimSpace(rawURL),
		Title:          strings.TrimSpace(title),
		Format:         format,
		OutputDir:      outputDir,
		OutputTemplate: outputTemplate,
		ExtraArgs:      append(append([]string(nil), cfg.Worker.ExtraArgs...), extra...),
		Quiet:          quiet,
	}
	if req.URL == "" {
		return downloadRequest{}, exitError(foundry.ExitInvalidArgument, "Invalid URL", errors.New("URL is empty"))
	}
	return req, nil
}

// childArgs is the argument list that re-runs req in the foreground.
func (r downloadRequest) childArgs() ([]string, error) {
	dir, err := filepath.Abs(r.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	args := []string{"ytdl", "download", "url", r.URL,
		"--format", string(r.Format),
		"--output-dir", dir,
		"--output-template", r.OutputTemplate,
		"--quiet",
	}
	if r.Title != "" {
		args = append(args, "--title", r.Title)
	}
	args = append(args, globalArgs()...)
	if len(r.ExtraArgs) > 0 {
		args = append(args, "--")
		args = append(args, r.ExtraArgs...)
	}
	return args, nil
}

func runDownload(cmd *cobra.Command, rawURL string, extra []string) error {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return err
	}
	req, err := resolveDownload(cmd, cfg, rawURL, extra)
	if err != nil {
		return err
	}

	if background, _ := cmd.Flags().GetBool("background"); background {
		// Config extra args are re-read by the child.
		req.ExtraArgs = extra
		args, err := req.childArgs()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --output-dir value", err)
		}
		return startBackground(cmd, cfg, launch.KindDownload, req.URL, args)
	}

	w := worker.New(worker.Config{
		Binary:         cfg.Worker.Binary,
		Dial:           worker.DialSocket(cfg.Aggregator.Socket, dialOptions(cfg)),
		UpdateRate:     rate.Limit(cfg.Worker.UpdateRate),
		RequestTimeout: cfg.Aggregator.RequestTimeout,
		Logger:         observability.ServerLogger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := worker.Options{
		URL:            req.URL,
		TitleHint:      req.Title,
		Format:         req.Format,
		OutputDir:      req.OutputDir,
		OutputTemplate: req.OutputTemplate,
		ExtraArgs:      req.ExtraArgs,
	}
	if !req.Quiet {
		opts.Output = cmd.ErrOrStderr()
	}

	res, err := w.Run(ctx, opts)
	if err != nil {
		var pe *worker.ProcessError
		if errors.As(err, &pe) {
			return exitError(pe.ExitCode, "Download failed", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Download failed", err)
	}

	observability.CLILogger.Info("Download complete",
		zap.String("title", res.Title),
		zap.String("filename", res.Filename),
		zap.Duration("duration", res.Duration))
	if res.Filename != "" {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Filename)
	}
	return nil
}

func startBackground(cmd *cobra.Command, cfg *config.Config, kind launch.Kind, label string, args []string) error {
	launcher := launch.NewLauncher(cfg.Jobs.LogDir)
	rec, err := launcher.Start(kind, label, args)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to start background "+string(kind), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Started background %s %s (pid %d)\n", kind, rec.ID, rec.PID)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logs: %s\n", filepath.Dir(rec.StdoutPath))
	return nil
}
