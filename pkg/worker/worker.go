// Package worker runs one download: it spawns the external download tool,
// parses its progress output and reports it to the aggregator.
//
// Reporting is best effort. The download runs to completion whether or not an
// aggregator is reachable.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
	"github.com/launchr/launchr/pkg/protocol"
)

const (
	// DefaultBinary is the download tool looked up on PATH.
	DefaultBinary = "yt-dlp"

	// DefaultOutputTemplate names downloaded files after their title.
	DefaultOutputTemplate = "%(title)s.%(ext)s"

	// ExitInterrupted is reported when the download was cancelled.
	ExitInterrupted = 130

	// ExitNotStarted is reported when the tool could not be executed.
	ExitNotStarted = 127

	maxTailBytes = 8192
	maxLineBytes = 1024 * 1024
)

// Client is a connection to the aggregator.
type Client interface {
	Sender
	Register(ctx context.Context, req protocol.Register) (protocol.Registered, error)
	Close() error
}

// DialFunc connects to the aggregator.
type DialFunc func(ctx context.Context) (Client, error)

// DialSocket returns a DialFunc connecting over the unix socket at path.
func DialSocket(path string, opts protocol.DialOptions) DialFunc {
	return func(ctx context.Context) (Client, error) {
		conn, err := protocol.Dial(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config configures a Worker.
type Config struct {
	// Binary is the download tool executable. Defaults to DefaultBinary.
	Binary string

	// Dial connects to the aggregator. A nil Dial disables reporting.
	Dial DialFunc

	// UpdateRate bounds progress updates sent per second.
	UpdateRate rate.Limit

	// RequestTimeout bounds registration and the final report.
	RequestTimeout time.Duration

	// WaitDelay is how long an interrupted tool gets to exit before it is
	// killed.
	WaitDelay time.Duration

	Logger *zap.Logger
}

// Options describes one download.
type Options struct {
	URL            string
	TitleHint      string
	Format         Format
	OutputDir      string
	OutputTemplate string
	ExtraArgs      []string

	// Output receives every line the tool prints. Optional.
	Output io.Writer

	// OnEvent is called for every parsed progress event. Optional.
	OnEvent func(progress.Event)
}

// Result describes a finished download.
type Result struct {
	// JobID is zero when the aggregator was unreachable.
	JobID    jobstate.JobID
	ExitCode int
	Title    string
	Filename string
	Duration time.Duration
	Reports  ReporterStats
}

// ProcessError reports that the download tool exited unsuccessfully.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("download tool exited with code %d", e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Worker runs downloads.
type Worker struct {
	cfg Config
}

// New creates a worker.
func New(cfg Config) *Worker {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = protocol.DefaultRequestTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Worker{cfg: cfg}
}

// BuildArgs returns the download tool arguments for opts.
func BuildArgs(opts Options) []string {
	args := []string{
		"--newline",
		"--progress",
		"--no-simulate",
		"--print", "before_dl:" + progress.TitleMarker + " %(title)s",
	}
	args = append(args, opts.Format.Args()...)
	if dir := strings.TrimSpace(opts.OutputDir); dir != "" {
		args = append(args, "-P", dir)
	}
	tmpl := strings.TrimSpace(opts.OutputTemplate)
	if tmpl == "" {
		tmpl = DefaultOutputTemplate
	}
	args = append(args, "-o", tmpl)
	args = append(args, opts.ExtraArgs...)
	return append(args, "--", opts.URL)
}

// Run performs one download and blocks until the tool exits.
//
// Cancelling ctx interrupts the tool and reports the job as failed. A
// non-zero exit is returned as *ProcessError alongside the Result.
func (w *Worker) Run(ctx context.Context, opts Options) (Result, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return Result{}, errors.New("download URL is required")
	}
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}

	started := time.Now()
	logger := w.cfg.Logger.With(zap.String("url", opts.URL))

	client, id := w.register(ctx, opts, logger)
	if client != nil {
		defer client.Close()
		logger = logger.With(zap.Uint64("job_id", uint64(id)))
	}
	reporter := NewReporter(client, id, ReporterOptions{
		Rate:        w.cfg.UpdateRate,
		SendTimeout: w.cfg.RequestTimeout,
		Logger:      logger,
	})

	res := Result{JobID: id, Title: opts.TitleHint}
	exitCode, runErr := w.exec(ctx, opts, &res, reporter.Report, logger)
	res.ExitCode = exitCode
	res.Duration = time.Since(started)

	reason := ""
	var pe *ProcessError
	if errors.As(runErr, &pe) {
		reason = failureReason(pe.Stderr)
		if reason == "" && pe.Err != nil {
			reason = pe.Err.Error()
		}
	}

	// The caller's ctx may already be cancelled; the final report gets its
	// own budget.
	finalCtx, cancel := context.WithTimeout(context.Background(), w.cfg.RequestTimeout)
	defer cancel()
	if err := reporter.Close(finalCtx, exitCode, reason); err != nil {
		logger.Warn("Final job state not delivered", zap.Error(err))
	}
	res.Reports = reporter.Stats()

	if runErr != nil {
		logger.Info("Download failed", zap.Int("exit_code", exitCode), zap.Duration("duration", res.Duration))
		return res, runErr
	}
	logger.Info("Download complete", zap.String("filename", res.Filename), zap.Duration("duration", res.Duration))
	return res, nil
}

func (w *Worker) register(ctx context.Context, opts Options, logger *zap.Logger) (Client, jobstate.JobID) {
	if w.cfg.Dial == nil {
		return nil, 0
	}
	regCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	client, err := w.cfg.Dial(regCtx)
	if err != nil {
		logger.Warn("Aggregator unavailable; progress reporting disabled", zap.Error(err))
		return nil, 0
	}
	reg, err := client.Register(regCtx, protocol.Register{URL: opts.URL, TitleHint: opts.TitleHint})
	if err != nil {
		_ = client.Close()
		logger.Warn("Job registration failed; progress reporting disabled", zap.Error(err))
		return nil, 0
	}
	return client, reg.JobID
}

// exec runs the tool and returns its exit code.
func (w *Worker) exec(ctx context.Context, opts Options, res *Result, report func(progress.Event), logger *zap.Logger) (int, error) {
	args := BuildArgs(opts)
	cmd := exec.CommandContext(ctx, w.cfg.Binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = w.cfg.WaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExitNotStarted, &ProcessError{ExitCode: ExitNotStarted, Err: fmt.Errorf("setup stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ExitNotStarted, &ProcessError{ExitCode: ExitNotStarted, Err: fmt.Errorf("setup stderr pipe: %w", err)}
	}

	logger.Debug("Starting download tool", zap.String("binary", w.cfg.Binary), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return ExitNotStarted, &ProcessError{ExitCode: ExitNotStarted, Err: fmt.Errorf("start %s: %w", w.cfg.Binary, err)}
	}

	var (
		mu   sync.Mutex
		tail strings.Builder
		wg   sync.WaitGroup
	)
	emit := func(line string) {
		if opts.Output == nil {
			return
		}
		mu.Lock()
		_, _ = io.WriteString(opts.Output, line+"\n")
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			emit(line)
			ev, ok := progress.Parse(line)
			if !ok {
				return
			}
			mu.Lock()
			if ev.Title != "" {
				res.Title = ev.Title
			}
			if ev.Filename != "" {
				res.Filename = ev.Filename
			}
			mu.Unlock()
			report(ev)
			if opts.OnEvent != nil {
				opts.OnEvent(ev)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			emit(line)
			mu.Lock()
			appendLimited(&tail, line)
			mu.Unlock()
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr == nil {
		return 0, nil
	}

	code := exitCodeOf(cmd, waitErr)
	if ctx.Err() != nil {
		code = ExitInterrupted
		waitErr = fmt.Errorf("interrupted: %w", ctx.Err())
	}
	mu.Lock()
	stderrTail := strings.TrimSpace(tail.String())
	mu.Unlock()
	return code, &ProcessError{ExitCode: code, Stderr: stderrTail, Err: waitErr}
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code > 0 {
			return code
		}
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

// scanLines calls fn for every line of r. Carriage returns also end a line,
// since the tool redraws progress in place when --newline is ignored.
func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && isLineBreak(data[start]) {
		start++
	}
	for i := start; i < len(data); i++ {
		if isLineBreak(data[i]) {
			return i + 1, data[start:i], nil
		}
	}
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	// Only consume leading breaks here. A nil token after EOF ends the scan,
	// so it is never returned while a line is still buffered.
	return start, nil, nil
}

func isLineBreak(b byte) bool {
	return b == '\n' || b == '\r'
}

// appendLimited keeps the last maxTailBytes of output.
func appendLimited(b *strings.Builder, line string) {
	next := b.String() + line + "\n"
	if len(next) > maxTailBytes {
		next = next[len(next)-maxTailBytes:]
	}
	b.Reset()
	b.WriteString(next)
}

// failureReason picks the tool's ERROR line, or the first line of stderr.
func failureReason(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "ERROR:") {
			return line
		}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
