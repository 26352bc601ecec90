package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
	"github.com/launchr/launchr/pkg/protocol"
)

type recordingClient struct {
	mu         sync.Mutex
	registered []protocol.Register
	updates    []progress.Event
	completed  int
	failed     []protocol.Fail
	closed     bool
}

func (c *recordingClient) Register(_ context.Context, req protocol.Register) (protocol.Registered, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = append(c.registered, req)
	return protocol.Registered{JobID: 7, ServiceID: "svc"}, nil
}

func (c *recordingClient) Update(_ context.Context, _ jobstate.JobID, ev progress.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, ev)
	return nil
}

func (c *recordingClient) Complete(context.Context, jobstate.JobID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	return nil
}

func (c *recordingClient) Fail(_ context.Context, _ jobstate.JobID, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, protocol.Fail{ExitCode: code, Reason: reason})
	return nil
}

func (c *recordingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingClient) dial() DialFunc {
	return func(context.Context) (Client, error) { return c, nil }
}

func writeFakeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

const successScript = `echo "[youtube] abc: Downloading webpage"
echo "[launchr] title: My Video"
echo "[download] Destination: My Video.mp4"
echo "[download]   0.0% of ~  10.00MiB at  Unknown B/s ETA Unknown"
echo "[download]  45.0% of ~  10.00MiB at    2.00MiB/s ETA 00:03"
printf "[download]  80.0%% of ~  10.00MiB at    2.50MiB/s ETA 00:01\r"
echo "[download] 100% of   10.00MiB in 00:00:04 at 2.31MiB/s"
exit 0`

func TestWorker_Run_Success(t *testing.T) {
	client := &recordingClient{}
	w := New(Config{Binary: writeFakeTool(t, successScript), Dial: client.dial(), UpdateRate: rate.Inf})

	var out bytes.Buffer
	var events []progress.Event
	res, err := w.Run(context.Background(), Options{
		URL:       "https://example.com/watch?v=abc",
		TitleHint: "hint",
		Output:    &out,
		OnEvent:   func(ev progress.Event) { events = append(events, ev) },
	})
	require.NoError(t, err)

	assert.Equal(t, jobstate.JobID(7), res.JobID)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "My Video", res.Title)
	assert.Equal(t, "My Video.mp4", res.Filename)
	assert.Contains(t, out.String(), "[youtube] abc: Downloading webpage")
	assert.Len(t, events, 6)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.registered, 1)
	assert.Equal(t, "https://example.com/watch?v=abc", client.registered[0].URL)
	assert.Equal(t, "hint", client.registered[0].TitleHint)
	require.NotEmpty(t, client.updates)
	last := client.updates[len(client.updates)-1]
	require.NotNil(t, last.Percent)
	assert.Equal(t, 100.0, *last.Percent)
	assert.Equal(t, 1, client.completed)
	assert.Empty(t, client.failed)
	assert.True(t, client.closed)
	assert.Positive(t, res.Reports.Sent)
}

func TestWorker_Run_NonZeroExitReportsFail(t *testing.T) {
	client := &recordingClient{}
	script := `echo "[download]  12.0% of 1.00MiB at 1.00MiB/s ETA 00:01"
echo "WARNING: something odd" >&2
echo "ERROR: Unsupported URL: https://example.com" >&2
exit 2`
	w := New(Config{Binary: writeFakeTool(t, script), Dial: client.dial(), UpdateRate: rate.Inf})

	res, err := w.Run(context.Background(), Options{URL: "https://example.com"})
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.ExitCode)
	assert.Contains(t, pe.Stderr, "ERROR: Unsupported URL")
	assert.Equal(t, 2, res.ExitCode)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Zero(t, client.completed)
	require.Len(t, client.failed, 1)
	assert.Equal(t, 2, client.failed[0].ExitCode)
	assert.Equal(t, "ERROR: Unsupported URL: https://example.com", client.failed[0].Reason)
}

func TestWorker_Run_AggregatorUnavailableStillDownloads(t *testing.T) {
	dial := func(context.Context) (Client, error) {
		return nil, protocol.ErrUnavailable
	}
	w := New(Config{Binary: writeFakeTool(t, successScript), Dial: dial})

	res, err := w.Run(context.Background(), Options{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Zero(t, res.JobID)
	assert.Equal(t, "My Video.mp4", res.Filename)
	assert.Zero(t, res.Reports.Sent)
}

func TestWorker_Run_NoDialer(t *testing.T) {
	w := New(Config{Binary: writeFakeTool(t, successScript)})
	res, err := w.Run(context.Background(), Options{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Zero(t, res.JobID)
}

func TestWorker_Run_InterruptReportsFail(t *testing.T) {
	client := &recordingClient{}
	script := `echo "[download]  10.0% of 1.00MiB at 1.00MiB/s ETA 00:09"
exec sleep 30`
	w := New(Config{
		Binary:     writeFakeTool(t, script),
		Dial:       client.dial(),
		UpdateRate: rate.Inf,
		WaitDelay:  2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	var once sync.Once

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = w.Run(ctx, Options{
			URL:     "https://example.com",
			OnEvent: func(progress.Event) { once.Do(func() { close(started) }) },
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never reported progress")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after interrupt")
	}

	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ExitInterrupted, pe.ExitCode)
	assert.Equal(t, ExitInterrupted, res.ExitCode)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.failed, 1)
	assert.Equal(t, ExitInterrupted, client.failed[0].ExitCode)
}

func TestWorker_Run_MissingBinary(t *testing.T) {
	client := &recordingClient{}
	w := New(Config{Binary: filepath.Join(t.TempDir(), "nope"), Dial: client.dial()})

	_, err := w.Run(context.Background(), Options{URL: "https://example.com"})
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ExitNotStarted, pe.ExitCode)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.failed, 1)
	assert.Equal(t, ExitNotStarted, client.failed[0].ExitCode)
}

func TestWorker_Run_RequiresURL(t *testing.T) {
	_, err := New(Config{}).Run(context.Background(), Options{URL: "  "})
	require.Error(t, err)
	var pe *ProcessError
	assert.False(t, errors.As(err, &pe))
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(Options{
		URL:       "https://example.com/v",
		Format:    FormatAudio,
		OutputDir: "/tmp/dl",
		ExtraArgs: []string{"--no-playlist"},
	})
	assert.Equal(t, []string{
		"--newline", "--progress", "--no-simulate",
		"--print", "before_dl:[launchr] title: %(title)s",
		"-x", "--audio-format", "mp3",
		"-P", "/tmp/dl",
		"-o", DefaultOutputTemplate,
		"--no-playlist",
		"--", "https://example.com/v",
	}, args)
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", Format1080p, false},
		{"1440p", Format1440p, false},
		{" 720 ", Format720p, false},
		{"480P", Format480p, false},
		{"worst", FormatWorst, false},
		{"mp3", FormatAudio, false},
		{"8k", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseFormat(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormat_Args(t *testing.T) {
	assert.Equal(t, []string{"-f", "bestvideo[height<=1440]+bestaudio/best[height<=1440]"}, Format1440p.Args())
	assert.Equal(t, []string{"-f", "bestvideo[height<=1080]+bestaudio/best[height<=1080]"}, Format1080p.Args())
	assert.Equal(t, []string{"-S", "+size,+br,+res,+fps"}, FormatWorst.Args())
}

func TestScanLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"mixed breaks", "a\r\nb\rc\n\nd", []string{"a", "b", "c", "d"}},
		{"crlf only", "one\r\ntwo\r\nthree\r\n", []string{"one", "two", "three"}},
		{"leading breaks", "\r\n\n\rx\n", []string{"x"}},
		{"unterminated last line", "x\ny", []string{"x", "y"}},
		{"only breaks", "\r\n\r\n", nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			scanLines(bytes.NewBufferString(tt.input), func(s string) { lines = append(lines, s) })
			assert.Equal(t, tt.want, lines)
		})
	}
}

func TestSplitByNewlineOrCR(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		atEOF       bool
		wantAdvance int
		wantToken   []byte
	}{
		{"line after crlf remainder", "\nabc\n", false, 5, []byte("abc")},
		{"incomplete line", "ab", false, 0, nil},
		{"incomplete line after break", "\rab", false, 1, nil},
		{"final line at eof", "\nab", true, 3, []byte("ab")},
		{"breaks at eof", "\r\n", true, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advance, token, err := splitByNewlineOrCR([]byte(tt.data), tt.atEOF)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdvance, advance)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestWorker_Run_CRLFOutput(t *testing.T) {
	client := &recordingClient{}
	script := `printf '[download] Destination: part.f137.mp4\r\n'
printf '[download]  50.0%% of 10.00MiB at 1.00MiB/s ETA 00:05\r\n'
printf '[download] 100%% of 10.00MiB in 00:00:02 at 5.00MiB/s\r\n'
printf '[Merger] Merging formats into "Final Video.mkv"'`
	w := New(Config{Binary: writeFakeTool(t, script), Dial: client.dial(), UpdateRate: rate.Inf})

	var events []progress.Event
	res, err := w.Run(context.Background(), Options{
		URL:     "https://example.com/v",
		OnEvent: func(ev progress.Event) { events = append(events, ev) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Final Video.mkv", res.Filename)
	require.Len(t, events, 4)
	require.NotNil(t, events[2].Percent)
	assert.Equal(t, 100.0, *events[2].Percent)
	assert.Equal(t, "Final Video.mkv", events[3].Filename)
}

func TestAppendLimited_KeepsTail(t *testing.T) {
	var tail strings.Builder
	for i := 0; i < 2000; i++ {
		appendLimited(&tail, "0123456789")
	}
	appendLimited(&tail, "ERROR: last")
	assert.LessOrEqual(t, tail.Len(), maxTailBytes)
	assert.Contains(t, tail.String(), "ERROR: last")
}

func TestDependencyStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yt-dlp"), []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", dir)

	report := DependencyStatus("")
	assert.True(t, report.BinaryFound)
	assert.False(t, report.FFmpegFound)
	assert.Error(t, CheckDependencies(""))
}
