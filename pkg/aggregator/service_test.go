package aggregator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
	"github.com/launchr/launchr/pkg/protocol"
)

// shortSocketPath keeps unix socket paths under the platform length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lr")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "agg.sock")
}

func startService(t *testing.T) (*Service, string) {
	t.Helper()
	socket := shortSocketPath(t)
	svc := NewService(Config{SocketPath: socket, Metrics: NewMetrics(nil)})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		return Probe(context.Background(), socket, 100*time.Millisecond)
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("service did not stop")
		}
	})
	return svc, socket
}

func dial(t *testing.T, socket string) *protocol.Conn {
	t.Helper()
	conn, err := protocol.Dial(context.Background(), socket, protocol.DialOptions{RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestService_WorkerAndClientFlow(t *testing.T) {
	_, socket := startService(t)
	ctx := context.Background()

	worker := dial(t, socket)
	reg, err := worker.Register(ctx, protocol.Register{URL: "http://x/video", TitleHint: "My Video"})
	require.NoError(t, err)
	assert.Equal(t, jobstate.JobID(1), reg.JobID)
	assert.NotEmpty(t, reg.ServiceID)

	require.NoError(t, worker.Update(ctx, reg.JobID, progress.Event{Percent: progress.Float(45), Speed: "2MiB/s"}))
	require.NoError(t, worker.Update(ctx, reg.JobID, progress.Event{Percent: progress.Float(10)}))

	client := dial(t, socket)
	require.Eventually(t, func() bool {
		snap, err := client.Query(ctx)
		if err != nil || len(snap.Jobs) != 1 {
			return false
		}
		return snap.Jobs[0].Percent == 45 && snap.Jobs[0].Speed == "2MiB/s"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, worker.Complete(ctx, reg.JobID))
	require.NoError(t, worker.Update(ctx, reg.JobID, progress.Event{Percent: progress.Float(50)}))

	require.Eventually(t, func() bool {
		snap, err := client.Query(ctx)
		return err == nil && snap.Jobs[0].State == jobstate.StateCompleted && snap.Jobs[0].Percent == 100
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_EmptyQuery(t *testing.T) {
	_, socket := startService(t)

	snap, err := dial(t, socket).Query(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Jobs)
}

func TestService_MalformedLinesDoNotBreakConnection(t *testing.T) {
	svc, socket := startService(t)

	raw, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte("garbage\n{\"type\":\"launchr.update.v1\",\"job_id\":1,\"data\":\"nope\"}\n"))
	require.NoError(t, err)

	conn := protocol.NewConn(raw, protocol.DialOptions{RequestTimeout: 2 * time.Second})
	reg, err := conn.Register(context.Background(), protocol.Register{URL: "http://x/ok"})
	require.NoError(t, err)
	assert.Equal(t, jobstate.JobID(1), reg.JobID)

	snap, err := svc.Store().Query(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, jobstate.StatePending, snap.Jobs[0].State)
}

func TestService_UnsupportedTypeGetsErrorReply(t *testing.T) {
	_, socket := startService(t)

	raw, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = raw.Write([]byte("{\"type\":\"launchr.bogus.v1\"}\n"))
	require.NoError(t, err)

	rec, err := protocol.NewDecoder(raw).Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, rec.Type)
	var reply protocol.ErrorReply
	require.NoError(t, rec.Decode(&reply))
	assert.Equal(t, protocol.ErrCodeUnsupported, reply.Code)
}

func TestService_OutOfRangeUpdateIsDropped(t *testing.T) {
	svc, socket := startService(t)
	ctx := context.Background()

	worker := dial(t, socket)
	reg, err := worker.Register(ctx, protocol.Register{URL: "http://x/video"})
	require.NoError(t, err)

	require.NoError(t, worker.Update(ctx, reg.JobID, progress.Event{Percent: progress.Float(250)}))
	require.NoError(t, worker.Update(ctx, reg.JobID, progress.Event{Percent: progress.Float(60)}))

	client := dial(t, socket)
	require.Eventually(t, func() bool {
		snap, err := client.Query(ctx)
		return err == nil && len(snap.Jobs) == 1 && snap.Jobs[0].Percent == 60
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.cfg.Metrics.malformed))
}

func TestService_FailWithZeroExitCode(t *testing.T) {
	_, socket := startService(t)
	ctx := context.Background()

	worker := dial(t, socket)
	reg, err := worker.Register(ctx, protocol.Register{URL: "http://x/video"})
	require.NoError(t, err)
	require.NoError(t, worker.Fail(ctx, reg.JobID, 0, ""))

	client := dial(t, socket)
	require.Eventually(t, func() bool {
		snap, err := client.Query(ctx)
		if err != nil || len(snap.Jobs) != 1 || snap.Jobs[0].ExitCode == nil {
			return false
		}
		return snap.Jobs[0].State == jobstate.StateFailed && *snap.Jobs[0].ExitCode == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_InvalidRegisterGetsErrorReply(t *testing.T) {
	_, socket := startService(t)

	_, err := dial(t, socket).Register(context.Background(), protocol.Register{})
	var re *protocol.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.ErrCodeInvalid, re.Code)
}

func TestService_ConcurrentWorkers(t *testing.T) {
	_, socket := startService(t)
	ctx := context.Background()

	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			conn, err := protocol.Dial(ctx, socket, protocol.DialOptions{})
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			reg, err := conn.Register(ctx, protocol.Register{URL: "http://x/video"})
			if err != nil {
				errs <- err
				return
			}
			for p := 0; p <= 100; p += 10 {
				if err := conn.Update(ctx, reg.JobID, progress.Event{Percent: progress.Float(float64(p))}); err != nil {
					errs <- err
					return
				}
			}
			errs <- conn.Complete(ctx, reg.JobID)
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	client := dial(t, socket)
	require.Eventually(t, func() bool {
		snap, err := client.Query(ctx)
		if err != nil || len(snap.Jobs) != workers {
			return false
		}
		return snap.Active().Empty()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListen_RefusesLiveAndReplacesStaleSocket(t *testing.T) {
	_, socket := startService(t)

	_, err := Listen(context.Background(), socket)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	stale := shortSocketPath(t)
	require.NoError(t, os.WriteFile(stale, nil, 0o600))
	ln, err := Listen(context.Background(), stale)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}
