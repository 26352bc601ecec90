package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
)

// gatedSender blocks every Update until the gate is opened.
type gatedSender struct {
	recordingClient
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedSender) Update(ctx context.Context, id jobstate.JobID, ev progress.Event) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.gate
	return s.recordingClient.Update(ctx, id, ev)
}

type failingSender struct {
	recordingClient
}

func (s *failingSender) Update(context.Context, jobstate.JobID, progress.Event) error {
	return errors.New("broken pipe")
}

func TestReporter_CoalescesWhileSendInFlight(t *testing.T) {
	s := &gatedSender{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	r := NewReporter(s, 1, ReporterOptions{Rate: rate.Inf})

	r.Report(progress.Event{Percent: progress.Float(10)})
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first update was never sent")
	}

	r.Report(progress.Event{Percent: progress.Float(20)})
	r.Report(progress.Event{Percent: progress.Float(30), Speed: "3MiB/s"})
	r.Report(progress.Event{Percent: progress.Float(25), Title: "Title"})
	close(s.gate)

	require.NoError(t, r.Close(context.Background(), 0, ""))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.updates, 2)
	assert.Equal(t, 10.0, *s.updates[0].Percent)
	merged := s.updates[1]
	assert.Equal(t, 30.0, *merged.Percent)
	assert.Equal(t, "3MiB/s", merged.Speed)
	assert.Equal(t, "Title", merged.Title)
	assert.Equal(t, 1, s.completed)

	stats := r.Stats()
	assert.EqualValues(t, 2, stats.Coalesced)
	assert.EqualValues(t, 3, stats.Sent)
	assert.Zero(t, stats.Dropped)
}

func TestReporter_ReportNeverBlocks(t *testing.T) {
	s := &gatedSender{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	r := NewReporter(s, 1, ReporterOptions{Rate: rate.Inf})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			r.Report(progress.Event{Percent: progress.Float(float64(i % 100))})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Report blocked on a stuck sender")
	}
	close(s.gate)
	require.NoError(t, r.Close(context.Background(), 0, ""))
}

func TestReporter_DropsFailedUpdates(t *testing.T) {
	s := &failingSender{}
	r := NewReporter(s, 1, ReporterOptions{Rate: rate.Inf})

	r.Report(progress.Event{Percent: progress.Float(10)})
	require.Eventually(t, func() bool { return r.Stats().Dropped >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close(context.Background(), 3, "boom"))
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.failed, 1)
	assert.Equal(t, 3, s.failed[0].ExitCode)
	assert.Equal(t, "boom", s.failed[0].Reason)
}

func TestReporter_DisabledWithoutSenderOrID(t *testing.T) {
	r := NewReporter(nil, 0, ReporterOptions{})
	r.Report(progress.Event{Percent: progress.Float(50)})
	assert.NoError(t, r.Close(context.Background(), 1, "x"))
	assert.Equal(t, ReporterStats{}, r.Stats())

	s := &recordingClient{}
	r = NewReporter(s, 0, ReporterOptions{})
	r.Report(progress.Event{Percent: progress.Float(50)})
	assert.NoError(t, r.Close(context.Background(), 0, ""))
	assert.Empty(t, s.updates)
	assert.Zero(t, s.completed)
}

func TestReporter_CloseIsIdempotent(t *testing.T) {
	s := &recordingClient{}
	r := NewReporter(s, 1, ReporterOptions{Rate: rate.Inf})

	require.NoError(t, r.Close(context.Background(), 0, ""))
	require.NoError(t, r.Close(context.Background(), 1, "again"))
	r.Report(progress.Event{Percent: progress.Float(1)})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.completed)
	assert.Empty(t, s.failed)
	assert.Empty(t, s.updates)
}

func TestReporter_ThrottlesUpdates(t *testing.T) {
	s := &recordingClient{}
	r := NewReporter(s, 1, ReporterOptions{Rate: 2})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(300 * time.Millisecond)
		for p := 0.0; time.Now().Before(deadline); p += 0.01 {
			r.Report(progress.Event{Percent: progress.Float(p)})
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
	require.NoError(t, r.Close(context.Background(), 0, ""))

	s.mu.Lock()
	defer s.mu.Unlock()
	// One immediate send, at most one more within 300ms at 2/s, plus the flush.
	assert.LessOrEqual(t, len(s.updates), 3)
	assert.Positive(t, r.Stats().Coalesced)
}
