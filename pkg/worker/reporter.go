package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
)

// Sender delivers job notifications to the aggregator.
type Sender interface {
	Update(ctx context.Context, id jobstate.JobID, ev progress.Event) error
	Complete(ctx context.Context, id jobstate.JobID) error
	Fail(ctx context.Context, id jobstate.JobID, exitCode int, reason string) error
}

// ReporterOptions configures a Reporter.
type ReporterOptions struct {
	// Rate bounds how many updates per second are sent. Zero means
	// DefaultUpdateRate; rate.Inf disables throttling.
	Rate rate.Limit

	// SendTimeout bounds a single send.
	SendTimeout time.Duration

	Logger *zap.Logger
}

// DefaultUpdateRate is the default number of updates sent per second.
const DefaultUpdateRate rate.Limit = 4

// ReporterStats counts what happened to reported events.
type ReporterStats struct {
	Sent      uint64 `json:"sent"`
	Coalesced uint64 `json:"coalesced"`
	Dropped   uint64 `json:"dropped"`
}

// Reporter forwards progress events for one job without ever blocking the
// caller.
//
// The outbound queue holds at most one event. A new event is merged into a
// queued one (percent keeps the maximum, other fields take the newest value),
// so a slow or unavailable aggregator costs intermediate updates, never
// download throughput. A failed send is dropped.
type Reporter struct {
	sender  Sender
	id      jobstate.JobID
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending progress.Event
	queued  bool
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent      atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	warned    atomic.Bool
}

// NewReporter starts a reporter for job id. A nil sender or an invalid id
// yields a reporter that discards everything.
func NewReporter(sender Sender, id jobstate.JobID, opts ReporterOptions) *Reporter {
	if opts.Rate == 0 {
		opts.Rate = DefaultUpdateRate
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		sender:  sender,
		id:      id,
		limiter: rate.NewLimiter(opts.Rate, 1),
		timeout: opts.SendTimeout,
		logger:  opts.Logger.With(zap.Uint64("job_id", uint64(id))),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if !r.enabled() {
		close(r.done)
		return r
	}
	go r.loop()
	return r
}

func (r *Reporter) enabled() bool {
	return r.sender != nil && r.id.Valid()
}

// Report queues ev for delivery. It never blocks.
func (r *Reporter) Report(ev progress.Event) {
	if ev.IsZero() || !r.enabled() {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.queued {
		r.pending = r.pending.Merge(ev)
		r.coalesced.Inc()
	} else {
		r.pending = ev.Clone()
		r.queued = true
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reporter) take() (progress.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.queued {
		return progress.Event{}, false
	}
	ev := r.pending
	r.pending = progress.Event{}
	r.queued = false
	return ev, true
}

func (r *Reporter) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
		if ev, ok := r.take(); ok {
			r.send(ev)
		}
	}
}

func (r *Reporter) send(ev progress.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sender.Update(ctx, r.id, ev); err != nil {
		r.drop(err)
		return
	}
	r.sent.Inc()
}

func (r *Reporter) drop(err error) {
	r.dropped.Inc()
	if r.warned.CompareAndSwap(false, true) {
		r.logger.Warn("Progress update not delivered; continuing download", zap.Error(err))
		return
	}
	r.logger.Debug("Progress update dropped", zap.Error(err))
}

// Close stops the reporter, flushes a queued event and reports the job's
// terminal state: Complete for exit code 0, Fail otherwise.
//
// Delivery is best effort within ctx. Close is safe to call more than once;
// only the first call reports.
func (r *Reporter) Close(ctx context.Context, exitCode int, reason string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	<-r.done

	if !r.enabled() {
		return nil
	}

	if ev, ok := r.take(); ok {
		if err := r.sender.Update(ctx, r.id, ev); err != nil {
			r.drop(err)
		} else {
			r.sent.Inc()
		}
	}

	var err error
	if exitCode == 0 {
		err = r.sender.Complete(ctx, r.id)
	} else {
		err = r.sender.Fail(ctx, r.id, exitCode, reason)
	}
	if err != nil {
		r.dropped.Inc()
		return fmt.Errorf("report terminal state: %w", err)
	}
	r.sent.Inc()
	return nil
}

// Stats returns delivery counters.
func (r *Reporter) Stats() ReporterStats {
	return ReporterStats{
		Sent:      r.sent.Load(),
		Coalesced: r.coalesced.Load(),
		Dropped:   r.dropped.Load(),
	}
}
