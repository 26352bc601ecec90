package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
)

const (
	// DefaultDialTimeout bounds connecting to the aggregator socket.
	DefaultDialTimeout = 2 * time.Second

	// DefaultRequestTimeout bounds one request/response exchange.
	DefaultRequestTimeout = 5 * time.Second
)

// DialOptions configures a client connection.
type DialOptions struct {
	DialTimeout     time.Duration
	RequestTimeout  time.Duration
	MaxMessageBytes int
}

func (o DialOptions) withDefaults() DialOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return o
}

// Conn is a client connection to the aggregator.
//
// Conn is safe for concurrent use; exchanges are serialized.
type Conn struct {
	nc   net.Conn
	enc  *Encoder
	dec  *Decoder
	opts DialOptions

	mu     sync.Mutex
	broken error
}

// Dial connects to the aggregator listening on socketPath.
//
// Any failure to connect wraps ErrUnavailable.
func Dial(ctx context.Context, socketPath string, opts DialOptions) (*Conn, error) {
	opts = opts.withDefaults()
	if socketPath == "" {
		return nil, fmt.Errorf("%w: socket path is empty", ErrUnavailable)
	}

	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnavailable, socketPath, err)
	}
	return NewConn(nc, opts), nil
}

// NewConn wraps an established stream connection.
func NewConn(nc net.Conn, opts DialOptions) *Conn {
	opts = opts.withDefaults()
	dec := NewDecoder(nc)
	dec.SetMaxMessageBytes(opts.MaxMessageBytes)
	return &Conn{nc: nc, enc: NewEncoder(nc), dec: dec, opts: opts}
}

// Register asks the aggregator to create a job and returns its id.
func (c *Conn) Register(ctx context.Context, req Register) (Registered, error) {
	var out Registered
	err := c.exchange(ctx, TypeRegister, 0, req, TypeRegistered, &out)
	if err != nil {
		return Registered{}, err
	}
	if !out.JobID.Valid() {
		return Registered{}, &FrameError{Op: "decode_data", Type: TypeRegistered, Err: errors.New("job id is zero")}
	}
	return out, nil
}

// Query returns a snapshot of every job the aggregator knows.
func (c *Conn) Query(ctx context.Context) (jobstate.Snapshot, error) {
	var out jobstate.Snapshot
	if err := c.exchange(ctx, TypeQuery, 0, Query{}, TypeSnapshot, &out); err != nil {
		return jobstate.Snapshot{}, err
	}
	return out, nil
}

// Update sends a progress event for id.
func (c *Conn) Update(ctx context.Context, id jobstate.JobID, ev progress.Event) error {
	return c.Send(ctx, TypeUpdate, id, Update{Event: ev})
}

// Complete marks id as finished.
func (c *Conn) Complete(ctx context.Context, id jobstate.JobID) error {
	return c.Send(ctx, TypeComplete, id, Complete{})
}

// Fail marks id as failed.
func (c *Conn) Fail(ctx context.Context, id jobstate.JobID, exitCode int, reason string) error {
	return c.Send(ctx, TypeFail, id, Fail{ExitCode: exitCode, Reason: reason})
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = ErrClosed
	}
	_ = c.enc.Close()
	return c.nc.Close()
}

// Send writes a one-way notification. Delivery is not acknowledged; a
// transport failure marks the connection unavailable.
func (c *Conn) Send(ctx context.Context, recordType string, id jobstate.JobID, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(ctx); err != nil {
		return err
	}
	if err := c.nc.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return c.fail(err)
	}
	if err := c.enc.Encode(recordType, id, data); err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			return err
		}
		return c.fail(err)
	}
	return nil
}

func (c *Conn) exchange(ctx context.Context, reqType string, id jobstate.JobID, req any, wantType string, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(ctx); err != nil {
		return err
	}
	if err := c.nc.SetDeadline(c.deadline(ctx)); err != nil {
		return c.fail(err)
	}
	defer func() { _ = c.nc.SetDeadline(time.Time{}) }()

	if err := c.enc.Encode(reqType, id, req); err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			return err
		}
		return c.fail(err)
	}

	rec, err := c.dec.Next()
	if err != nil {
		// A reply we cannot parse leaves the exchange unpaired.
		return c.fail(err)
	}

	switch rec.Type {
	case wantType:
		if err := rec.Decode(out); err != nil {
			return err
		}
		return nil
	case TypeError:
		var reply ErrorReply
		if err := rec.Decode(&reply); err != nil {
			return err
		}
		return &RemoteError{Code: reply.Code, Message: reply.Message}
	default:
		return c.fail(&FrameError{Op: "exchange", Type: rec.Type, Err: fmt.Errorf("unexpected reply, want %s", wantType)})
	}
}

func (c *Conn) usable(ctx context.Context) error {
	if c.broken != nil {
		if errors.Is(c.broken, ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, c.broken)
	}
	return ctx.Err()
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.opts.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// fail marks the connection unusable and wraps err as unavailability.
func (c *Conn) fail(err error) error {
	c.broken = err
	_ = c.nc.Close()
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
