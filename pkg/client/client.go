// Package client queries a running aggregator for the state of all downloads
// and renders the result.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/protocol"
)

// ErrNoAggregator indicates no aggregator is running. It is a normal state:
// no download has been started since the machine booted.
var ErrNoAggregator = errors.New("no aggregator running")

// Client issues queries to the aggregator on one socket.
type Client struct {
	socket string
	opts   protocol.DialOptions
}

// New creates a client for the aggregator listening on socket.
func New(socket string, opts protocol.DialOptions) *Client {
	return &Client{socket: socket, opts: opts}
}

// Query returns a snapshot of every known job.
//
// When the aggregator is unreachable Query returns an empty snapshot and an
// error wrapping ErrNoAggregator; callers usually treat that as "no active
// downloads" rather than a failure.
func (c *Client) Query(ctx context.Context) (jobstate.Snapshot, error) {
	empty := jobstate.NewSnapshot("", time.Now().UTC(), nil)

	conn, err := protocol.Dial(ctx, c.socket, c.opts)
	if err != nil {
		return empty, fmt.Errorf("%w: %w", ErrNoAggregator, err)
	}
	defer conn.Close()

	snap, err := conn.Query(ctx)
	if err != nil {
		if protocol.IsUnavailable(err) {
			return empty, fmt.Errorf("%w: %w", ErrNoAggregator, err)
		}
		return empty, fmt.Errorf("query aggregator: %w", err)
	}
	if snap.Jobs == nil {
		snap.Jobs = []jobstate.Record{}
	}
	return snap, nil
}

// Ping reports whether an aggregator answers queries on the socket.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Query(ctx)
	return err
}
