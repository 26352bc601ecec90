package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the aggregator could not be reached or the
	// connection to it was lost.
	ErrUnavailable = errors.New("aggregator unavailable")

	// ErrFrameTooLarge indicates a record exceeded the maximum line size.
	// The stream cannot be resynchronised after this error.
	ErrFrameTooLarge = errors.New("record exceeds max message bytes")

	// ErrClosed is returned when using a closed connection or encoder.
	ErrClosed = errors.New("connection is closed")

	errEmptyData = errors.New("record has no data")
)

// FrameError reports a record that could not be encoded or decoded.
//
// Decode failures of a single line are recoverable: the stream stays
// aligned on the next newline.
type FrameError struct {
	Op   string // Operation that failed (e.g., "decode_envelope", "marshal_data")
	Type string // Record type, when known
	Err  error  // Underlying error
}

func (e *FrameError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("protocol: %s %s: %v", e.Op, e.Type, e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// RemoteError is an ErrorReply returned by the aggregator.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("aggregator: %s: %s", e.Code, e.Message)
}

// IsUnavailable reports whether err means the aggregator is unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
