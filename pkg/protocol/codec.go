package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/launchr/launchr/pkg/jobstate"
)

// DefaultMaxMessageBytes bounds a single record line.
const DefaultMaxMessageBytes = 4 << 20

// Encoder writes records as newline-delimited JSON.
//
// Encoder is safe for concurrent use. Writes are serialized so that records
// from different goroutines never interleave.
type Encoder struct {
	w   io.Writer
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, now: time.Now}
}

// Encode marshals data as the payload of a record of the given type.
// A nil data writes a record without payload.
func (e *Encoder) Encode(recordType string, jobID jobstate.JobID, data any) error {
	var dataBytes json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return &FrameError{Op: "marshal_data", Type: recordType, Err: err}
		}
		dataBytes = b
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	rec := Record{
		Type:  recordType,
		TS:    e.now().UTC(),
		JobID: jobID,
		Data:  dataBytes,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return &FrameError{Op: "marshal_record", Type: recordType, Err: err}
	}
	line = append(line, '\n')
	return writeAll(e.w, line)
}

// Close marks the encoder as closed. The underlying writer is not closed.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// writeAll writes all bytes to w, handling short writes.
//
// io.Writer.Write may return n < len(p) with a nil error; a truncated line
// would desynchronise the peer's decoder.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Decoder reads newline-delimited records.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	r               *bufio.Reader
	maxMessageBytes int
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxMessageBytes: DefaultMaxMessageBytes}
}

// SetMaxMessageBytes bounds the size of one record line. Non-positive values
// restore the default.
func (d *Decoder) SetMaxMessageBytes(n int) {
	if n <= 0 {
		d.maxMessageBytes = DefaultMaxMessageBytes
		return
	}
	d.maxMessageBytes = n
}

// Next returns the next record.
//
// Blank lines are skipped. A line that is not a valid envelope yields a
// *FrameError and the decoder stays usable. ErrFrameTooLarge and I/O errors
// (including io.EOF) are terminal.
func (d *Decoder) Next() (Record, error) {
	for {
		line, err := readLineLimited(d.r, d.maxMessageBytes)
		if err != nil {
			return Record{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return Record{}, &FrameError{Op: "decode_envelope", Err: err}
		}
		if rec.Type == "" {
			return Record{}, &FrameError{Op: "decode_envelope", Err: errors.New("record type is required")}
		}
		return rec, nil
	}
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes+1 {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			// A final line without newline is a truncated record.
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
}
