// Package protocol implements the wire format spoken between download
// workers, progress clients and the aggregator.
//
// Messages are typed record envelopes written one per line (JSONL) over a
// local unix-domain stream socket. JSON string escaping guarantees that a
// newline only ever terminates a record, so titles, URLs and filenames of
// any content are framed unambiguously.
//
// Register and Query are request/response; Update, Complete and Fail are
// one-way notifications.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/launchr/launchr/pkg/jobstate"
	"github.com/launchr/launchr/pkg/progress"
)

// Record type constants follow the pattern: launchr.<type>.v<version>
const (
	// TypeRegister asks the aggregator to create a job. Answered by
	// TypeRegistered or TypeError.
	TypeRegister = "launchr.register.v1"

	// TypeRegistered carries the assigned job id.
	TypeRegistered = "launchr.registered.v1"

	// TypeUpdate carries a progress event for a job.
	TypeUpdate = "launchr.update.v1"

	// TypeComplete marks a job as finished successfully.
	TypeComplete = "launchr.complete.v1"

	// TypeFail marks a job as failed.
	TypeFail = "launchr.fail.v1"

	// TypeQuery asks for a snapshot. Answered by TypeSnapshot or TypeError.
	TypeQuery = "launchr.query.v1"

	// TypeSnapshot carries a jobstate.Snapshot.
	TypeSnapshot = "launchr.snapshot.v1"

	// TypeError answers a synchronous request the aggregator could not serve.
	TypeError = "launchr.error.v1"
)

// Record is the envelope for every message on the wire.
type Record struct {
	// Type identifies the payload type (e.g. "launchr.update.v1").
	Type string `json:"type"`

	// TS is when the sender created the record.
	TS time.Time `json:"ts"`

	// JobID is the job the record refers to, when applicable.
	JobID jobstate.JobID `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if len(r.Data) == 0 {
		return &FrameError{Op: "decode_data", Type: r.Type, Err: errEmptyData}
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return &FrameError{Op: "decode_data", Type: r.Type, Err: err}
	}
	return nil
}

// Register is the payload of TypeRegister.
type Register struct {
	URL       string `json:"url"`
	TitleHint string `json:"title_hint,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// Registered is the payload of TypeRegistered.
type Registered struct {
	JobID     jobstate.JobID `json:"job_id"`
	ServiceID string         `json:"service_id,omitempty"`
}

// Update is the payload of TypeUpdate.
type Update struct {
	Event progress.Event `json:"event"`
}

// Complete is the payload of TypeComplete.
type Complete struct{}

// Fail is the payload of TypeFail.
type Fail struct {
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason,omitempty"`
}

// Query is the payload of TypeQuery.
type Query struct{}

// ErrorReply is the payload of TypeError.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorReply.
const (
	// ErrCodeMalformed indicates the request could not be decoded.
	ErrCodeMalformed = "MALFORMED"

	// ErrCodeUnsupported indicates an unknown record type.
	ErrCodeUnsupported = "UNSUPPORTED"

	// ErrCodeInvalid indicates a well-formed request with invalid content.
	ErrCodeInvalid = "INVALID"

	// ErrCodeUnavailable indicates the aggregator is shutting down.
	ErrCodeUnavailable = "UNAVAILABLE"
)
