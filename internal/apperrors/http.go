// Package apperrors defines the JSON error envelope returned by the HTTP
// status server.
package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the body of every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// StatusError carries an HTTP status and error code through handler code.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func NotFound(message string) *StatusError {
	return &StatusError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func BadRequest(message string, err error) *StatusError {
	return &StatusError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message, Err: err}
}

func Unavailable(message string, err error, details map[string]any) *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Err: err, Details: details}
}

type requestIDKey struct{}

// WithRequestID stores the request id used in error envelopes.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: HTTPError{
		Code:    code,
		Message: message,
		Details: details,
	}}
	if r != nil {
		body.Error.RequestID = RequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RespondWithError maps err to an envelope. Errors that are not a
// *StatusError become 500 INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		WriteError(w, r, se.Status, se.Code, se.Message, se.Details)
		return
	}
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	WriteError(w, r, http.StatusInternalServerError, CodeInternal, msg, nil)
}
