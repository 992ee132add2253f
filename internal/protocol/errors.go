package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Error codes carried in CallError.Code. Codes travel on the wire, so they
// stay stable even when message text changes.
const (
	CodeNotConnected  = "not_connected"
	CodeTimeout       = "timeout"
	CodeCanceled      = "canceled"
	CodeInvalid       = "invalid"
	CodeNotFound      = "not_found"
	CodeModelMissing  = "model_missing"
	CodeTranscription = "transcription_failed"
	CodeBusy          = "busy"
	CodeInternal      = "internal"
)

// Sentinel errors for connectivity outcomes. Callers that want to branch on
// "the peer is not there" versus "the peer is slow" compare against these
// with errors.Is.
var (
	// ErrNotConnected means no process is serving the subject. Calls fail
	// fast on it instead of blocking out their timeout.
	ErrNotConnected = errors.New("peer not connected")

	// ErrTimeout means the peer exists but did not reply within the
	// deadline.
	ErrTimeout = errors.New("request timed out")
)

// CallError is the serializable failure half of a reply payload.
type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCallError builds a CallError from a code and format string.
func NewCallError(code, format string, args ...any) *CallError {
	return &CallError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCallError converts an arbitrary error into a wire-safe CallError,
// preserving an existing CallError's code.
func WrapCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, ErrNotConnected):
		return &CallError{Code: CodeNotConnected, Message: err.Error()}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &CallError{Code: CodeTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &CallError{Code: CodeCanceled, Message: err.Error()}
	}
	return &CallError{Code: CodeInternal, Message: err.Error()}
}

// Unwrap surfaces the matching sentinel so errors.Is works across a
// marshal/unmarshal round trip.
func (e *CallError) Unwrap() error {
	switch e.Code {
	case CodeNotConnected:
		return ErrNotConnected
	case CodeTimeout:
		return ErrTimeout
	case CodeCanceled:
		return context.Canceled
	}
	return nil
}
