package protocol

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned when a message is posted on a link that is gone
var ErrClosed = errors.New("link closed")

// ProtocolError is a failure the server reported explicitly with status "error"
type ProtocolError struct {
	Message string
	Data    json.RawMessage // optional structured detail for the caller to branch on
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// TimeoutError means no response arrived before the request deadline.
// It unwraps to a *ProtocolError so callers matching ProtocolError see it too.
type TimeoutError struct {
	base *ProtocolError
}

func NewTimeoutError() *TimeoutError {
	return &TimeoutError{base: &ProtocolError{Message: "Timeout"}}
}

func (e *TimeoutError) Error() string { return e.base.Error() }

func (e *TimeoutError) Unwrap() error { return e.base }

// Timeout lets the error satisfy the usual net.Error style check
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is (or wraps) a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
