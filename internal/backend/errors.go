package backend

import (
	"errors"
	"fmt"
)

// ErrClosed is wrapped by operations attempted after Close.
var ErrClosed = errors.New("backend: client closed")

// ConnectionError signals the backend could not be reached (or the channel
// dropped) and local recovery was exhausted.
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("backend %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectedError signals the backend refused the request payload.
type RejectedError struct {
	Status int
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend rejected request (%d): %s", e.Status, e.Detail)
	}
	return "backend rejected request: " + e.Detail
}

// TimeoutError signals the await ceiling elapsed.
type TimeoutError struct {
	RequestID string
	After     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.After)
}

// CancelledError signals the caller cancelled the wait.
type CancelledError struct {
	RequestID string
	Err       error
}

func (e *CancelledError) Error() string {
	if e.RequestID == "" {
		return "cancelled"
	}
	return "request " + e.RequestID + " cancelled"
}

func (e *CancelledError) Unwrap() error { return e.Err }

// ExecutionError signals the backend reported a failure while running the request.
type ExecutionError struct {
	RequestID string
	NodeType  string
	Message   string
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "execution failed"
	}
	if e.NodeType != "" {
		return fmt.Sprintf("request %s failed in %s: %s", e.RequestID, e.NodeType, msg)
	}
	return fmt.Sprintf("request %s failed: %s", e.RequestID, msg)
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var e *RejectedError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var e *CancelledError
	return errors.As(err, &e)
}

// IsExecution reports whether err is (or wraps) an ExecutionError.
func IsExecution(err error) bool {
	var e *ExecutionError
	return errors.As(err, &e)
}
