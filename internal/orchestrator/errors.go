package orchestrator

import (
	"errors"
	"fmt"

	"viewgen/internal/backend"
)

var (
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("orchestrator: closed")
	// ErrNoWatcher is returned by StartAutoMode when no ChangeSource is configured.
	ErrNoWatcher = errors.New("orchestrator: no change source configured")
)

// CaptureError signals the host could not render the active view.
type CaptureError struct{ Reason string }

func (e *CaptureError) Error() string { return "capture failed: " + e.Reason }

// IsCapture reports whether err is (or wraps) a CaptureError.
func IsCapture(err error) bool {
	var e *CaptureError
	return errors.As(err, &e)
}

// PayloadError signals the payload builder failed.
type PayloadError struct{ Err error }

func (e *PayloadError) Error() string { return fmt.Sprintf("build payload: %v", e.Err) }

func (e *PayloadError) Unwrap() error { return e.Err }

// IsPayload reports whether err is (or wraps) a PayloadError.
func IsPayload(err error) bool {
	var e *PayloadError
	return errors.As(err, &e)
}

// kindOf maps an error from any stage to its result kind. Stage errors win
// over the backend errors they wrap: a builder that failed listing models is
// a payload failure, not a connection failure.
func kindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case IsCapture(err):
		return KindCapture
	case IsPayload(err):
		return KindPayload
	case backend.IsCancelled(err):
		return KindCancelled
	case backend.IsTimeout(err):
		return KindTimeout
	case backend.IsRejected(err):
		return KindRejected
	case backend.IsExecution(err):
		return KindExecution
	case backend.IsConnection(err):
		return KindConnection
	default:
		return KindInternal
	}
}
