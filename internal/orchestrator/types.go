package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"viewgen/internal/backend"
	"viewgen/internal/watcher"
)

// Params are the user-facing generation settings. A zero Seed asks for a
// random one; zero Width/Height select the configured capture resolution.
type Params struct {
	Preset         string            `json:"preset,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Seed           int64             `json:"seed,omitempty"`
	Width          int               `json:"width,omitempty"`
	Height         int               `json:"height,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Capture is a rendering of the host's active view.
type Capture struct {
	Image  []byte // encoded PNG or JPEG
	Width  int
	Height int
}

// CaptureFunc renders the active view. It is only ever called on the host
// thread.
type CaptureFunc func(width, height int) (Capture, error)

// BuildInput is what the orchestrator knows when the payload is built.
type BuildInput struct {
	InputName string
	Seed      int64
	Width     int
	Height    int
}

// Built is a ready-to-submit payload together with the model it targets.
type Built struct {
	Payload json.RawMessage
	Model   string
}

// PayloadBuilder turns params into a backend payload. Implementations may
// quietly choose a simpler mode when an optional model is unavailable.
type PayloadBuilder interface {
	Build(ctx context.Context, p Params, in BuildInput) (Built, error)
}

// BuilderFunc adapts a function to PayloadBuilder.
type BuilderFunc func(ctx context.Context, p Params, in BuildInput) (Built, error)

func (f BuilderFunc) Build(ctx context.Context, p Params, in BuildInput) (Built, error) {
	return f(ctx, p, in)
}

// Backend is the subset of *backend.Client the orchestrator drives.
type Backend interface {
	Connect(ctx context.Context) error
	Submit(ctx context.Context, req backend.Request) (string, error)
	Await(ctx context.Context, requestID string, onEvent func(backend.Event)) (backend.Output, error)
	Interrupt(ctx context.Context, requestID string)
	State() backend.ConnectionState
	Close() error
}

// Host runs functions on the host update thread. *hostloop.Dispatcher
// satisfies it.
type Host interface {
	Call(ctx context.Context, fn func() error) error
	Post(fn func()) bool
}

// FrameSink receives preview and final images.
type FrameSink interface {
	Publish(data []byte) error
}

// ChangeSource emits settled view changes. *watcher.Watcher satisfies it.
type ChangeSource interface {
	OnChange(fn func(watcher.ChangeEvent)) (remove func())
	Enable()
	Disable()
}

// State of the generation slot.
type State string

const (
	StateIdle       State = "idle"
	StateCapturing  State = "capturing"
	StateSubmitting State = "submitting"
	StateAwaiting   State = "awaiting"
	StateDelivering State = "delivering"
	StateCancelling State = "cancelling"
)

// Status is the outcome of one attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrorKind classifies a failed or cancelled attempt.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindConnection ErrorKind = "connection"
	KindRejected   ErrorKind = "rejected"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
	KindCapture    ErrorKind = "capture"
	KindExecution  ErrorKind = "execution"
	KindPayload    ErrorKind = "payload"
	KindInternal   ErrorKind = "internal"
)

// Result is reported exactly once per attempt.
type Result struct {
	AttemptID uint64        `json:"attempt_id"`
	RequestID string        `json:"request_id,omitempty"`
	Status    Status        `json:"status"`
	Kind      ErrorKind     `json:"kind,omitempty"`
	Message   string        `json:"message,omitempty"`
	Image     []byte        `json:"-"`
	Seed      int64         `json:"seed,omitempty"`
	Model     string        `json:"model,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// OK reports whether the attempt produced an image.
func (r Result) OK() bool { return r.Status == StatusSucceeded }

// Snapshot is a point-in-time view of the orchestrator for status displays.
type Snapshot struct {
	State      State
	AttemptID  uint64
	RequestID  string
	Step       int
	MaxSteps   int
	AutoMode   bool
	Connection backend.ConnectionState
	Last       *Result
}
