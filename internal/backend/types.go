package backend

import (
	"encoding/json"
	"time"
)

// ConnectionState of the streaming channel.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Input is an image uploaded before the payload is enqueued. Name is the file
// name the payload refers to.
type Input struct {
	Name string
	Data []byte
}

// Request is an immutable generation request. Payload is the backend's
// execution graph, built elsewhere and treated as opaque here.
type Request struct {
	Payload json.RawMessage
	Inputs  []Input
	Seed    int64
}

// EventKind distinguishes stream events delivered during Await.
type EventKind int

const (
	EventProgress EventKind = iota + 1
	EventPreview
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventPreview:
		return "preview"
	default:
		return "unknown"
	}
}

// Event is a progress or preview notification for one request.
type Event struct {
	Kind      EventKind
	RequestID string
	Step      int
	Max       int
	Image     []byte // preview only: encoded image bytes
}

// Output is the final artifact of a request.
type Output struct {
	RequestID string
	Image     []byte
	Filename  string
	Elapsed   time.Duration
	ViaPoll   bool // resolved through the polling fallback
}
