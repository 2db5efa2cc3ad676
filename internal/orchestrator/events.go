package orchestrator

import "github.com/rs/zerolog"

// Event names published by the orchestrator.
const (
	EventState    = "state"
	EventProgress = "progress"
	EventPreview  = "preview"
	EventResult   = "result"
)

// Event is an orchestrator notification for status displays.
// Minimal and stable: name + attempt/request ids and optional fields.
type Event struct {
	Name      string
	AttemptID uint64
	RequestID string
	Fields    map[string]any
}

// EventPublisher receives events from the orchestrator. Implementations must
// be lightweight and non-blocking, must not panic and must not call back into
// the orchestrator synchronously.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// HostPublisher forwards events to Next on the host thread, for observers
// that touch host-owned UI state.
type HostPublisher struct {
	Host   interface{ Post(func()) bool }
	Next   EventPublisher
	Logger zerolog.Logger
}

func (p HostPublisher) Publish(e Event) {
	if p.Next == nil {
		return
	}
	if !p.Host.Post(func() { p.Next.Publish(e) }) {
		p.Logger.Debug().Str("event", "notify_dropped").Str("name", e.Name).Uint64("attempt", e.AttemptID).Msg("host queue unavailable")
	}
}

// MultiPublisher fans out to several publishers in order.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}
