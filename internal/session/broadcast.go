package session

import (
	"sync"

	"github.com/rs/zerolog"

	"viewgen/internal/orchestrator"
	"viewgen/pkg/types"
)

const subscriberBuffer = 64

// Broadcaster fans orchestrator events out to stream subscribers. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	log zerolog.Logger

	mu     sync.Mutex
	subs   map[int]chan orchestrator.Event
	nextID int
	closed bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{log: log, subs: make(map[int]chan orchestrator.Event)}
}

var _ orchestrator.EventPublisher = (*Broadcaster)(nil)

func (b *Broadcaster) Publish(e orchestrator.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			eventsDropped.Inc()
			b.log.Debug().Str("event", "subscriber_lagging").Int("subscriber", id).Str("name", e.Name).Msg("event dropped")
		}
	}
}

// Subscribe registers a subscriber. The channel is closed by cancel or
// by Close.
func (b *Broadcaster) Subscribe() (<-chan orchestrator.Event, func()) {
	ch := make(chan orchestrator.Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	subscribers.Inc()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
				subscribers.Dec()
			}
		})
	}
}

// Close ends every subscription. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
		subscribers.Dec()
	}
}

// toWire converts an orchestrator event into its NDJSON form.
func toWire(e orchestrator.Event) types.Event {
	out := types.Event{Name: e.Name, AttemptID: e.AttemptID, RequestID: e.RequestID}
	switch e.Name {
	case orchestrator.EventState:
		out.State, _ = e.Fields["state"].(string)
	case orchestrator.EventProgress:
		out.Step, _ = e.Fields["step"].(int)
		out.MaxSteps, _ = e.Fields["max"].(int)
	case orchestrator.EventPreview:
		out.Bytes, _ = e.Fields["bytes"].(int)
	case orchestrator.EventResult:
		if r, ok := e.Fields["result"].(orchestrator.Result); ok {
			out.Result = summarize(r)
		}
	}
	return out
}

func summarize(r orchestrator.Result) *types.ResultSummary {
	return &types.ResultSummary{
		AttemptID: r.AttemptID,
		RequestID: r.RequestID,
		Status:    string(r.Status),
		Kind:      string(r.Kind),
		Message:   r.Message,
		Seed:      r.Seed,
		Model:     r.Model,
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
}
