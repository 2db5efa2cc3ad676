// Package orchestrator runs generation attempts end to end: capture on the
// host thread, payload build, submit, await and delivery into the overlay.
//
// An Orchestrator is a single generation slot. A new request always
// supersedes the running one, and the next attempt does not start work until
// the superseded one has reported its result.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// attempt is one RequestGenerate call.
type attempt struct {
	id     uint64
	params Params
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	requestID string
	cancelled bool
}

// bind records the backend request id and reports whether the attempt was
// cancelled before the id was known.
func (a *attempt) bind(id string) (cancelled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestID = id
	return a.cancelled
}

// markCancelled flags the attempt and returns the request id to interrupt,
// if one is bound yet.
func (a *attempt) markCancelled() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelled {
		return ""
	}
	a.cancelled = true
	return a.requestID
}

func (a *attempt) boundID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestID
}

// Orchestrator owns one backend client and drives attempts against it.
type Orchestrator struct {
	cfg     Config
	client  Backend
	host    Host
	pub     EventPublisher
	log     zerolog.Logger
	base    context.Context
	stopAll context.CancelFunc

	// emitMu orders event emission against supersession: once
	// RequestGenerate, Cancel or Close returns, no progress, preview or
	// sink frame of an older attempt is published.
	emitMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	current  *attempt
	state    State
	step     int
	maxSteps int
	last     *Result
	closed   bool
	wg       sync.WaitGroup

	autoMu     sync.Mutex
	autoOn     bool
	autoParams Params
	autoRemove func()
}

// New constructs an orchestrator. The backend client is owned by the
// orchestrator from here on and is closed by Close.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		client:  cfg.Backend,
		host:    cfg.Host,
		pub:     pub,
		log:     cfg.Logger,
		base:    base,
		stopAll: stop,
		state:   StateIdle,
	}, nil
}

// RequestGenerate supersedes any running attempt and starts a new one with
// p. It returns immediately with the new attempt id; the outcome is published
// as a "result" event.
func (o *Orchestrator) RequestGenerate(p Params) (uint64, error) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	prev := o.current
	if prev != nil {
		o.cancelLocked(prev)
	}
	o.nextID++
	ctx, cancel := context.WithCancel(o.base)
	a := &attempt{
		id:     o.nextID,
		params: p,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.current = a
	o.state = StateCapturing
	o.step, o.maxSteps = 0, 0
	o.wg.Add(1)
	go o.supervise(a, prev)

	o.log.Info().Str("event", "generate_requested").Uint64("attempt", a.id).Bool("superseded", prev != nil).Msg("generation requested")
	return a.id, nil
}

// Cancel stops the running attempt, if any. Its result is reported as
// cancelled.
func (o *Orchestrator) Cancel() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.cancelLocked(o.current)
		o.state = StateCancelling
	}
}

// cancelLocked cancels a and, when its request id is already known, fires
// a server interrupt in the background. Caller holds o.mu.
func (o *Orchestrator) cancelLocked(a *attempt) {
	id := a.markCancelled()
	a.cancel()
	if id != "" {
		o.wg.Add(1)
		go o.interrupt(a.id, id)
	}
}

func (o *Orchestrator) interrupt(attemptID uint64, requestID string) {
	defer o.wg.Done()
	o.log.Debug().Str("event", "interrupt").Uint64("attempt", attemptID).Str("request_id", requestID).Msg("interrupting backend request")
	o.client.Interrupt(context.Background(), requestID)
}

// Status returns a snapshot for status displays.
func (o *Orchestrator) Status() Snapshot {
	o.autoMu.Lock()
	auto := o.autoOn
	o.autoMu.Unlock()

	o.mu.Lock()
	s := Snapshot{
		State:    o.state,
		Step:     o.step,
		MaxSteps: o.maxSteps,
		AutoMode: auto,
	}
	if o.current != nil {
		s.AttemptID = o.current.id
		s.RequestID = o.current.boundID()
	}
	if o.last != nil {
		r := *o.last
		r.Image = nil
		s.Last = &r
	}
	o.mu.Unlock()
	s.Connection = o.client.State()
	return s
}

// LastResult returns the most recent result including its image.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// Close stops auto mode, cancels the running attempt, waits for background
// work and closes the backend client. Idempotent.
func (o *Orchestrator) Close() error {
	o.StopAutoMode()

	o.emitMu.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.emitMu.Unlock()
		return nil
	}
	o.closed = true
	if o.current != nil {
		o.cancelLocked(o.current)
	}
	o.mu.Unlock()
	o.emitMu.Unlock()

	o.wg.Wait()
	o.stopAll()
	o.log.Info().Str("event", "orchestrator_closed").Msg("orchestrator closed")
	return o.client.Close()
}

func (o *Orchestrator) isCurrent(a *attempt) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current == a
}

func (o *Orchestrator) setState(a *attempt, s State) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	if o.current != a {
		o.mu.Unlock()
		return
	}
	o.state = s
	o.mu.Unlock()
	o.pub.Publish(Event{Name: EventState, AttemptID: a.id, RequestID: a.boundID(), Fields: map[string]any{"state": string(s)}})
}
