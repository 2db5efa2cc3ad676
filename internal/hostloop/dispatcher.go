// Package hostloop marshals work onto the host application's single
// update/render thread.
//
// The host owns that thread; viewgen never blocks it. Background goroutines
// Post or Call work into a queue that only the host drains, from inside its
// own update callback (Drain) or, for headless hosts, from Run.
package hostloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("hostloop: dispatcher closed")

const defaultQueueDepth = 256

type task struct {
	fn   func() error
	ctx  context.Context // nil for Post; a done ctx means the caller gave up
	done chan error      // nil for Post
}

// Dispatcher is a single-consumer work queue drained by the host thread.
type Dispatcher struct {
	queue  chan task
	closed chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

// New creates a dispatcher. depth <= 0 selects the default queue depth.
func New(depth int, log zerolog.Logger) *Dispatcher {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Dispatcher{
		queue:  make(chan task, depth),
		closed: make(chan struct{}),
		log:    log,
	}
}

// Post enqueues fn without waiting. It reports false if the dispatcher is
// closed or the queue is full; posted work is never run on the caller's thread.
func (d *Dispatcher) Post(fn func()) bool {
	select {
	case <-d.closed:
		return false
	default:
	}
	t := task{fn: func() error { fn(); return nil }}
	select {
	case d.queue <- t:
		return true
	case <-d.closed:
		return false
	default:
		d.log.Warn().Str("event", "post_dropped").Int("depth", cap(d.queue)).Msg("host queue full")
		return false
	}
}

// Call runs fn on the host thread and blocks the calling goroutine until it
// has run, ctx is done, or the dispatcher closes. Call must not be used from
// the host thread itself.
func (d *Dispatcher) Call(ctx context.Context, fn func() error) error {
	t := task{fn: fn, ctx: ctx, done: make(chan error, 1)}
	select {
	case d.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closed:
		return ErrClosed
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// Still queued tasks are skipped by the host; one already running
		// finishes and its result is discarded.
		return ctx.Err()
	case <-d.closed:
		return ErrClosed
	}
}

// Drain runs every task queued at the time of the call and returns how many
// ran. Calls whose context ended while queued are skipped, not counted. It is
// meant to be called from the host's update callback.
func (d *Dispatcher) Drain() int {
	n := len(d.queue)
	ran := 0
	for i := 0; i < n; i++ {
		select {
		case t := <-d.queue:
			if d.run(t) {
				ran++
			}
		default:
			return ran
		}
	}
	return ran
}

func (d *Dispatcher) run(t task) bool {
	if t.ctx != nil && t.ctx.Err() != nil {
		d.log.Debug().Str("event", "task_abandoned").Err(t.ctx.Err()).Msg("skipping host task nobody waits for")
		t.done <- t.ctx.Err()
		return false
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("hostloop: task panicked: %v", r)
				d.log.Error().Str("event", "task_panic").Interface("panic", r).Msg("host task panicked")
			}
		}()
		err = t.fn()
	}()
	if t.done != nil {
		t.done <- err
	}
	return true
}

// Run drives a headless host loop: every interval it drains the queue and then
// calls tick (if non-nil). It returns when ctx is done or the dispatcher closes.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, tick func()) {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closed:
			return
		case <-t.C:
			d.Drain()
			if tick != nil {
				tick()
			}
		}
	}
}

// Close stops accepting work and unblocks pending Calls. Idempotent.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.closed) })
}

// Pending reports the number of queued tasks.
func (d *Dispatcher) Pending() int { return len(d.queue) }
