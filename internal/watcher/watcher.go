// Package watcher turns a noisy stream of camera pose notifications into one
// "settled" event per burst of movement.
package watcher

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultDebounce is the quiet period that ends a burst.
	DefaultDebounce = 300 * time.Millisecond
	// MinDebounce is the lower clamp applied to configured intervals.
	MinDebounce = 50 * time.Millisecond
)

// ChangeEvent describes the settled pose after a burst.
type ChangeEvent struct {
	Seq     uint64
	Pose    Pose
	At      time.Time
	Initial bool // first event after construction or Reset
}

// Source delivers raw pose notifications on arbitrary goroutines.
// Subscribe returns a function that removes the subscription.
type Source interface {
	Subscribe(func(Pose)) (unsubscribe func())
}

// Poster marshals a function onto the host thread. *hostloop.Dispatcher
// satisfies it.
type Poster interface {
	Post(func()) bool
}

// Config configures a Watcher.
type Config struct {
	Debounce   time.Duration
	Thresholds Thresholds
	Source     Source // optional; Notify can be called directly instead
	Host       Poster // optional; when set, emission runs on the host thread
	Logger     zerolog.Logger
}

// ClampDebounce applies the default and minimum to d.
func ClampDebounce(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultDebounce
	}
	if d < MinDebounce {
		return MinDebounce
	}
	return d
}

// Watcher debounces pose changes.
type Watcher struct {
	debounce   time.Duration
	thresholds Thresholds
	source     Source
	host       Poster
	log        zerolog.Logger

	mu        sync.Mutex
	enabled   bool
	unsub     func()
	last      *Pose // last settled pose; nil after Reset
	pending   *Pose
	timer     *time.Timer
	gen       uint64 // bumps on every (re)arm and on disable; stale fires compare against it
	seq       uint64
	listeners map[int]func(ChangeEvent)
	nextID    int
}

// New creates a disabled watcher.
func New(cfg Config) *Watcher {
	th := cfg.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &Watcher{
		debounce:   ClampDebounce(cfg.Debounce),
		thresholds: th,
		source:     cfg.Source,
		host:       cfg.Host,
		log:        cfg.Logger,
		listeners:  make(map[int]func(ChangeEvent)),
	}
}

// Debounce returns the effective debounce interval.
func (w *Watcher) Debounce() time.Duration { return w.debounce }

// OnChange registers fn for settled events and returns a function that
// removes it.
func (w *Watcher) OnChange(fn func(ChangeEvent)) (remove func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// Enable starts accepting notifications and subscribes to the source.
// Idempotent.
func (w *Watcher) Enable() {
	w.mu.Lock()
	if w.enabled {
		w.mu.Unlock()
		return
	}
	w.enabled = true
	src := w.source
	w.mu.Unlock()

	if src == nil {
		return
	}
	unsub := src.Subscribe(w.Notify)
	w.mu.Lock()
	if !w.enabled {
		// Disabled while subscribing.
		w.mu.Unlock()
		unsub()
		return
	}
	w.unsub = unsub
	w.mu.Unlock()
}

// Disable cancels any pending timer and unsubscribes. Idempotent.
func (w *Watcher) Disable() {
	w.mu.Lock()
	if !w.enabled {
		w.mu.Unlock()
		return
	}
	w.enabled = false
	w.gen++
	t := w.timer
	w.timer = nil
	w.pending = nil
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if unsub != nil {
		unsub()
	}
}

// Enabled reports whether the watcher is accepting notifications.
func (w *Watcher) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Reset forgets the last settled pose so the next change fires regardless of
// its size.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.last = nil
	w.mu.Unlock()
}

// Notify reports a raw pose. Safe from any goroutine. The pose is compared
// with the last settled pose, never with the pending one, so a slow
// continuous movement keeps one burst open until it stops.
func (w *Watcher) Notify(p Pose) {
	w.mu.Lock()
	if !w.enabled {
		w.mu.Unlock()
		return
	}
	if w.last != nil && !w.thresholds.Exceeds(*w.last, p) {
		w.mu.Unlock()
		return
	}
	pp := p
	w.pending = &pp
	w.gen++
	gen := w.gen
	old := w.timer
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(gen) })
	w.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

func (w *Watcher) fire(gen uint64) {
	w.mu.Lock()
	if !w.enabled || gen != w.gen || w.pending == nil {
		w.mu.Unlock()
		return
	}
	p := *w.pending
	initial := w.last == nil
	w.last = w.pending
	w.pending = nil
	w.timer = nil
	w.seq++
	ev := ChangeEvent{Seq: w.seq, Pose: p, At: time.Now(), Initial: initial}
	fns := make([]func(ChangeEvent), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	host := w.host
	w.mu.Unlock()

	w.log.Debug().Str("event", "settled").Uint64("seq", ev.Seq).Bool("initial", initial).Msg("pose settled")
	emit := func() {
		for _, fn := range fns {
			fn(ev)
		}
	}
	if host != nil {
		if !host.Post(emit) {
			w.log.Warn().Str("event", "emit_dropped").Uint64("seq", ev.Seq).Msg("host rejected change event")
		}
		return
	}
	emit()
}
