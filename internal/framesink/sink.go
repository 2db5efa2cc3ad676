// Package framesink holds the live overlay image shown by the host's render
// callback.
//
// A Sink is a double buffer: producers decode off-lock and swap into the
// staged slot, the single consumer promotes staged to displayed at the start
// of each Render. The mutex is held only for pointer swaps; decoding and
// buffer release always happen outside it, and a displayed frame is never
// released while a Render callback may be using it.
package framesink

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
)

var (
	// ErrDisposed is returned by Publish after Dispose.
	ErrDisposed = errors.New("framesink: disposed")
	// ErrUndecodable wraps image decode failures. Callers treat it as a dropped frame.
	ErrUndecodable = errors.New("framesink: undecodable image")
	// ErrEmpty is returned by EncodePNG when nothing has been published.
	ErrEmpty = errors.New("framesink: no frame")
)

// Stats is a snapshot of sink counters.
type Stats struct {
	Published uint64
	Dropped   uint64 // staged frames replaced before any Render saw them
	Rendered  uint64
	Width     int
	Height    int
}

// Sink is a thread-safe staged/displayed frame holder.
type Sink struct {
	mu        sync.Mutex
	staged    *Frame
	displayed *Frame
	readers   int      // Render callbacks in progress
	deferred  []*Frame // released when the last in-progress Render returns
	disposed  bool
	width     int
	height    int

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	rendered  atomic.Uint64
}

// New returns an empty sink.
func New() *Sink { return &Sink{} }

// Publish decodes PNG or JPEG bytes and stages the result.
func (s *Sink) Publish(data []byte) error {
	if s.isDisposed() {
		return ErrDisposed
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return s.PublishImage(img)
}

// PublishImage copies img into a pooled buffer and stages it.
func (s *Sink) PublishImage(img image.Image) error {
	if img == nil || img.Bounds().Empty() {
		return fmt.Errorf("%w: empty image", ErrUndecodable)
	}
	f := newFrame(img.Bounds(), s.seq.Add(1))
	draw.Draw(f.img, f.img.Rect, img, img.Bounds().Min, draw.Src)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		f.release()
		return ErrDisposed
	}
	old := s.staged
	s.staged = f
	s.width, s.height = f.Width(), f.Height()
	s.mu.Unlock()

	s.published.Add(1)
	if old != nil {
		s.dropped.Add(1)
		old.release()
	}
	return nil
}

// Render promotes any staged frame and calls fn with the displayed frame.
// It reports whether fn was called. The host render callback is the intended
// consumer; other readers (EncodePNG) may overlap with it safely.
func (s *Sink) Render(fn func(*Frame)) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	var old *Frame
	if s.staged != nil {
		old = s.displayed
		s.displayed = s.staged
		s.staged = nil
	}
	if old != nil && s.readers > 0 {
		s.deferred = append(s.deferred, old)
		old = nil
	}
	cur := s.displayed
	if cur != nil {
		s.readers++
	}
	s.mu.Unlock()

	old.release()
	if cur == nil {
		return false
	}

	defer s.finishRender()
	fn(cur)
	s.rendered.Add(1)
	return true
}

func (s *Sink) finishRender() {
	s.mu.Lock()
	s.readers--
	var pending []*Frame
	if s.readers == 0 {
		pending = s.deferred
		s.deferred = nil
	}
	s.mu.Unlock()
	for _, f := range pending {
		f.release()
	}
}

// Clear releases both slots and resets the size. Safe to call concurrently
// with Publish and Render.
func (s *Sink) Clear() {
	s.mu.Lock()
	staged, displayed := s.staged, s.displayed
	s.staged, s.displayed = nil, nil
	s.width, s.height = 0, 0
	if s.readers > 0 && displayed != nil {
		s.deferred = append(s.deferred, displayed)
		displayed = nil
	}
	s.mu.Unlock()
	staged.release()
	displayed.release()
}

// Dispose clears the sink and rejects further publishes. After Dispose
// returns, Render never calls its callback again. Idempotent.
func (s *Sink) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()
	s.Clear()
}

func (s *Sink) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Size returns the dimensions of the most recently published frame.
func (s *Sink) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Stats returns sink counters.
func (s *Sink) Stats() Stats {
	w, h := s.Size()
	return Stats{
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
		Rendered:  s.rendered.Load(),
		Width:     w,
		Height:    h,
	}
}

// EncodePNG writes the current displayed frame (promoting staged first) as PNG.
func (s *Sink) EncodePNG(w io.Writer) error {
	var err error
	if !s.Render(func(f *Frame) { err = png.Encode(w, f.Image()) }) {
		return ErrEmpty
	}
	return err
}
