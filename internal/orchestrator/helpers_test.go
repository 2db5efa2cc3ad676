package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"viewgen/internal/backend"
	"viewgen/internal/framesink"
	"viewgen/internal/hostloop"
)

func testPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeBackend scripts backend behaviour per request id.
type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	submitted   []backend.Request
	interrupted []string
	connectErr  error
	submitErr   error
	gates       map[string]chan backend.Output
	chatty      map[string]bool // emit progress until cancelled
	events      map[string][]backend.Event
	closed      bool
	awaiting    chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		gates:    map[string]chan backend.Output{},
		chatty:   map[string]bool{},
		events:   map[string][]backend.Event{},
		awaiting: make(chan string, 16),
	}
}

func (f *fakeBackend) gate(id string) chan backend.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[id]
	if !ok {
		g = make(chan backend.Output, 1)
		f.gates[id] = g
	}
	return g
}

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeBackend) Submit(ctx context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	f.nextID++
	return fmt.Sprintf("p%d", f.nextID), nil
}

func (f *fakeBackend) Await(ctx context.Context, id string, onEvent func(backend.Event)) (backend.Output, error) {
	gate := f.gate(id)
	f.mu.Lock()
	evs := f.events[id]
	chatty := f.chatty[id]
	f.mu.Unlock()
	for _, ev := range evs {
		onEvent(ev)
	}
	f.awaiting <- id
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	step := 0
	for {
		select {
		case out := <-gate:
			return out, nil
		case <-ctx.Done():
			return backend.Output{}, &backend.CancelledError{RequestID: id, Err: ctx.Err()}
		case <-tick.C:
			if chatty {
				step++
				onEvent(backend.Event{Kind: backend.EventProgress, RequestID: id, Step: step, Max: 1000})
			}
		}
	}
}

func (f *fakeBackend) release(id string, img []byte) {
	f.gate(id) <- backend.Output{RequestID: id, Image: img}
}

func (f *fakeBackend) Interrupt(ctx context.Context, id string) {
	f.mu.Lock()
	f.interrupted = append(f.interrupted, id)
	f.mu.Unlock()
}

func (f *fakeBackend) State() backend.ConnectionState { return backend.Connected }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) interrupts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.interrupted...)
}

func (f *fakeBackend) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeBackend) waitAwaiting(t *testing.T, want string) {
	t.Helper()
	select {
	case id := <-f.awaiting:
		if id != want {
			t.Fatalf("awaiting %q, want %q", id, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backend never awaited %s", want)
	}
}

type harness struct {
	o       *Orchestrator
	be      *fakeBackend
	sink    *framesink.Sink
	pub     *MemoryPublisher
	host    *hostloop.Dispatcher
	built   chan Params
	capture func(w, h int) (Capture, error)
}

func newHarness(t *testing.T, tweak func(*Config, *harness)) *harness {
	t.Helper()
	h := &harness{
		be:    newFakeBackend(),
		sink:  framesink.New(),
		pub:   NewMemoryPublisher(),
		host:  hostloop.New(0, zerolog.Nop()),
		built: make(chan Params, 16),
	}
	shot := testPNG(t, color.RGBA{R: 200, A: 255})
	h.capture = func(w, hh int) (Capture, error) { return Capture{Image: shot, Width: w, Height: hh}, nil }
	cfg := Config{
		Backend: h.be,
		Host:    h.host,
		Capture: func(w, hh int) (Capture, error) { return h.capture(w, hh) },
		Builder: BuilderFunc(func(ctx context.Context, p Params, in BuildInput) (Built, error) {
			select {
			case h.built <- p:
			default:
			}
			return Built{Payload: []byte(`{"seed":` + fmt.Sprint(in.Seed) + `}`), Model: "sd15"}, nil
		}),
		Sink:        h.sink,
		Publisher:   h.pub,
		Logger:      zerolog.Nop(),
		LiveOverlay: true,
		Width:       64,
		Height:      48,
	}
	if tweak != nil {
		tweak(&cfg, h)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o

	ctx, cancel := context.WithCancel(context.Background())
	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		h.host.Run(ctx, time.Millisecond, nil)
	}()
	t.Cleanup(func() {
		_ = o.Close()
		cancel()
		<-hostDone
		h.host.Close()
		h.sink.Dispose()
	})
	return h
}

// result waits for the result event of attempt id.
func (h *harness) result(t *testing.T, id uint64) Result {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range h.pub.Events() {
			if e.Name == EventResult && e.AttemptID == id {
				return e.Fields["result"].(Result)
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no result for attempt %d", id)
	return Result{}
}

func (h *harness) resultCount(id uint64) int {
	n := 0
	for _, e := range h.pub.Events() {
		if e.Name == EventResult && e.AttemptID == id {
			n++
		}
	}
	return n
}

var errNoView = errors.New("no active viewport")
