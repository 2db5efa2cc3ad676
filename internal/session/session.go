// Package session wires the streaming client, the orchestrator and the
// headless host loop into one process-level object served by httpapi.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"viewgen/internal/backend"
	"viewgen/internal/config"
	"viewgen/internal/framesink"
	"viewgen/internal/hostloop"
	"viewgen/internal/logging"
	"viewgen/internal/orchestrator"
	"viewgen/internal/watcher"
)

const hostQueueDepth = 256

// Options configure a Session. Config must already be normalized.
type Options struct {
	Config config.Config
	// BaseDir resolves relative workflow paths, usually the config file's
	// directory.
	BaseDir string
	// Capture overrides the file-based capture of Config.ViewImage.
	Capture orchestrator.CaptureFunc
	// Draw is called on the host thread with the displayed overlay frame on
	// every tick.
	Draw func(*framesink.Frame)
	// Observer receives orchestrator events on the host thread.
	Observer orchestrator.EventPublisher
	Logger   zerolog.Logger
}

// Session owns every component of a running viewgen process.
type Session struct {
	cfg     config.Config
	log     zerolog.Logger
	started time.Time
	draw    func(*framesink.Frame)

	client *backend.Client
	host   *hostloop.Dispatcher
	sink   *framesink.Sink
	watch  *watcher.Watcher
	orch   *orchestrator.Orchestrator
	bus    *Broadcaster

	closeOnce sync.Once
	closeErr  error
}

// New builds a session. Nothing touches the network until Run or the first
// generation.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	log := opts.Logger

	client, err := backend.New(backend.Config{
		BaseURL:           cfg.BackendURL,
		ClientID:          cfg.ClientID,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Backoff:           cfg.Backoff(),
		AwaitTimeout:      cfg.AwaitTimeout(),
		PollInterval:      cfg.PollInterval(),
		MaxMessageBytes:   cfg.MaxMessageBytes(),
		Logger:            logging.Component(log, "backend"),
	})
	if err != nil {
		return nil, err
	}

	lib, err := LoadLibrary(cfg.Presets, cfg.DefaultPreset, opts.BaseDir, client, logging.Component(log, "payload"))
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	host := hostloop.New(hostQueueDepth, logging.Component(log, "host"))
	sink := framesink.New()
	watch := watcher.New(watcher.Config{
		Debounce: cfg.Debounce(),
		Thresholds: watcher.Thresholds{
			Translation: cfg.MinTranslation,
			RotationDeg: cfg.MinRotationDeg,
			FOVDeg:      cfg.MinFOVDeg,
		},
		Host:   host,
		Logger: logging.Component(log, "watcher"),
	})
	bus := NewBroadcaster(logging.Component(log, "events"))

	pub := orchestrator.MultiPublisher{bus}
	if opts.Observer != nil {
		pub = append(pub, orchestrator.HostPublisher{Host: host, Next: opts.Observer, Logger: log})
	}

	capture := opts.Capture
	if capture == nil {
		capture = FileCapture(cfg.ViewImage)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Backend:     client,
		Host:        host,
		Capture:     capture,
		Builder:     lib,
		Sink:        sink,
		Watcher:     watch,
		Publisher:   pub,
		Logger:      logging.Component(log, "orchestrator"),
		LiveOverlay: cfg.LiveOverlayEnabled(),
		Width:       cfg.CaptureWidth,
		Height:      cfg.CaptureHeight,
	})
	if err != nil {
		_ = client.Close()
		host.Close()
		return nil, err
	}

	return &Session{
		cfg:     cfg,
		log:     log,
		started: time.Now(),
		draw:    opts.Draw,
		client:  client,
		host:    host,
		sink:    sink,
		watch:   watch,
		orch:    orch,
		bus:     bus,
	}, nil
}

// Run connects the stream in the background and drives the host loop until
// ctx is done. A failed initial connect is not fatal; every generation
// retries it.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.client.Connect(gctx); err != nil && gctx.Err() == nil {
			s.log.Warn().Str("event", "initial_connect_failed").Err(err).Msg("backend stream unavailable; generations will retry")
		}
		return nil
	})
	g.Go(func() error {
		s.host.Run(gctx, s.cfg.Tick(), s.tick)
		return nil
	})
	return g.Wait()
}

// tick draws the overlay. Headless hosts without Draw still promote frames
// so stats and /frame stay current.
func (s *Session) tick() {
	s.sink.Render(func(f *framesink.Frame) {
		if s.draw != nil {
			s.draw(f)
		}
		framesRendered.Inc()
	})
}

// Close shuts every component down in dependency order. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.orch.Close()
		s.watch.Disable()
		s.bus.Close()
		s.sink.Dispose()
		s.host.Close()
		s.log.Info().Str("event", "session_closed").Msg("session closed")
	})
	return s.closeErr
}

// Orchestrator exposes the orchestrator for embedding hosts.
func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Sink exposes the overlay sink.
func (s *Session) Sink() *framesink.Sink { return s.sink }

// GenerateAndWait runs one generation and blocks until its result.
func (s *Session) GenerateAndWait(ctx context.Context, p orchestrator.Params) (orchestrator.Result, error) {
	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()
	id, err := s.orch.RequestGenerate(p)
	if err != nil {
		return orchestrator.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			s.orch.Cancel()
			return orchestrator.Result{}, ctx.Err()
		case e, ok := <-events:
			if !ok {
				return orchestrator.Result{}, orchestrator.ErrClosed
			}
			if e.Name != orchestrator.EventResult || e.AttemptID != id {
				continue
			}
			res, ok := e.Fields["result"].(orchestrator.Result)
			if !ok {
				return orchestrator.Result{}, fmt.Errorf("attempt %d: malformed result event", id)
			}
			return res, nil
		}
	}
}
