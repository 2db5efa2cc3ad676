package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"viewgen/internal/backend"
)

// maxSeed keeps random seeds exactly representable in JSON numbers.
const maxSeed = 1<<53 - 1

// supervise runs a after prev has finished and always reports one result.
func (o *Orchestrator) supervise(a *attempt, prev *attempt) {
	defer o.wg.Done()
	defer close(a.done)
	if prev != nil {
		<-prev.done
	}
	inflight.Set(1)
	res := o.execute(a)
	inflight.Set(0)
	o.finish(a, res)
}

// execute runs one attempt, turning any panic into an internal-error result.
func (o *Orchestrator) execute(a *attempt) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("event", "attempt_panic").Uint64("attempt", a.id).
				Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("generation panicked")
			res = Result{RequestID: a.boundID(), Status: StatusFailed, Kind: KindInternal, Message: fmt.Sprintf("internal error: %v", r)}
		}
		res.AttemptID = a.id
		res.Elapsed = time.Since(start)
	}()
	return o.generate(a)
}

func (o *Orchestrator) generate(a *attempt) Result {
	p := a.params
	if a.ctx.Err() != nil {
		return cancelled("")
	}
	width, height := p.Width, p.Height
	if width <= 0 {
		width = o.cfg.Width
	}
	if height <= 0 {
		height = o.cfg.Height
	}

	o.setState(a, StateCapturing)
	shot, err := o.capture(a.ctx, width, height)
	if err != nil {
		if a.ctx.Err() != nil {
			return cancelled("")
		}
		return failed(a, err)
	}

	seed := p.Seed
	if seed == 0 {
		seed = rand.Int64N(maxSeed) + 1
	}
	input := fmt.Sprintf("viewgen-%s.png", uuid.NewString())
	built, err := o.cfg.Builder.Build(a.ctx, p, BuildInput{InputName: input, Seed: seed, Width: shot.Width, Height: shot.Height})
	if err != nil {
		if a.ctx.Err() != nil {
			return cancelled("")
		}
		return failed(a, &PayloadError{Err: err})
	}

	o.setState(a, StateSubmitting)
	if err := o.client.Connect(a.ctx); err != nil {
		if a.ctx.Err() != nil {
			return cancelled("")
		}
		// Submission and polling still work without the stream.
		o.log.Warn().Str("event", "stream_unavailable").Uint64("attempt", a.id).Err(err).Msg("continuing without stream")
	}
	id, err := o.client.Submit(a.ctx, backend.Request{
		Payload: built.Payload,
		Inputs:  []backend.Input{{Name: input, Data: shot.Image}},
		Seed:    seed,
	})
	if err != nil {
		if a.ctx.Err() != nil {
			return cancelled("")
		}
		return failed(a, err)
	}
	if a.bind(id) {
		// Cancelled between submit and bind; nobody else knows the id.
		o.wg.Add(1)
		go o.interrupt(a.id, id)
		return cancelled(id)
	}

	o.setState(a, StateAwaiting)
	out, err := o.client.Await(a.ctx, id, func(ev backend.Event) { o.relay(a, ev) })
	if err != nil {
		if backend.IsCancelled(err) || a.ctx.Err() != nil {
			return cancelled(id)
		}
		return failed(a, err)
	}
	if a.ctx.Err() != nil {
		// Superseded after the backend finished: the newer attempt owns the overlay.
		return cancelled(id)
	}

	o.setState(a, StateDelivering)
	if o.cfg.Sink != nil {
		if err := o.cfg.Sink.Publish(out.Image); err != nil {
			o.log.Warn().Str("event", "result_undisplayable").Uint64("attempt", a.id).Err(err).Msg("final image not displayed")
		}
	}
	return Result{RequestID: id, Status: StatusSucceeded, Image: out.Image, Seed: seed, Model: built.Model}
}

// capture renders the active view on the host thread. Only this worker
// blocks while it waits.
func (o *Orchestrator) capture(ctx context.Context, width, height int) (Capture, error) {
	var shot Capture
	err := o.host.Call(ctx, func() error {
		c, err := o.cfg.Capture(width, height)
		if err != nil {
			return err
		}
		shot = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Capture{}, ctx.Err()
		}
		if IsCapture(err) {
			return Capture{}, err
		}
		return Capture{}, &CaptureError{Reason: err.Error()}
	}
	switch {
	case len(shot.Image) == 0:
		return Capture{}, &CaptureError{Reason: "no active view"}
	case shot.Width <= 0 || shot.Height <= 0:
		return Capture{}, &CaptureError{Reason: fmt.Sprintf("invalid dimensions %dx%d", shot.Width, shot.Height)}
	}
	return shot, nil
}

// relay forwards a backend event for a unless a has been superseded. The
// preview reaches the sink under emitMu, so once Cancel or RequestGenerate
// returns no frame of the older attempt is published.
func (o *Orchestrator) relay(a *attempt, ev backend.Event) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	if !o.emit(a, ev) {
		staleEvents.Inc()
		return
	}
	if ev.Kind != backend.EventPreview || !o.cfg.LiveOverlay || o.cfg.Sink == nil {
		return
	}
	if err := o.cfg.Sink.Publish(ev.Image); err != nil {
		o.log.Debug().Str("event", "preview_dropped").Uint64("attempt", a.id).Err(err).Msg("undecodable preview")
		return
	}
	previewsRelayed.Inc()
}

// emit publishes ev if a is still current. Caller holds emitMu.
func (o *Orchestrator) emit(a *attempt, ev backend.Event) bool {
	if !o.isCurrent(a) || a.ctx.Err() != nil {
		return false
	}
	switch ev.Kind {
	case backend.EventProgress:
		o.mu.Lock()
		o.step, o.maxSteps = ev.Step, ev.Max
		o.mu.Unlock()
		o.pub.Publish(Event{Name: EventProgress, AttemptID: a.id, RequestID: ev.RequestID,
			Fields: map[string]any{"step": ev.Step, "max": ev.Max}})
	case backend.EventPreview:
		o.pub.Publish(Event{Name: EventPreview, AttemptID: a.id, RequestID: ev.RequestID,
			Fields: map[string]any{"bytes": len(ev.Image)}})
	}
	return true
}

// finish records res and publishes it. Every attempt ends here exactly once.
func (o *Orchestrator) finish(a *attempt, res Result) {
	a.cancel()
	resultsTotal.WithLabelValues(string(res.Status), string(res.Kind)).Inc()
	generationDuration.WithLabelValues(string(res.Status)).Observe(res.Elapsed.Seconds())

	o.mu.Lock()
	if o.current == a {
		o.current = nil
		o.state = StateIdle
	}
	if o.last == nil || o.last.AttemptID < res.AttemptID {
		r := res
		o.last = &r
	}
	o.mu.Unlock()

	ev := o.log.Info()
	if res.Status == StatusFailed {
		ev = o.log.Warn()
	}
	ev.Str("event", "generation_"+string(res.Status)).Uint64("attempt", res.AttemptID).
		Str("request_id", res.RequestID).Str("kind", string(res.Kind)).Str("message", res.Message).
		Dur("elapsed", res.Elapsed).Msg("generation finished")

	o.pub.Publish(Event{Name: EventResult, AttemptID: res.AttemptID, RequestID: res.RequestID,
		Fields: map[string]any{"result": res}})
}

func cancelled(requestID string) Result {
	return Result{RequestID: requestID, Status: StatusCancelled, Kind: KindCancelled, Message: "cancelled"}
}

func failed(a *attempt, err error) Result {
	kind := kindOf(err)
	status := StatusFailed
	if kind == KindCancelled {
		status = StatusCancelled
	}
	return Result{RequestID: a.boundID(), Status: status, Kind: kind, Message: err.Error()}
}
