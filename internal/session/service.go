package session

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"viewgen/internal/backend"
	"viewgen/internal/httpapi"
	"viewgen/internal/orchestrator"
	"viewgen/internal/watcher"
	"viewgen/pkg/types"
)

var _ httpapi.Service = (*Session)(nil)

func toParams(req types.GenerateRequest) orchestrator.Params {
	return orchestrator.Params{
		Preset:         req.Preset,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Seed,
		Width:          req.Width,
		Height:         req.Height,
		Extra:          req.Extra,
	}
}

func (s *Session) Status() types.StatusResponse {
	snap := s.orch.Status()
	st := s.sink.Stats()
	out := types.StatusResponse{
		State:      string(snap.State),
		AttemptID:  snap.AttemptID,
		RequestID:  snap.RequestID,
		Step:       snap.Step,
		MaxSteps:   snap.MaxSteps,
		AutoMode:   snap.AutoMode,
		Connection: snap.Connection.String(),
		Frame: types.FrameStats{
			Width:     st.Width,
			Height:    st.Height,
			Published: st.Published,
			Dropped:   st.Dropped,
			Rendered:  st.Rendered,
		},
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	if snap.Last != nil {
		out.LastResult = summarize(*snap.Last)
	}
	return out
}

func (s *Session) Generate(req types.GenerateRequest) (uint64, error) {
	return s.orch.RequestGenerate(toParams(req))
}

func (s *Session) Cancel() { s.orch.Cancel() }

// StartAuto turns auto mode on, or replaces its params when already on.
func (s *Session) StartAuto(req types.GenerateRequest) error {
	return s.orch.StartAutoMode(toParams(req))
}

func (s *Session) StopAuto() { s.orch.StopAutoMode() }

func (s *Session) NotifyPose(p types.PoseRequest) {
	s.watch.Notify(watcher.Pose{
		Position: watcher.Vec3(p.Position),
		Forward:  watcher.Vec3(p.Forward),
		Up:       watcher.Vec3(p.Up),
		FOVDeg:   p.FOVDeg,
	})
}

func (s *Session) WriteFrame(w io.Writer) error { return s.sink.EncodePNG(w) }

// Events writes one JSON line per orchestrator event until ctx is done or
// the session closes.
func (s *Session) Events(ctx context.Context, w io.Writer, flush func()) error {
	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(toWire(e)); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
		}
	}
}

// Ready reports whether the backend stream is connected.
func (s *Session) Ready() bool { return s.client.State() == backend.Connected }
