package session

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewgen/internal/config"
	"viewgen/internal/orchestrator"
	"viewgen/pkg/types"
)

func TestGenerateAndWaitDeliversFrame(t *testing.T) {
	out := solidPNG(t, 8, 6, color.RGBA{R: 200, A: 255})
	sb := newStubBackend(t, out, false)
	cfg, dir := testConfig(t, sb, solidPNG(t, 8, 6, color.White))
	s := startSession(t, cfg, dir)

	res, err := s.GenerateAndWait(waitCtx(t), orchestrator.Params{Prompt: "castle", Seed: 42})
	require.NoError(t, err)
	require.True(t, res.OK(), "result: %+v", res)
	assert.Equal(t, out, res.Image)
	assert.Equal(t, int64(42), res.Seed)
	assert.Equal(t, "sd15.safetensors", res.Model)

	require.Equal(t, 1, sb.promptCount())
	p := sb.prompt(0)
	assert.True(t, strings.HasPrefix(p["1"]["inputs"]["image"].(string), "viewgen-"))
	assert.Equal(t, float64(42), p["2"]["inputs"]["seed"])
	assert.Equal(t, "castle", p["2"]["inputs"]["text"])

	st := s.Status()
	assert.Equal(t, "idle", st.State)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, "succeeded", st.LastResult.Status)
	assert.Equal(t, uint64(1), st.Frame.Published)
	assert.Equal(t, 8, st.Frame.Width)

	var buf bytes.Buffer
	require.NoError(t, s.WriteFrame(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())
}

func TestMissingViewIsCaptureFailure(t *testing.T) {
	sb := newStubBackend(t, solidPNG(t, 2, 2, color.Black), false)
	cfg, dir := testConfig(t, sb, nil)
	s := startSession(t, cfg, dir)

	res, err := s.GenerateAndWait(waitCtx(t), orchestrator.Params{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
	assert.Equal(t, orchestrator.KindCapture, res.Kind)
	assert.Contains(t, res.Message, "no active view")
	assert.Zero(t, sb.promptCount(), "nothing may be submitted without a capture")
}

func TestUnknownPresetIsPayloadFailure(t *testing.T) {
	sb := newStubBackend(t, solidPNG(t, 2, 2, color.Black), false)
	cfg, dir := testConfig(t, sb, solidPNG(t, 2, 2, color.White))
	s := startSession(t, cfg, dir)

	res, err := s.GenerateAndWait(waitCtx(t), orchestrator.Params{Preset: "nope"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.KindPayload, res.Kind)
	assert.Contains(t, res.Message, `unknown preset "nope"`)
}

func TestEventsStreamsNDJSON(t *testing.T) {
	sb := newStubBackend(t, solidPNG(t, 2, 2, color.Black), false)
	cfg, dir := testConfig(t, sb, solidPNG(t, 2, 2, color.White))
	s := startSession(t, cfg, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var buf lockedBuffer
	done := make(chan error, 1)
	go func() { done <- s.Events(ctx, &buf, nil) }()
	require.Eventually(t, func() bool { return subscriberCount(s.bus) == 1 }, time.Second, 2*time.Millisecond)

	id, err := s.Generate(types.GenerateRequest{Seed: 7})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(buf.String(), `"name":"result"`) }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	var sawState bool
	var result *types.ResultSummary
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var ev types.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		assert.Equal(t, id, ev.AttemptID)
		switch ev.Name {
		case "state":
			sawState = sawState || ev.State == "capturing"
		case "result":
			result = ev.Result
		}
	}
	assert.True(t, sawState, "expected a capturing state event")
	require.NotNil(t, result)
	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, int64(7), result.Seed)
}

func TestAutoModeGeneratesOnSettledPose(t *testing.T) {
	sb := newStubBackend(t, solidPNG(t, 2, 2, color.Black), false)
	cfg, dir := testConfig(t, sb, solidPNG(t, 2, 2, color.White))
	s := startSession(t, cfg, dir)

	// Poses before auto mode are ignored.
	s.NotifyPose(types.PoseRequest{Position: [3]float64{1, 0, 0}, Forward: [3]float64{0, 0, -1}, Up: [3]float64{0, 1, 0}, FOVDeg: 50})
	time.Sleep(3 * cfg.Debounce())
	assert.Zero(t, sb.promptCount())

	require.NoError(t, s.StartAuto(types.GenerateRequest{Prompt: "forest"}))
	assert.True(t, s.Status().AutoMode)
	for i := 0; i < 5; i++ {
		s.NotifyPose(types.PoseRequest{Position: [3]float64{float64(i), 0, 0}, Forward: [3]float64{0, 0, -1}, Up: [3]float64{0, 1, 0}, FOVDeg: 50})
	}
	require.Eventually(t, func() bool { return s.Status().LastResult != nil }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sb.promptCount(), "one burst, one generation")
	assert.Equal(t, "forest", sb.prompt(0)["2"]["inputs"]["text"])

	s.StopAuto()
	assert.False(t, s.Status().AutoMode)
}

func TestReadyFollowsStream(t *testing.T) {
	sb := newStubBackend(t, nil, true)
	cfg, dir := testConfig(t, sb, nil)
	s := startSession(t, cfg, dir)
	require.Eventually(t, s.Ready, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "connected", s.Status().Connection)
}

func TestNotReadyWithoutStream(t *testing.T) {
	sb := newStubBackend(t, nil, false)
	cfg, dir := testConfig(t, sb, nil)
	s, err := New(Options{Config: cfg, BaseDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Ready())
	assert.Equal(t, "disconnected", s.Status().Connection)
}

func TestCloseIsIdempotentAndRejectsWork(t *testing.T) {
	sb := newStubBackend(t, nil, false)
	cfg, dir := testConfig(t, sb, nil)
	s, err := New(Options{Config: cfg, BaseDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Generate(types.GenerateRequest{})
	assert.ErrorIs(t, err, orchestrator.ErrClosed)
	assert.ErrorIs(t, s.StartAuto(types.GenerateRequest{}), orchestrator.ErrClosed)
}

func TestNewRejectsMissingWorkflow(t *testing.T) {
	cfg := config.Defaults()
	cfg.Presets = []config.Preset{{Name: "a", Workflow: "missing.json"}}
	_, err := New(Options{Config: cfg, BaseDir: t.TempDir(), Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `preset "a"`)
}

func TestFileCapture(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "view.png")
	require.NoError(t, os.WriteFile(good, solidPNG(t, 5, 3, color.White), 0o644))
	bad := filepath.Join(dir, "view.txt")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))

	c, err := FileCapture(good)(512, 512)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Width)
	assert.Equal(t, 3, c.Height)

	for _, path := range []string{"", filepath.Join(dir, "absent.png"), bad} {
		_, err := FileCapture(path)(512, 512)
		assert.True(t, orchestrator.IsCapture(err), "%q: %v", path, err)
	}
}
