package payload

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"viewgen/internal/orchestrator"
)

// ModelLister reports the model files installed in a backend model folder.
// *backend.Client satisfies it.
type ModelLister interface {
	Models(ctx context.Context, folder string) ([]string, error)
}

// Preset is a preferred workflow with an optional simpler fallback used when
// any of the preferred workflow's required models is missing.
type Preset struct {
	Preferred      *Template
	Fallback       *Template
	RequiresFolder string
	Requires       []string
}

// Library is an orchestrator.PayloadBuilder over named presets.
type Library struct {
	Presets map[string]Preset
	Default string
	Models  ModelLister // optional; without it the preferred workflow is always used
	Logger  zerolog.Logger
}

var _ orchestrator.PayloadBuilder = (*Library)(nil)

// Names returns the preset names in order.
func (l *Library) Names() []string {
	out := make([]string, 0, len(l.Presets))
	for k := range l.Presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build renders the preset named by p.Preset (or the default preset). When
// the preferred workflow's models are unavailable it silently switches to
// the fallback workflow.
func (l *Library) Build(ctx context.Context, p orchestrator.Params, in orchestrator.BuildInput) (orchestrator.Built, error) {
	name := p.Preset
	if name == "" {
		name = l.Default
	}
	preset, ok := l.Presets[name]
	if !ok || preset.Preferred == nil {
		return orchestrator.Built{}, fmt.Errorf("unknown preset %q", name)
	}
	tpl := preset.Preferred
	if preset.Fallback != nil && !l.available(ctx, preset) {
		l.Logger.Info().Str("event", "preset_fallback").Str("preset", name).Strs("requires", preset.Requires).Msg("required models missing, using fallback workflow")
		tpl = preset.Fallback
	}
	payload, err := tpl.Render(p, in)
	if err != nil {
		return orchestrator.Built{}, err
	}
	return orchestrator.Built{Payload: payload, Model: tpl.Model}, nil
}

// available reports whether every required model is installed. Lookup
// errors keep the preferred workflow; the backend reports the real problem.
func (l *Library) available(ctx context.Context, p Preset) bool {
	if l.Models == nil || len(p.Requires) == 0 {
		return true
	}
	installed, err := l.Models.Models(ctx, p.RequiresFolder)
	if err != nil {
		l.Logger.Debug().Str("event", "model_list_failed").Str("folder", p.RequiresFolder).Err(err).Msg("model lookup failed")
		return true
	}
	have := make(map[string]bool, len(installed))
	for _, m := range installed {
		have[m] = true
	}
	for _, r := range p.Requires {
		if !have[r] {
			return false
		}
	}
	return true
}
