package session

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"viewgen/internal/common/fsutil"
	"viewgen/internal/config"
	"viewgen/internal/payload"
)

// LoadLibrary reads every configured preset's workflow templates. Relative
// paths resolve against baseDir; a leading '~' is the home directory.
func LoadLibrary(presets []config.Preset, defaultPreset, baseDir string, models payload.ModelLister, log zerolog.Logger) (*payload.Library, error) {
	lib := &payload.Library{
		Presets: make(map[string]payload.Preset, len(presets)),
		Default: defaultPreset,
		Models:  models,
		Logger:  log,
	}
	var errs []error
	for _, p := range presets {
		preferred, err := loadTemplate(baseDir, p.Workflow, p.Model)
		if err != nil {
			errs = append(errs, fmt.Errorf("preset %q: %w", p.Name, err))
			continue
		}
		entry := payload.Preset{Preferred: preferred, RequiresFolder: p.RequiresFolder, Requires: p.Requires}
		if p.FallbackWorkflow != "" {
			if entry.Fallback, err = loadTemplate(baseDir, p.FallbackWorkflow, p.FallbackModel); err != nil {
				errs = append(errs, fmt.Errorf("preset %q fallback: %w", p.Name, err))
				continue
			}
		}
		lib.Presets[p.Name] = entry
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	log.Debug().Str("event", "presets_loaded").Strs("presets", lib.Names()).Str("default", lib.Default).Msg("workflow presets loaded")
	return lib, nil
}

func loadTemplate(baseDir, path, model string) (*payload.Template, error) {
	resolved, err := fsutil.Resolve(path, baseDir)
	if err != nil {
		return nil, err
	}
	t, err := payload.Load(resolved)
	if err != nil {
		return nil, err
	}
	t.Model = model
	return t, nil
}
