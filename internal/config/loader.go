package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when fields are unset.
const (
	DefaultAddr              = "127.0.0.1:8765"
	DefaultBackendURL        = "http://127.0.0.1:8188"
	DefaultDebounceMS        = 300
	MinDebounceMS            = 50
	DefaultCaptureWidth      = 512
	DefaultCaptureHeight     = 512
	DefaultAwaitTimeoutS     = 300
	DefaultReconnectAttempts = 3
	DefaultPollIntervalMS    = 150
	DefaultMaxMessageMB      = 32
	DefaultTickMS            = 16
	DefaultLogLevel          = "info"
)

// DefaultBackoffMS is the reconnect wait schedule.
var DefaultBackoffMS = []int{500, 2000, 5000}

// Preset names a workflow template and its optional fallback.
type Preset struct {
	Name             string   `json:"name" yaml:"name" toml:"name"`
	Workflow         string   `json:"workflow" yaml:"workflow" toml:"workflow"`
	Model            string   `json:"model" yaml:"model" toml:"model"`
	FallbackWorkflow string   `json:"fallback_workflow" yaml:"fallback_workflow" toml:"fallback_workflow"`
	FallbackModel    string   `json:"fallback_model" yaml:"fallback_model" toml:"fallback_model"`
	RequiresFolder   string   `json:"requires_folder" yaml:"requires_folder" toml:"requires_folder"`
	Requires         []string `json:"requires" yaml:"requires" toml:"requires"`
}

// Config holds runtime parameters for viewgen.
// Zero values mean "unspecified" and are replaced by Normalize.
type Config struct {
	Addr              string   `json:"addr" yaml:"addr" toml:"addr"`
	BackendURL        string   `json:"backend_url" yaml:"backend_url" toml:"backend_url"`
	ClientID          string   `json:"client_id" yaml:"client_id" toml:"client_id"`
	DebounceMS        int      `json:"debounce_ms" yaml:"debounce_ms" toml:"debounce_ms"`
	MinTranslation    float64  `json:"min_translation" yaml:"min_translation" toml:"min_translation"`
	MinRotationDeg    float64  `json:"min_rotation_deg" yaml:"min_rotation_deg" toml:"min_rotation_deg"`
	MinFOVDeg         float64  `json:"min_fov_deg" yaml:"min_fov_deg" toml:"min_fov_deg"`
	CaptureWidth      int      `json:"capture_width" yaml:"capture_width" toml:"capture_width"`
	CaptureHeight     int      `json:"capture_height" yaml:"capture_height" toml:"capture_height"`
	AwaitTimeoutS     int      `json:"await_timeout_s" yaml:"await_timeout_s" toml:"await_timeout_s"`
	ReconnectAttempts int      `json:"reconnect_attempts" yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	BackoffMS         []int    `json:"backoff_ms" yaml:"backoff_ms" toml:"backoff_ms"`
	PollIntervalMS    int      `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	MaxMessageMB      int      `json:"max_message_mb" yaml:"max_message_mb" toml:"max_message_mb"`
	LiveOverlay       *bool    `json:"live_overlay" yaml:"live_overlay" toml:"live_overlay"`
	TickMS            int      `json:"tick_ms" yaml:"tick_ms" toml:"tick_ms"`
	ViewImage         string   `json:"view_image" yaml:"view_image" toml:"view_image"`
	DefaultPreset     string   `json:"default_preset" yaml:"default_preset" toml:"default_preset"`
	Presets           []Preset `json:"presets" yaml:"presets" toml:"presets"`
	LogLevel          string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORSEnabled       bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Defaults returns a fully populated configuration.
func Defaults() Config {
	var c Config
	_ = c.Normalize()
	return c
}

// Normalize fills unset fields with defaults, clamps the debounce interval
// and rejects values that cannot be corrected.
func (c *Config) Normalize() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.BackendURL == "" {
		c.BackendURL = DefaultBackendURL
	}
	if c.DebounceMS <= 0 {
		c.DebounceMS = DefaultDebounceMS
	} else if c.DebounceMS < MinDebounceMS {
		c.DebounceMS = MinDebounceMS
	}
	if c.CaptureWidth == 0 {
		c.CaptureWidth = DefaultCaptureWidth
	}
	if c.CaptureHeight == 0 {
		c.CaptureHeight = DefaultCaptureHeight
	}
	if c.AwaitTimeoutS == 0 {
		c.AwaitTimeoutS = DefaultAwaitTimeoutS
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if len(c.BackoffMS) == 0 {
		c.BackoffMS = append([]int(nil), DefaultBackoffMS...)
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = DefaultPollIntervalMS
	}
	if c.MaxMessageMB == 0 {
		c.MaxMessageMB = DefaultMaxMessageMB
	}
	if c.LiveOverlay == nil {
		on := true
		c.LiveOverlay = &on
	}
	if c.TickMS == 0 {
		c.TickMS = DefaultTickMS
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	var errs []error
	if c.CaptureWidth < 0 || c.CaptureHeight < 0 {
		errs = append(errs, fmt.Errorf("capture resolution %dx%d is invalid", c.CaptureWidth, c.CaptureHeight))
	}
	if c.AwaitTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("await_timeout_s must be positive"))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect_attempts must be positive"))
	}
	for _, ms := range c.BackoffMS {
		if ms < 0 {
			errs = append(errs, fmt.Errorf("backoff_ms entries must not be negative"))
			break
		}
	}
	if c.PollIntervalMS < 0 || c.MaxMessageMB < 0 || c.TickMS < 0 {
		errs = append(errs, fmt.Errorf("poll_interval_ms, max_message_mb and tick_ms must be positive"))
	}
	if c.MinTranslation < 0 || c.MinRotationDeg < 0 || c.MinFOVDeg < 0 {
		errs = append(errs, fmt.Errorf("change thresholds must not be negative"))
	}
	seen := make(map[string]bool, len(c.Presets))
	for i, p := range c.Presets {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("presets[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("presets[%d]: duplicate name %q", i, p.Name))
		case p.Workflow == "":
			errs = append(errs, fmt.Errorf("preset %q: workflow is required", p.Name))
		}
		seen[p.Name] = true
	}
	if c.DefaultPreset == "" && len(c.Presets) > 0 {
		c.DefaultPreset = c.Presets[0].Name
	}
	if c.DefaultPreset != "" && len(c.Presets) > 0 && !seen[c.DefaultPreset] {
		errs = append(errs, fmt.Errorf("default_preset %q is not defined", c.DefaultPreset))
	}
	return errors.Join(errs...)
}

// Debounce returns the debounce interval.
func (c Config) Debounce() time.Duration { return time.Duration(c.DebounceMS) * time.Millisecond }

// AwaitTimeout returns the per-request ceiling.
func (c Config) AwaitTimeout() time.Duration { return time.Duration(c.AwaitTimeoutS) * time.Second }

// PollInterval returns the status polling interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Tick returns the headless host's update interval.
func (c Config) Tick() time.Duration { return time.Duration(c.TickMS) * time.Millisecond }

// Backoff returns the reconnect wait schedule.
func (c Config) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.BackoffMS))
	for i, ms := range c.BackoffMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// MaxMessageBytes returns the stream message cap.
func (c Config) MaxMessageBytes() int { return c.MaxMessageMB << 20 }

// LiveOverlayEnabled reports whether previews are shown while generating.
func (c Config) LiveOverlayEnabled() bool { return c.LiveOverlay == nil || *c.LiveOverlay }
