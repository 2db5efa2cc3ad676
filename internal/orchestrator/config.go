package orchestrator

import (
	"errors"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultWidth  = 512
	defaultHeight = 512
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Backend Backend        // required; owned by the orchestrator once constructed
	Host    Host           // required; capture runs through it
	Capture CaptureFunc    // required
	Builder PayloadBuilder // required
	Sink    FrameSink      // optional
	Watcher ChangeSource   // optional; required for auto mode

	Publisher EventPublisher
	Logger    zerolog.Logger

	// LiveOverlay forwards previews into Sink while a request runs.
	LiveOverlay bool
	// Width and Height are the capture resolution used when Params leave
	// them unset.
	Width  int
	Height int
}

func (c *Config) validate() error {
	var errs []error
	if c.Backend == nil {
		errs = append(errs, errors.New("backend is required"))
	}
	if c.Host == nil {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Capture == nil {
		errs = append(errs, errors.New("capture func is required"))
	}
	if c.Builder == nil {
		errs = append(errs, errors.New("payload builder is required"))
	}
	return errors.Join(errs...)
}
