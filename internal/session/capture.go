package session

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io/fs"
	"os"

	"viewgen/internal/orchestrator"
)

// FileCapture returns a capture function for a headless host whose "active
// view" is an image file rendered by another process. The file is re-read on
// every capture. A missing file or an empty path means there is no active view.
func FileCapture(path string) orchestrator.CaptureFunc {
	// The file is sent as rendered; the requested size only applies to hosts
	// that can re-render.
	return func(_, _ int) (orchestrator.Capture, error) {
		if path == "" {
			return orchestrator.Capture{}, &orchestrator.CaptureError{Reason: "no active view"}
		}
		b, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return orchestrator.Capture{}, &orchestrator.CaptureError{Reason: "no active view"}
		}
		if err != nil {
			return orchestrator.Capture{}, &orchestrator.CaptureError{Reason: err.Error()}
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
		if err != nil {
			return orchestrator.Capture{}, &orchestrator.CaptureError{Reason: fmt.Sprintf("%s: %v", path, err)}
		}
		if format != "png" && format != "jpeg" {
			return orchestrator.Capture{}, &orchestrator.CaptureError{Reason: fmt.Sprintf("%s: unsupported format %s", path, format)}
		}
		return orchestrator.Capture{Image: b, Width: cfg.Width, Height: cfg.Height}, nil
	}
}
