// Package audio covers microphone capture and WAV artifact handling for the
// recorder daemon. PCM is always 16-bit little-endian signed.
package audio

import (
	"fmt"
	"io"

	"github.com/hearsaylabs/hearsay/internal/config"
)

// Session is one live capture. Read blocks until PCM is available; Stop
// ends the capture and releases the device.
type Session interface {
	io.Reader
	Stop() error
}

// Capture opens microphone sessions.
type Capture interface {
	Start(cfg config.CaptureConfig) (Session, error)
}

// NewCapture selects a backend by configured mode.
func NewCapture(cfg config.CaptureConfig) (Capture, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockCapture(), nil
	case "exec":
		return NewExecCapture(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

// FrameBytes returns the PCM byte count of one frame at the configured
// rate.
func FrameBytes(cfg config.CaptureConfig) int {
	samples := cfg.SampleRate * cfg.FrameDurationMS / 1000
	return samples * cfg.Channels * 2
}
