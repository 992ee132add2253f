package audio

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hearsaylabs/hearsay/internal/config"
)

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		Mode:            "mock",
		InputFormat:     "pulse",
		Device:          "default",
		SampleRate:      16000,
		Channels:        1,
		FrameDurationMS: 1,
	}
}

func writeScript(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestMockCaptureProducesFrames(t *testing.T) {
	cfg := testCaptureConfig()
	capture := NewMockCapture()
	session, err := capture.Start(cfg)
	if err != nil {
		t.Fatalf("start mock capture: %v", err)
	}

	frame := make([]byte, FrameBytes(cfg))
	if _, err := io.ReadFull(session, frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if RMS(frame) <= 0 {
		t.Fatalf("tone frame should have nonzero level")
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := session.Read(frame); err == nil {
		t.Fatalf("read after stop should fail")
	}
}

func TestExecCaptureStartReadStop(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nsleep 2\n")
	capture, err := NewExecCapture(script)
	if err != nil {
		t.Fatalf("new exec capture: %v", err)
	}

	session, err := capture.Start(testCaptureConfig())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	buf := make([]byte, 8)
	n, readErr := session.Read(buf)
	if n <= 0 {
		t.Fatalf("expected bytes, got n=%d err=%v", n, readErr)
	}
	if !strings.Contains(string(buf[:n]), "hello") {
		t.Fatalf("unexpected bytes: %q", buf[:n])
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestExecCaptureEarlyExit(t *testing.T) {
	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'device busy' 1>&2\nexit 1\n")
	capture, err := NewExecCapture(script)
	if err != nil {
		t.Fatalf("new exec capture: %v", err)
	}

	if _, err := capture.Start(testCaptureConfig()); err == nil {
		t.Fatalf("expected early exit error")
	} else if !strings.Contains(err.Error(), "exited at startup") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewCaptureRejectsUnknownMode(t *testing.T) {
	cfg := testCaptureConfig()
	cfg.Mode = "quantum"
	if _, err := NewCapture(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
