package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/hearsaylabs/hearsay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.Admin.Bind = "127.0.0.1"
	cfg.Admin.Port = 0
	cfg.Telemetry.LogLevel = "error"
	return cfg
}

func startRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New(testConfig(), "runtime-test", testLogger())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func get(t *testing.T, rt *Runtime, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", rt.Port(), path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestHealthAlwaysOK(t *testing.T) {
	rt := startRuntime(t)
	status, body := get(t, rt, "/healthz")
	if status != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", status, body)
	}
}

func TestReadinessFollowsProbe(t *testing.T) {
	rt := startRuntime(t)

	status, _ := get(t, rt, "/readyz")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("readyz before probe = %d, want 503", status)
	}

	var ready atomic.Bool
	rt.SetReadiness(ready.Load)

	status, _ = get(t, rt, "/readyz")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("readyz with false probe = %d, want 503", status)
	}

	ready.Store(true)
	status, body := get(t, rt, "/readyz")
	if status != http.StatusOK || body != "ready" {
		t.Fatalf("readyz with true probe = %d %q, want 200 ready", status, body)
	}
}

func TestMetricsEndpointServed(t *testing.T) {
	rt := startRuntime(t)
	status, _ := get(t, rt, "/metrics")
	if status != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", status)
	}
}

func TestPortAssignedWhenZero(t *testing.T) {
	rt := startRuntime(t)
	if rt.Port() == 0 {
		t.Fatalf("Port() = 0 after Start, want a bound port")
	}
}

func TestLoggerLevel(t *testing.T) {
	ctx := context.Background()

	debug := NewLogger(config.TelemetryConfig{LogLevel: "debug"}, "test")
	if !debug.Enabled(ctx, slog.LevelDebug) {
		t.Fatalf("debug logger should enable LevelDebug")
	}

	quiet := NewLogger(config.TelemetryConfig{LogLevel: "error"}, "test")
	if quiet.Enabled(ctx, slog.LevelInfo) {
		t.Fatalf("error logger should not enable LevelInfo")
	}
}
