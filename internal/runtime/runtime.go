// Package runtime carries the ambient plumbing every hearsay process
// shares: the JSON process logger, trace and metric providers, and the
// admin HTTP surface (/healthz, /readyz, /metrics).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hearsaylabs/hearsay/internal/config"
)

// NewLogger builds the process-wide structured logger. Components derive
// their own loggers from it with log.With(slog.String("component", ...)).
func NewLogger(cfg config.TelemetryConfig, process string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("process", process))
}

type Runtime struct {
	cfg     config.Config
	process string
	log     *slog.Logger

	admin     *http.Server
	listener  net.Listener
	telemetry func(context.Context) error
	wg        sync.WaitGroup

	mu      sync.Mutex
	readyFn func() bool
}

func New(cfg config.Config, process string, log *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		process: process,
		log:     log.With(slog.String("component", "runtime")),
	}
}

// SetReadiness installs the probe behind /readyz. Until a probe is
// installed the process reports not ready, which keeps orchestrators away
// while main is still wiring services.
func (r *Runtime) SetReadiness(fn func() bool) {
	r.mu.Lock()
	r.readyFn = fn
	r.mu.Unlock()
}

func (r *Runtime) Start(ctx context.Context) error {
	shutdown, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.process, r.log)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetry = shutdown

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.Admin.Bind, strconv.Itoa(r.cfg.Admin.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind admin listener: %w", err)
	}
	r.listener = listener
	r.admin = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.admin.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("admin server failed", slog.String("error", err.Error()))
		}
	}()

	r.log.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("environment", r.cfg.Environment))
	return nil
}

// Port reports the bound admin port.
func (r *Runtime) Port() int {
	if r.listener == nil {
		return r.cfg.Admin.Port
	}
	if addr, ok := r.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return r.cfg.Admin.Port
}

func (r *Runtime) Close() {
	if r.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.admin.Shutdown(ctx); err != nil {
			r.log.Error("admin shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry(ctx); err != nil {
			r.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	fn := r.readyFn
	r.mu.Unlock()

	if fn != nil && fn() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
