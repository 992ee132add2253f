// hearsay-engine serves transcription over the bus. It dials the broker
// hosted by hearsayd and never embeds one of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/engine"
	"github.com/hearsaylabs/hearsay/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "hearsay.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	log := runtime.NewLogger(cfg.Telemetry, "hearsay-engine")

	if err := run(cfg, log); err != nil {
		log.Error("engine exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, "hearsay-engine", log)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Close()

	busClient, err := bus.Connect(ctx, cfg.Bus, "hearsay-engine", log)
	if err != nil {
		return err
	}
	defer busClient.Close()

	recognizer, err := engine.NewRecognizer(cfg.Engine)
	if err != nil {
		return err
	}

	svc := engine.NewService(ctx, cfg.Engine, busClient, recognizer, log)
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Close()

	rt.SetReadiness(func() bool {
		return svc.Healthy() && busClient.Healthy()
	})

	log.Info("hearsay-engine ready",
		slog.String("mode", cfg.Engine.Mode),
		slog.Int("concurrency", cfg.Engine.Concurrency))
	<-ctx.Done()
	log.Info("hearsay-engine stopping")
	return nil
}
