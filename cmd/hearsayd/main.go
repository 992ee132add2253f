// hearsayd is the recorder daemon: it owns the microphone, the embedded
// bus, and the utterance log. The engine and studio are separate processes
// that dial in.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearsaylabs/hearsay/internal/bridge"
	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/engineclient"
	"github.com/hearsaylabs/hearsay/internal/ingest"
	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/natsserver"
	"github.com/hearsaylabs/hearsay/internal/observer"
	"github.com/hearsaylabs/hearsay/internal/recorder"
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
	log := runtime.NewLogger(cfg.Telemetry, "hearsayd")

	if err := run(cfg, log); err != nil {
		log.Error("daemon exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, "hearsayd", log)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Close()

	// The daemon hosts the broker; everything else on this machine dials it.
	srv, err := natsserver.Start(cfg.Bus, log)
	if err != nil {
		return err
	}
	busURL := ""
	if len(cfg.Bus.Servers) > 0 {
		busURL = cfg.Bus.Servers[0]
	}
	if srv != nil {
		defer srv.Shutdown()
		busURL = srv.ClientURL()
		cfg.Bus.Servers = []string{busURL}
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, "hearsayd", log)
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := memostore.Open(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	levelEvery := time.Duration(cfg.Recorder.LevelIntervalMS) * time.Millisecond
	registry, err := observer.NewRegistry(ctx, cfg.Observer, levelEvery, busClient, log)
	if err != nil {
		return err
	}
	defer registry.Close()

	rec, err := recorder.NewService(ctx, cfg.Recorder, busClient, store, registry, engineclient.New(busClient), log)
	if err != nil {
		return err
	}
	if err := rec.Start(); err != nil {
		return err
	}
	defer rec.Close()

	if cfg.Ingest.Enabled {
		watcher := ingest.New(ctx, cfg.Ingest, cfg.Recorder.AudioDir, rec, log)
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Close()
	}

	if cfg.Bridge.Enabled {
		bridgeSrv, err := bridge.New(ctx, cfg.Bridge, bridge.Deps{
			Sink:      rec,
			Store:     store,
			Bus:       busClient,
			Observer:  cfg.Observer,
			BusURL:    busURL,
			Version:   version,
			AudioDir:  cfg.Recorder.AudioDir,
			ListLimit: cfg.Store.ListLimit,
		}, log)
		if err != nil {
			return err
		}
		if err := bridgeSrv.Start(); err != nil {
			return err
		}
		defer bridgeSrv.Close()
	}

	rt.SetReadiness(func() bool {
		return rec.Healthy() && busClient.Healthy()
	})

	log.Info("hearsayd ready",
		slog.String("store", cfg.Store.Path),
		slog.String("bus", busURL))
	<-ctx.Done()
	log.Info("hearsayd stopping")
	return nil
}
