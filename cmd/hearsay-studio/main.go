// hearsay-studio consumes the utterance log: it reconciles the recorder's
// store into the workflow dispatcher and retries failed transcriptions. It
// reads the store, never writes it.
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

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/reconcile"
	"github.com/hearsaylabs/hearsay/internal/recorderclient"
	"github.com/hearsaylabs/hearsay/internal/router"
	"github.com/hearsaylabs/hearsay/internal/runtime"
)

var version = "0.1.0-dev"

const storeRetryEvery = 2 * time.Second

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
	log := runtime.NewLogger(cfg.Telemetry, cfg.Studio.ProcessName)

	if err := run(cfg, log); err != nil {
		log.Error("studio exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, cfg.Studio.ProcessName, log)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Close()

	busClient, err := bus.Connect(ctx, cfg.Bus, cfg.Studio.ProcessName, log)
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := openStoreReader(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := recorderclient.New(busClient)

	workflows := []router.Workflow{&router.LogWorkflow{Log: log}}
	if cfg.Studio.WorkflowsDir != "" {
		publish := func(subject string, payload []byte) error {
			return busClient.Conn().Publish(subject, payload)
		}
		loaded, err := router.LoadWorkflows(cfg.Studio.WorkflowsDir, publish, log)
		if err != nil {
			return err
		}
		workflows = append(workflows, loaded...)
	}

	dispatcher, err := router.NewDispatcher(ctx, cfg.Studio, store, rec, workflows, log)
	if err != nil {
		return err
	}
	if err := dispatcher.Start(); err != nil {
		return err
	}
	defer dispatcher.Close()

	poller := reconcile.New(ctx, cfg.Reconcile, store, dispatcher.Apply, log)
	if err := poller.Start(); err != nil {
		return err
	}
	defer poller.Close()

	// Push wakes the poller early; the poll interval alone still catches
	// everything when the recorder is unreachable at startup.
	listener, err := recorderclient.Listen(ctx, busClient, cfg.Observer, cfg.Studio.ProcessName, recorderclient.Events{
		OnDictationAdded: func(string, int64) { poller.Kick() },
	}, log)
	if err != nil {
		log.Warn("observer registration failed, relying on polling",
			slog.String("error", err.Error()))
	} else {
		defer listener.Close()
	}

	rt.SetReadiness(busClient.Healthy)

	log.Info("studio ready",
		slog.String("store", cfg.Store.Path),
		slog.Int("workflows", len(workflows)))
	<-ctx.Done()
	log.Info("studio stopping")
	return nil
}

// openStoreReader waits for the recorder to create the store file. The
// studio can start before the daemon, so a missing file is a retry, not
// a failure.
func openStoreReader(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*memostore.Store, error) {
	for {
		store, err := memostore.OpenReader(ctx, cfg, log)
		if err == nil {
			return store, nil
		}
		log.Info("store not ready, retrying",
			slog.String("path", cfg.Path),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(storeRetryEvery):
		}
	}
}
