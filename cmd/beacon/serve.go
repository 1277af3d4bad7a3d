package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/beacon/internal/cache"
	"github.com/haasonsaas/beacon/internal/config"
	"github.com/haasonsaas/beacon/internal/debounce"
	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/optout"
	"github.com/haasonsaas/beacon/internal/relay"
	"github.com/haasonsaas/beacon/internal/server"
	"github.com/haasonsaas/beacon/internal/upstream"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the presence relay",
		Long: `Start the presence relay with the configured Discord guild.

The relay will:
1. Load configuration from the specified file
2. Connect to the Discord gateway and seed guild state
3. Start the debounced change-detection pipeline
4. Serve the WebSocket push and REST pull endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  beacon serve

  # Start with custom config
  beacon serve --config /etc/beacon/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "beacon.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	// A missing default config file is fine; credentials can come from the
	// environment alone.
	if configPath == "beacon.yaml" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "beacon",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	logger.Info(ctx, "starting beacon",
		"version", version,
		"commit", commit,
		"config", configPath,
		"guild_id", cfg.Discord.GuildID,
	)

	var optouts optout.Store
	if cfg.OptOut.Path != "" {
		store, err := optout.NewSQLiteStore(cfg.OptOut.Path)
		if err != nil {
			return fmt.Errorf("failed to open opt-out store: %w", err)
		}
		optouts = store
		logger.Info(ctx, "opt-out store opened", "path", cfg.OptOut.Path)
	} else {
		optouts = optout.NewMemoryStore()
		logger.Warn(ctx, "opt-out store is in-memory; opt-outs will not survive restarts")
	}
	defer optouts.Close()

	snapshots := cache.NewSnapshotCache(cache.Options{TTL: cfg.Cache.TTL})

	adapter, err := upstream.NewAdapter(upstream.Config{
		Token:   cfg.Discord.Token,
		GuildID: cfg.Discord.GuildID,
		AppID:   cfg.Discord.AppID,
	}, nil, optouts, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create discord adapter: %w", err)
	}

	hub := relay.NewHub(adapter, optouts, snapshots, logger, metrics)
	dispatcher := relay.NewDispatcher(hub, logger, metrics, tracer)
	debouncer := debounce.NewScheduler(
		debounce.WithWindow(cfg.Debounce.Window),
		debounce.WithOnFire(func(string) { metrics.DebounceFired.Inc() }),
	)
	watcher := relay.NewWatcher(dispatcher, debouncer, snapshots, logger, metrics)
	adapter.SetSink(watcher)

	srv := server.New(cfg.Server, cfg.RateLimit, hub, adapter, snapshots, logger, metrics)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Cache.SweepInterval), func() {
		if evicted := snapshots.Sweep(time.Now()); evicted > 0 {
			metrics.CacheEvictions.Add(float64(evicted))
			logger.Debug(context.Background(), "snapshot cache swept", "evicted", evicted)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	if _, err := sweeper.AddFunc("@every 15s", func() {
		metrics.ConnectedClients.Set(float64(hub.ConnCount()))
		metrics.TrackedMembers.Set(float64(adapter.MemberCount()))
	}); err != nil {
		return fmt.Errorf("failed to schedule gauge sampling: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := adapter.Start(ctx); err != nil {
		return err
	}
	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info(ctx, "beacon started", "addr", cfg.Server.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	debouncer.Stop()
	<-sweeper.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http shutdown failed", "error", err)
	}
	if err := adapter.Stop(); err != nil {
		logger.Error(shutdownCtx, "discord shutdown failed", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "tracer shutdown failed", "error", err)
	}
	logger.Info(context.Background(), "beacon stopped")
	return nil
}
