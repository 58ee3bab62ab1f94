package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"judgesync/internal/cache"
	"judgesync/internal/changestream"
	"judgesync/internal/config"
	"judgesync/internal/network"
	"judgesync/internal/realtime"
	"judgesync/internal/refresh"
	"judgesync/internal/server"
	"judgesync/internal/status"
	"judgesync/internal/views"
	"judgesync/internal/ws"
	"judgesync/internal/wsstream"
)

func main() {
	// Parse flags
	configPath := pflag.StringP("config", "c", "config.json", "path to config file")
	logLevel := pflag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	pflag.Parse()

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("addr", cfg.Addr()).
		Str("stream", cfg.StreamURL).
		Int("views", len(cfg.Views)).
		Msg("starting judgesync")

	transport, err := wsstream.NewTransport(wsstream.Config{
		URL:            cfg.StreamURL,
		Header:         streamHeader(cfg.StreamHeaders),
		MessageTimeout: cfg.GetMessageTimeoutDuration(),
		PingInterval:   cfg.GetPingIntervalDuration(),
		DedupCacheSize: cfg.DedupCacheSize,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create stream transport")
	}

	fanout := status.NewFanout(status.NewLogNotifier(logger))
	svc := realtime.NewService(transport, fanout, serviceConfig(cfg), logger)

	hub := ws.NewHub(svc.Reporter().Recent, logger)
	fanout.Attach(hub)
	svc.OnRefreshed(hub.PublishRun)

	store, err := snapshotStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create snapshot cache")
	}
	viewManager := views.NewManager(svc, store, views.NewFetcher(cfg.GetFetchTimeoutDuration()), logger)
	for _, v := range cfg.Views {
		if err := viewManager.Mount(toView(v)); err != nil {
			logger.Fatal().Err(err).Str("view", v.Name).Msg("failed to mount view")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NetworkProbeEnabled {
		prober, err := network.NewDialProber(cfg.StreamURL, 0)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create network prober")
		}
		go svc.Monitor().Run(ctx, prober)
		logger.Info().Str("address", prober.Address()).Dur("interval", cfg.GetNetworkProbeIntervalDuration()).Msg("network probe enabled")
	}

	// Populate every view once before the first change arrives
	go svc.RefreshNow(ctx)

	srv := server.New(cfg, svc, viewManager, hub, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	viewManager.Close()
	svc.Dispose()
	store.Close()
}

func serviceConfig(cfg *config.Config) realtime.Config {
	return realtime.Config{
		Connection: changestream.Config{
			BaseDelay:   cfg.GetReconnectBaseDelayDuration(),
			MaxAttempts: cfg.ReconnectMaxAttempts,
			CloseGrace:  cfg.GetCloseGraceDuration(),
		},
		Refresh: refresh.Config{
			Debounce:   cfg.GetRefreshDebounceDuration(),
			Throttle:   cfg.GetRefreshThrottleDuration(),
			RetryDelay: cfg.GetRefreshRetryDelayDuration(),
			MaxRetries: cfg.RefreshMaxRetries,
		},
		WatchDebounce: cfg.GetWatchDebounceDuration(),
		Status: status.Config{
			Cooldown: cfg.GetStatusCooldownDuration(),
		},
		Network: network.Config{
			SettleDelay:   cfg.GetNetworkSettleDelayDuration(),
			ProbeInterval: cfg.GetNetworkProbeIntervalDuration(),
		},
	}
}

func snapshotStore(cfg *config.Config) (cache.Store, error) {
	store, err := cache.NewMemoryCache(cfg.SnapshotCacheSize, cfg.GetSnapshotTTLDuration())
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	return store, nil
}

func toView(v config.ViewConfig) views.View {
	return views.View{
		Name:     v.Name,
		Resource: v.Resource,
		Kind:     changestream.ChangeKind(v.Event),
		Filter:   v.Filter,
		URL:      v.URL,
		Headers:  v.Headers,
	}
}

func streamHeader(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
