package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/chatwatch/internal/api/chi"
	"github.com/nkkko/chatwatch/internal/auth"
	"github.com/nkkko/chatwatch/internal/config"
	"github.com/nkkko/chatwatch/internal/engine"
	"github.com/nkkko/chatwatch/internal/logging"
	"github.com/nkkko/chatwatch/internal/relay"
	"github.com/nkkko/chatwatch/internal/storage"
	"github.com/nkkko/chatwatch/internal/telemetry"
	"github.com/nkkko/chatwatch/internal/transport/hub"
	"github.com/nkkko/chatwatch/pkg/client"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := pflag.StringP("config", "c", "", "path to the YAML configuration file")
	dataDir := pflag.String("data-dir", "", "directory for the subscription cache")
	addr := pflag.String("addr", "", "operator API listen address")
	logLevel := pflag.String("log-level", "", "log level (debug, info, warn, error)")
	pflag.Parse()

	if err := run(*configFile, *dataDir, *addr, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "chatwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, dataDir, addr, logLevel string) error {
	cfg, err := config.LoadConfig(configFile, dataDir, addr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ToTelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	store := storage.CreateStoreWithFallback(cfg.ToStorageFactoryConfig())
	defer store.Close()

	credentials := auth.NewCachingProvider(cfg.ToCredentialSource(), cfg.ToAuthConfig())
	remote := client.New(cfg.Graph.BaseURL, credentials, cfg.ToClientOptions()...)

	eng, err := engine.New(cfg.ToEngineConfig(), engine.Dependencies{
		Remote:      remote,
		Credentials: credentials,
		Builder:     hub.NewBuilder(cfg.ToHubConfig()),
		Store:       store,
		Partitions:  credentials,
		Accounts:    credentials,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	api := chi.NewChiAPI(cfg.ToAPIConfig(), eng)

	var events *relay.Relay
	if cfg.Relay.Enabled {
		events = relay.New(cfg.ToRelayConfig(), eng)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return store.Start(gctx) })
	g.Go(func() error { return eng.Start(gctx) })
	g.Go(func() error { return api.Start(gctx) })
	if events != nil {
		g.Go(func() error { return events.Start(gctx) })
	}

	g.Go(func() error {
		for _, owner := range cfg.ToWatchedOwners() {
			if err := eng.Ensure(gctx, owner, nil); err != nil {
				// The scheduler retries transient failures on its next pass
				logger.Warn().Err(err).Str("owner", owner.String()).Msg("Initial subscription failed")
			}
		}
		return nil
	})

	logger.Info().
		Str("api_addr", cfg.Server.Addr).
		Bool("relay", cfg.Relay.Enabled).
		Int("watches", len(cfg.ToWatchedOwners())).
		Msg("chatwatch started")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("Component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if events != nil {
		if err := events.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Relay shutdown failed")
		}
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown failed")
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Engine close failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}

	log.Info().Msg("chatwatch stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
