package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/pipeline-board/internal/broadcast"
	"github.com/example/pipeline-board/internal/config"
	"github.com/example/pipeline-board/internal/export"
	"github.com/example/pipeline-board/internal/gateway"
	"github.com/example/pipeline-board/internal/observability"
	"github.com/example/pipeline-board/internal/presence"
	"github.com/example/pipeline-board/internal/routes"
	"github.com/example/pipeline-board/internal/storage"
	"github.com/example/pipeline-board/internal/types"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	if err := resources.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure export bucket")
	}

	store := storage.NewBoardStore(resources.Postgres)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	registry := gateway.NewRegistry(logger)
	broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, registry, logger)
	broadcaster.Start(ctx)

	presenceSvc := presence.NewService(resources.Redis, registry, logger)
	presenceSvc.Start(ctx)

	exportWorker := export.NewWorker(store, resources.Object, cfg.ObjectBucket, cfg.BoardID, logger,
		export.WithInterval(cfg.ExportInterval),
		export.WithThreshold(int64(cfg.ExportThreshold)))
	exportWorker.Start(ctx)

	hooks := gateway.Hooks{
		OnConnect: func(ctx context.Context, conn *gateway.Connection) error {
			// A fresh subscriber learns the active view immediately instead
			// of waiting for the next view change.
			view, err := store.ActiveView(ctx, conn.BoardID())
			if err != nil {
				logger.Warn().Err(err).Str("board_id", conn.BoardID()).Msg("active view lookup on connect failed")
				return nil
			}
			return conn.SendEvent(types.NewPushEvent(types.EventViewChanged, types.DataView, string(view)))
		},
		OnEvent: func(ctx context.Context, conn *gateway.Connection, event types.PushEvent) error {
			// Client-originated events are relayed to every other watcher of
			// the board.
			return broadcaster.Publish(ctx, conn.BoardID(), event, conn.ClientID())
		},
		OnDisconnect: func(conn *gateway.Connection) {
			logger.Debug().Str("client_id", conn.ClientID()).Str("board_id", conn.BoardID()).Msg("subscriber left")
		},
	}
	hooks = presenceSvc.WrapHooks(hooks)
	gw := gateway.New(gateway.QueryAuth(cfg.BoardID), registry, hooks, gateway.Config{}, logger)

	apiHandler := routes.NewHandler(store, broadcaster, exportWorker, cfg.BoardID, logger,
		routes.WithHealthProbe(resources.HealthCheck),
		routes.WithPresence(presenceSvc))

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/", apiHandler)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Str("board_id", cfg.BoardID).Msg("board server ready")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	registry.CloseAll()
	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}
