package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"appbuilder/pkg/config"
	"appbuilder/pkg/db"
	"appbuilder/pkg/telemetry"
	"appbuilder/services/api"
	"appbuilder/services/orchestrator"
)

func main() {
	if err := run("appbuilder-api"); err != nil {
		fmt.Fprintf(os.Stderr, "appbuilder-api: %v\n", err)
		os.Exit(1)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		return err
	}

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	orm, err := db.Open(ctx, cfg.DatabaseDSN, db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(orm); err != nil {
			logger.Error().Err(err).Msg("close database")
		}
	}()

	if err := db.Migrate(ctx, orm); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rt, err := orchestrator.NewRuntime(ctx, cfg, orm, logger)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("stop workers")
		}
	}()

	if cfg.RunWorkers {
		if err := rt.Queue.Start(ctx); err != nil {
			return fmt.Errorf("start workers: %w", err)
		}
	}

	a, err := api.New(rt.Orchestrator, rt.Storage, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		SignedURLTTL:   cfg.Storage.SignedURLTTL,
		Ready:          readiness(orm),
		Middleware:     middleware,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	handler, err := a.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("storage", rt.Storage.Name()).
			Bool("workers", cfg.RunWorkers).
			Bool("platform", rt.Platform != nil).
			Msg("starting api")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}

func readiness(orm *gorm.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		return db.Ping(ctx, orm)
	}
}
