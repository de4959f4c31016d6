// Package main is the TinyOlly core: OTLP ingestion, ephemeral storage,
// query API and the OpAMP control plane in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyolly/tinyolly/internal/aggregate"
	"github.com/tinyolly/tinyolly/internal/api"
	"github.com/tinyolly/tinyolly/internal/config"
	"github.com/tinyolly/tinyolly/internal/opamp"
	"github.com/tinyolly/tinyolly/internal/receiver"
	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/internal/storage/memory"
	redisstore "github.com/tinyolly/tinyolly/internal/storage/redis"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	logger.Info().
		Str("backend", cfg.StorageBackend).
		Dur("retention", cfg.Retention).
		Msg("starting tinyolly core")

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage init failed")
	}

	engine := aggregate.New(store, cfg.SelfServiceName, nil)
	ingester := receiver.NewIngester(store, logger)

	grpcReceiver := receiver.NewGRPCReceiver(cfg.OTLPGRPCAddr, cfg.MaxRequestBytes, ingester, logger)
	httpReceiver := receiver.NewHTTPReceiver(cfg.OTLPHTTPAddr, cfg.MaxRequestBytes, ingester, logger)
	apiServer := api.NewServer(cfg, store, engine, logger)
	opampServer := opamp.NewServer(cfg.OpAMPPort, cfg.CollectorConfigPath, logger)
	opampREST := opamp.NewRESTServer(cfg.OpAMPHTTPPort, opampServer)

	errChan := make(chan error, 4)
	go func() {
		if err := grpcReceiver.Start(); err != nil {
			errChan <- fmt.Errorf("otlp grpc receiver: %w", err)
		}
	}()
	go func() {
		if err := httpReceiver.Start(); err != nil {
			errChan <- fmt.Errorf("otlp http receiver: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Start(); err != nil {
			errChan <- fmt.Errorf("query api: %w", err)
		}
	}()
	if err := opampServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("opamp server start failed")
	}
	go func() {
		if err := opampREST.Start(); err != nil {
			errChan <- fmt.Errorf("opamp rest: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error().Err(err).Msg("server error, shutting down")
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := grpcReceiver.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("otlp grpc shutdown")
	}
	if err := httpReceiver.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("otlp http shutdown")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("query api shutdown")
	}
	if err := opampREST.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("opamp rest shutdown")
	}
	if err := opampServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("opamp shutdown")
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("storage close")
	}

	logger.Info().Msg("shutdown complete")
}

func openStore(cfg config.Config, logger zerolog.Logger) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case "memory":
		return memory.New(memory.Config{
			Retention:            cfg.Retention,
			MaxMetricCardinality: cfg.MaxMetricCardinality,
			MaxBytes:             cfg.MaxStoreBytes,
			Logger:               logger,
		}), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return redisstore.New(ctx, redisstore.Config{
			Addr:                 cfg.RedisAddr,
			Retention:            cfg.Retention,
			MaxMetricCardinality: cfg.MaxMetricCardinality,
			Logger:               logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
