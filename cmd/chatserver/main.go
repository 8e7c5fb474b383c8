package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daikichidaze/simple-chatapp/internal/config"
	"github.com/daikichidaze/simple-chatapp/internal/hub"
	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"
)

func main() {
	bootLogger := monitoring.NewLogger(config.LogLevelInfo, config.LogFormatJSON)

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	h, err := hub.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize hub")
	}

	srv := hub.NewServer(h)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}
