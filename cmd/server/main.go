// Package main is the entry point for the tradegate execution core.
//
// Startup order:
//  1. Load configuration (environment, .env, optional limits file)
//  2. Build the logger
//  3. Wire databases, resilience layer, broker client and services
//  4. Rebuild the order book from the ledger and load positions
//  5. Start the fill feed, the scheduler and the HTTP server
//
// Shutdown runs in reverse on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/di"
	"github.com/aristath/tradegate/internal/server"
	"github.com/aristath/tradegate/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		File:   cfg.LogFile,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("trading_mode", cfg.TradingMode).
		Str("data_dir", cfg.DataDir).
		Msg("Starting tradegate")

	if !cfg.Live() {
		log.Warn().Msg("Research mode: every order will be denied at the risk gate")
	}

	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Orders placed before a restart must keep their idempotency keys and stay pollable
	if err := di.Prepare(context.Background(), container, jobs, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare container")
	}

	if container.FillFeed != nil {
		container.FillFeed.Start()
	}

	container.Scheduler.Start()
	log.Info().Msg("Scheduler started")

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Container: container,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	container.Scheduler.Stop()
	log.Info().Msg("Scheduler stopped")

	if container.FillFeed != nil {
		container.FillFeed.Stop()
		log.Info().Msg("Fill feed stopped")
	}

	log.Info().Msg("Server stopped")
}
