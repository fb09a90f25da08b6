// Package main implements statusapi, the read-only HTTP service reporting a
// miner's account status, share count, hashrate estimate and reward.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/poolcore/internal/api"
	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting statusapi",
		"version", cfg.Version,
		"listen_addr", cfg.StatusListenAddr(),
		"hashrate_window", cfg.HashrateWindow,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close store")
		}
	}()

	srv := newServer(cfg, api.NewHandler(db, db, cfg.HashrateWindow, cfg.ShareReward, logger))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("status server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}

	logger.Info("statusapi stopped")
}

func newServer(cfg *config.Config, h *api.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.StatusListenAddr(),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       time.Minute,
	}
}
