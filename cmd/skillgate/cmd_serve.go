// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/skillgate/pkg/logging"
	"github.com/AleutianAI/skillgate/services/analyze"
	"github.com/AleutianAI/skillgate/services/analyze/rescan"
	"github.com/AleutianAI/skillgate/services/analyze/scan"
	"github.com/AleutianAI/skillgate/services/analyze/storage"
	"github.com/AleutianAI/skillgate/services/analyze/telemetry"
)

// shutdownGrace bounds how long in-flight requests may finish after a
// termination signal.
const shutdownGrace = 30 * time.Second

// runServe wires config, logging, storage, the scan pipeline, and the
// HTTP surface together, then serves until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := analyze.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "analyze",
	})
	defer appLogger.Close()
	logger := appLogger.Slog()

	db, err := storage.OpenDB(storage.DefaultConfig(cfg.DataDir))
	if err != nil {
		return fmt.Errorf("opening database at %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	store := storage.NewStore(db)
	metrics := telemetry.NewMetrics()

	ingestOpts := []scan.IngestorOption{}
	if len(cfg.AllowedDownloadDomains) > 0 {
		ingestOpts = append(ingestOpts, scan.WithAllowedDomains(cfg.AllowedDownloadDomains))
	}
	orchestrator := scan.NewOrchestrator(logger,
		scan.WithResultStore(store),
		scan.WithIngestor(scan.NewIngestor(ingestOpts...)),
	)

	rescanner := rescan.NewRunner(store, orchestrator, rescan.SignedURLConfig{
		StorageURL: cfg.Storage.URL,
		ServiceKey: cfg.Storage.ServiceKey,
	}, logger)

	handlers := analyze.NewHandlers(orchestrator, store, rescanner, metrics, cfg.SkillBaseDir, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	analyze.RegisterRoutes(router, handlers, metrics, cfg.CronSecret)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting analyze server",
			"addr", cfg.ListenAddr,
			"data_dir", cfg.DataDir,
			"cron_auth_enabled", cfg.CronSecret != "")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}
