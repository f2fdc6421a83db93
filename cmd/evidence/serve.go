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
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/api"
)

const serviceName = "aleutian-evidence"

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("addr", "", "Listen address, overrides server.addr")
	cmd.Flags().Bool("debug", false, "Gin debug mode and request logging")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("debug", cmd.Flags().Lookup("debug"))
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg, logger, err := setup(v, os.Stderr)
	if err != nil {
		return err
	}
	if addr := v.GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Close failed", slog.String("error", err.Error()))
		}
	}()

	if cfg.IntentGraph.Watch {
		go func() {
			if err := a.graph.Watch(ctx); err != nil {
				logger.Warn("Intent graph watch disabled", slog.String("error", err.Error()))
			}
		}()
	}

	debug := v.GetBool("debug")
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var extra []gin.HandlerFunc
	if debug {
		extra = append(extra, gin.Logger())
	}
	handlers := api.NewHandlers(a.orchestrator, a.graph, a.facade, logger)
	router := api.NewRouter(handlers, serviceName, extra...)
	if cfg.Server.MetricsPath != "" {
		router.GET(cfg.Server.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting evidence server", slog.String("address", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down evidence server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
