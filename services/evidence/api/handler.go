// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the evidence engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/orchestrator"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
)

// RequestIDHeader carries the caller's correlation id, echoed on every response.
const RequestIDHeader = "X-Request-ID"

// Runner answers evidence queries.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) *orchestrator.Response
}

// GraphLoader supplies intent graph snapshots.
type GraphLoader interface {
	Load(ctx context.Context, forceRefresh bool) *intentgraph.Snapshot
}

// ModeReporter reports per-source availability.
type ModeReporter interface {
	Modes() map[plan.ToolKind]sources.Mode
}

// ErrorResponse is the body of every 4xx/5xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// SourcesResponse lists source modes.
type SourcesResponse struct {
	Sources map[plan.ToolKind]sources.Mode `json:"sources"`
	Live    int                            `json:"live"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	GraphSource string `json:"graph_source"`
	Uptime      string `json:"uptime"`
}

// Handlers serves the evidence routes.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	runner  Runner
	graph   GraphLoader
	modes   ModeReporter
	logger  *slog.Logger
	started time.Time
}

// NewHandlers creates Handlers. logger may be nil.
func NewHandlers(runner Runner, graph GraphLoader, modes ModeReporter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{runner: runner, graph: graph, modes: modes, logger: logger, started: time.Now()}
}

// RegisterRoutes mounts the evidence endpoints under rg.
//
//	POST /evidence/query        - Plan, execute, reconcile and verify a query
//	GET  /evidence/intent-graph - Current intent graph (?refresh=true reloads)
//	GET  /evidence/sources      - Per-source availability
//	GET  /evidence/health       - Health check
//
// Example:
//
//	v1 := router.Group("/v1")
//	api.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	evidence := rg.Group("/evidence")
	evidence.Use(requestID())
	{
		evidence.POST("/query", h.HandleQuery)
		evidence.GET("/intent-graph", h.HandleIntentGraph)
		evidence.GET("/sources", h.HandleSources)
		evidence.GET("/health", h.HandleHealth)
	}
}

// HandleQuery handles POST /v1/evidence/query.
//
// Response:
//
//	200 OK: orchestrator.Response, verified or not
//	400 Bad Request: Malformed body or empty query
func (h *Handlers) HandleQuery(c *gin.Context) {
	rid := c.GetString("request_id")
	logger := h.logger.With("request_id", rid, "handler", "HandleQuery")

	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST", RequestID: rid})
		return
	}
	if req.HorizonMinutes < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "horizon_minutes must not be negative", Code: "INVALID_REQUEST", RequestID: rid})
		return
	}

	resp := h.runner.Run(c.Request.Context(), req)
	logger.Info("query answered",
		slog.Bool("verified", resp.IsVerified),
		slog.Int("evidence", len(resp.Evidence)),
		slog.Int64("duration_ms", resp.DurationMillis),
	)
	c.JSON(http.StatusOK, resp)
}

// HandleIntentGraph handles GET /v1/evidence/intent-graph.
func (h *Handlers) HandleIntentGraph(c *gin.Context) {
	refresh := false
	if raw := c.Query("refresh"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     "refresh must be a boolean",
				Code:      "INVALID_PARAMETER",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		refresh = v
	}
	c.JSON(http.StatusOK, h.graph.Load(c.Request.Context(), refresh))
}

// HandleSources handles GET /v1/evidence/sources.
func (h *Handlers) HandleSources(c *gin.Context) {
	modes := h.modes.Modes()
	live := 0
	for _, m := range modes {
		if m == sources.ModeLive {
			live++
		}
	}
	c.JSON(http.StatusOK, SourcesResponse{Sources: modes, Live: live})
}

// HandleHealth handles GET /v1/evidence/health. The service is healthy
// whenever it can serve a graph, which it always can through the built-in
// default.
func (h *Handlers) HandleHealth(c *gin.Context) {
	snap := h.graph.Load(c.Request.Context(), false)
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		GraphSource: snap.Source(),
		Uptime:      time.Since(h.started).Round(time.Second).String(),
	})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// NewRouter builds a gin engine with recovery, tracing and the evidence
// routes mounted under /v1.
func NewRouter(h *Handlers, serviceName string, extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(extra...)
	RegisterRoutes(router.Group("/v1"), h)
	return router
}
