// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sources implements the per-backend retrieval contracts consumed by
// the plan executor.
//
// One Adapter exists per plan.ToolKind:
//
//	SQL     structured tables, read-only transaction, validated SELECTs
//	KQL     time-windowed event data (Kusto or InfluxDB), recency injection
//	GRAPH   remote graph endpoint or BFS over a local edge table
//	NOSQL   document lookups (BadgerDB or Cloud Storage)
//	VECTOR  semantic search with over-fetch, optional re-rank, score floor
//
// The Facade routes a request to the adapter for its kind, applies per-source
// rate limits, and converts every failure into a structured error row. It
// never returns an error to the caller.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

// =============================================================================
// Contracts
// =============================================================================

// Mode describes how a source would serve a request right now.
type Mode string

const (
	// ModeLive means the primary backend is configured.
	ModeLive Mode = "live"

	// ModeFallback means a degraded secondary path is configured.
	ModeFallback Mode = "fallback"

	// ModeBlocked means the source cannot serve requests.
	ModeBlocked Mode = "blocked"
)

// Request is one retrieval against a single source.
type Request struct {
	// CallID identifies the originating ToolCall.
	CallID string

	// Operation is the ToolCall operation (see plan.Op*).
	Operation string

	// Query is the query text. For SQL and KQL this is the statement to run;
	// for GRAPH, NOSQL and VECTOR it is free text.
	Query string

	// Params carries call parameters from the plan (k, collection, keys, ...).
	Params map[string]any

	// Window is the plan's time window.
	Window plan.TimeWindow

	// Entities is a snapshot of the plan's entities at dispatch time.
	Entities plan.Entities

	// Embedding is a precomputed query vector. VECTOR only; nil embeds Query.
	Embedding []float32
}

// Retrieval is the outcome of one Request.
type Retrieval struct {
	Rows           []plan.Row
	Citations      []plan.Citation
	GeneratedQuery string
}

// Adapter is implemented by each backend.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Adapter interface {
	// Kind returns the tool kind served.
	Kind() plan.ToolKind

	// Mode reports the current serving mode. Must not perform I/O.
	Mode() Mode

	// Retrieve runs the request. Failures are returned as *SourceError so
	// the Facade can map them to error codes.
	Retrieve(ctx context.Context, req Request) (Retrieval, error)
}

// SourceError is a classified retrieval failure.
type SourceError struct {
	Code   string
	Detail string
	Err    error
}

// Error implements error.
func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return e.Code + ": " + e.Detail
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error { return e.Err }

func validationFailed(kind plan.ToolKind, format string, args ...any) *SourceError {
	return &SourceError{Code: plan.Code(kind, plan.SuffixValidationFailed), Detail: fmt.Sprintf(format, args...)}
}

func schemaMissing(kind plan.ToolKind, detail string, err error) *SourceError {
	return &SourceError{Code: plan.Code(kind, plan.SuffixSchemaMissing), Detail: detail, Err: err}
}

func runtimeError(kind plan.ToolKind, detail string, err error) *SourceError {
	return &SourceError{Code: plan.Code(kind, plan.SuffixRuntimeError), Detail: detail, Err: err}
}

func unavailable(detail string) *SourceError {
	return &SourceError{Code: plan.CodeSourceUnavailable, Detail: detail}
}

// =============================================================================
// Metrics
// =============================================================================

var (
	sourceRetrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "source",
		Name:      "retrievals_total",
		Help:      "Source retrievals by tool kind and outcome code.",
	}, []string{"source", "outcome"})

	sourceRetrievalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evidence",
		Subsystem: "source",
		Name:      "retrieval_duration_seconds",
		Help:      "Source retrieval latency.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"source"})

	sourceRowsReturned = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evidence",
		Subsystem: "source",
		Name:      "rows_returned",
		Help:      "Non-error rows returned per retrieval.",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
	}, []string{"source"})
)

var sourcesTracer = otel.Tracer("evidence.sources")

// =============================================================================
// Facade
// =============================================================================

// RateLimit configures a per-source token bucket.
type RateLimit struct {
	// PerSecond is the sustained rate. Zero disables limiting.
	PerSecond float64 `yaml:"per_second"`

	// Burst is the bucket size. Zero uses 1.
	Burst int `yaml:"burst"`
}

// Facade routes requests to adapters.
//
// Thread Safety: Safe for concurrent use. Register adapters before sharing.
type Facade struct {
	adapters map[plan.ToolKind]Adapter
	limiters map[plan.ToolKind]*rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewFacade creates an empty Facade.
func NewFacade(logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		adapters: make(map[plan.ToolKind]Adapter),
		limiters: make(map[plan.ToolKind]*rate.Limiter),
		logger:   logger,
		now:      time.Now,
	}
}

// Register installs an adapter, replacing any adapter for the same kind.
func (f *Facade) Register(a Adapter) {
	f.adapters[a.Kind()] = a
}

// SetRateLimit installs a token bucket for kind. A zero PerSecond removes it.
func (f *Facade) SetRateLimit(kind plan.ToolKind, limit RateLimit) {
	if limit.PerSecond <= 0 {
		delete(f.limiters, kind)
		return
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	f.limiters[kind] = rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
}

// Adapter returns the adapter registered for kind.
func (f *Facade) Adapter(kind plan.ToolKind) (Adapter, bool) {
	a, ok := f.adapters[kind]
	return a, ok
}

// SourceMode reports the serving mode for kind. Unregistered kinds are blocked.
func (f *Facade) SourceMode(kind plan.ToolKind) Mode {
	a, ok := f.adapters[kind]
	if !ok {
		return ModeBlocked
	}
	return a.Mode()
}

// Modes returns SourceMode for every known tool kind.
func (f *Facade) Modes() map[plan.ToolKind]Mode {
	out := make(map[plan.ToolKind]Mode, len(plan.AllToolKinds))
	for _, kind := range plan.AllToolKinds {
		out[kind] = f.SourceMode(kind)
	}
	return out
}

// Retrieve runs req against the adapter for kind.
//
// Description:
//
//	Every failure becomes exactly one error row carrying the code and a
//	redacted detail: missing or blocked adapters yield source_unavailable,
//	rate-limit waits that cannot complete yield source_rate_limited, and
//	adapter errors keep their classified code. A panicking adapter is
//	recovered as a runtime error. Returned rows are not annotated with
//	provenance; the executor owns that.
//
// Inputs:
//   - ctx: Bounds the rate-limit wait and the adapter call.
//   - kind: Target source.
//   - req: The request.
//
// Outputs:
//   - Retrieval: Rows (possibly a single error row), citations and the
//     query text actually sent to the backend.
//
// Thread Safety: Safe for concurrent use.
func (f *Facade) Retrieve(ctx context.Context, kind plan.ToolKind, req Request) (out Retrieval) {
	ctx, span := sourcesTracer.Start(ctx, "sources.Facade.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("source", string(kind)),
		attribute.String("call_id", req.CallID),
	)

	started := f.now()
	outcome := "ok"
	defer func() {
		sourceRetrievalsTotal.WithLabelValues(string(kind), outcome).Inc()
		sourceRetrievalDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
	}()

	adapter, ok := f.adapters[kind]
	if !ok || adapter.Mode() == ModeBlocked {
		outcome = plan.CodeSourceUnavailable
		return errorRetrieval(unavailable(fmt.Sprintf("no %s backend configured", kind)))
	}

	if limiter := f.limiters[kind]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			outcome = plan.CodeRateLimited
			return errorRetrieval(&SourceError{Code: plan.CodeRateLimited, Detail: "rate limit wait", Err: err})
		}
	}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("sources: adapter panic",
				slog.String("source", string(kind)),
				slog.String("call_id", req.CallID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = plan.Code(kind, plan.SuffixRuntimeError)
			out = errorRetrieval(runtimeError(kind, fmt.Sprintf("adapter panic: %v", r), nil))
		}
	}()

	res, err := adapter.Retrieve(ctx, req)
	if err != nil {
		var serr *SourceError
		if !errors.As(err, &serr) {
			serr = runtimeError(kind, "retrieve", err)
		}
		outcome = serr.Code
		span.RecordError(err)
		span.SetStatus(codes.Error, serr.Code)
		f.logger.Warn("sources: retrieval failed",
			slog.String("source", string(kind)),
			slog.String("call_id", req.CallID),
			slog.String("code", serr.Code),
			slog.String("error", llm.Redact(serr.Error())),
		)
		out = errorRetrieval(serr)
		out.GeneratedQuery = res.GeneratedQuery
		return out
	}

	sourceRowsReturned.WithLabelValues(string(kind)).Observe(float64(len(res.Rows)))
	span.SetAttributes(attribute.Int("rows", len(res.Rows)))
	return res
}

func errorRetrieval(err *SourceError) Retrieval {
	detail := err.Detail
	if err.Err != nil {
		detail = detail + ": " + err.Err.Error()
	}
	return Retrieval{Rows: []plan.Row{plan.ErrorRow(err.Code, llm.Redact(detail))}}
}
