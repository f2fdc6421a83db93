// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs one evidence query end to end: PII pre-check,
// intent graph load, planning, execution, reconciliation and verification.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/pii"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/planner"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/reconcile"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/verify"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "orchestrator",
		Name:      "runs_total",
		Help:      "Query runs by verification outcome.",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "evidence",
		Subsystem: "orchestrator",
		Name:      "run_duration_seconds",
		Help:      "End-to-end latency of a query run.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "reconcile",
		Name:      "conflicts_total",
		Help:      "Conflicts detected during reconciliation by type and severity.",
	}, []string{"type", "severity"})
)

var orchestratorTracer = otel.Tracer("evidence.orchestrator")

// =============================================================================
// Dependencies
// =============================================================================

// GraphLoader supplies intent graph snapshots.
type GraphLoader interface {
	Load(ctx context.Context, forceRefresh bool) *intentgraph.Snapshot
}

// Planner builds plans.
type Planner interface {
	CreatePlan(ctx context.Context, in planner.Input) *plan.Plan
}

// Executor runs plans.
type Executor interface {
	Execute(ctx context.Context, query string, pl *plan.Plan, schemas sources.Schemas) *plan.ExecutionResult
}

// Sources reports source availability and exposes adapters for schema
// discovery.
type Sources interface {
	Modes() map[plan.ToolKind]sources.Mode
	Adapter(kind plan.ToolKind) (sources.Adapter, bool)
}

type schemaProvider interface {
	Schema(ctx context.Context) (*sources.Schema, error)
}

// Options tunes reconciliation for every run.
type Options struct {
	Weights         reconcile.Weights
	RRF             bool
	SourcePriority  []plan.ToolKind
	PerSourceLimits map[plan.ToolKind]int

	// Timeout bounds a whole run. Zero means no bound beyond the caller's ctx.
	Timeout time.Duration
}

// Deps wires an Orchestrator. PII may be nil to skip the pre-check.
type Deps struct {
	Graph    GraphLoader
	Planner  Planner
	Executor Executor
	Sources  Sources
	PII      pii.Checker
	Logger   *slog.Logger
}

// =============================================================================
// Request / Response
// =============================================================================

// Request is one evidence query.
type Request struct {
	Query             string         `json:"query" binding:"required"`
	RuntimeContext    map[string]any `json:"runtime_context,omitempty"`
	Entities          plan.Entities  `json:"entities,omitempty"`
	RequiredSources   []string       `json:"required_sources,omitempty"`
	HorizonMinutes    int            `json:"horizon_minutes,omitempty"`
	RefreshGraph      bool           `json:"refresh_graph,omitempty"`
	AskRecommendation bool           `json:"ask_recommendation,omitempty"`
}

// PIIReport summarizes the pre-check.
type PIIReport struct {
	Checked  bool         `json:"checked"`
	Found    bool         `json:"found"`
	Entities []pii.Entity `json:"entities,omitempty"`
}

// Response is the full outcome of a run.
type Response struct {
	Plan               *plan.Plan                              `json:"plan"`
	GraphSource        string                                  `json:"graph_source"`
	SourceModes        map[plan.ToolKind]sources.Mode          `json:"source_modes"`
	Calls              []plan.CallResult                       `json:"calls"`
	Citations          []plan.Citation                         `json:"citations,omitempty"`
	Trace              []plan.TraceEvent                       `json:"trace,omitempty"`
	Evidence           []reconcile.Item                        `json:"evidence"`
	Coverage           reconcile.CoverageSummary               `json:"coverage"`
	Conflicts          reconcile.ConflictSummary               `json:"conflicts"`
	SourceCounts       map[plan.ToolKind]reconcile.SourceCount `json:"source_counts"`
	IsVerified         bool                                    `json:"is_verified"`
	MissingRequired    []string                                `json:"missing_required"`
	RequerySuggestions []verify.Suggestion                     `json:"requery_suggestions"`
	PII                PIIReport                               `json:"pii"`
	Warnings           []string                                `json:"warnings,omitempty"`
	DurationMillis     int64                                   `json:"duration_ms"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs queries.
//
// Thread Safety: Safe for concurrent use when its dependencies are.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger, now: time.Now}
}

// Run answers one query with evidence.
//
// Description:
//
//	The PII pre-check and the graph load + planning path run concurrently.
//	When the check finds personal data, the redacted text replaces the
//	query for execution and for every call whose literal query equals the
//	raw query. A failed check is recorded as a warning and the raw text
//	is used. The plan then runs through the executor, the reconciler and
//	the verifier.
//
// Outputs:
//
//	*Response - Never nil. An unfulfilled plan is reported through
//	            MissingRequired and RequerySuggestions, never as an error.
//
// Thread Safety: Safe for concurrent use.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Response {
	start := o.now()
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.Orchestrator.Run")
	defer span.End()

	modes := o.deps.Sources.Modes()
	resp := &Response{SourceModes: modes}

	var (
		snap      *intentgraph.Snapshot
		pl        *plan.Plan
		schemas   sources.Schemas
		piiResult pii.Result
		piiErr    error
	)
	// Neither goroutine returns an error; the group only joins them.
	var g errgroup.Group
	if o.deps.PII != nil {
		g.Go(func() error {
			piiResult, piiErr = o.deps.PII.Check(ctx, req.Query)
			return nil
		})
	}
	g.Go(func() error {
		snap = o.deps.Graph.Load(ctx, req.RefreshGraph)
		schemas = o.schemas(ctx)
		pl = o.deps.Planner.CreatePlan(ctx, planner.Input{
			Query:           req.Query,
			RuntimeContext:  req.RuntimeContext,
			Entities:        req.Entities,
			Graph:           snap,
			Catalog:         catalog(modes),
			Schemas:         schemas,
			RequiredSources: canonicalSources(req.RequiredSources),
			HorizonMinutes:  req.HorizonMinutes,
		})
		return nil
	})
	_ = g.Wait()

	query := req.Query
	var warnings []string
	switch {
	case o.deps.PII == nil:
	case piiErr != nil:
		warnings = append(warnings, "PII check unavailable: "+llm.Redact(piiErr.Error()))
		o.logger.Warn("orchestrator: pii check failed, continuing with raw query",
			slog.String("plan_id", pl.ID),
			slog.String("error", llm.Redact(piiErr.Error())),
		)
	default:
		resp.PII = PIIReport{Checked: true, Found: piiResult.HasPII, Entities: piiResult.Entities}
		if redacted := piiResult.Text(req.Query); redacted != req.Query {
			query = redacted
			swapQuery(pl, req.Query, redacted)
			warnings = append(warnings, "query contained personal data; redacted text used for retrieval")
		}
	}

	exec := o.deps.Executor.Execute(ctx, query, pl, schemas)

	recon := reconcile.Reconcile(reconcile.Input{
		SourceResults:    exec.SourceResults,
		RequiredEvidence: pl.RequiredEvidence,
		AuthoritativeMap: snap.AuthoritativeMap(),
		SourcePriority:   o.opts.SourcePriority,
		PerSourceLimits:  o.opts.PerSourceLimits,
		Weights:          o.opts.Weights,
		RRF:              o.opts.RRF,
		Now:              o.now(),
	})
	for _, c := range recon.Conflicts.Conflicts {
		conflictsTotal.WithLabelValues(string(c.Type), c.Severity).Inc()
	}

	ver := verify.Verify(verify.Input{
		Plan:              pl,
		SourceResults:     exec.SourceResults,
		EvidenceTools:     snap.AuthoritativeMap(),
		AskRecommendation: req.AskRecommendation,
	})

	resp.Plan = pl
	resp.GraphSource = snap.Source()
	resp.Calls = exec.Calls
	resp.Citations = exec.Citations
	resp.Trace = exec.Trace
	resp.Evidence = recon.Items
	resp.Coverage = recon.Coverage
	resp.Conflicts = recon.Conflicts
	resp.SourceCounts = recon.SourceCounts
	resp.IsVerified = ver.IsVerified
	resp.MissingRequired = ver.MissingRequired
	resp.RequerySuggestions = ver.RequerySuggestions
	resp.Warnings = append(append(warnings, pl.Warnings...), ver.Warnings...)
	resp.DurationMillis = o.now().Sub(start).Milliseconds()

	outcome := "unverified"
	if resp.IsVerified {
		outcome = "verified"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(o.now().Sub(start).Seconds())
	span.SetAttributes(
		attribute.String("plan_id", pl.ID),
		attribute.String("intent", pl.Intent.Name),
		attribute.Bool("verified", resp.IsVerified),
		attribute.Int("conflicts", len(recon.Conflicts.Conflicts)),
	)
	o.logger.Info("orchestrator: run complete",
		slog.String("plan_id", pl.ID),
		slog.String("intent", pl.Intent.Name),
		slog.Bool("verified", resp.IsVerified),
		slog.Int("calls", len(exec.Calls)),
		slog.Int("evidence", len(recon.Items)),
		slog.Int64("duration_ms", resp.DurationMillis),
	)
	return resp
}

// schemas collects live schemas from every adapter that exposes one.
// Failures are logged and the kind is left out.
func (o *Orchestrator) schemas(ctx context.Context) sources.Schemas {
	out := sources.Schemas{}
	for _, kind := range plan.AllToolKinds {
		a, ok := o.deps.Sources.Adapter(kind)
		if !ok {
			continue
		}
		sp, ok := a.(schemaProvider)
		if !ok {
			continue
		}
		s, err := sp.Schema(ctx)
		if err != nil {
			o.logger.Debug("orchestrator: schema unavailable",
				slog.String("source", string(kind)),
				slog.String("error", llm.Redact(err.Error())),
			)
			continue
		}
		if !s.Empty() {
			out[kind] = s
		}
	}
	return out
}

// catalog lists the sources that can serve requests. When every source is
// blocked the full list is returned so the plan still records what would
// have been needed.
func catalog(modes map[plan.ToolKind]sources.Mode) []plan.ToolKind {
	var out []plan.ToolKind
	for _, kind := range plan.AllToolKinds {
		if modes[kind] != sources.ModeBlocked {
			out = append(out, kind)
		}
	}
	if len(out) == 0 {
		return append([]plan.ToolKind(nil), plan.AllToolKinds...)
	}
	return out
}

func canonicalSources(names []string) []plan.ToolKind {
	var out []plan.ToolKind
	for _, n := range names {
		if kind, ok := plan.Canonicalize(n); ok {
			out = append(out, kind)
		}
	}
	return out
}

// swapQuery replaces the raw query with its redacted form on the plan and
// on every call that carries it verbatim.
func swapQuery(pl *plan.Plan, raw, redacted string) {
	pl.Query = redacted
	raw = strings.TrimSpace(raw)
	for i := range pl.ToolCalls {
		if strings.TrimSpace(pl.ToolCalls[i].Query) == raw {
			pl.ToolCalls[i].Query = redacted
		}
	}
}
