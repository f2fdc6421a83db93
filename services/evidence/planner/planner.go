// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner builds the retrieval Plan for one query.
//
// The primary path asks a chat model for a structured plan with the intent
// graph as its backbone. When the model is unavailable, fails, answers with
// malformed JSON or schedules nothing, a deterministic path derives the plan
// from keyword intent classification and the graph alone. Both paths end in
// the same required-sources pass.
package planner

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	plansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "planner",
		Name:      "plans_total",
		Help:      "Plans created by path (llm, fallback).",
	}, []string{"path"})

	fallbackReasonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "planner",
		Name:      "fallback_reasons_total",
		Help:      "Reasons the deterministic fallback path was used.",
	}, []string{"reason"})
)

var plannerTracer = otel.Tracer("evidence.planner")

// Fallback reasons, also used as metric labels.
const (
	reasonNoModel     = "no_model"
	reasonModelError  = "model_error"
	reasonMalformed   = "malformed_output"
	reasonNoToolCalls = "no_tool_calls"
)

// =============================================================================
// Types
// =============================================================================

// Input is everything the planner needs for one query.
type Input struct {
	// Query is the user question.
	Query string

	// RuntimeContext carries caller facts (current time, station of
	// interest, ...) passed to the model verbatim.
	RuntimeContext map[string]any

	// Entities are caller-supplied entities. Entities found in the query
	// text are added to them.
	Entities plan.Entities

	// Graph is the intent graph snapshot. Nil uses intentgraph.Default().
	Graph *intentgraph.Snapshot

	// Catalog lists the tools the plan may reference. Empty allows all.
	Catalog []plan.ToolKind

	// Schemas are the known source schemas, by tool kind.
	Schemas sources.Schemas

	// RequiredSources are tools the caller mandates in every plan.
	RequiredSources []plan.ToolKind

	// HorizonMinutes overrides the default look-back window.
	HorizonMinutes int
}

// Config tunes the planner.
type Config struct {
	// DefaultHorizonMinutes is used when neither the input nor the query
	// sets a window. Zero uses 60.
	DefaultHorizonMinutes int `yaml:"default_horizon_minutes" validate:"gte=0"`

	// MaxToolCalls caps model-proposed calls. Zero uses 12.
	MaxToolCalls int `yaml:"max_tool_calls" validate:"gte=0"`

	// SchemaRetries is how many times the model may ask for schema. Zero
	// disables the re-ask; negative values are treated as zero.
	SchemaRetries int `yaml:"schema_retries" validate:"gte=0"`

	// MaxTokens bounds the model response. Zero uses 2048.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`
}

// Planner creates plans.
//
// Thread Safety: Safe for concurrent use.
type Planner struct {
	chat   llm.ChatClient
	cfg    Config
	logger *slog.Logger
	newID  func() string
}

// New creates a Planner. A nil chat client always uses the fallback path.
func New(chat llm.ChatClient, cfg Config, logger *slog.Logger) *Planner {
	if cfg.DefaultHorizonMinutes <= 0 {
		cfg.DefaultHorizonMinutes = sources.DefaultHorizonMinutes
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 12
	}
	if cfg.SchemaRetries < 0 {
		cfg.SchemaRetries = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{chat: chat, cfg: cfg, logger: logger, newID: uuid.NewString}
}

// =============================================================================
// CreatePlan
// =============================================================================

// CreatePlan builds the plan for in.Query.
//
// Description:
//
//	Tries the model path first. Any failure, including an empty tool call
//	list, switches to the deterministic path, which always succeeds and
//	records a warning naming the reason. The required-sources pass then
//	appends one call for every mandated tool still absent.
//
// Outputs:
//   - *plan.Plan: Never nil.
//
// Thread Safety: Safe for concurrent use.
func (p *Planner) CreatePlan(ctx context.Context, in Input) *plan.Plan {
	ctx, span := plannerTracer.Start(ctx, "planner.Planner.CreatePlan")
	defer span.End()

	if in.Graph == nil {
		in.Graph = intentgraph.Default()
	}
	catalog := normalizeCatalog(in.Catalog)

	base := &plan.Plan{
		ID:         p.newID(),
		Query:      in.Query,
		Entities:   in.Entities.Clone(),
		TimeWindow: plan.TimeWindow{HorizonMinutes: p.horizon(in)},
	}
	base.Entities.Merge(ExtractEntities(in.Query))

	var (
		pl     *plan.Plan
		reason string
	)
	if p.chat == nil {
		reason = reasonNoModel
	} else {
		var err error
		pl, reason, err = p.modelPlan(ctx, in, catalog, copyBase(base))
		if err != nil {
			p.logger.Warn("planner: model path failed, using fallback",
				slog.String("reason", reason),
				slog.String("error", llm.Redact(err.Error())),
			)
			span.RecordError(err)
			pl = nil
		}
	}

	path := "llm"
	if pl == nil {
		path = "fallback"
		fallbackReasonsTotal.WithLabelValues(reason).Inc()
		pl = p.fallbackPlan(in, catalog, base)
		pl.AddWarning("LLM routing unavailable (%s); deterministic fallback plan used", reason)
	}

	enforceRequiredSources(pl, in.RequiredSources, catalog)
	buildCoverage(pl)

	plansTotal.WithLabelValues(path).Inc()
	span.SetAttributes(
		attribute.String("path", path),
		attribute.String("intent", pl.Intent.Name),
		attribute.Int("tool_calls", len(pl.ToolCalls)),
	)
	p.logger.Debug("planner: plan created",
		slog.String("plan_id", pl.ID),
		slog.String("path", path),
		slog.String("intent", pl.Intent.Name),
		slog.Int("tool_calls", len(pl.ToolCalls)),
	)
	return pl
}

func (p *Planner) horizon(in Input) int {
	if in.HorizonMinutes > 0 {
		return in.HorizonMinutes
	}
	if h, ok := HorizonFromQuery(in.Query); ok {
		return h
	}
	return p.cfg.DefaultHorizonMinutes
}

// =============================================================================
// Shared passes
// =============================================================================

// enforceRequiredSources appends one call per mandated tool the plan does
// not already schedule. Mandated tools outside the catalog are still added:
// the caller's mandate wins, and the executor reports them if unavailable.
func enforceRequiredSources(pl *plan.Plan, required []plan.ToolKind, catalog map[plan.ToolKind]bool) {
	for _, kind := range dedupeKinds(required) {
		if !kind.Valid() || pl.HasTool(kind) {
			continue
		}
		call := plan.ToolCall{
			ID:        pl.NextCallID("c"),
			Tool:      kind,
			Operation: kind.DefaultOperation(),
			Params:    map[string]any{},
		}
		if literalQueryTool(kind) {
			call.Query = pl.Query
		}
		pl.ToolCalls = append(pl.ToolCalls, call)
		if !catalog[kind] {
			pl.AddWarning("required source %s is not in the tool catalog; scheduled anyway", kind)
			continue
		}
		pl.AddWarning("required source %s added to plan", kind)
	}
}

// buildCoverage records the planned tools for every required evidence item.
func buildCoverage(pl *plan.Plan) {
	existing := make(map[string]bool, len(pl.Coverage))
	for _, c := range pl.Coverage {
		existing[strings.ToLower(c.Evidence)] = true
	}
	for _, req := range pl.RequiredEvidence {
		if existing[strings.ToLower(req.Name)] {
			continue
		}
		var via []plan.ToolKind
		seen := make(map[plan.ToolKind]bool)
		for _, c := range pl.ToolCalls {
			if strings.EqualFold(c.EvidenceType(), req.Name) && !seen[c.Tool] {
				seen[c.Tool] = true
				via = append(via, c.Tool)
			}
		}
		pl.Coverage = append(pl.Coverage, plan.Coverage{Evidence: req.Name, Status: plan.CoveragePlanned, ViaTools: via})
	}
}

// copyBase returns a copy of base whose entity sets can be mutated freely.
func copyBase(base *plan.Plan) *plan.Plan {
	cp := *base
	cp.Entities = base.Entities.Clone()
	return &cp
}

// literalQueryTool reports whether calls to kind carry the user query as
// their literal text. SQL and KQL text is generated at execution time.
func literalQueryTool(kind plan.ToolKind) bool {
	return kind == plan.ToolGraph || kind == plan.ToolNoSQL || kind == plan.ToolVector
}

func normalizeCatalog(kinds []plan.ToolKind) map[plan.ToolKind]bool {
	out := make(map[plan.ToolKind]bool, len(plan.AllToolKinds))
	for _, k := range kinds {
		if k.Valid() {
			out[k] = true
		}
	}
	if len(out) == 0 {
		for _, k := range plan.AllToolKinds {
			out[k] = true
		}
	}
	return out
}

func catalogList(catalog map[plan.ToolKind]bool) []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

func dedupeKinds(kinds []plan.ToolKind) []plan.ToolKind {
	seen := make(map[plan.ToolKind]bool, len(kinds))
	out := make([]plan.ToolKind, 0, len(kinds))
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
