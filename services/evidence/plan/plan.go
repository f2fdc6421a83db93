// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan defines the per-query data model shared by the planner, the
// executor, the reconciler and the verifier.
//
// A Plan is created fresh for one query, owned by the orchestrator for the
// lifetime of that query, and discarded once the response is produced.
package plan

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Plan Types
// =============================================================================

// Intent is the classified purpose of a query.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// TimeWindow bounds time-windowed retrieval.
//
// HorizonMinutes is the look-back used when Start/End are not set.
type TimeWindow struct {
	HorizonMinutes int        `json:"horizon_minutes"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
}

// Explicit reports whether the window carries explicit bounds.
func (w TimeWindow) Explicit() bool {
	return w.Start != nil || w.End != nil
}

// RequiredEvidence is one evidence requirement derived from the intent.
type RequiredEvidence struct {
	Name              string `json:"name"`
	Optional          bool   `json:"optional"`
	RequiresCitations bool   `json:"requires_citations"`
}

// ParamEvidenceType is the ToolCall.Params key naming the evidence a call serves.
const ParamEvidenceType = "evidence_type"

// ToolCall is one retrieval operation in a Plan.
type ToolCall struct {
	ID        string         `json:"id"`
	Tool      ToolKind       `json:"tool"`
	Operation string         `json:"operation"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Query     string         `json:"query,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// EvidenceType returns the evidence name recorded in Params, if any.
func (c ToolCall) EvidenceType() string {
	if c.Params == nil {
		return ""
	}
	if s, ok := c.Params[ParamEvidenceType].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// IsGraphExpansion reports whether the call is a graph-expansion call whose
// rows feed entity enrichment.
func (c ToolCall) IsGraphExpansion() bool {
	return c.Tool == ToolGraph && c.Operation == OpGraphExpand
}

// CoverageStatus is the state of one coverage checklist entry.
type CoverageStatus string

const (
	CoveragePlanned CoverageStatus = "planned"
	CoverageFilled  CoverageStatus = "filled"
	CoverageMissing CoverageStatus = "missing"
)

// Coverage is one entry of the plan's coverage checklist.
type Coverage struct {
	Evidence string         `json:"evidence"`
	Status   CoverageStatus `json:"status"`
	ViaTools []ToolKind     `json:"via_tools,omitempty"`
}

// Plan is the dependency-annotated retrieval plan for one query.
//
// Thread Safety: Not safe for concurrent use. The executor mutates Entities
// between waves from the goroutine that owns the Plan.
type Plan struct {
	ID               string             `json:"id"`
	Query            string             `json:"query"`
	Intent           Intent             `json:"intent"`
	TimeWindow       TimeWindow         `json:"time_window"`
	Entities         Entities           `json:"entities"`
	RequiredEvidence []RequiredEvidence `json:"required_evidence"`
	ToolCalls        []ToolCall         `json:"tool_calls"`
	Coverage         []Coverage         `json:"coverage,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
	NeedsSchema      bool               `json:"needs_schema,omitempty"`
	SchemaRequests   []string           `json:"schema_requests,omitempty"`
}

// AddWarning appends a formatted warning.
func (p *Plan) AddWarning(format string, args ...any) {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
}

// Call returns the call with the given id.
func (p *Plan) Call(id string) (ToolCall, bool) {
	for _, c := range p.ToolCalls {
		if c.ID == id {
			return c, true
		}
	}
	return ToolCall{}, false
}

// HasTool reports whether any call targets kind.
func (p *Plan) HasTool(kind ToolKind) bool {
	for _, c := range p.ToolCalls {
		if c.Tool == kind {
			return true
		}
	}
	return false
}

// RequiredTotal counts non-optional evidence requirements.
func (p *Plan) RequiredTotal() int {
	n := 0
	for _, r := range p.RequiredEvidence {
		if !r.Optional {
			n++
		}
	}
	return n
}

// DanglingDependencies lists "call -> dep" pairs whose dependency id does
// not name a call in this plan.
func (p *Plan) DanglingDependencies() []string {
	ids := make(map[string]struct{}, len(p.ToolCalls))
	for _, c := range p.ToolCalls {
		ids[c.ID] = struct{}{}
	}
	var dangling []string
	for _, c := range p.ToolCalls {
		for _, dep := range c.DependsOn {
			if _, ok := ids[dep]; !ok {
				dangling = append(dangling, c.ID+" -> "+dep)
			}
		}
	}
	return dangling
}

// EnrichmentCalls returns the ids of calls whose rows feed entity
// enrichment: graph-expansion calls and any GRAPH call another call
// depends on, whatever its operation.
func (p *Plan) EnrichmentCalls() map[string]bool {
	graph := make(map[string]bool)
	out := make(map[string]bool)
	for _, c := range p.ToolCalls {
		if c.Tool != ToolGraph {
			continue
		}
		graph[c.ID] = true
		if c.IsGraphExpansion() {
			out[c.ID] = true
		}
	}
	for _, c := range p.ToolCalls {
		for _, dep := range c.DependsOn {
			if dep != c.ID && graph[dep] {
				out[dep] = true
			}
		}
	}
	return out
}

// NextCallID returns an id of the form "<prefix><n>" not yet used in the plan.
func (p *Plan) NextCallID(prefix string) string {
	used := make(map[string]struct{}, len(p.ToolCalls))
	for _, c := range p.ToolCalls {
		used[c.ID] = struct{}{}
	}
	for n := len(p.ToolCalls) + 1; ; n++ {
		id := fmt.Sprintf("%s%d", prefix, n)
		if _, ok := used[id]; !ok {
			return id
		}
	}
}
