// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile ranks, deduplicates and summarizes executed evidence.
//
// Reconcile is a pure function over the executor's per-source rows. Items
// get a fusion score from per-source normalized relevance, static source
// authority, timestamp freshness and a required-evidence bonus. Items are
// ordered by source priority then score, deduplicated, capped per source,
// checked against the required evidence, and scanned for conflicting
// numeric and status observations. Conflicting items are penalized and
// re-sorted.
package reconcile

import (
	"sort"
	"time"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// =============================================================================
// Configuration
// =============================================================================

// Weights are the fusion score coefficients.
type Weights struct {
	Relevance       float64 `yaml:"relevance" json:"relevance" validate:"gte=0,lte=1"`
	Authority       float64 `yaml:"authority" json:"authority" validate:"gte=0,lte=1"`
	Freshness       float64 `yaml:"freshness" json:"freshness" validate:"gte=0,lte=1"`
	RequiredBonus   float64 `yaml:"required_bonus" json:"required_bonus" validate:"gte=0,lte=1"`
	ConflictPenalty float64 `yaml:"conflict_penalty" json:"conflict_penalty" validate:"gte=0,lte=1"`
}

// DefaultWeights returns relevance .45, authority .30, freshness .20,
// required bonus .05 and conflict penalty .10.
func DefaultWeights() Weights {
	return Weights{Relevance: 0.45, Authority: 0.30, Freshness: 0.20, RequiredBonus: 0.05, ConflictPenalty: 0.10}
}

func (w Weights) isZero() bool {
	return w == Weights{}
}

// DefaultAuthority is the static per-source authority score.
var DefaultAuthority = map[plan.ToolKind]float64{
	plan.ToolKQL:    0.90,
	plan.ToolSQL:    0.85,
	plan.ToolNoSQL:  0.80,
	plan.ToolVector: 0.70,
	plan.ToolGraph:  0.60,
}

// DefaultFreshness is the per-source freshness used when a row carries no
// recognizable timestamp.
var DefaultFreshness = map[plan.ToolKind]float64{
	plan.ToolKQL:    0.90,
	plan.ToolSQL:    0.70,
	plan.ToolNoSQL:  0.70,
	plan.ToolGraph:  0.60,
	plan.ToolVector: 0.50,
}

// DefaultContradictions are status values that cannot both hold for one entity.
var DefaultContradictions = [][2]string{
	{"open", "closed"},
	{"active", "cancelled"},
	{"active", "expired"},
	{"operational", "out_of_service"},
	{"on_time", "delayed"},
	{"on_time", "cancelled"},
	{"available", "unavailable"},
}

// rrfK is the Reciprocal Rank Fusion constant.
const rrfK = 60

// maxSlotCandidates bounds matching and authoritative candidates per slot.
const maxSlotCandidates = 3

// dedupeContentChars is how much content participates in the dedupe key.
const dedupeContentChars = 160

// =============================================================================
// Input / Output
// =============================================================================

// Input is everything Reconcile needs. Zero values select defaults.
type Input struct {
	// SourceResults are the executor's annotated rows per source.
	SourceResults plan.SourceResults

	// RequiredEvidence is the plan's evidence checklist.
	RequiredEvidence []plan.RequiredEvidence

	// AuthoritativeMap maps evidence names to tools in priority order.
	AuthoritativeMap map[string][]plan.ToolKind

	// SourcePriority orders sources in the output. Unlisted sources follow
	// in plan.AllToolKinds order.
	SourcePriority []plan.ToolKind

	// PerSourceLimits caps surviving items per source. Missing or
	// non-positive entries mean unlimited.
	PerSourceLimits map[plan.ToolKind]int

	// Weights are the fusion coefficients. Zero uses DefaultWeights.
	Weights Weights

	// Authority overrides DefaultAuthority per source.
	Authority map[plan.ToolKind]float64

	// Freshness overrides DefaultFreshness per source.
	Freshness map[plan.ToolKind]float64

	// Contradictions overrides DefaultContradictions.
	Contradictions [][2]string

	// RRF blends a per-source Reciprocal Rank Fusion score 50/50 into the
	// fusion score.
	RRF bool

	// Now is the reference time for freshness. Zero uses time.Now, which
	// makes the result depend on the call time.
	Now time.Time
}

// Item is one reconciled row.
type Item struct {
	Source          plan.ToolKind `json:"source"`
	CallID          string        `json:"call_id"`
	Identifier      string        `json:"identifier"`
	EvidenceType    string        `json:"evidence_type,omitempty"`
	IsError         bool          `json:"is_error,omitempty"`
	RawRelevance    float64       `json:"raw_relevance"`
	Relevance       float64       `json:"relevance"`
	Authority       float64       `json:"authority"`
	Freshness       float64       `json:"freshness"`
	RequiredBonus   float64       `json:"required_bonus"`
	Fusion          float64       `json:"fusion"`
	ConflictPenalty float64       `json:"conflict_penalty"`
	Row             plan.Row      `json:"row"`

	content string
	order   int
}

// Candidate is a compact reference to an item, used in coverage slots.
type Candidate struct {
	Source     plan.ToolKind `json:"source"`
	Identifier string        `json:"identifier"`
	CallID     string        `json:"call_id"`
	Fusion     float64       `json:"fusion"`
}

// CoverageSlot is the status of one required evidence entry.
type CoverageSlot struct {
	Evidence      string              `json:"evidence"`
	Optional      bool                `json:"optional"`
	Status        plan.CoverageStatus `json:"status"`
	Candidates    []Candidate         `json:"candidates,omitempty"`
	Authoritative []plan.ToolKind     `json:"authoritative,omitempty"`
}

// CoverageSummary aggregates the slots.
type CoverageSummary struct {
	Slots           []CoverageSlot `json:"slots"`
	RequiredTotal   int            `json:"required_total"`
	RequiredFilled  int            `json:"required_filled"`
	MissingRequired []string       `json:"missing_required"`
	MissingOptional []string       `json:"missing_optional,omitempty"`
}

// ConflictType classifies a conflict.
type ConflictType string

const (
	ConflictNumeric ConflictType = "numeric"
	ConflictStatus  ConflictType = "status"
)

// Conflict severities.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Conflict is one detected disagreement between observations.
type Conflict struct {
	Type     ConflictType    `json:"type"`
	Signal   string          `json:"signal"`
	Severity string          `json:"severity"`
	Detail   string          `json:"detail"`
	Sources  []plan.ToolKind `json:"sources,omitempty"`

	field, entity string
}

// ConflictSummary aggregates the conflicts.
type ConflictSummary struct {
	Conflicts []Conflict `json:"conflicts"`
	High      int        `json:"high"`
	Medium    int        `json:"medium"`
}

// SourceCount reports items per source at each stage.
type SourceCount struct {
	Input   int `json:"input"`
	Deduped int `json:"deduped"`
	Kept    int `json:"kept"`
}

// Output is the reconciliation result.
type Output struct {
	// OrderedSourceResults holds the surviving rows per source, in final order.
	OrderedSourceResults plan.SourceResults `json:"ordered_source_results"`

	// Items are the surviving items in final order.
	Items []Item `json:"items"`

	Coverage     CoverageSummary               `json:"coverage"`
	Conflicts    ConflictSummary               `json:"conflicts"`
	SourceCounts map[plan.ToolKind]SourceCount `json:"source_counts"`
}

// =============================================================================
// Reconcile
// =============================================================================

// Reconcile ranks, deduplicates, caps and summarizes in.SourceResults.
//
// Description:
//
//	Steps, in order: flatten rows into scored items; min-max normalize raw
//	relevance per source; compute fusion scores; optionally blend RRF;
//	sort by (source priority, fusion desc, identifier) and deduplicate on
//	(source, identifier, first 160 content characters); cap per source;
//	build coverage slots; detect conflicts; penalize conflicting items and
//	re-sort.
//
//	Coverage is computed on the deduplicated items before capping so a
//	per-source limit never turns present evidence into missing evidence.
//
// Thread Safety: Pure function. Deterministic for a fixed in.Now.
func Reconcile(in Input) Output {
	if in.Weights.isZero() {
		in.Weights = DefaultWeights()
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.Contradictions == nil {
		in.Contradictions = DefaultContradictions
	}

	items, counts := flatten(in)
	normalizeRelevance(items)
	required := requiredBonuses(in.RequiredEvidence)
	for i := range items {
		items[i].RequiredBonus = required[lowerKey(items[i].EvidenceType)]
		items[i].Fusion = fusion(items[i], in.Weights)
	}
	if in.RRF {
		blendRRF(items)
	}

	rank := priorityRank(in.SourcePriority)
	sortItems(items, rank)
	deduped := dedupe(items)
	for _, it := range deduped {
		c := counts[it.Source]
		c.Deduped++
		counts[it.Source] = c
	}

	coverage := buildCoverage(deduped, in.RequiredEvidence, in.AuthoritativeMap)
	kept := capPerSource(deduped, in.PerSourceLimits)

	conflicts := detectConflicts(kept, in.Contradictions)
	if len(conflicts.Conflicts) > 0 {
		applyPenalties(kept, conflicts.Conflicts, in.Weights)
		sortItems(kept, rank)
	}

	out := Output{
		OrderedSourceResults: plan.SourceResults{},
		Items:                kept,
		Coverage:             coverage,
		Conflicts:            conflicts,
		SourceCounts:         counts,
	}
	for _, it := range kept {
		out.OrderedSourceResults[it.Source] = append(out.OrderedSourceResults[it.Source], it.Row)
		c := out.SourceCounts[it.Source]
		c.Kept++
		out.SourceCounts[it.Source] = c
	}
	return out
}

// priorityRank maps each source to its output position.
func priorityRank(priority []plan.ToolKind) map[plan.ToolKind]int {
	rank := make(map[plan.ToolKind]int, len(plan.AllToolKinds))
	for _, k := range priority {
		if _, ok := rank[k]; !ok {
			rank[k] = len(rank)
		}
	}
	for _, k := range plan.AllToolKinds {
		if _, ok := rank[k]; !ok {
			rank[k] = len(rank)
		}
	}
	return rank
}

func sortItems(items []Item, rank map[plan.ToolKind]int) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := rankOf(rank, a.Source), rankOf(rank, b.Source); ra != rb {
			return ra < rb
		}
		if a.Fusion != b.Fusion {
			return a.Fusion > b.Fusion
		}
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		return a.order < b.order
	})
}

func rankOf(rank map[plan.ToolKind]int, k plan.ToolKind) int {
	if r, ok := rank[k]; ok {
		return r
	}
	return len(rank)
}

// dedupe keeps the first item per (source, identifier, content prefix).
// items must already be sorted so the best-ranked duplicate survives.
func dedupe(items []Item) []Item {
	type key struct {
		source     plan.ToolKind
		identifier string
		content    string
	}
	seen := make(map[key]bool, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		k := key{it.Source, it.Identifier, prefixRunes(it.content, dedupeContentChars)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

func capPerSource(items []Item, limits map[plan.ToolKind]int) []Item {
	if len(limits) == 0 {
		return items
	}
	taken := make(map[plan.ToolKind]int)
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if lim := limits[it.Source]; lim > 0 && taken[it.Source] >= lim {
			continue
		}
		taken[it.Source]++
		out = append(out, it)
	}
	return out
}

func prefixRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
