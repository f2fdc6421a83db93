// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

var refNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func row(kind plan.ToolKind, callID, evidence string, fields map[string]any) plan.Row {
	return plan.NewRow(fields).Annotate(kind, callID, kind.DefaultOperation(), refNow, evidence)
}

func metarRow(id, station string, vis float64, observed time.Time) plan.Row {
	return row(plan.ToolKQL, "k1", "METAR", map[string]any{
		"id": id, "station": station, "visibility_sm": vis, "observed_at": observed.Format(time.RFC3339),
	})
}

func itemsByID(out Output) map[string]Item {
	m := make(map[string]Item, len(out.Items))
	for _, it := range out.Items {
		m[it.Identifier] = it
	}
	return m
}

// =============================================================================
// Scenarios
// =============================================================================

func TestReconcile_MetarAndSOPClauseFilled(t *testing.T) {
	in := Input{
		SourceResults: plan.SourceResults{
			plan.ToolKQL: {
				metarRow("m1", "KSEA", 10, refNow.Add(-time.Hour)),
				metarRow("m2", "KSEA", 10, refNow.Add(-2*time.Hour)),
			},
			plan.ToolVector: {
				row(plan.ToolVector, "v1", "SOPClause", map[string]any{"id": "ARR-7", "content": "Crosswind limit 25 kt", "score": 0.82}),
			},
		},
		RequiredEvidence: []plan.RequiredEvidence{
			{Name: "METAR", RequiresCitations: true},
			{Name: "SOPClause", RequiresCitations: true},
		},
		Now: refNow,
	}
	out := Reconcile(in)

	assert.Equal(t, 2, out.Coverage.RequiredTotal)
	assert.Equal(t, 2, out.Coverage.RequiredFilled)
	assert.Equal(t, []string{}, out.Coverage.MissingRequired)
	require.Len(t, out.Coverage.Slots, 2)
	assert.Len(t, out.Coverage.Slots[0].Candidates, 2)
	assert.Equal(t, plan.CoverageFilled, out.Coverage.Slots[1].Status)
	assert.Empty(t, out.Conflicts.Conflicts)
	assert.Len(t, out.Items, 3)
}

func TestReconcile_FusionScore(t *testing.T) {
	out := Reconcile(Input{
		SourceResults:    plan.SourceResults{plan.ToolKQL: {metarRow("m1", "KSEA", 10, refNow.Add(-time.Hour))}},
		RequiredEvidence: []plan.RequiredEvidence{{Name: "METAR"}},
		Now:              refNow,
	})
	require.Len(t, out.Items, 1)
	it := out.Items[0]
	assert.Equal(t, 0.0, it.RawRelevance)
	assert.Equal(t, 0.0, it.Relevance, "single zero-valued source normalizes to 0")
	assert.Equal(t, 0.9, it.Authority)
	assert.Equal(t, 1.0, it.Freshness)
	assert.Equal(t, 1.0, it.RequiredBonus)
	assert.InDelta(t, 0.30*0.9+0.20*1.0+0.05*1.0, it.Fusion, 1e-9)
}

func TestReconcile_Deterministic(t *testing.T) {
	in := Input{
		SourceResults: plan.SourceResults{
			plan.ToolVector: {
				row(plan.ToolVector, "v1", "SOPClause", map[string]any{"id": "b", "content": "same", "score": 0.5}),
				row(plan.ToolVector, "v1", "SOPClause", map[string]any{"id": "a", "content": "same", "score": 0.5}),
				row(plan.ToolVector, "v1", "Hazard", map[string]any{"id": "c", "content": "ice", "score": 0.9}),
			},
			plan.ToolNoSQL: {
				row(plan.ToolNoSQL, "n1", "NOTAM", map[string]any{"id": "KSEA-1", "runway": "16L", "status": "closed"}),
				row(plan.ToolNoSQL, "n1", "NOTAM", map[string]any{"id": "KSEA-2", "runway": "16L", "status": "open"}),
			},
		},
		RequiredEvidence: []plan.RequiredEvidence{{Name: "SOPClause"}, {Name: "NOTAM"}},
		RRF:              true,
		Now:              refNow,
	}
	first := Reconcile(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Reconcile(in))
	}
	ids := []string{}
	for _, it := range first.Items {
		ids = append(ids, it.Identifier)
	}
	assert.Equal(t, []string{"KSEA-1", "KSEA-2", "c", "a", "b"}, ids, "source order first, then fusion")
}

// =============================================================================
// Normalization
// =============================================================================

func TestNormalizeRelevance(t *testing.T) {
	tests := []struct {
		name string
		raw  []float64
		want []float64
	}{
		{"spread", []float64{0.2, 0.5, 0.8}, []float64{0, 0.5, 1}},
		{"ties at max", []float64{0.3, 0.9, 0.9}, []float64{0, 1, 1}},
		{"all equal positive", []float64{0.4, 0.4}, []float64{1, 1}},
		{"all equal zero", []float64{0, 0}, []float64{0, 0}},
		{"single positive", []float64{3}, []float64{1}},
		{"single zero", []float64{0}, []float64{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]Item, len(tt.raw))
			for i, r := range tt.raw {
				items[i] = Item{Source: plan.ToolVector, RawRelevance: r}
			}
			items = append(items, Item{Source: plan.ToolVector, IsError: true, RawRelevance: 99})
			normalizeRelevance(items)
			for i, want := range tt.want {
				assert.InDelta(t, want, items[i].Relevance, 1e-9)
				assert.GreaterOrEqual(t, items[i].Relevance, 0.0)
				assert.LessOrEqual(t, items[i].Relevance, 1.0)
			}
			assert.Equal(t, 0.0, items[len(items)-1].Relevance, "error items do not take part")
		})
	}
}

func TestFreshnessBuckets(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   float64
	}{
		{"hours", map[string]any{"observed_at": refNow.Add(-2 * time.Hour).Format(time.RFC3339)}, 1.0},
		{"days", map[string]any{"timestamp": refNow.Add(-72 * time.Hour)}, 0.85},
		{"weeks", map[string]any{"issued_at": "2025-05-12"}, 0.65},
		{"old", map[string]any{"updated_at": "2025-01-01 08:00:00"}, 0.45},
		{"future", map[string]any{"effective_from": refNow.Add(time.Hour).Format(time.RFC3339)}, 1.0},
		{"unparseable", map[string]any{"observed_at": "yesterday"}, 0.33},
		{"none", map[string]any{"id": "x"}, 0.33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, freshness(plan.NewRow(tt.fields), refNow, 0.33))
		})
	}
}

// =============================================================================
// Ordering, dedupe, caps
// =============================================================================

func TestReconcile_DedupeKeepsBestRanked(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	out := Reconcile(Input{
		SourceResults: plan.SourceResults{plan.ToolVector: {
			row(plan.ToolVector, "v1", "Hazard", map[string]any{"id": "h1", "content": string(long) + "A", "score": 0.2}),
			row(plan.ToolVector, "v2", "Hazard", map[string]any{"id": "h1", "content": string(long) + "B", "score": 0.9}),
			row(plan.ToolVector, "v2", "Hazard", map[string]any{"id": "h2", "content": "other", "score": 0.1}),
		}},
		Now: refNow,
	})
	require.Len(t, out.Items, 2, "the first 160 characters match so h1 collapses")
	assert.Equal(t, "v2", out.Items[0].CallID, "the higher-scored duplicate survives")
	assert.Equal(t, SourceCount{Input: 3, Deduped: 2, Kept: 2}, out.SourceCounts[plan.ToolVector])
}

func TestReconcile_SourcePriorityAndCaps(t *testing.T) {
	in := Input{
		SourceResults: plan.SourceResults{
			plan.ToolKQL: {
				metarRow("m1", "KSEA", 10, refNow.Add(-time.Hour)),
				metarRow("m2", "KLAX", 10, refNow.Add(-time.Hour)),
				metarRow("m3", "KSFO", 10, refNow.Add(-time.Hour)),
			},
			plan.ToolVector: {row(plan.ToolVector, "v1", "SOPClause", map[string]any{"id": "s1", "content": "c", "score": 0.1})},
		},
		RequiredEvidence: []plan.RequiredEvidence{{Name: "METAR"}},
		SourcePriority:   []plan.ToolKind{plan.ToolVector, plan.ToolKQL},
		PerSourceLimits:  map[plan.ToolKind]int{plan.ToolKQL: 1},
		Now:              refNow,
	}
	out := Reconcile(in)

	require.Len(t, out.Items, 2)
	assert.Equal(t, plan.ToolVector, out.Items[0].Source)
	assert.Equal(t, "m1", out.Items[1].Identifier, "equal scores order by identifier before capping")
	assert.Len(t, out.OrderedSourceResults[plan.ToolKQL], 1)
	assert.Equal(t, SourceCount{Input: 3, Deduped: 3, Kept: 1}, out.SourceCounts[plan.ToolKQL])
	assert.Equal(t, 1, out.Coverage.RequiredFilled)
	assert.Len(t, out.Coverage.Slots[0].Candidates, 3, "coverage is computed before capping")
}

// =============================================================================
// Coverage
// =============================================================================

func TestReconcile_Coverage(t *testing.T) {
	in := Input{
		SourceResults: plan.SourceResults{
			plan.ToolKQL: {
				plan.ErrorRow("kql_runtime_error", "timeout").Annotate(plan.ToolKQL, "k1", plan.OpTimeWindowQuery, refNow, "METAR"),
			},
			plan.ToolNoSQL: {row(plan.ToolNoSQL, "n1", "NOTAM", map[string]any{"id": "KSEA-1"})},
		},
		RequiredEvidence: []plan.RequiredEvidence{
			{Name: "METAR"},
			{Name: "NOTAM"},
			{Name: "Hazard", Optional: true},
		},
		AuthoritativeMap: map[string][]plan.ToolKind{
			"METAR":  {plan.ToolKQL},
			"Hazard": {plan.ToolVector, plan.ToolKQL, plan.ToolNoSQL, plan.ToolSQL},
		},
		Now: refNow,
	}
	out := Reconcile(in)
	cov := out.Coverage

	assert.Equal(t, 2, cov.RequiredTotal)
	assert.Equal(t, 1, cov.RequiredFilled)
	assert.LessOrEqual(t, cov.RequiredFilled, cov.RequiredTotal)
	assert.Equal(t, []string{"METAR"}, cov.MissingRequired, "error rows never fill a slot")
	assert.Equal(t, []string{"Hazard"}, cov.MissingOptional)

	require.Len(t, cov.Slots, 3)
	assert.Equal(t, plan.CoverageMissing, cov.Slots[0].Status)
	assert.Empty(t, cov.Slots[0].Candidates)
	assert.Equal(t, []plan.ToolKind{plan.ToolKQL}, cov.Slots[0].Authoritative)
	assert.Equal(t, []plan.ToolKind{plan.ToolVector, plan.ToolKQL, plan.ToolNoSQL}, cov.Slots[2].Authoritative)

	errItem := itemsByID(out)[""]
	assert.True(t, errItem.IsError)
	assert.Equal(t, 0.0, errItem.Fusion)
}

// =============================================================================
// Conflicts
// =============================================================================

func TestReconcile_NumericConflictSeverity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float64
		severity string
	}{
		{"double is high", 2, 4, SeverityHigh},
		{"far apart is high", 1, 10, SeverityHigh},
		{"moderate is medium", 4, 5.5, SeverityMedium},
		{"at threshold is medium", 4, 5, SeverityMedium},
		{"close is none", 10, 11, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Reconcile(Input{
				SourceResults: plan.SourceResults{plan.ToolKQL: {
					metarRow("m1", "KSEA", tt.a, refNow.Add(-time.Hour)),
					metarRow("m2", "ksea", tt.b, refNow.Add(-time.Hour)),
					metarRow("m3", "KLAX", 100, refNow.Add(-time.Hour)),
				}},
				Now: refNow,
			})
			if tt.severity == "" {
				assert.Empty(t, out.Conflicts.Conflicts)
				return
			}
			require.Len(t, out.Conflicts.Conflicts, 1)
			c := out.Conflicts.Conflicts[0]
			assert.Equal(t, ConflictNumeric, c.Type)
			assert.Equal(t, "visibility_sm", c.Signal)
			assert.Equal(t, tt.severity, c.Severity)

			byID := itemsByID(out)
			assert.Greater(t, byID["m1"].ConflictPenalty, 0.0)
			assert.Greater(t, byID["m2"].ConflictPenalty, 0.0)
			assert.Equal(t, 0.0, byID["m3"].ConflictPenalty, "rows without the metric are untouched")
			assert.Equal(t, "m3", out.Items[0].Identifier, "penalized items sort after")
		})
	}
}

func TestReconcile_NumericConflictAcrossEntities(t *testing.T) {
	tests := []struct {
		name     string
		results  plan.SourceResults
		detail   string
		sources  []plan.ToolKind
		severity string
	}{
		{
			name: "tagged and untagged readings",
			results: plan.SourceResults{
				plan.ToolKQL:    {metarRow("m1", "KSEA", 10, refNow.Add(-time.Hour))},
				plan.ToolVector: {row(plan.ToolVector, "v1", "METAR", map[string]any{"id": "d1", "content": "vis", "visibility_sm": 2})},
			},
			detail:   "visibility_sm ranges 2 to 10 (ratio 5.00) across 2 observations for KSEA",
			sources:  []plan.ToolKind{plan.ToolKQL, plan.ToolVector},
			severity: SeverityHigh,
		},
		{
			name: "mixed stations",
			results: plan.SourceResults{
				plan.ToolKQL: {
					metarRow("m1", "KSEA", 10, refNow.Add(-time.Hour)),
					metarRow("m2", "KLAX", 8, refNow.Add(-time.Hour)),
				},
				plan.ToolVector: {row(plan.ToolVector, "v1", "METAR", map[string]any{"id": "d1", "content": "vis", "visibility_sm": 7})},
			},
			detail:   "visibility_sm ranges 7 to 10 (ratio 1.43) across 3 observations for KLAX, KSEA",
			sources:  []plan.ToolKind{plan.ToolKQL, plan.ToolVector},
			severity: SeverityMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Reconcile(Input{SourceResults: tt.results, Now: refNow})

			require.Len(t, out.Conflicts.Conflicts, 1)
			c := out.Conflicts.Conflicts[0]
			assert.Equal(t, ConflictNumeric, c.Type)
			assert.Equal(t, "visibility_sm", c.Signal)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.detail, c.Detail)
			assert.ElementsMatch(t, tt.sources, c.Sources)
			for _, it := range out.Items {
				assert.Greater(t, it.ConflictPenalty, 0.0, it.Identifier)
			}
		})
	}
}

func TestReconcile_StatusConflict(t *testing.T) {
	out := Reconcile(Input{
		SourceResults: plan.SourceResults{
			plan.ToolNoSQL: {row(plan.ToolNoSQL, "n1", "RunwayStatus", map[string]any{"id": "r1", "runway": "KSEA/16L", "status": "Closed"})},
			plan.ToolKQL:   {row(plan.ToolKQL, "k1", "RunwayStatus", map[string]any{"id": "r2", "runway": "ksea/16l", "runway_status": "OPEN"})},
		},
		Now: refNow,
	})
	require.Len(t, out.Conflicts.Conflicts, 1)
	c := out.Conflicts.Conflicts[0]
	assert.Equal(t, ConflictStatus, c.Type)
	assert.Equal(t, "KSEA/16L", c.Signal)
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.ElementsMatch(t, []plan.ToolKind{plan.ToolKQL, plan.ToolNoSQL}, c.Sources)
	assert.Equal(t, 1, out.Conflicts.High)
	for _, it := range out.Items {
		assert.Equal(t, 1.0, it.ConflictPenalty)
	}
}

func TestReconcile_RRFBlendStaysInRange(t *testing.T) {
	var rows []plan.Row
	for i, s := range []float64{0.9, 0.7, 0.5, 0.3} {
		rows = append(rows, row(plan.ToolVector, "v1", "SOPClause", map[string]any{"id": string(rune('a' + i)), "content": string(rune('a' + i)), "score": s}))
	}
	plain := Reconcile(Input{SourceResults: plan.SourceResults{plan.ToolVector: rows}, Now: refNow})
	blended := Reconcile(Input{SourceResults: plan.SourceResults{plan.ToolVector: rows}, RRF: true, Now: refNow})

	require.Len(t, blended.Items, 4)
	for i := range blended.Items {
		assert.Equal(t, plain.Items[i].Identifier, blended.Items[i].Identifier, "RRF preserves a single source's order")
		assert.GreaterOrEqual(t, blended.Items[i].Fusion, 0.0)
		assert.LessOrEqual(t, blended.Items[i].Fusion, 1.0)
	}
	assert.InDelta(t, 0.5*plain.Items[0].Fusion+0.5, blended.Items[0].Fusion, 1e-9)
	assert.InDelta(t, 0.5*plain.Items[3].Fusion, blended.Items[3].Fusion, 1e-9)
}
