// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

var fetched = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func okRow(kind plan.ToolKind, evidence string) plan.Row {
	return plan.NewRow(map[string]any{"id": "x"}).Annotate(kind, "c1", kind.DefaultOperation(), fetched, evidence)
}

func errRow(kind plan.ToolKind, evidence string) plan.Row {
	return plan.ErrorRow(plan.Code(kind, plan.SuffixRuntimeError), "boom").
		Annotate(kind, "c1", kind.DefaultOperation(), fetched, evidence)
}

func briefPlan() *plan.Plan {
	return &plan.Plan{
		ID:    "p1",
		Query: "brief me for KSEA departure",
		RequiredEvidence: []plan.RequiredEvidence{
			{Name: "METAR", RequiresCitations: true},
			{Name: "NOTAM", RequiresCitations: true},
			{Name: "Hazard", Optional: true},
		},
		ToolCalls: []plan.ToolCall{
			{ID: "c1", Tool: plan.ToolKQL, Params: map[string]any{plan.ParamEvidenceType: "METAR"}},
			{ID: "c2", Tool: plan.ToolNoSQL, Params: map[string]any{plan.ParamEvidenceType: "NOTAM"}},
		},
	}
}

var graphTools = map[string][]plan.ToolKind{
	"METAR":  {plan.ToolKQL},
	"NOTAM":  {plan.ToolNoSQL, plan.ToolVector},
	"Hazard": {plan.ToolVector, plan.ToolKQL},
}

func TestVerify_AllRequiredFilled(t *testing.T) {
	res := Verify(Input{
		Plan: briefPlan(),
		SourceResults: plan.SourceResults{
			plan.ToolKQL:   {okRow(plan.ToolKQL, "METAR"), errRow(plan.ToolKQL, "METAR")},
			plan.ToolNoSQL: {okRow(plan.ToolNoSQL, "NOTAM")},
		},
		EvidenceTools: graphTools,
	})

	assert.True(t, res.IsVerified)
	assert.Equal(t, []string{}, res.MissingRequired)
	assert.Empty(t, res.RequerySuggestions, "missing optional Hazard never suggests")
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Coverage, 3)
	assert.Equal(t, plan.Coverage{Evidence: "METAR", Status: plan.CoverageFilled, ViaTools: []plan.ToolKind{plan.ToolKQL}}, res.Coverage[0])
	assert.Equal(t, plan.CoverageMissing, res.Coverage[2].Status)
}

func TestVerify_Suggestions(t *testing.T) {
	tests := []struct {
		name    string
		results plan.SourceResults
		want    []Suggestion
	}{
		{
			name: "errors only and not attempted",
			results: plan.SourceResults{
				plan.ToolKQL:   {okRow(plan.ToolKQL, "METAR")},
				plan.ToolNoSQL: {errRow(plan.ToolNoSQL, "NOTAM")},
			},
			want: []Suggestion{
				{Evidence: "NOTAM", Tool: plan.ToolNoSQL, Reason: ReasonErrorsOnly},
				{Evidence: "NOTAM", Tool: plan.ToolVector, Reason: ReasonNotAttempted},
			},
		},
		{
			name: "planned but empty is not retried",
			results: plan.SourceResults{
				plan.ToolKQL: {okRow(plan.ToolKQL, "METAR")},
			},
			want: []Suggestion{
				{Evidence: "NOTAM", Tool: plan.ToolVector, Reason: ReasonNotAttempted},
			},
		},
		{
			name:    "nothing came back",
			results: plan.SourceResults{},
			want: []Suggestion{
				{Evidence: "NOTAM", Tool: plan.ToolVector, Reason: ReasonNotAttempted},
			},
		},
		{
			name: "both missing with errors",
			results: plan.SourceResults{
				plan.ToolKQL:   {errRow(plan.ToolKQL, "METAR")},
				plan.ToolNoSQL: {errRow(plan.ToolNoSQL, "NOTAM"), errRow(plan.ToolNoSQL, "NOTAM")},
			},
			want: []Suggestion{
				{Evidence: "METAR", Tool: plan.ToolKQL, Reason: ReasonErrorsOnly},
				{Evidence: "NOTAM", Tool: plan.ToolNoSQL, Reason: ReasonErrorsOnly},
				{Evidence: "NOTAM", Tool: plan.ToolVector, Reason: ReasonNotAttempted},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Verify(Input{Plan: briefPlan(), SourceResults: tt.results, EvidenceTools: graphTools})
			assert.False(t, res.IsVerified)
			assert.Equal(t, tt.want, res.RequerySuggestions)
			for _, s := range res.RequerySuggestions {
				assert.NotEqual(t, "Hazard", s.Evidence)
			}
		})
	}
}

func TestVerify_NoIntentGraph(t *testing.T) {
	res := Verify(Input{
		Plan:          briefPlan(),
		SourceResults: plan.SourceResults{plan.ToolKQL: {okRow(plan.ToolKQL, "METAR")}},
	})
	assert.False(t, res.IsVerified)
	assert.Equal(t, []string{"NOTAM"}, res.MissingRequired)
	assert.Equal(t, []Suggestion{}, res.RequerySuggestions)
	assert.Contains(t, res.Warnings, "intent graph unavailable; no requery suggestions")
	assert.Contains(t, res.Warnings, "missing required evidence: NOTAM")
}

func TestVerify_AskRecommendationBuildsCalls(t *testing.T) {
	pl := briefPlan()
	pl.ToolCalls = append(pl.ToolCalls, plan.ToolCall{ID: "rq1", Tool: plan.ToolSQL})
	res := Verify(Input{
		Plan:              pl,
		SourceResults:     plan.SourceResults{plan.ToolNoSQL: {okRow(plan.ToolNoSQL, "notam")}},
		EvidenceTools:     map[string][]plan.ToolKind{"metar": {plan.ToolKQL, plan.ToolSQL}},
		AskRecommendation: true,
	})

	assert.Equal(t, []string{"METAR"}, res.MissingRequired, "evidence names match case-insensitively")
	require.Len(t, res.RequerySuggestions, 1, "KQL was planned and returned nothing")
	s := res.RequerySuggestions[0]
	assert.Equal(t, plan.ToolSQL, s.Tool)
	require.NotNil(t, s.Call)
	assert.Equal(t, "rq2", s.Call.ID)
	assert.Equal(t, plan.OpQuery, s.Call.Operation)
	assert.Equal(t, pl.Query, s.Call.Query)
	assert.Equal(t, "METAR", s.Call.EvidenceType())
}

func TestVerify_UnknownEvidenceWarns(t *testing.T) {
	pl := &plan.Plan{RequiredEvidence: []plan.RequiredEvidence{{Name: "CrewRoster"}}}
	res := Verify(Input{Plan: pl, EvidenceTools: graphTools})
	assert.False(t, res.IsVerified)
	assert.Empty(t, res.RequerySuggestions)
	assert.Contains(t, res.Warnings, "no authoritative tool known for CrewRoster")
}

func TestVerify_NilPlan(t *testing.T) {
	res := Verify(Input{})
	assert.True(t, res.IsVerified)
	assert.Equal(t, []string{}, res.MissingRequired)
}
