// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/executor"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/pii"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/planner"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/verify"
)

const policyQuery = "what does the SOP say about crosswind limits for jane@example.com"

type staticGraph struct {
	refreshed bool
}

func (g *staticGraph) Load(_ context.Context, force bool) *intentgraph.Snapshot {
	g.refreshed = force
	return intentgraph.Default()
}

type vectorStub struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (v *vectorStub) Kind() plan.ToolKind { return plan.ToolVector }
func (v *vectorStub) Mode() sources.Mode  { return sources.ModeLive }

func (v *vectorStub) Retrieve(_ context.Context, req sources.Request) (sources.Retrieval, error) {
	v.mu.Lock()
	v.queries = append(v.queries, req.Query)
	v.mu.Unlock()
	if v.err != nil {
		return sources.Retrieval{}, v.err
	}
	return sources.Retrieval{Rows: []plan.Row{
		plan.NewRow(map[string]any{"id": "SOP-4.2", "content": "Max demonstrated crosswind 33 kt", "score": 0.91}),
		plan.NewRow(map[string]any{"id": "SOP-4.3", "content": "Reduce limit to 25 kt on contaminated runways", "score": 0.74}),
	}}, nil
}

type piiStub struct {
	res pii.Result
	err error
}

func (p piiStub) Check(context.Context, string) (pii.Result, error) { return p.res, p.err }

func newOrchestrator(t *testing.T, vec *vectorStub, checker pii.Checker) (*Orchestrator, *staticGraph) {
	t.Helper()
	facade := sources.NewFacade(nil)
	if vec != nil {
		facade.Register(vec)
	}
	graph := &staticGraph{}
	o := New(Deps{
		Graph:    graph,
		Planner:  planner.New(nil, planner.Config{}, nil),
		Executor: executor.New(facade, nil, executor.Config{}, nil),
		Sources:  facade,
		PII:      checker,
	}, Options{})
	return o, graph
}

func TestRun_PolicyVerified(t *testing.T) {
	vec := &vectorStub{}
	o, graph := newOrchestrator(t, vec, nil)

	resp := o.Run(context.Background(), Request{Query: policyQuery, RefreshGraph: true})

	require.NotNil(t, resp)
	assert.True(t, graph.refreshed)
	assert.Equal(t, intentgraph.SourceDefault, resp.GraphSource)
	assert.Equal(t, planner.IntentPolicy, resp.Plan.Intent.Name)
	assert.True(t, resp.IsVerified)
	assert.Equal(t, []string{}, resp.MissingRequired)
	assert.Empty(t, resp.RequerySuggestions)
	require.Len(t, resp.Evidence, 2)
	assert.Equal(t, "SOP-4.2", resp.Evidence[0].Identifier)
	assert.Equal(t, 1, resp.Coverage.RequiredFilled)
	assert.Equal(t, sources.ModeBlocked, resp.SourceModes[plan.ToolSQL])
	assert.False(t, resp.PII.Checked)
	for _, c := range resp.Plan.ToolCalls {
		assert.Equal(t, plan.ToolVector, c.Tool, "blocked sources are not in the catalog")
	}
}

func TestRun_FailedSourceYieldsSuggestions(t *testing.T) {
	vec := &vectorStub{err: errors.New("index offline")}
	o, _ := newOrchestrator(t, vec, nil)

	resp := o.Run(context.Background(), Request{Query: policyQuery})

	assert.False(t, resp.IsVerified)
	assert.Equal(t, []string{"SOPClause"}, resp.MissingRequired)
	assert.Equal(t, []verify.Suggestion{{Evidence: "SOPClause", Tool: plan.ToolVector, Reason: verify.ReasonErrorsOnly}}, resp.RequerySuggestions)
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, "vector_runtime_error", resp.Calls[0].Error)
	assert.Contains(t, resp.Warnings, "missing required evidence: SOPClause")
}

func TestRun_RedactsQueryWhenPIIFound(t *testing.T) {
	vec := &vectorStub{}
	redacted := "what does the SOP say about crosswind limits for [EMAIL]"
	o, _ := newOrchestrator(t, vec, piiStub{res: pii.Result{
		HasPII:       true,
		Entities:     []pii.Entity{{Type: "EMAIL"}},
		RedactedText: redacted,
	}})

	resp := o.Run(context.Background(), Request{Query: policyQuery})

	assert.True(t, resp.PII.Checked)
	assert.True(t, resp.PII.Found)
	assert.Equal(t, redacted, resp.Plan.Query)
	require.NotEmpty(t, vec.queries)
	for _, q := range vec.queries {
		assert.Equal(t, redacted, q)
	}
	assert.Contains(t, resp.Warnings, "query contained personal data; redacted text used for retrieval")
}

func TestRun_PIIFailureUsesRawQuery(t *testing.T) {
	vec := &vectorStub{}
	o, _ := newOrchestrator(t, vec, piiStub{err: errors.New("connection refused")})

	resp := o.Run(context.Background(), Request{Query: policyQuery})

	assert.False(t, resp.PII.Checked)
	assert.True(t, resp.IsVerified)
	assert.Equal(t, []string{policyQuery}, vec.queries)
	assert.Contains(t, resp.Warnings, "PII check unavailable: connection refused")
}

func TestRun_AllSourcesBlocked(t *testing.T) {
	o, _ := newOrchestrator(t, nil, nil)

	resp := o.Run(context.Background(), Request{Query: "departure brief for KSEA", AskRecommendation: true})

	require.NotNil(t, resp.Plan)
	assert.NotEmpty(t, resp.Plan.ToolCalls, "with nothing available the full catalog is planned")
	assert.False(t, resp.IsVerified)
	assert.ElementsMatch(t, []string{"METAR", "TAF", "NOTAM", "RunwayStatus"}, resp.MissingRequired)
	for _, c := range resp.Calls {
		assert.Equal(t, plan.CodeSourceUnavailable, c.Error)
	}
	require.NotEmpty(t, resp.RequerySuggestions)
	reasons := map[string]bool{}
	for _, s := range resp.RequerySuggestions {
		reasons[s.Reason] = true
		assert.NotNil(t, s.Call)
	}
	assert.True(t, reasons[verify.ReasonErrorsOnly], "planned sources answered with error rows only")
	assert.True(t, reasons[verify.ReasonNotAttempted], "lower-priority authoritative sources were never tried")
}

func TestCatalog(t *testing.T) {
	modes := map[plan.ToolKind]sources.Mode{
		plan.ToolSQL:    sources.ModeFallback,
		plan.ToolKQL:    sources.ModeBlocked,
		plan.ToolVector: sources.ModeLive,
	}
	assert.Equal(t, []plan.ToolKind{plan.ToolSQL, plan.ToolVector}, catalog(modes))
	assert.Equal(t, plan.AllToolKinds, catalog(map[plan.ToolKind]sources.Mode{}))
}

func TestCanonicalSources(t *testing.T) {
	assert.Equal(t,
		[]plan.ToolKind{plan.ToolKQL, plan.ToolNoSQL},
		canonicalSources([]string{"EventhouseKQL", "bogus", "CosmosDB"}))
}
