// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/querywriter"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
)

// =============================================================================
// Fakes
// =============================================================================

type stubAdapter struct {
	kind    plan.ToolKind
	mode    sources.Mode
	respond func(req sources.Request) (sources.Retrieval, error)

	mu   sync.Mutex
	reqs []sources.Request
}

func (s *stubAdapter) Kind() plan.ToolKind { return s.kind }
func (s *stubAdapter) Mode() sources.Mode {
	if s.mode == "" {
		return sources.ModeLive
	}
	return s.mode
}

func (s *stubAdapter) Retrieve(_ context.Context, req sources.Request) (sources.Retrieval, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.respond == nil {
		return sources.Retrieval{Rows: []plan.Row{plan.NewRow(map[string]any{"id": req.CallID})}}, nil
	}
	return s.respond(req)
}

func (s *stubAdapter) requests() []sources.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sources.Request(nil), s.reqs...)
}

type fluxStub struct{ stubAdapter }

func (f *fluxStub) Dialect() sources.Dialect { return sources.DialectFlux }

type sqlStub struct {
	stubAdapter
	schema *sources.Schema
}

func (s *sqlStub) Schema(context.Context) (*sources.Schema, error) {
	if s.schema == nil {
		return nil, errors.New("no schema")
	}
	return s.schema, nil
}

type vectorStub struct {
	stubAdapter
	embeds atomic.Int32
}

func (v *vectorStub) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	v.embeds.Add(1)
	return []float32{float32(len(text)), 1}, nil
}

type fakeWriter struct {
	sql      string
	sqlErr   error
	ts       string
	tsErr    error
	panicMsg string

	mu       sync.Mutex
	dialects []sources.Dialect
	question []string
}

func (w *fakeWriter) WriteSQL(_ context.Context, question string, _ *sources.Schema) (string, error) {
	if w.panicMsg != "" {
		panic(w.panicMsg)
	}
	w.mu.Lock()
	w.question = append(w.question, question)
	w.mu.Unlock()
	return w.sql, w.sqlErr
}

func (w *fakeWriter) WriteTimeSeries(_ context.Context, dialect sources.Dialect, question string, _ *sources.Schema, _ plan.TimeWindow) (string, error) {
	w.mu.Lock()
	w.dialects = append(w.dialects, dialect)
	w.question = append(w.question, question)
	w.mu.Unlock()
	return w.ts, w.tsErr
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestExecutor(f *sources.Facade, w QueryWriter, cfg Config) *Executor {
	e := New(f, w, cfg, nil)
	e.now = func() time.Time { return fixedNow }
	return e
}

func call(id string, tool plan.ToolKind, deps ...string) plan.ToolCall {
	return plan.ToolCall{ID: id, Tool: tool, Operation: tool.DefaultOperation(), DependsOn: deps, Params: map[string]any{}}
}

func traceKinds(res *plan.ExecutionResult, kind string) []plan.TraceEvent {
	var out []plan.TraceEvent
	for _, ev := range res.Trace {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// =============================================================================
// Scheduling
// =============================================================================

func TestExecute_WavesMergeEntitiesBeforeDependents(t *testing.T) {
	graph := &stubAdapter{kind: plan.ToolGraph, respond: func(sources.Request) (sources.Retrieval, error) {
		return sources.Retrieval{Rows: []plan.Row{
			plan.NewRow(map[string]any{"src_type": "airport", "src_id": "KSEA", "dst_type": "airport", "dst_id": "KLAX"}),
			plan.NewRow(map[string]any{"src_type": "flight", "src_id": "UA123", "dst_type": "airport", "dst_id": "klax"}),
			plan.NewRow(map[string]any{"node_type": "alternate", "node_id": "KONT"}),
		}}, nil
	}}
	docs := &stubAdapter{kind: plan.ToolNoSQL}
	f := sources.NewFacade(nil)
	f.Register(graph)
	f.Register(docs)
	f.Register(&stubAdapter{kind: plan.ToolKQL})

	expand := call("x", plan.ToolGraph)
	expand.Operation = plan.OpGraphExpand
	notam := call("n", plan.ToolNoSQL, "x")
	notam.Params[plan.ParamEvidenceType] = "NOTAM"
	pl := &plan.Plan{ID: "p", Query: "brief KSEA", ToolCalls: []plan.ToolCall{notam, expand}}
	pl.Entities.Add(plan.EntityAirport, "KSEA")

	res := newTestExecutor(f, nil, Config{}).Execute(context.Background(), pl.Query, pl, nil)

	assert.Equal(t, []string{"KSEA", "KLAX"}, pl.Entities.Airports, "KLAX appears twice in the rows but is merged once")
	assert.Equal(t, []string{"UA123"}, pl.Entities.FlightIDs)
	assert.Equal(t, []string{"KONT"}, pl.Entities.Alternates)

	reqs := docs.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"KSEA", "KLAX"}, reqs[0].Entities.Airports, "dependents observe the merged view")
	assert.Equal(t, "brief KSEA", reqs[0].Query)

	require.Len(t, res.Calls, 2)
	assert.Equal(t, "x", res.Calls[0].CallID)
	assert.Equal(t, "n", res.Calls[1].CallID)

	waves := traceKinds(res, plan.TraceWaveStarted)
	require.Len(t, waves, 2)
	assert.Equal(t, "x", waves[0].Detail)
	assert.Equal(t, "n", waves[1].Detail)
	merged := traceKinds(res, plan.TraceEntitiesMerged)
	require.Len(t, merged, 1)
	assert.Equal(t, "4 refs, 3 new", merged[0].Detail)
}

func TestExecute_DependedOnTraversalEnrichesEntities(t *testing.T) {
	graph := &stubAdapter{kind: plan.ToolGraph, respond: func(sources.Request) (sources.Retrieval, error) {
		return sources.Retrieval{Rows: []plan.Row{
			plan.NewRow(map[string]any{"src_type": "airport", "src_id": "KSEA", "dst_type": "airport", "dst_id": "KPDX"}),
		}}, nil
	}}
	docs := &stubAdapter{kind: plan.ToolNoSQL}
	f := sources.NewFacade(nil)
	f.Register(graph)
	f.Register(docs)

	traverse := call("t", plan.ToolGraph)
	traverse.Operation = "traverse"
	lone := call("l", plan.ToolGraph)
	lone.Operation = "traverse"
	pl := &plan.Plan{ID: "p", Query: "brief KSEA", ToolCalls: []plan.ToolCall{call("n", plan.ToolNoSQL, "t"), traverse, lone}}
	pl.Entities.Add(plan.EntityAirport, "KSEA")

	res := newTestExecutor(f, nil, Config{}).Execute(context.Background(), pl.Query, pl, nil)

	assert.Equal(t, []string{"KSEA", "KPDX"}, pl.Entities.Airports)
	reqs := docs.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"KSEA", "KPDX"}, reqs[0].Entities.Airports)
	merged := traceKinds(res, plan.TraceEntitiesMerged)
	require.Len(t, merged, 1, "a traversal nothing depends on does not enrich")
	assert.Equal(t, "t", merged[0].CallID)
}

func TestExecute_BreaksCycles(t *testing.T) {
	docs := &stubAdapter{kind: plan.ToolNoSQL}
	f := sources.NewFacade(nil)
	f.Register(docs)

	pl := &plan.Plan{ID: "p", Query: "q", ToolCalls: []plan.ToolCall{
		call("a", plan.ToolNoSQL, "b"),
		call("b", plan.ToolNoSQL, "a"),
		call("c", plan.ToolNoSQL),
	}}
	res := newTestExecutor(f, nil, Config{}).Execute(context.Background(), "q", pl, nil)

	require.Len(t, res.Calls, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{res.Calls[0].CallID, res.Calls[1].CallID, res.Calls[2].CallID})
	breaks := traceKinds(res, plan.TraceCycleBreak)
	require.Len(t, breaks, 1)
	assert.Equal(t, "a", breaks[0].CallID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "dependency cycle")
	assert.Equal(t, res.Warnings, pl.Warnings)
}

func TestExecute_UnknownDependencySatisfied(t *testing.T) {
	f := sources.NewFacade(nil)
	f.Register(&stubAdapter{kind: plan.ToolNoSQL})
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("a", plan.ToolNoSQL, "ghost")}}

	res := newTestExecutor(f, nil, Config{}).Execute(context.Background(), "q", pl, nil)
	require.Len(t, res.Calls, 1)
	assert.Empty(t, res.Calls[0].Error)
	assert.Empty(t, traceKinds(res, plan.TraceCycleBreak))
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "a -> ghost")
}

func TestExecute_BoundsWaveConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	slow := &stubAdapter{kind: plan.ToolNoSQL, respond: func(sources.Request) (sources.Retrieval, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inflight.Add(-1)
		return sources.Retrieval{}, nil
	}}
	f := sources.NewFacade(nil)
	f.Register(slow)

	pl := &plan.Plan{ID: "p"}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		pl.ToolCalls = append(pl.ToolCalls, call(id, plan.ToolNoSQL))
	}
	res := newTestExecutor(f, nil, Config{MaxWorkers: 2}).Execute(context.Background(), "q", pl, nil)

	assert.Len(t, res.Calls, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, traceKinds(res, plan.TraceWaveStarted), 1)
}

func TestExecute_FailuresDoNotAbortDependents(t *testing.T) {
	graph := &stubAdapter{kind: plan.ToolGraph, respond: func(sources.Request) (sources.Retrieval, error) {
		return sources.Retrieval{}, errors.New("graph endpoint down")
	}}
	docs := &stubAdapter{kind: plan.ToolNoSQL}
	f := sources.NewFacade(nil)
	f.Register(graph)
	f.Register(docs)
	f.Register(&stubAdapter{kind: plan.ToolKQL})

	expand := call("x", plan.ToolGraph)
	expand.Operation = plan.OpGraphExpand
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{expand, call("n", plan.ToolNoSQL, "x"), call("k", plan.ToolKQL)}}

	res := newTestExecutor(f, nil, Config{}).Execute(context.Background(), "q", pl, nil)

	require.Len(t, res.Calls, 3)
	byID := map[string]plan.CallResult{}
	for _, c := range res.Calls {
		byID[c.CallID] = c
	}
	assert.Equal(t, "graph_runtime_error", byID["x"].Error)
	require.Len(t, byID["x"].Rows, 1)
	assert.Empty(t, byID["n"].Error)
	assert.Len(t, docs.requests(), 1)
	assert.Equal(t, "kql_generation_failed", byID["k"].Error, "no writer and no literal text")
	assert.Equal(t, 0, pl.Entities.Len())
}

func TestExecute_CancelledContext(t *testing.T) {
	docs := &stubAdapter{kind: plan.ToolNoSQL}
	f := sources.NewFacade(nil)
	f.Register(docs)
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("a", plan.ToolNoSQL), call("b", plan.ToolNoSQL, "a")}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newTestExecutor(f, nil, Config{}).Execute(ctx, "q", pl, nil)

	assert.Empty(t, docs.requests())
	require.Len(t, res.Calls, 2)
	for _, c := range res.Calls {
		assert.Equal(t, plan.CodeCancelled, c.Error)
		require.Len(t, c.Rows, 1)
		assert.Equal(t, c.CallID, c.Rows[0].CallID)
	}
	assert.Len(t, res.SourceResults[plan.ToolNoSQL], 2)
	assert.Len(t, traceKinds(res, plan.TraceCancelled), 1)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "execution cancelled with 2 calls not run")
}

// =============================================================================
// Dispatch
// =============================================================================

func TestExecute_AnnotatesProvenance(t *testing.T) {
	docs := &stubAdapter{kind: plan.ToolNoSQL, respond: func(req sources.Request) (sources.Retrieval, error) {
		return sources.Retrieval{
			Rows:      []plan.Row{plan.NewRow(map[string]any{"id": "KSEA-001"})},
			Citations: []plan.Citation{{Identifier: "NOTAM/KSEA-001"}},
		}, nil
	}}
	f := sources.NewFacade(nil)
	f.Register(docs)
	c := call("n1", plan.ToolNoSQL)
	c.Params[plan.ParamEvidenceType] = "NOTAM"
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{c}}

	res := newTestExecutor(f, nil, Config{}).Execute(context.Background(), "notams at KSEA", pl, nil)

	rows := res.SourceResults[plan.ToolNoSQL]
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, plan.ToolNoSQL, r.Source)
	assert.Equal(t, "n1", r.CallID)
	assert.Equal(t, plan.OpLookup, r.Operation)
	assert.Equal(t, fixedNow, r.FetchedAt)
	assert.Equal(t, "NOTAM", r.EvidenceType)
	assert.True(t, res.SourceResults.HasEvidence("NOTAM"))

	require.Len(t, res.Citations, 1)
	assert.Equal(t, plan.Citation{Source: plan.ToolNoSQL, CallID: "n1", Identifier: "NOTAM/KSEA-001"}, res.Citations[0])
	assert.Equal(t, fixedNow, res.Calls[0].StartedAt)
}

func TestExecute_SQLGeneration(t *testing.T) {
	schema := &sources.Schema{Tables: []sources.Table{{Name: "flight_legs", Columns: []sources.Column{
		{Name: "flight_id", Type: "TEXT"}, {Name: "origin", Type: "TEXT"},
		{Name: "destination", Type: "TEXT"}, {Name: "delay_minutes", Type: "INTEGER"},
	}}}}

	tests := []struct {
		name       string
		writer     QueryWriter
		schemas    sources.Schemas
		live       *sources.Schema
		literal    string
		wantQuery  string
		wantPrefix string
		wantError  string
	}{
		{name: "literal text wins", writer: &fakeWriter{sql: "ignored"}, literal: "SELECT 1", wantQuery: "SELECT 1"},
		{name: "writer", writer: &fakeWriter{sql: "SELECT * FROM flight_legs"}, schemas: sources.Schemas{plan.ToolSQL: schema}, wantQuery: "SELECT * FROM flight_legs"},
		{name: "needs schema uses heuristic", writer: &fakeWriter{sqlErr: querywriter.ErrNeedsSchema}, schemas: sources.Schemas{plan.ToolSQL: schema},
			wantPrefix: "SELECT * FROM flight_legs WHERE delay_minutes > 0"},
		{name: "no writer uses heuristic on live schema", live: schema, wantPrefix: "SELECT * FROM flight_legs WHERE delay_minutes > 0"},
		{name: "no schema anywhere", writer: &fakeWriter{sqlErr: querywriter.ErrNeedsSchema}, wantError: "sql_schema_missing"},
		{name: "writer error without matching rule", writer: &fakeWriter{sqlErr: errors.New("model down")},
			schemas: sources.Schemas{plan.ToolSQL: {Tables: []sources.Table{{Name: "crew"}}}}, wantError: "sql_generation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &sqlStub{stubAdapter: stubAdapter{kind: plan.ToolSQL}, schema: tt.live}
			f := sources.NewFacade(nil)
			f.Register(db)
			c := call("s", plan.ToolSQL)
			c.Query = tt.literal
			pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{c}}

			res := newTestExecutor(f, tt.writer, Config{}).Execute(context.Background(), "why was UA123 delayed", pl, tt.schemas)

			require.Len(t, res.Calls, 1)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, res.Calls[0].Error)
				assert.Empty(t, db.requests(), "nothing is sent without a statement")
				return
			}
			reqs := db.requests()
			require.Len(t, reqs, 1)
			if tt.wantQuery != "" {
				assert.Equal(t, tt.wantQuery, reqs[0].Query)
			} else {
				assert.True(t, strings.HasPrefix(reqs[0].Query, tt.wantPrefix), reqs[0].Query)
				assert.Contains(t, reqs[0].Query, "'UA123'")
				assert.Equal(t, reqs[0].Query, res.Calls[0].GeneratedQuery)
			}
		})
	}
}

func TestExecute_TimeSeriesGenerationUsesAdapterDialect(t *testing.T) {
	ts := &fluxStub{stubAdapter{kind: plan.ToolKQL}}
	f := sources.NewFacade(nil)
	f.Register(ts)
	w := &fakeWriter{ts: `from(bucket:"metar") |> range(start: -1h)`}
	c := call("m", plan.ToolKQL)
	c.Params[plan.ParamEvidenceType] = "METAR"
	pl := &plan.Plan{ID: "p", TimeWindow: plan.TimeWindow{HorizonMinutes: 90}, ToolCalls: []plan.ToolCall{c}}

	res := newTestExecutor(f, w, Config{}).Execute(context.Background(), "winds at KSEA", pl, nil)

	require.Len(t, w.dialects, 1)
	assert.Equal(t, sources.DialectFlux, w.dialects[0])
	assert.Equal(t, "winds at KSEA (evidence needed: METAR)", w.question[0])
	reqs := ts.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, w.ts, reqs[0].Query)
	assert.Equal(t, 90, reqs[0].Window.HorizonMinutes)
	assert.Empty(t, res.Calls[0].Error)
}

func TestExecute_TimeSeriesNeedsSchema(t *testing.T) {
	ts := &stubAdapter{kind: plan.ToolKQL}
	f := sources.NewFacade(nil)
	f.Register(ts)
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("m", plan.ToolKQL)}}

	res := newTestExecutor(f, &fakeWriter{tsErr: querywriter.ErrNeedsSchema}, Config{}).Execute(context.Background(), "q", pl, nil)
	assert.Equal(t, "kql_schema_missing", res.Calls[0].Error)
	assert.Empty(t, ts.requests())
}

func TestExecute_SharesQueryEmbedding(t *testing.T) {
	vec := &vectorStub{stubAdapter: stubAdapter{kind: plan.ToolVector}}
	f := sources.NewFacade(nil)
	f.Register(vec)

	other := call("v3", plan.ToolVector)
	other.Query = "crosswind limits"
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("v1", plan.ToolVector), call("v2", plan.ToolVector), other}}
	pl.ToolCalls[1].Query = "brief KSEA"

	newTestExecutor(f, nil, Config{}).Execute(context.Background(), "brief KSEA", pl, nil)

	assert.Equal(t, int32(1), vec.embeds.Load())
	byID := map[string]sources.Request{}
	for _, r := range vec.requests() {
		byID[r.CallID] = r
	}
	require.Len(t, byID, 3)
	assert.Equal(t, []float32{10, 1}, byID["v1"].Embedding)
	assert.Equal(t, []float32{10, 1}, byID["v2"].Embedding)
	assert.Nil(t, byID["v3"].Embedding)
	assert.Equal(t, "crosswind limits", byID["v3"].Query)
}

func TestExecute_BlockedVectorSkipsSharedEmbedding(t *testing.T) {
	vec := &vectorStub{stubAdapter: stubAdapter{kind: plan.ToolVector, mode: sources.ModeBlocked}}
	f := sources.NewFacade(nil)
	f.Register(vec)

	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("v1", plan.ToolVector)}}
	res := newTestExecutor(f, nil, Config{}).Execute(context.Background(), "brief KSEA", pl, nil)

	assert.Equal(t, int32(0), vec.embeds.Load())
	require.Len(t, res.Calls, 1)
	assert.Equal(t, plan.CodeSourceUnavailable, res.Calls[0].Error)
}

func TestExecute_RecoversPanics(t *testing.T) {
	db := &sqlStub{stubAdapter: stubAdapter{kind: plan.ToolSQL}}
	docs := &stubAdapter{kind: plan.ToolNoSQL}
	f := sources.NewFacade(nil)
	f.Register(db)
	f.Register(docs)
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("s", plan.ToolSQL), call("n", plan.ToolNoSQL)}}

	res := newTestExecutor(f, &fakeWriter{panicMsg: "writer exploded"}, Config{}).Execute(context.Background(), "q", pl, nil)

	require.Len(t, res.Calls, 2)
	assert.Equal(t, plan.CodePanic, res.Calls[0].Error)
	assert.Contains(t, res.Calls[0].Rows[0].String(plan.FieldErrorDetail), "writer exploded")
	assert.Equal(t, "s", res.Calls[0].Rows[0].CallID)
	assert.Empty(t, res.Calls[1].Error)
}

func TestExecute_CallTimeout(t *testing.T) {
	var sawDeadline atomic.Bool
	f := sources.NewFacade(nil)
	f.Register(&deadlineAdapter{saw: &sawDeadline})
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("g", plan.ToolGraph)}}

	res := newTestExecutor(f, nil, Config{CallTimeout: 20 * time.Millisecond}).Execute(context.Background(), "q", pl, nil)

	assert.True(t, sawDeadline.Load())
	assert.Equal(t, "graph_runtime_error", res.Calls[0].Error)
}

type deadlineAdapter struct{ saw *atomic.Bool }

func (d *deadlineAdapter) Kind() plan.ToolKind { return plan.ToolGraph }
func (d *deadlineAdapter) Mode() sources.Mode  { return sources.ModeLive }
func (d *deadlineAdapter) Retrieve(ctx context.Context, _ sources.Request) (sources.Retrieval, error) {
	_, ok := ctx.Deadline()
	d.saw.Store(ok)
	<-ctx.Done()
	return sources.Retrieval{}, ctx.Err()
}

// =============================================================================
// Entity enrichment
// =============================================================================

func TestEntityDeltaFromRows(t *testing.T) {
	rows := []plan.Row{
		plan.NewRow(map[string]any{"src_type": "airport", "src_id": "KLAX", "dst_type": "Airport", "dst_id": "klax"}),
		plan.NewRow(map[string]any{"type": "route", "id": "KSEA-KLAX"}),
		plan.NewRow(map[string]any{"type": "gate", "id": "B4"}),
		plan.NewRow(map[string]any{"node_type": "station", "node_id": "  "}),
		plan.NewRow(map[string]any{"src_type": "flight", "src_id": 123}),
		plan.ErrorRow("graph_runtime_error", "boom"),
		{},
	}
	got := EntityDeltaFromRows(rows)
	assert.Equal(t, plan.EntityDelta{
		{Kind: plan.EntityAirport, ID: "KLAX"},
		{Kind: plan.EntityRoute, ID: "KSEA-KLAX"},
		{Kind: plan.EntityFlight, ID: "123"},
	}, got)

	var ents plan.Entities
	assert.Equal(t, 3, ents.Merge(got))
	assert.Equal(t, 0, ents.Merge(got))
}

func TestExecute_UnavailableSourceSkipsGeneration(t *testing.T) {
	w := &fakeWriter{sql: "SELECT 1", ts: "Metar | take 1"}
	pl := &plan.Plan{ID: "p", ToolCalls: []plan.ToolCall{call("s", plan.ToolSQL), call("k", plan.ToolKQL)}}

	res := newTestExecutor(sources.NewFacade(nil), w, Config{}).Execute(context.Background(), "q", pl, nil)

	require.Len(t, res.Calls, 2)
	for _, c := range res.Calls {
		assert.Equal(t, plan.CodeSourceUnavailable, c.Error)
		assert.Empty(t, c.GeneratedQuery)
	}
	assert.Empty(t, w.question, "no query is generated for an unavailable source")
}
