// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/orchestrator"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
)

type fakeRunner struct {
	got  *orchestrator.Request
	resp *orchestrator.Response
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.Request) *orchestrator.Response {
	f.got = &req
	return f.resp
}

type fakeGraph struct {
	forced []bool
}

func (g *fakeGraph) Load(_ context.Context, force bool) *intentgraph.Snapshot {
	g.forced = append(g.forced, force)
	return intentgraph.Default()
}

type fakeModes map[plan.ToolKind]sources.Mode

func (m fakeModes) Modes() map[plan.ToolKind]sources.Mode { return m }

func newTestRouter(runner Runner, graph GraphLoader, modes ModeReporter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(NewHandlers(runner, graph, modes, nil), "evidence-test")
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleQuery(t *testing.T) {
	runner := &fakeRunner{resp: &orchestrator.Response{
		IsVerified:      true,
		MissingRequired: []string{},
		GraphSource:     intentgraph.SourceDefault,
	}}
	router := newTestRouter(runner, &fakeGraph{}, fakeModes{})

	rec := do(t, router, http.MethodPost, "/v1/evidence/query",
		`{"query":"departure brief KSEA","required_sources":["KQL"],"refresh_graph":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, runner.got)
	assert.Equal(t, "departure brief KSEA", runner.got.Query)
	assert.Equal(t, []string{"KQL"}, runner.got.RequiredSources)
	assert.True(t, runner.got.RefreshGraph)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["is_verified"])
	assert.Equal(t, "default", body["graph_source"])
}

func TestHandleQuery_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"query":`},
		{name: "missing query", body: `{"horizon_minutes":30}`},
		{name: "negative horizon", body: `{"query":"q","horizon_minutes":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			router := newTestRouter(runner, &fakeGraph{}, fakeModes{})

			rec := do(t, router, http.MethodPost, "/v1/evidence/query", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, runner.got, "runner must not be called")
			var er ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
			assert.Equal(t, "INVALID_REQUEST", er.Code)
			assert.NotEmpty(t, er.RequestID)
		})
	}
}

func TestHandleQuery_EchoesRequestID(t *testing.T) {
	runner := &fakeRunner{resp: &orchestrator.Response{}}
	router := newTestRouter(runner, &fakeGraph{}, fakeModes{})

	req := httptest.NewRequest(http.MethodPost, "/v1/evidence/query", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestHandleIntentGraph(t *testing.T) {
	graph := &fakeGraph{}
	router := newTestRouter(&fakeRunner{}, graph, fakeModes{})

	rec := do(t, router, http.MethodGet, "/v1/evidence/intent-graph?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true}, graph.forced)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "default", body["source"])
	assert.NotEmpty(t, body["intents"])

	rec = do(t, router, http.MethodGet, "/v1/evidence/intent-graph?refresh=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, graph.forced, 1)
}

func TestHandleSources(t *testing.T) {
	router := newTestRouter(&fakeRunner{}, &fakeGraph{}, fakeModes{
		plan.ToolSQL:    sources.ModeLive,
		plan.ToolKQL:    sources.ModeFallback,
		plan.ToolVector: sources.ModeLive,
		plan.ToolGraph:  sources.ModeBlocked,
	})

	rec := do(t, router, http.MethodGet, "/v1/evidence/sources", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body SourcesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Live)
	assert.Equal(t, sources.ModeBlocked, body.Sources[plan.ToolGraph])
}

func TestHandleHealth(t *testing.T) {
	router := newTestRouter(&fakeRunner{}, &fakeGraph{}, fakeModes{})

	rec := do(t, router, http.MethodGet, "/v1/evidence/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, intentgraph.SourceDefault, body.GraphSource)
}
