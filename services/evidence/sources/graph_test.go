// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

func seedEdges(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO graph_edges VALUES
		('airport','KSEA','flight','UA123','departs'),
		('airport','KSEA','flight','AS10','departs'),
		('flight','UA123','airport','KLAX','arrives'),
		('flight','ua123','airport','klax','ARRIVES'),
		('flight','AS10','airport','KSFO','arrives'),
		('airport','KLAX','alternate','KONT','alternate_of')`)
	require.NoError(t, err)
}

func TestGraphAdapter_Modes(t *testing.T) {
	db := openOpsDB(t)
	assert.Equal(t, ModeBlocked, NewGraphAdapter(GraphConfig{}, nil, nil).Mode())
	assert.Equal(t, ModeFallback, NewGraphAdapter(GraphConfig{}, db, nil).Mode())
	assert.Equal(t, ModeLive, NewGraphAdapter(GraphConfig{Endpoint: "http://graph"}, db, nil).Mode())
}

func TestGraphAdapter_BFSDedupesAndNumbersHops(t *testing.T) {
	db := openOpsDB(t)
	seedEdges(t, db)
	a := NewGraphAdapter(GraphConfig{}, db, nil)

	var ents plan.Entities
	ents.Add(plan.EntityAirport, "ksea")
	res, err := a.Retrieve(context.Background(), Request{Operation: plan.OpGraphExpand, Entities: ents})
	require.NoError(t, err)

	type edge struct {
		src, dst string
		hop      any
	}
	var got []edge
	for _, r := range res.Rows {
		got = append(got, edge{r.String(EdgeSrcID), r.String(EdgeDstID), r.Fields[EdgeHop]})
	}
	assert.Equal(t, []edge{
		{"KSEA", "AS10", 1},
		{"KSEA", "UA123", 1},
		{"AS10", "KSFO", 2},
		{"UA123", "KLAX", 2},
	}, got, "case-variant duplicate of UA123→KLAX is dropped and KONT is beyond two hops")
}

func TestGraphAdapter_HopParamIsCapped(t *testing.T) {
	db := openOpsDB(t)
	seedEdges(t, db)
	a := NewGraphAdapter(GraphConfig{MaxHops: 3}, db, nil)

	res, err := a.Retrieve(context.Background(), Request{Query: "expand KSEA", Params: map[string]any{ParamMaxHops: 1}})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)

	res, err = a.Retrieve(context.Background(), Request{Query: "expand KSEA", Params: map[string]any{ParamMaxHops: 9}})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 5)
	assert.Equal(t, "KONT", res.Rows[4].String(EdgeDstID))
}

func TestGraphAdapter_RowCap(t *testing.T) {
	db := openOpsDB(t)
	seedEdges(t, db)
	a := NewGraphAdapter(GraphConfig{MaxRows: 3}, db, nil)

	res, err := a.Retrieve(context.Background(), Request{Params: map[string]any{ParamSeeds: "KSEA"}})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
}

func TestGraphAdapter_NoSeeds(t *testing.T) {
	a := NewGraphAdapter(GraphConfig{}, openOpsDB(t), nil)
	_, err := a.Retrieve(context.Background(), Request{Query: "what is near here"})
	var serr *SourceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "graph_validation_failed", serr.Code)
}

func TestGraphAdapter_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body graphRemoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, plan.OpTraverse, body.Operation)
		assert.Equal(t, []string{"KSEA"}, body.Seeds)
		assert.Equal(t, 2, body.MaxHops)
		_, _ = w.Write([]byte(`{"edges":[{"src_type":"airport","src_id":"KSEA","dst_type":"flight","dst_id":"UA123","relation":"departs"}]}`))
	}))
	defer srv.Close()

	a := NewGraphAdapter(GraphConfig{Endpoint: srv.URL}, nil, nil)
	res, err := a.Retrieve(context.Background(), Request{Query: "KSEA"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "UA123", res.Rows[0].String(EdgeDstID))
}

func TestGraphAdapter_RemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFacade(nil)
	f.Register(NewGraphAdapter(GraphConfig{Endpoint: srv.URL}, nil, nil))
	res := f.Retrieve(context.Background(), plan.ToolGraph, Request{Query: "KSEA"})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "graph_runtime_error", res.Rows[0].ErrorCode())
}

func TestDecodeRecords(t *testing.T) {
	recs, err := decodeRecords([]byte(`[{"a":1}, 7]`))
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"a": float64(1)}, {"value": float64(7)}}, recs)

	recs, err = decodeRecords([]byte(`{"rows":[{"b":"x"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"b": "x"}}, recs)

	_, err = decodeRecords([]byte(`not json`))
	assert.Error(t, err)
}
