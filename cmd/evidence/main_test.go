// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/config"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/orchestrator"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		level    string
		wantJSON bool
		wantErr  bool
	}{
		{name: "auto on a buffer is json", format: "auto", level: "info", wantJSON: true},
		{name: "forced text", format: "text", level: "debug"},
		{name: "forced json", format: "json", level: "warn", wantJSON: true},
		{name: "bad format", format: "xml", level: "info", wantErr: true},
		{name: "bad level", format: "text", level: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.format, tt.level)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Error("probe", slog.String("k", "v"))
			assert.Equal(t, tt.wantJSON, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())
		})
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.IntentGraph.FilePath = filepath.Join(t.TempDir(), "intent_graph.json")
	return cfg
}

func TestBuildApp_DefaultsWireEverySource(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), slog.Default())
	require.NoError(t, err)
	defer a.Close()

	modes := a.facade.Modes()
	for _, kind := range plan.AllToolKinds {
		_, ok := a.facade.Adapter(kind)
		assert.True(t, ok, "%s registered", kind)
	}
	assert.Equal(t, sources.ModeLive, modes[plan.ToolNoSQL], "in-memory badger backs documents")
	assert.Equal(t, sources.ModeBlocked, modes[plan.ToolSQL])
	assert.Equal(t, sources.ModeBlocked, modes[plan.ToolKQL])
	assert.Equal(t, sources.ModeBlocked, modes[plan.ToolVector])
}

func TestBuildApp_SQLiteSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources.SQL.DSN = "file:" + filepath.Join(t.TempDir(), "ops.db")

	a, err := buildApp(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, sources.ModeLive, a.facade.SourceMode(plan.ToolSQL))
}

func TestBuildApp_RunsQueryEndToEnd(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), slog.Default())
	require.NoError(t, err)
	defer a.Close()

	resp := a.orchestrator.Run(context.Background(), orchestrator.Request{Query: "departure brief for KSEA"})

	require.NotNil(t, resp.Plan)
	assert.Equal(t, intentgraph.SourceDefault, resp.GraphSource)
	assert.False(t, resp.IsVerified, "an empty document store cannot fill the departure brief")
	assert.NotEmpty(t, resp.MissingRequired)
}

func TestRunAsk_WritesJSON(t *testing.T) {
	v := viper.New()
	v.Set(keyLogFormat, "json")
	v.Set(keyLogLevel, "error")
	v.Set(keyConfig, writeConfig(t))

	var out bytes.Buffer
	err := runAsk(context.Background(), v, orchestrator.Request{Query: "what does the SOP say about de-icing"}, &out)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Contains(t, body, "is_verified")
	assert.Contains(t, body, "missing_required")
}

func TestPrintGraph(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printGraph(&out, intentgraph.Default()))

	text := out.String()
	assert.Contains(t, text, "source: default")
	assert.Contains(t, text, "PilotBrief.Departure")
	assert.Contains(t, text, "SOPClause")
}

func TestPrintCacheEntries(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printCacheEntries(&out, "/tmp/cache", []sources.EmbeddingEntry{
		{Key: "0123456789abcdef0123", Dims: 2, Vector: []float32{3, 4}, ExpiresAt: now.Add(90 * time.Minute)},
		{Key: "old", Dims: 1, Vector: []float32{1}, ExpiresAt: now.Add(-time.Minute)},
		{Key: "bad", Err: errors.New("decode: unexpected EOF")},
	}, now)

	text := out.String()
	assert.Contains(t, text, "3 embedding(s) in /tmp/cache")
	assert.Contains(t, text, "0123456789abcdef ")
	assert.Contains(t, text, " 5.0000")
	assert.Contains(t, text, "1h30m0s")
	assert.Contains(t, text, "expired")
	assert.Contains(t, text, "DECODE ERROR: decode: unexpected EOF")

	out.Reset()
	printCacheEntries(&out, "/tmp/cache", nil, now)
	assert.Equal(t, "No embeddings cached in /tmp/cache.\n", out.String())
}

func TestSample(t *testing.T) {
	assert.Equal(t, "[]", sample(nil, 4))
	assert.Equal(t, "[+1.0000, -0.5000 ...]", sample([]float32{1, -0.5, 2}, 2))
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.yaml")
	body := "intent_graph:\n  file_path: " + filepath.Join(dir, "graph.json") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
