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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// Edge row field names, shared with the executor's entity enrichment.
const (
	EdgeSrcType  = "src_type"
	EdgeSrcID    = "src_id"
	EdgeDstType  = "dst_type"
	EdgeDstID    = "dst_id"
	EdgeRelation = "relation"
	EdgeHop      = "hop"
)

const (
	defaultGraphMaxHops = 2
	defaultGraphMaxRows = 200
	defaultEdgeTable    = "graph_edges"
	maxGraphSeeds       = 32
)

var edgeTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// GraphConfig configures a GraphAdapter.
type GraphConfig struct {
	// Endpoint is the remote graph service. Empty uses the edge table.
	Endpoint string `yaml:"endpoint"`

	// EdgeTable is the local table with columns src_type, src_id, dst_type,
	// dst_id, relation. Empty uses "graph_edges".
	EdgeTable string `yaml:"edge_table"`

	// MaxHops caps BFS depth. Zero uses 2.
	MaxHops int `yaml:"max_hops"`

	// MaxRows caps the number of edges returned. Zero uses 200.
	MaxRows int `yaml:"max_rows"`

	// Timeout bounds the remote call. Zero uses 15 seconds.
	Timeout time.Duration `yaml:"timeout"`
}

// GraphAdapter serves graph traversal and expansion.
//
// Description:
//
//	With an endpoint configured the request is forwarded to the remote
//	service (live). Otherwise, if an edge database is available, an
//	iterative breadth-first search runs over the local edge table
//	(fallback), seeded from plan entities, explicit seeds and identifier
//	tokens in the query text. Edges are treated as undirected.
//
// Thread Safety: Safe for concurrent use.
type GraphAdapter struct {
	cfg    GraphConfig
	edges  *sql.DB
	client *http.Client
	logger *slog.Logger
}

// NewGraphAdapter creates an adapter. edges may be nil.
func NewGraphAdapter(cfg GraphConfig, edges *sql.DB, logger *slog.Logger) *GraphAdapter {
	if cfg.EdgeTable == "" {
		cfg.EdgeTable = defaultEdgeTable
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = defaultGraphMaxHops
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultGraphMaxRows
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphAdapter{cfg: cfg, edges: edges, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// Kind implements Adapter.
func (a *GraphAdapter) Kind() plan.ToolKind { return plan.ToolGraph }

// Mode implements Adapter.
func (a *GraphAdapter) Mode() Mode {
	switch {
	case a.cfg.Endpoint != "":
		return ModeLive
	case a.edges != nil:
		return ModeFallback
	default:
		return ModeBlocked
	}
}

// Retrieve implements Adapter.
func (a *GraphAdapter) Retrieve(ctx context.Context, req Request) (Retrieval, error) {
	maxHops := paramInt(req.Params, ParamMaxHops, a.cfg.MaxHops)
	if maxHops <= 0 || maxHops > a.cfg.MaxHops {
		maxHops = a.cfg.MaxHops
	}
	seeds := graphSeeds(req)

	if a.cfg.Endpoint != "" {
		rows, err := a.remote(ctx, req, seeds, maxHops)
		if err != nil {
			return Retrieval{}, runtimeError(plan.ToolGraph, "remote traversal", err)
		}
		return Retrieval{Rows: rows}, nil
	}

	if len(seeds) == 0 {
		return Retrieval{}, validationFailed(plan.ToolGraph, "no seed identifiers in query or entities")
	}
	if !edgeTableName.MatchString(a.cfg.EdgeTable) {
		return Retrieval{}, validationFailed(plan.ToolGraph, "invalid edge table name %q", a.cfg.EdgeTable)
	}
	rows, err := a.bfs(ctx, seeds, maxHops)
	if err != nil {
		return Retrieval{}, runtimeError(plan.ToolGraph, "edge table traversal", err)
	}
	return Retrieval{Rows: rows}, nil
}

// graphSeeds collects seeds from explicit params, plan entities and the
// query text, in that order.
func graphSeeds(req Request) []string {
	seeds := paramStrings(req.Params, ParamSeeds)
	for _, kind := range []plan.EntityKind{plan.EntityAirport, plan.EntityFlight, plan.EntityRoute, plan.EntityStation} {
		seeds = append(seeds, req.Entities.Of(kind)...)
	}
	seeds = append(seeds, identifierTokens(req.Query, maxGraphSeeds)...)
	seeds = dedupeStrings(seeds)
	for i := range seeds {
		seeds[i] = strings.ToUpper(seeds[i])
	}
	if len(seeds) > maxGraphSeeds {
		seeds = seeds[:maxGraphSeeds]
	}
	return seeds
}

type edgeKey struct {
	src, dst, relation string
}

// bfs expands seeds hop by hop, deduplicating edges and stopping at the row cap.
func (a *GraphAdapter) bfs(ctx context.Context, seeds []string, maxHops int) ([]plan.Row, error) {
	visited := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		visited[s] = true
	}
	seenEdges := make(map[edgeKey]bool)
	frontier := seeds
	var out []plan.Row

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		edges, err := a.neighbours(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, e := range edges {
			key := edgeKey{
				src:      strings.ToUpper(e[EdgeSrcType].(string) + ":" + e[EdgeSrcID].(string)),
				dst:      strings.ToUpper(e[EdgeDstType].(string) + ":" + e[EdgeDstID].(string)),
				relation: strings.ToLower(e[EdgeRelation].(string)),
			}
			if seenEdges[key] {
				continue
			}
			seenEdges[key] = true
			e[EdgeHop] = hop
			out = append(out, plan.NewRow(e))
			if len(out) >= a.cfg.MaxRows {
				a.logger.Debug("graph adapter: row cap reached",
					slog.Int("max_rows", a.cfg.MaxRows),
					slog.Int("hop", hop),
				)
				return out, nil
			}
			for _, id := range []string{e[EdgeSrcID].(string), e[EdgeDstID].(string)} {
				up := strings.ToUpper(id)
				if !visited[up] {
					visited[up] = true
					next = append(next, up)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (a *GraphAdapter) neighbours(ctx context.Context, frontier []string) ([]map[string]any, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(frontier)), ",")
	query := fmt.Sprintf(
		`SELECT src_type, src_id, dst_type, dst_id, relation FROM %s WHERE upper(src_id) IN (%s) OR upper(dst_id) IN (%s) ORDER BY src_id, dst_id, relation`,
		a.cfg.EdgeTable, placeholders, placeholders)
	args := make([]any, 0, 2*len(frontier))
	for _, id := range frontier {
		args = append(args, id)
	}
	for _, id := range frontier {
		args = append(args, id)
	}

	rs, err := a.edges.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []map[string]any
	for rs.Next() {
		var srcType, srcID, dstType, dstID, relation sql.NullString
		if err := rs.Scan(&srcType, &srcID, &dstType, &dstID, &relation); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, map[string]any{
			EdgeSrcType:  srcType.String,
			EdgeSrcID:    srcID.String,
			EdgeDstType:  dstType.String,
			EdgeDstID:    dstID.String,
			EdgeRelation: relation.String,
		})
	}
	return out, rs.Err()
}

type graphRemoteRequest struct {
	Operation string   `json:"operation"`
	Query     string   `json:"query"`
	Seeds     []string `json:"seeds"`
	MaxHops   int      `json:"max_hops"`
	MaxRows   int      `json:"max_rows"`
}

func (a *GraphAdapter) remote(ctx context.Context, req Request, seeds []string, maxHops int) ([]plan.Row, error) {
	op := req.Operation
	if op == "" {
		op = plan.OpTraverse
	}
	body, err := json.Marshal(graphRemoteRequest{Operation: op, Query: req.Query, Seeds: seeds, MaxHops: maxHops, MaxRows: a.cfg.MaxRows})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph service returned %d: %s", resp.StatusCode, truncateText(string(raw), 300))
	}

	records, err := decodeRecords(raw)
	if err != nil {
		return nil, err
	}
	if len(records) > a.cfg.MaxRows {
		records = records[:a.cfg.MaxRows]
	}
	rows := make([]plan.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, plan.NewRow(rec))
	}
	return rows, nil
}

// decodeRecords accepts either a bare JSON array of objects or an object
// with the records under "rows", "edges" or "results". Non-object entries are
// kept as {"value": v} so malformed payloads still surface downstream.
func decodeRecords(raw []byte) ([]map[string]any, error) {
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		for _, key := range []string{"rows", "edges", "results"} {
			if l, ok := obj[key].([]any); ok {
				list = l
				break
			}
		}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
			continue
		}
		out = append(out, map[string]any{"value": item})
	}
	return out, nil
}
