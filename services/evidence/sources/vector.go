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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// VectorHit is one nearest-neighbour result.
type VectorHit struct {
	ID     string
	Score  float64
	Fields map[string]any
}

// VectorIndex searches a vector collection.
//
// Thread Safety: Implementations must be safe for concurrent use.
type VectorIndex interface {
	// Search returns up to limit hits, higher Score is more similar.
	Search(ctx context.Context, class string, vector []float32, limit int) ([]VectorHit, error)
}

// QueryEmbedder is implemented by adapters that can embed query text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorConfig configures a VectorAdapter.
type VectorConfig struct {
	// DefaultK is the result count when the call sets no "k". Zero uses 5.
	DefaultK int `yaml:"default_k"`

	// Overfetch multiplies k for the index request. Zero uses 3.
	Overfetch int `yaml:"overfetch"`

	// MinScore drops hits below this final score.
	MinScore float64 `yaml:"min_score"`

	// Rerank enables BM25 re-ranking of the over-fetched hits.
	Rerank bool `yaml:"rerank"`

	// RerankWeight is the BM25 share of the blended score. Zero uses 0.3.
	RerankWeight float64 `yaml:"rerank_weight"`

	// Classes maps evidence type → index class.
	Classes map[string]string `yaml:"classes"`

	// DefaultClass is used when no mapping applies. Empty uses "Evidence".
	DefaultClass string `yaml:"default_class"`
}

// ErrNoEmbedder is returned when neither a precomputed vector nor an
// embedder is available.
var ErrNoEmbedder = errors.New("no embedder configured")

// VectorAdapter serves semantic search.
//
// Description:
//
//	Requests k results but asks the index for k × Overfetch, optionally
//	re-ranks the candidates by blending the vector score with a BM25 score
//	over their text, drops candidates under MinScore and trims to k. A
//	precomputed Request.Embedding skips embedding entirely.
//
// Thread Safety: Safe for concurrent use.
type VectorAdapter struct {
	cfg    VectorConfig
	index  VectorIndex
	cache  *EmbeddingCache
	logger *slog.Logger
}

// NewVectorAdapter creates an adapter. A nil index makes it blocked; a nil
// cache requires every request to carry an embedding.
func NewVectorAdapter(cfg VectorConfig, index VectorIndex, cache *EmbeddingCache, logger *slog.Logger) *VectorAdapter {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 3
	}
	if cfg.RerankWeight <= 0 || cfg.RerankWeight > 1 {
		cfg.RerankWeight = 0.3
	}
	if cfg.DefaultClass == "" {
		cfg.DefaultClass = "Evidence"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorAdapter{cfg: cfg, index: index, cache: cache, logger: logger}
}

// Kind implements Adapter.
func (a *VectorAdapter) Kind() plan.ToolKind { return plan.ToolVector }

// Mode implements Adapter.
func (a *VectorAdapter) Mode() Mode {
	switch {
	case a.index == nil:
		return ModeBlocked
	case a.cache == nil:
		return ModeFallback
	default:
		return ModeLive
	}
}

// EmbedQuery implements QueryEmbedder.
func (a *VectorAdapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if a.cache == nil {
		return nil, ErrNoEmbedder
	}
	return a.cache.Embed(ctx, text)
}

// Retrieve implements Adapter.
func (a *VectorAdapter) Retrieve(ctx context.Context, req Request) (Retrieval, error) {
	text := strings.TrimSpace(req.Query)
	vec := req.Embedding
	if len(vec) == 0 {
		if text == "" {
			return Retrieval{}, validationFailed(plan.ToolVector, "no query text")
		}
		var err error
		vec, err = a.EmbedQuery(ctx, text)
		if err != nil {
			return Retrieval{}, runtimeError(plan.ToolVector, "embed query", err)
		}
	}

	k := paramInt(req.Params, ParamK, a.cfg.DefaultK)
	if k <= 0 {
		k = a.cfg.DefaultK
	}
	class := a.class(req.Params)

	hits, err := a.index.Search(ctx, class, vec, k*a.cfg.Overfetch)
	if err != nil {
		return Retrieval{}, runtimeError(plan.ToolVector, "search "+class, err)
	}

	rerank := a.cfg.Rerank
	if v, ok := paramBool(req.Params, ParamRerank); ok {
		rerank = v
	}
	if rerank && text != "" {
		hits = a.rerank(text, hits)
	}

	minScore := paramFloat(req.Params, ParamMinScore, a.cfg.MinScore)
	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= minScore {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].ID < kept[j].ID
	})
	if len(kept) > k {
		kept = kept[:k]
	}

	out := Retrieval{
		Rows:      make([]plan.Row, 0, len(kept)),
		Citations: make([]plan.Citation, 0, len(kept)),
	}
	for _, h := range kept {
		fields := make(map[string]any, len(h.Fields)+2)
		for k, v := range h.Fields {
			fields[k] = v
		}
		fields["id"] = h.ID
		fields["score"] = h.Score
		out.Rows = append(out.Rows, plan.NewRow(fields))
		out.Citations = append(out.Citations, plan.Citation{
			Source:     plan.ToolVector,
			CallID:     req.CallID,
			Identifier: class + "/" + h.ID,
			Title:      stringOf(fields["title"]),
			URL:        stringOf(fields["url"]),
			Snippet:    truncateText(firstText(fields), 200),
		})
	}
	return out, nil
}

func (a *VectorAdapter) class(params map[string]any) string {
	if c := paramString(params, ParamIndex); c != "" {
		return c
	}
	if ev := paramString(params, plan.ParamEvidenceType); ev != "" {
		for name, class := range a.cfg.Classes {
			if strings.EqualFold(name, ev) {
				return class
			}
		}
	}
	return a.cfg.DefaultClass
}

// rerank blends each hit's vector score with a BM25 score over its text.
func (a *VectorAdapter) rerank(query string, hits []VectorHit) []VectorHit {
	texts := make(map[string]string, len(hits))
	for i, h := range hits {
		key := h.ID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
			hits[i].ID = key
		}
		texts[key] = stringOf(h.Fields["title"]) + " " + firstText(h.Fields)
	}
	bm25 := BuildBM25Index(texts).Score(query)
	w := a.cfg.RerankWeight
	for i := range hits {
		hits[i].Score = (1-w)*hits[i].Score + w*bm25[hits[i].ID]
	}
	return hits
}

// EmbedQuery embeds text with the registered VECTOR adapter, if it supports it.
func (f *Facade) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	a, ok := f.adapters[plan.ToolVector]
	if !ok {
		return nil, ErrNoEmbedder
	}
	qe, ok := a.(QueryEmbedder)
	if !ok {
		return nil, ErrNoEmbedder
	}
	return qe.EmbedQuery(ctx, text)
}
