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
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// Field names probed on rows, first present wins.
var (
	relevanceFields  = []string{"score", "relevance", "_score", "similarity", "certainty", "rank_score"}
	timestampFields  = []string{"observed_at", "timestamp", "TimeGenerated", "_time", "event_time", "issued_at", "effective_from", "updated_at", "created_at", "time"}
	identifierFields = []string{"id", "identifier", "notam_id", "doc_id", "clause_id", "flight_id", "station", "icao", "key", "uuid"}
	contentFields    = []string{"content", "text", "body", "raw", "summary", "title"}
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// flatten turns every row into an item with raw relevance, authority and
// freshness. Sources are visited in plan.AllToolKinds order, then any
// other keys sorted, so item order is deterministic.
func flatten(in Input) ([]Item, map[plan.ToolKind]SourceCount) {
	kinds := append([]plan.ToolKind(nil), plan.AllToolKinds...)
	var extra []string
	for k := range in.SourceResults {
		if !k.Valid() {
			extra = append(extra, string(k))
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		kinds = append(kinds, plan.ToolKind(k))
	}

	counts := make(map[plan.ToolKind]SourceCount)
	var items []Item
	for _, kind := range kinds {
		rows := in.SourceResults[kind]
		if len(rows) == 0 {
			continue
		}
		counts[kind] = SourceCount{Input: len(rows)}
		authority := lookup(in.Authority, DefaultAuthority, kind, 0.5)
		defaultFresh := lookup(in.Freshness, DefaultFreshness, kind, 0.5)
		for _, r := range rows {
			source := r.Source
			if source == "" {
				source = kind
			}
			it := Item{
				Source:       source,
				CallID:       r.CallID,
				EvidenceType: r.EvidenceType,
				IsError:      r.IsError(),
				Identifier:   identifierOf(r),
				Authority:    authority,
				Row:          r,
				content:      contentOf(r),
				order:        len(items),
			}
			if !it.IsError {
				it.RawRelevance = rawRelevance(r)
				it.Freshness = freshness(r, in.Now, defaultFresh)
			}
			items = append(items, it)
		}
	}
	return items, counts
}

func lookup(override, defaults map[plan.ToolKind]float64, kind plan.ToolKind, fallback float64) float64 {
	if v, ok := override[kind]; ok {
		return v
	}
	if v, ok := defaults[kind]; ok {
		return v
	}
	return fallback
}

// normalizeRelevance min-max normalizes raw relevance per source over the
// non-error items. When all values are equal, each gets 1.0 if positive
// and 0.0 otherwise. Error items stay at 0.
func normalizeRelevance(items []Item) {
	type bounds struct {
		min, max float64
	}
	b := make(map[plan.ToolKind]*bounds)
	for _, it := range items {
		if it.IsError {
			continue
		}
		x := b[it.Source]
		if x == nil {
			b[it.Source] = &bounds{min: it.RawRelevance, max: it.RawRelevance}
			continue
		}
		x.min = min(x.min, it.RawRelevance)
		x.max = max(x.max, it.RawRelevance)
	}
	for i := range items {
		it := &items[i]
		x := b[it.Source]
		if it.IsError || x == nil {
			it.Relevance = 0
			continue
		}
		switch {
		case x.max == x.min && x.max > 0:
			it.Relevance = 1
		case x.max == x.min:
			it.Relevance = 0
		default:
			it.Relevance = (it.RawRelevance - x.min) / (x.max - x.min)
		}
	}
}

// requiredBonuses maps lower-cased evidence names to their bonus: 1 for
// required evidence, 0.5 for optional evidence.
func requiredBonuses(req []plan.RequiredEvidence) map[string]float64 {
	out := make(map[string]float64, len(req))
	for _, r := range req {
		bonus := 1.0
		if r.Optional {
			bonus = 0.5
		}
		key := lowerKey(r.Name)
		out[key] = max(out[key], bonus)
	}
	return out
}

// fusion is the clamped weighted score. Error items always score 0.
func fusion(it Item, w Weights) float64 {
	if it.IsError {
		return 0
	}
	return clamp01(w.Relevance*it.Relevance +
		w.Authority*it.Authority +
		w.Freshness*it.Freshness +
		w.RequiredBonus*it.RequiredBonus -
		w.ConflictPenalty*it.ConflictPenalty)
}

// blendRRF averages each item's fusion score with its per-source
// Reciprocal Rank Fusion score, min-max normalized within the source.
func blendRRF(items []Item) {
	bySource := make(map[plan.ToolKind][]int)
	for i := range items {
		bySource[items[i].Source] = append(bySource[items[i].Source], i)
	}
	for _, idx := range bySource {
		sort.SliceStable(idx, func(a, b int) bool {
			ia, ib := items[idx[a]], items[idx[b]]
			if ia.Fusion != ib.Fusion {
				return ia.Fusion > ib.Fusion
			}
			return ia.Identifier < ib.Identifier
		})
		rrf := make([]float64, len(idx))
		lo, hi := 1.0, 0.0
		for rank := range idx {
			rrf[rank] = 1.0 / float64(rrfK+rank+1)
			lo = min(lo, rrf[rank])
			hi = max(hi, rrf[rank])
		}
		for rank, i := range idx {
			norm := 1.0
			if hi > lo {
				norm = (rrf[rank] - lo) / (hi - lo)
			}
			if items[i].IsError {
				continue
			}
			items[i].Fusion = clamp01(0.5*items[i].Fusion + 0.5*norm)
		}
	}
}

// =============================================================================
// Field extraction
// =============================================================================

func rawRelevance(r plan.Row) float64 {
	for _, f := range relevanceFields {
		if v, ok := r.Get(f); ok {
			if x, ok := toFloat(v); ok {
				return x
			}
		}
	}
	return 0
}

// freshness buckets the age of the first recognizable timestamp:
// <=1 day 1.0, <=7 days 0.85, <=30 days 0.65, else 0.45.
func freshness(r plan.Row, now time.Time, fallback float64) float64 {
	ts, ok := timestampOf(r)
	if !ok {
		return fallback
	}
	age := now.Sub(ts)
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.85
	case age <= 30*24*time.Hour:
		return 0.65
	default:
		return 0.45
	}
}

func timestampOf(r plan.Row) (time.Time, bool) {
	for _, f := range timestampFields {
		v, ok := r.Get(f)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			if !t.IsZero() {
				return t, true
			}
		case string:
			s := strings.TrimSpace(t)
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts, true
				}
			}
		case int64:
			return time.Unix(t, 0).UTC(), true
		case float64:
			return time.Unix(int64(t), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func identifierOf(r plan.Row) string {
	for _, f := range identifierFields {
		if s := r.String(f); s != "" {
			return s
		}
	}
	return ""
}

// contentOf returns the row's text content, or its canonical JSON when no
// content field is present. Error rows use their code and detail.
func contentOf(r plan.Row) string {
	if r.IsError() {
		return r.ErrorCode() + ": " + r.String(plan.FieldErrorDetail)
	}
	for _, f := range contentFields {
		if s := r.String(f); s != "" {
			return s
		}
	}
	b, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Sprint(r.Fields)
	}
	return string(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func lowerKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
