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
	"math"
	"strings"
	"unicode"
)

// =============================================================================
// BM25 Re-ranking
// =============================================================================

// BM25 tuning constants (Robertson et al. defaults).
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var bm25Stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "what": true, "when": true, "with": true,
	"me": true, "my": true, "about": true, "does": true, "say": true,
}

// bm25Doc is one tokenized candidate.
type bm25Doc struct {
	id  string
	tf  map[string]int
	len int
}

// BM25Index is an inverted index over a small candidate set, built per
// query to re-rank over-fetched vector hits.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type BM25Index struct {
	docs   []bm25Doc
	idf    map[string]float64
	avgLen float64
}

// BuildBM25Index indexes texts keyed by id. An empty map yields an empty
// index that scores every query as zero.
func BuildBM25Index(texts map[string]string) *BM25Index {
	if len(texts) == 0 {
		return &BM25Index{idf: make(map[string]float64)}
	}

	docs := make([]bm25Doc, 0, len(texts))
	df := make(map[string]int)
	totalLen := 0
	for id, text := range texts {
		terms := bm25Terms(text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		for t := range tf {
			df[t]++
		}
		docs = append(docs, bm25Doc{id: id, tf: tf, len: len(terms)})
		totalLen += len(terms)
	}

	n := len(docs)
	avgLen := float64(totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}
	// Lucene-style smoothing keeps IDF >= 1.
	idf := make(map[string]float64, len(df))
	for term, freq := range df {
		idf[term] = math.Log(float64(n+1)/float64(freq+1)) + 1.0
	}
	return &BM25Index{docs: docs, idf: idf, avgLen: avgLen}
}

// Score returns id → BM25 score normalized to [0, 1] by the maximum.
// Candidates with a zero score are omitted.
func (idx *BM25Index) Score(query string) map[string]float64 {
	scores := make(map[string]float64, len(idx.docs))
	if query == "" || len(idx.docs) == 0 {
		return scores
	}
	queryTerms := make(map[string]bool)
	for _, t := range bm25Terms(query) {
		queryTerms[t] = true
	}
	if len(queryTerms) == 0 {
		return scores
	}

	var maxScore float64
	for _, doc := range idx.docs {
		s := bm25Score(queryTerms, doc, idx.idf, idx.avgLen)
		if s > 0 {
			scores[doc.id] = s
			if s > maxScore {
				maxScore = s
			}
		}
	}
	if maxScore > 0 {
		for id := range scores {
			scores[id] /= maxScore
		}
	}
	return scores
}

func bm25Score(queryTerms map[string]bool, doc bm25Doc, idf map[string]float64, avgLen float64) float64 {
	dl := float64(doc.len)
	var score float64
	for term := range queryTerms {
		tf, ok := doc.tf[term]
		if !ok {
			continue
		}
		f := float64(tf)
		norm := bm25K1 * (1.0 - bm25B + bm25B*dl/avgLen)
		score += idf[term] * (f * (bm25K1 + 1)) / (f + norm)
	}
	return score
}

// bm25Terms lower-cases text and splits on anything that is not a letter or
// digit, dropping stopwords and single characters.
func bm25Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || bm25Stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
