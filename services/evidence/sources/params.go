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
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parameter keys read by adapters.
const (
	ParamK          = "k"
	ParamLimit      = "limit"
	ParamCollection = "collection"
	ParamKeys       = "keys"
	ParamIndex      = "index"
	ParamMaxHops    = "max_hops"
	ParamSeeds      = "seeds"
	ParamMinScore   = "min_score"
	ParamRerank     = "rerank"
)

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func paramBool(params map[string]any, key string) (value, present bool) {
	switch v := params[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	return false, false
}

// paramStrings accepts a []string, a []any of scalars, or a comma-separated string.
func paramStrings(params map[string]any, key string) []string {
	var out []string
	switch v := params[key].(type) {
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			if item == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// identifierTokens extracts upper-cased identifier-like tokens (airport
// codes, flight numbers, station ids) from free text: runs of letters and
// digits of length >= 3 that contain at least one upper-case letter or digit
// in the original text. Order is preserved and duplicates dropped.
func identifierTokens(text string, limit int) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if f == strings.ToLower(f) && !strings.ContainsAny(f, "0123456789") {
			continue
		}
		up := strings.ToUpper(f)
		if seen[up] {
			continue
		}
		seen[up] = true
		out = append(out, up)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToUpper(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
