// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package querywriter

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
)

// =============================================================================
// Heuristic SQL Fallback
// =============================================================================

// HeuristicRule maps a question pattern to a bounded SQL template.
//
// Template placeholders:
//
//	{where}  " WHERE (<filter>)" or ""
//	{and}    " AND (<filter>)" or ""
//
// The filter matches identifier tokens from the question (ICAO codes,
// flight numbers) against whichever KeyColumns exist in Table. Tokens are
// restricted to [A-Z0-9] so they are safe to inline.
type HeuristicRule struct {
	Name       string
	Pattern    *regexp.Regexp
	Table      string
	KeyColumns []string
	Template   string
}

// HeuristicRules is evaluated in order; the first rule whose pattern
// matches and whose table exists in the schema wins.
var HeuristicRules = []HeuristicRule{
	{
		Name:       "delays",
		Pattern:    regexp.MustCompile(`(?i)\b(delay|late|hold|disrupt)`),
		Table:      "delay_events",
		KeyColumns: []string{"flight_id", "airport"},
		Template:   "SELECT * FROM delay_events{where} ORDER BY delay_minutes DESC LIMIT 50",
	},
	{
		Name:       "delayed_legs",
		Pattern:    regexp.MustCompile(`(?i)\b(delay|late|hold|disrupt)`),
		Table:      "flight_legs",
		KeyColumns: []string{"flight_id", "origin", "destination"},
		Template:   "SELECT * FROM flight_legs WHERE delay_minutes > 0{and} ORDER BY delay_minutes DESC LIMIT 50",
	},
	{
		Name:       "airport_info",
		Pattern:    regexp.MustCompile(`(?i)\b(airport|runway|field|elevation)`),
		Table:      "airports",
		KeyColumns: []string{"icao"},
		Template:   "SELECT * FROM airports{where} LIMIT 20",
	},
	{
		Name:       "flight_legs",
		Pattern:    regexp.MustCompile(`(?i)\b(flight|leg|depart|arriv|route|brief)`),
		Table:      "flight_legs",
		KeyColumns: []string{"flight_id", "origin", "destination"},
		Template:   "SELECT * FROM flight_legs{where} LIMIT 50",
	},
}

var heuristicToken = regexp.MustCompile(`\b[A-Z0-9]{3,8}\b`)

// Heuristic returns the SQL of the first applicable rule in HeuristicRules.
func Heuristic(question string, schema *sources.Schema) (string, bool) {
	return HeuristicFrom(HeuristicRules, question, schema)
}

// HeuristicFrom evaluates rules in order against question and schema.
//
// Outputs:
//   - string: The rendered statement.
//   - bool: False when no rule applies or the schema is empty.
func HeuristicFrom(rules []HeuristicRule, question string, schema *sources.Schema) (string, bool) {
	if schema.Empty() {
		return "", false
	}
	for _, rule := range rules {
		if rule.Pattern == nil || !rule.Pattern.MatchString(question) {
			continue
		}
		table, ok := schema.Table(rule.Table)
		if !ok {
			continue
		}
		filter := keyFilter(table, rule.KeyColumns, questionTokens(question))
		where, and := "", ""
		if filter != "" {
			where = " WHERE (" + filter + ")"
			and = " AND (" + filter + ")"
		}
		sql := strings.NewReplacer("{where}", where, "{and}", and).Replace(rule.Template)
		return sql, true
	}
	return "", false
}

// questionTokens returns upper-case identifier tokens containing at least one
// letter, in first-seen order.
func questionTokens(question string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range heuristicToken.FindAllString(question, -1) {
		if strings.IndexFunc(tok, func(r rune) bool { return r >= 'A' && r <= 'Z' }) < 0 || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func keyFilter(table sources.Table, keyColumns, tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = "'" + tok + "'"
	}
	list := strings.Join(quoted, ", ")

	var clauses []string
	for _, col := range keyColumns {
		if !hasColumn(table, col) {
			continue
		}
		clauses = append(clauses, "upper("+col+") IN ("+list+")")
	}
	return strings.Join(clauses, " OR ")
}

func hasColumn(table sources.Table, name string) bool {
	for _, c := range table.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}
