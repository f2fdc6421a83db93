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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// Spread ratios (max/min) at which numeric observations conflict.
const (
	mediumSpreadRatio = 1.25
	highSpreadRatio   = 2.0
)

// NumericMetrics are the row fields compared across observations.
var NumericMetrics = []string{
	"visibility_sm", "ceiling_ft", "wind_speed_kt", "wind_gust_kt", "crosswind_kt",
	"temperature_c", "dewpoint_c", "altimeter_inhg", "rvr_ft", "delay_minutes",
}

var (
	statusFields = []string{"status", "runway_status", "flight_status", "state", "condition"}
	entityFields = []string{"runway", "station", "icao", "airport", "flight_id"}
)

// severityPenalty is the conflict penalty factor per severity.
var severityPenalty = map[string]float64{SeverityHigh: 1.0, SeverityMedium: 0.5}

// detectConflicts flags numeric spreads per metric and contradictory status
// values per entity. Output order follows the first
// appearance of each group in items.
func detectConflicts(items []Item, contradictions [][2]string) ConflictSummary {
	sum := ConflictSummary{Conflicts: []Conflict{}}
	for _, c := range numericConflicts(items) {
		sum.add(c)
	}
	for _, c := range statusConflicts(items, contradictions) {
		sum.add(c)
	}
	return sum
}

func (s *ConflictSummary) add(c Conflict) {
	s.Conflicts = append(s.Conflicts, c)
	switch c.Severity {
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	}
}

type observationGroup struct {
	field, entity string
	values        []float64
	sources       []plan.ToolKind
	entities      map[string]bool
	statuses      map[string]bool
}

func (g *observationGroup) entityList() []string {
	out := make([]string, 0, len(g.entities))
	for e := range g.entities {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (g *observationGroup) addSource(k plan.ToolKind) {
	for _, s := range g.sources {
		if s == k {
			return
		}
	}
	g.sources = append(g.sources, k)
}

// numericConflicts groups every positive observation of a metric, whatever
// entity it carries, so a tagged and an untagged reading are compared.
func numericConflicts(items []Item) []Conflict {
	groups := make(map[string]*observationGroup)
	var order []string
	for _, it := range items {
		if it.IsError {
			continue
		}
		entity := entityOf(it.Row)
		for _, metric := range NumericMetrics {
			v, ok := it.Row.Get(metric)
			if !ok {
				continue
			}
			x, ok := toFloat(v)
			if !ok || x <= 0 {
				continue
			}
			g := groups[metric]
			if g == nil {
				g = &observationGroup{field: metric, entities: map[string]bool{}}
				groups[metric] = g
				order = append(order, metric)
			}
			g.values = append(g.values, x)
			g.addSource(it.Source)
			if entity != "" {
				g.entities[entity] = true
			}
		}
	}

	var out []Conflict
	for _, metric := range order {
		g := groups[metric]
		if len(g.values) < 2 {
			continue
		}
		lo, hi := g.values[0], g.values[0]
		for _, v := range g.values[1:] {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		ratio := hi / lo
		severity := ""
		switch {
		case ratio >= highSpreadRatio:
			severity = SeverityHigh
		case ratio >= mediumSpreadRatio:
			severity = SeverityMedium
		default:
			continue
		}
		detail := fmt.Sprintf("%s ranges %s to %s (ratio %.2f) across %d observations",
			g.field, formatFloat(lo), formatFloat(hi), ratio, len(g.values))
		if entities := g.entityList(); len(entities) > 0 {
			detail += " for " + strings.Join(entities, ", ")
		}
		out = append(out, Conflict{
			Type:     ConflictNumeric,
			Signal:   g.field,
			Severity: severity,
			Detail:   detail,
			Sources:  g.sources,
			field:    g.field,
		})
	}
	return out
}

func statusConflicts(items []Item, contradictions [][2]string) []Conflict {
	groups := make(map[string]*observationGroup)
	var order []string
	for _, it := range items {
		if it.IsError {
			continue
		}
		entity := entityOf(it.Row)
		if entity == "" {
			continue
		}
		status := statusOf(it.Row)
		if status == "" {
			continue
		}
		g := groups[entity]
		if g == nil {
			g = &observationGroup{entity: entity, statuses: map[string]bool{}}
			groups[entity] = g
			order = append(order, entity)
		}
		g.statuses[status] = true
		g.addSource(it.Source)
	}

	var out []Conflict
	for _, entity := range order {
		g := groups[entity]
		for _, pair := range contradictions {
			a, b := normalizeStatus(pair[0]), normalizeStatus(pair[1])
			if !g.statuses[a] || !g.statuses[b] {
				continue
			}
			out = append(out, Conflict{
				Type:     ConflictStatus,
				Signal:   entity,
				Severity: SeverityHigh,
				Detail:   fmt.Sprintf("%s reported both %s and %s", entity, a, b),
				Sources:  g.sources,
				entity:   entity,
			})
		}
	}
	return out
}

// applyPenalties lowers the fusion score of items that take part in a
// conflict: any positive reading of a conflicting metric, or a status on a
// conflicting entity. An item in several conflicts takes the largest penalty.
func applyPenalties(items []Item, conflicts []Conflict, w Weights) {
	for i := range items {
		it := &items[i]
		if it.IsError {
			continue
		}
		penalty := 0.0
		for _, c := range conflicts {
			if !involved(it.Row, c) {
				continue
			}
			penalty = max(penalty, severityPenalty[c.Severity])
		}
		if penalty == 0 {
			continue
		}
		it.ConflictPenalty = penalty
		it.Fusion = clamp01(it.Fusion - w.ConflictPenalty*penalty)
	}
}

func involved(r plan.Row, c Conflict) bool {
	switch c.Type {
	case ConflictNumeric:
		v, ok := r.Get(c.field)
		if !ok {
			return false
		}
		x, ok := toFloat(v)
		return ok && x > 0
	case ConflictStatus:
		return entityOf(r) == c.entity && statusOf(r) != ""
	}
	return false
}

func entityOf(r plan.Row) string {
	for _, f := range entityFields {
		if s := r.String(f); s != "" {
			return strings.ToUpper(s)
		}
	}
	return ""
}

func statusOf(r plan.Row) string {
	for _, f := range statusFields {
		if s := r.String(f); s != "" {
			return normalizeStatus(s)
		}
	}
	return ""
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func formatFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
