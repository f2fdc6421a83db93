// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// Intent names known to the deterministic path.
const (
	IntentDeparture  = "PilotBrief.Departure"
	IntentArrival    = "PilotBrief.Arrival"
	IntentDisruption = "Disruption.Explain"
	IntentPolicy     = "Policy.Check"
	IntentReplay     = "Replay.History"

	// PilotBriefPrefix marks the pilot brief intent family.
	PilotBriefPrefix = "PilotBrief."
)

// intentRule is one ordered keyword rule; the first match wins.
type intentRule struct {
	intent  string
	pattern *regexp.Regexp
}

var intentRules = []intentRule{
	{IntentPolicy, regexp.MustCompile(`(?i)\b(polic(y|ies)|complian(ce|t)|sops?\b|procedures?|regulations?|far\s*\d|allowed|permitted)`)},
	{IntentArrival, regexp.MustCompile(`(?i)\b(arriv(al|als|e|ing)|approach(es)?|landing|inbound|destination)\b`)},
	{IntentDisruption, regexp.MustCompile(`(?i)\b(disrupt(ion|ions|ed)?|delay(s|ed)?|cancel(l?ed|lations?)?|divert(ed)?|diversions?|irrops?|late)\b`)},
	{IntentReplay, regexp.MustCompile(`(?i)\b(replay|histor(y|ical)|yesterday|last\s+(week|month)|previous(ly)?|past\s+(week|month|flights?))\b`)},
}

// ClassifyIntent returns the intent for query by ordered keyword match:
// policy terms, then arrival, disruption, replay, else departure.
//
// Outputs:
//   - string: The intent name.
//   - float64: Confidence, 0.6 for a keyword match and 0.3 for the default.
func ClassifyIntent(query string) (string, float64) {
	for _, r := range intentRules {
		if r.pattern.MatchString(query) {
			return r.intent, 0.6
		}
	}
	return IntentDeparture, 0.3
}

// IsPilotBrief reports whether intent belongs to the pilot brief family.
func IsPilotBrief(intent string) bool {
	return strings.HasPrefix(intent, PilotBriefPrefix)
}

// fallbackPlan derives a plan from keyword classification and the graph.
//
// Description:
//
//	One call per required evidence item, routed to the highest-priority
//	authoritative tool that is in the catalog. Pilot brief intents get a
//	leading graph-expansion call with no dependencies that every evidence
//	call depends on, so expanded entities are visible to them.
func (p *Planner) fallbackPlan(in Input, catalog map[plan.ToolKind]bool, base *plan.Plan) *plan.Plan {
	pl := base
	name, confidence := ClassifyIntent(in.Query)
	pl.Intent = plan.Intent{Name: name, Confidence: confidence}
	pl.RequiredEvidence = in.Graph.RequiredEvidenceForIntent(name)
	if len(pl.RequiredEvidence) == 0 {
		pl.AddWarning("intent %s has no required evidence in the %s intent graph", name, in.Graph.Source())
	}

	var deps []string
	if IsPilotBrief(name) {
		if catalog[plan.ToolGraph] {
			expand := plan.ToolCall{
				ID:        pl.NextCallID("c"),
				Tool:      plan.ToolGraph,
				Operation: plan.OpGraphExpand,
				Query:     in.Query,
				Params:    map[string]any{},
			}
			if rules := in.Graph.ExpansionRulesForIntent(name); len(rules) > 0 {
				expand.Params["reason"] = rules[0].Reason
			}
			pl.ToolCalls = append(pl.ToolCalls, expand)
			deps = []string{expand.ID}
		} else {
			pl.AddWarning("graph expansion skipped for %s: GRAPH is not in the tool catalog", name)
		}
	}

	for _, req := range pl.RequiredEvidence {
		kind, ok := topTool(in.Graph, req.Name, catalog)
		if !ok {
			pl.AddWarning("no catalog tool is authoritative for %s", req.Name)
			continue
		}
		call := plan.ToolCall{
			ID:        pl.NextCallID("c"),
			Tool:      kind,
			Operation: kind.DefaultOperation(),
			DependsOn: append([]string(nil), deps...),
			Params:    map[string]any{plan.ParamEvidenceType: req.Name},
		}
		if literalQueryTool(kind) {
			call.Query = in.Query
		}
		pl.ToolCalls = append(pl.ToolCalls, call)
	}

	enforceRequiredSources(pl, in.RequiredSources, catalog)
	return pl
}

// topTool returns the highest-priority authoritative tool for evidence that
// is in the catalog.
func topTool(graph *intentgraph.Snapshot, evidence string, catalog map[plan.ToolKind]bool) (plan.ToolKind, bool) {
	for _, kind := range graph.ToolKindsForEvidence(evidence) {
		if catalog[kind] {
			return kind, true
		}
	}
	return "", false
}
