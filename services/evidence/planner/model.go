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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

// ErrNoToolCalls is returned when the model plan schedules nothing usable.
var ErrNoToolCalls = errors.New("planner: model plan has no usable tool calls")

const systemPrompt = `You are the retrieval planner for an aviation operations assistant.
Build a retrieval plan for the user's question. Treat the intent graph as the deterministic backbone:
Intent -> required EvidenceType -> authoritative Tool (lower priority number is preferred).
Only reference tools listed in the tool catalog. Only write SQL or KQL against tables in the schemas given.
Leave "query" empty for SQL and KQL calls unless you are certain of the statement; it will be generated later.
For graph expansion use tool "GRAPH" with operation "expand"; calls that need expanded entities must list it in depends_on.
Every evidence call sets params.evidence_type to the evidence it serves.
If you cannot plan without more schema detail, set needs_schema true and list the tables in schema_requests.
Respond with one JSON object and nothing else, matching:
{
  "intent": {"name": string, "confidence": number},
  "time_window": {"horizon_minutes": integer, "start": RFC3339 string or null, "end": RFC3339 string or null},
  "entities": {"airports": [string], "flight_ids": [string], "routes": [string], "stations": [string], "alternates": [string]},
  "required_evidence": [{"name": string, "optional": boolean}],
  "tool_calls": [{"id": string, "tool": string, "operation": string, "depends_on": [string], "query": string, "params": object}],
  "coverage": [{"evidence": string, "via_tools": [string]}],
  "needs_schema": boolean,
  "schema_requests": [string]
}`

// modelResponse is the strict JSON shape requested from the model.
type modelResponse struct {
	Intent struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"intent"`
	TimeWindow struct {
		HorizonMinutes int    `json:"horizon_minutes"`
		Start          string `json:"start"`
		End            string `json:"end"`
	} `json:"time_window"`
	Entities         map[string][]string `json:"entities"`
	RequiredEvidence []struct {
		Name     string `json:"name"`
		Optional bool   `json:"optional"`
	} `json:"required_evidence"`
	ToolCalls []struct {
		ID        string         `json:"id"`
		Tool      string         `json:"tool"`
		Operation string         `json:"operation"`
		DependsOn []string       `json:"depends_on"`
		Query     string         `json:"query"`
		Params    map[string]any `json:"params"`
	} `json:"tool_calls"`
	Coverage []struct {
		Evidence string   `json:"evidence"`
		ViaTools []string `json:"via_tools"`
	} `json:"coverage"`
	NeedsSchema    bool     `json:"needs_schema"`
	SchemaRequests []string `json:"schema_requests"`
}

// modelPlan runs the model path. On failure it returns the fallback reason.
func (p *Planner) modelPlan(ctx context.Context, in Input, catalog map[plan.ToolKind]bool, base *plan.Plan) (*plan.Plan, string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: p.userPrompt(in, catalog, base, false)},
	}

	var resp modelResponse
	for attempt := 0; ; attempt++ {
		text, err := p.chat.Chat(ctx, messages, llm.ChatOptions{Temperature: 0, MaxTokens: p.cfg.MaxTokens, JSONMode: true})
		if err != nil {
			return nil, reasonModelError, err
		}
		resp = modelResponse{}
		if err := json.Unmarshal([]byte(llm.ExtractJSONObject(text)), &resp); err != nil {
			return nil, reasonMalformed, fmt.Errorf("planner: decode model plan: %w", err)
		}
		if !resp.NeedsSchema || attempt >= p.cfg.SchemaRetries || len(in.Schemas) == 0 {
			break
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: text},
			llm.Message{Role: llm.RoleUser, Content: p.userPrompt(in, catalog, base, true)},
		)
	}

	pl, err := p.convert(resp, in, catalog, base)
	if err != nil {
		return nil, reasonNoToolCalls, err
	}
	return pl, "", nil
}

// userPrompt renders the per-query context. fullSchema switches table
// listings to full column descriptions.
func (p *Planner) userPrompt(in Input, catalog map[plan.ToolKind]bool, base *plan.Plan, fullSchema bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", in.Query)
	fmt.Fprintf(&b, "Tool catalog: %s\n\n", strings.Join(catalogList(catalog), ", "))

	if graph, err := json.Marshal(in.Graph); err == nil {
		fmt.Fprintf(&b, "Intent graph (%s):\n%s\n\n", in.Graph.Source(), graph)
	}

	kinds := make([]string, 0, len(in.Schemas))
	for kind := range in.Schemas {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		schema := in.Schemas[plan.ToolKind(k)]
		if schema.Empty() {
			continue
		}
		if fullSchema {
			fmt.Fprintf(&b, "Schema %s:\n%s\n", k, schema.Describe())
			continue
		}
		names := make([]string, 0, len(schema.Tables))
		for _, t := range schema.Tables {
			names = append(names, t.Name)
		}
		fmt.Fprintf(&b, "Tables %s: %s\n", k, strings.Join(names, ", "))
	}

	if ents, err := json.Marshal(base.Entities); err == nil {
		fmt.Fprintf(&b, "\nKnown entities: %s\n", ents)
	}
	fmt.Fprintf(&b, "Default horizon minutes: %d\n", base.TimeWindow.HorizonMinutes)
	if len(in.RuntimeContext) > 0 {
		if rc, err := json.Marshal(in.RuntimeContext); err == nil {
			fmt.Fprintf(&b, "Runtime context: %s\n", rc)
		}
	}
	if len(in.RequiredSources) > 0 {
		names := make([]string, len(in.RequiredSources))
		for i, k := range in.RequiredSources {
			names[i] = string(k)
		}
		fmt.Fprintf(&b, "Sources that must appear in the plan: %s\n", strings.Join(names, ", "))
	}
	return b.String()
}

// convert validates the model response into a plan built on base.
//
// Description:
//
//	Tools are canonicalized and must be in the catalog. Missing ids are
//	assigned, duplicate ids renamed, and depends_on references to calls
//	that were dropped or never existed are removed with a warning. The
//	graph's required evidence for a known intent takes precedence over
//	the model's list.
func (p *Planner) convert(resp modelResponse, in Input, catalog map[plan.ToolKind]bool, base *plan.Plan) (*plan.Plan, error) {
	pl := base

	intent := strings.TrimSpace(resp.Intent.Name)
	switch {
	case intent != "" && in.Graph.HasIntent(intent):
		pl.Intent = plan.Intent{Name: intent, Confidence: clamp01(resp.Intent.Confidence)}
	default:
		name, conf := ClassifyIntent(in.Query)
		if intent != "" {
			pl.AddWarning("model intent %q is not in the intent graph; using %s", intent, name)
		}
		pl.Intent = plan.Intent{Name: name, Confidence: conf}
	}

	if in.HorizonMinutes <= 0 && resp.TimeWindow.HorizonMinutes > 0 {
		pl.TimeWindow.HorizonMinutes = resp.TimeWindow.HorizonMinutes
	}
	pl.TimeWindow.Start = parseTime(resp.TimeWindow.Start)
	pl.TimeWindow.End = parseTime(resp.TimeWindow.End)

	for label, ids := range resp.Entities {
		kind, ok := plan.ParseEntityKind(label)
		if !ok {
			continue
		}
		for _, id := range ids {
			pl.Entities.Add(kind, id)
		}
	}

	pl.RequiredEvidence = in.Graph.RequiredEvidenceForIntent(pl.Intent.Name)
	if len(pl.RequiredEvidence) == 0 {
		for _, r := range resp.RequiredEvidence {
			if name := strings.TrimSpace(r.Name); name != "" {
				pl.RequiredEvidence = append(pl.RequiredEvidence, plan.RequiredEvidence{Name: name, Optional: r.Optional})
			}
		}
	}

	// idMap translates model ids to plan ids; used tracks plan ids.
	idMap := make(map[string]string, len(resp.ToolCalls))
	used := make(map[string]bool, len(resp.ToolCalls))
	for _, raw := range resp.ToolCalls {
		if len(pl.ToolCalls) >= p.cfg.MaxToolCalls {
			pl.AddWarning("model proposed more than %d tool calls; extra calls dropped", p.cfg.MaxToolCalls)
			break
		}
		kind, ok := plan.Canonicalize(raw.Tool)
		if !ok || !catalog[kind] {
			pl.AddWarning("model call %q uses tool %q outside the catalog; dropped", raw.ID, raw.Tool)
			continue
		}
		rawID := strings.TrimSpace(raw.ID)
		id := rawID
		if id == "" || used[id] {
			id = pl.NextCallID("c")
		}
		used[id] = true
		if _, seen := idMap[rawID]; rawID != "" && !seen {
			idMap[rawID] = id
		}

		op := strings.TrimSpace(raw.Operation)
		if op == "" {
			op = kind.DefaultOperation()
		}
		params := raw.Params
		if params == nil {
			params = map[string]any{}
		}
		call := plan.ToolCall{
			ID:        id,
			Tool:      kind,
			Operation: op,
			DependsOn: raw.DependsOn,
			Query:     strings.TrimSpace(raw.Query),
			Params:    params,
		}
		if call.Query == "" && literalQueryTool(kind) {
			call.Query = in.Query
		}
		pl.ToolCalls = append(pl.ToolCalls, call)
	}
	if len(pl.ToolCalls) == 0 {
		return nil, ErrNoToolCalls
	}

	for i := range pl.ToolCalls {
		c := &pl.ToolCalls[i]
		var deps []string
		for _, dep := range c.DependsOn {
			mapped, ok := idMap[dep]
			if !ok || mapped == c.ID {
				pl.AddWarning("call %s depends on unknown call %q; dependency dropped", c.ID, dep)
				continue
			}
			deps = append(deps, mapped)
		}
		c.DependsOn = deps
	}

	for _, cov := range resp.Coverage {
		var via []plan.ToolKind
		for _, t := range cov.ViaTools {
			if kind, ok := plan.Canonicalize(t); ok {
				via = append(via, kind)
			}
		}
		if cov.Evidence != "" {
			pl.Coverage = append(pl.Coverage, plan.Coverage{Evidence: cov.Evidence, Status: plan.CoveragePlanned, ViaTools: via})
		}
	}

	pl.NeedsSchema = resp.NeedsSchema
	pl.SchemaRequests = resp.SchemaRequests
	if resp.NeedsSchema {
		pl.AddWarning("planner model still needs schema for: %s", strings.Join(resp.SchemaRequests, ", "))
	}
	return pl, nil
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
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
