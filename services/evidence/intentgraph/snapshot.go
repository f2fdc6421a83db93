// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intentgraph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// =============================================================================
// Snapshot Types
// =============================================================================

// Source tiers recorded on a Snapshot.
const (
	SourceRemote  = "remote"
	SourceFile    = "file"
	SourceDefault = "default"
)

// ErrMissingKeys is returned when a payload lacks the "intents" or "requires" key.
var ErrMissingKeys = errors.New("intent graph payload must contain intents and requires")

// IntentNode is one declared intent.
type IntentNode struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// EvidenceNode is one declared evidence type.
type EvidenceNode struct {
	Name              string `json:"name"`
	RequiresCitations bool   `json:"requires_citations"`
}

// RequiresEdge links an intent to an evidence type.
type RequiresEdge struct {
	Intent   string `json:"intent"`
	Evidence string `json:"evidence"`
	Optional bool   `json:"optional,omitempty"`
}

// AuthoritativeEdge links an evidence type to a tool; lower Priority is preferred.
type AuthoritativeEdge struct {
	Evidence string `json:"evidence"`
	Tool     string `json:"tool"`
	Priority int    `json:"priority"`
}

// ExpansionRule is a validated expansion rule for one intent.
type ExpansionRule struct {
	Tool   string `json:"tool"`
	Reason string `json:"reason,omitempty"`
}

// Snapshot is an immutable view of the intent graph.
//
// Description:
//
//	A Snapshot is loaded once per cache window and shared by every query in
//	that window. All accessors return copies so callers can never mutate
//	the shared state.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Snapshot struct {
	source   string
	loadedAt time.Time

	intents       []IntentNode
	evidence      []EvidenceNode
	tools         []string
	requires      []RequiresEdge
	authoritative []AuthoritativeEdge
	expansion     []any
}

// Source returns the tier the snapshot was loaded from.
func (s *Snapshot) Source() string { return s.source }

// LoadedAt returns the load time.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Intents returns the declared intent names.
func (s *Snapshot) Intents() []string {
	out := make([]string, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, in.Name)
	}
	return out
}

// HasIntent reports whether name is a declared intent (case-insensitive).
func (s *Snapshot) HasIntent(name string) bool {
	for _, in := range s.intents {
		if strings.EqualFold(in.Name, name) {
			return true
		}
	}
	return false
}

// Tools returns the declared tool names.
func (s *Snapshot) Tools() []string {
	out := make([]string, len(s.tools))
	copy(out, s.tools)
	return out
}

// RequiredEvidenceForIntent joins requires edges with evidence metadata.
//
// Inputs:
//   - intent: Intent name (case-insensitive).
//
// Outputs:
//   - []plan.RequiredEvidence: One entry per requires edge in declared order.
//     Duplicate edges collapse to the first. Empty for unknown intents.
func (s *Snapshot) RequiredEvidenceForIntent(intent string) []plan.RequiredEvidence {
	var out []plan.RequiredEvidence
	seen := make(map[string]bool)
	for _, edge := range s.requires {
		if !strings.EqualFold(edge.Intent, intent) {
			continue
		}
		key := strings.ToLower(edge.Evidence)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, plan.RequiredEvidence{
			Name:              edge.Evidence,
			Optional:          edge.Optional,
			RequiresCitations: s.requiresCitations(edge.Evidence),
		})
	}
	return out
}

func (s *Snapshot) requiresCitations(evidence string) bool {
	for _, ev := range s.evidence {
		if strings.EqualFold(ev.Name, evidence) {
			return ev.RequiresCitations
		}
	}
	return false
}

// ToolsForEvidence returns the authoritative tool names for an evidence type.
//
// Description:
//
//	Sorted by (priority ascending, tool name ascending). The secondary key
//	pins the order of equal-priority tools so it does not depend on which
//	tier the graph was loaded from.
func (s *Snapshot) ToolsForEvidence(evidence string) []string {
	edges := make([]AuthoritativeEdge, 0, 2)
	for _, edge := range s.authoritative {
		if strings.EqualFold(edge.Evidence, evidence) {
			edges = append(edges, edge)
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority < edges[j].Priority
		}
		return edges[i].Tool < edges[j].Tool
	})
	out := make([]string, 0, len(edges))
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		if seen[e.Tool] {
			continue
		}
		seen[e.Tool] = true
		out = append(out, e.Tool)
	}
	return out
}

// ToolKindsForEvidence is ToolsForEvidence canonicalized to ToolKinds,
// dropping unknown tools and duplicates while keeping priority order.
func (s *Snapshot) ToolKindsForEvidence(evidence string) []plan.ToolKind {
	var out []plan.ToolKind
	seen := make(map[plan.ToolKind]bool)
	for _, name := range s.ToolsForEvidence(evidence) {
		kind, ok := plan.Canonicalize(name)
		if !ok || seen[kind] {
			continue
		}
		seen[kind] = true
		out = append(out, kind)
	}
	return out
}

// AuthoritativeMap returns evidence name → canonical tool kinds in priority order.
func (s *Snapshot) AuthoritativeMap() map[string][]plan.ToolKind {
	out := make(map[string][]plan.ToolKind)
	for _, edge := range s.authoritative {
		if _, done := out[edge.Evidence]; done {
			continue
		}
		out[edge.Evidence] = s.ToolKindsForEvidence(edge.Evidence)
	}
	return out
}

// ExpansionRulesForIntent returns copies of the expansion rules for intent.
//
// Malformed entries (not an object, missing or empty tool) are skipped.
func (s *Snapshot) ExpansionRulesForIntent(intent string) []ExpansionRule {
	var out []ExpansionRule
	for _, raw := range s.expansion {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if !strings.EqualFold(stringField(m, "intent"), intent) {
			continue
		}
		tool := stringField(m, "tool")
		if tool == "" {
			continue
		}
		out = append(out, ExpansionRule{Tool: tool, Reason: stringField(m, "reason")})
	}
	return out
}

// UnresolvedEvidence lists evidence names referenced by requires edges that
// have no authoritative tool. A well-formed graph returns nil.
func (s *Snapshot) UnresolvedEvidence() []string {
	var out []string
	seen := make(map[string]bool)
	for _, edge := range s.requires {
		key := strings.ToLower(edge.Evidence)
		if seen[key] {
			continue
		}
		seen[key] = true
		if len(s.ToolsForEvidence(edge.Evidence)) == 0 {
			out = append(out, edge.Evidence)
		}
	}
	return out
}

// snapshotJSON is the wire shape used by MarshalJSON.
type snapshotJSON struct {
	Source          string              `json:"source"`
	LoadedAt        time.Time           `json:"loaded_at"`
	Intents         []IntentNode        `json:"intents"`
	Evidence        []EvidenceNode      `json:"evidence"`
	Tools           []string            `json:"tools"`
	Requires        []RequiresEdge      `json:"requires"`
	AuthoritativeIn []AuthoritativeEdge `json:"authoritative_in"`
	ExpansionRules  []any               `json:"expansion_rules"`
}

// MarshalJSON renders the snapshot in the service payload shape.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Source:          s.source,
		LoadedAt:        s.loadedAt,
		Intents:         append([]IntentNode(nil), s.intents...),
		Evidence:        append([]EvidenceNode(nil), s.evidence...),
		Tools:           s.Tools(),
		Requires:        append([]RequiresEdge(nil), s.requires...),
		AuthoritativeIn: append([]AuthoritativeEdge(nil), s.authoritative...),
		ExpansionRules:  append([]any(nil), s.expansion...),
	})
}

// =============================================================================
// Parsing
// =============================================================================

// parseSnapshot builds a Snapshot from a decoded payload.
//
// Description:
//
//	Accepts the graph at the top level or nested under "snapshot". The
//	payload must contain both "intents" and "requires". Entries of every
//	list may be objects or bare strings; entries that cannot be read are
//	skipped.
func parseSnapshot(doc map[string]any, source string, now time.Time) (*Snapshot, error) {
	if nested, ok := doc["snapshot"].(map[string]any); ok {
		doc = nested
	}
	if _, ok := doc["intents"]; !ok {
		return nil, ErrMissingKeys
	}
	if _, ok := doc["requires"]; !ok {
		return nil, ErrMissingKeys
	}

	s := &Snapshot{source: source, loadedAt: now}

	for _, raw := range asList(doc["intents"]) {
		switch v := raw.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				s.intents = append(s.intents, IntentNode{Name: v})
			}
		case map[string]any:
			if name := stringField(v, "name"); name != "" {
				s.intents = append(s.intents, IntentNode{Name: name, Description: stringField(v, "description")})
			}
		}
	}

	for _, raw := range asList(doc["evidence"]) {
		switch v := raw.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				s.evidence = append(s.evidence, EvidenceNode{Name: v})
			}
		case map[string]any:
			if name := stringField(v, "name"); name != "" {
				s.evidence = append(s.evidence, EvidenceNode{Name: name, RequiresCitations: boolField(v, "requires_citations")})
			}
		}
	}

	for _, raw := range asList(doc["tools"]) {
		switch v := raw.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				s.tools = append(s.tools, v)
			}
		case map[string]any:
			if name := stringField(v, "name"); name != "" {
				s.tools = append(s.tools, name)
			}
		}
	}

	for _, raw := range asList(doc["requires"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		intent, evidence := stringField(m, "intent"), stringField(m, "evidence")
		if intent == "" || evidence == "" {
			continue
		}
		s.requires = append(s.requires, RequiresEdge{Intent: intent, Evidence: evidence, Optional: boolField(m, "optional")})
	}

	for _, raw := range asList(doc["authoritative_in"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		evidence, tool := stringField(m, "evidence"), stringField(m, "tool")
		if evidence == "" || tool == "" {
			continue
		}
		s.authoritative = append(s.authoritative, AuthoritativeEdge{Evidence: evidence, Tool: tool, Priority: intField(m, "priority")})
	}

	s.expansion = append([]any(nil), asList(doc["expansion_rules"])...)
	return s, nil
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}
