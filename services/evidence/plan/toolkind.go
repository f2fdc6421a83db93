// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"strings"
)

// =============================================================================
// Tool Kinds
// =============================================================================

// ToolKind identifies one retrieval backend family.
//
// Description:
//
//	The set is closed: every tool name that reaches the planner, the
//	executor, or the reconciler is canonicalized to one of these values
//	through Canonicalize. Unknown names are rejected rather than routed.
type ToolKind string

const (
	// ToolSQL is the structured warehouse (read-only SQL).
	ToolSQL ToolKind = "SQL"

	// ToolKQL is the time-windowed event store.
	ToolKQL ToolKind = "KQL"

	// ToolGraph is the relationship graph (remote endpoint or local edge table).
	ToolGraph ToolKind = "GRAPH"

	// ToolNoSQL is the document store (keyed lookups).
	ToolNoSQL ToolKind = "NOSQL"

	// ToolVector is semantic search over an embedding index.
	ToolVector ToolKind = "VECTOR"
)

// AllToolKinds lists every ToolKind in a stable order.
var AllToolKinds = []ToolKind{ToolSQL, ToolKQL, ToolGraph, ToolNoSQL, ToolVector}

// toolAliases maps lower-cased declared tool names to their canonical kind.
//
// Intent graphs from different tiers (remote service, local file, built-in
// default) and LLM output use different spellings for the same backend.
var toolAliases = map[string]ToolKind{
	"sql":            ToolSQL,
	"warehousesql":   ToolSQL,
	"fabricsql":      ToolSQL,
	"warehouse":      ToolSQL,
	"kql":            ToolKQL,
	"eventhousekql":  ToolKQL,
	"eventhouse":     ToolKQL,
	"timeseries":     ToolKQL,
	"influx":         ToolKQL,
	"graph":          ToolGraph,
	"graphtraversal": ToolGraph,
	"fabricgraph":    ToolGraph,
	"nosql":          ToolNoSQL,
	"cosmosdb":       ToolNoSQL,
	"documentstore":  ToolNoSQL,
	"documents":      ToolNoSQL,
	"vector":         ToolVector,
	"vectorsearch":   ToolVector,
	"aisearch":       ToolVector,
	"vector_ops":     ToolVector,
	"vector_reg":     ToolVector,
	"vector_airport": ToolVector,
	"semantic":       ToolVector,
}

// Canonicalize maps a declared tool name to its ToolKind.
//
// Inputs:
//   - name: Tool name as declared by an intent graph, the planner model, or a caller.
//
// Outputs:
//   - ToolKind: The canonical kind. Empty when unknown.
//   - bool: False when the name does not resolve.
func Canonicalize(name string) (ToolKind, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", false
	}
	if kind, ok := toolAliases[key]; ok {
		return kind, true
	}
	key = strings.NewReplacer("-", "", " ", "").Replace(key)
	kind, ok := toolAliases[key]
	return kind, ok
}

// Valid reports whether k is one of AllToolKinds.
func (k ToolKind) Valid() bool {
	switch k {
	case ToolSQL, ToolKQL, ToolGraph, ToolNoSQL, ToolVector:
		return true
	}
	return false
}

// CodePrefix is the lower-case prefix used for this kind's error codes,
// e.g. "kql" in "kql_validation_failed".
func (k ToolKind) CodePrefix() string {
	return strings.ToLower(string(k))
}

// DefaultOperation returns the operation name used when a call does not set one.
func (k ToolKind) DefaultOperation() string {
	switch k {
	case ToolSQL:
		return OpQuery
	case ToolKQL:
		return OpTimeWindowQuery
	case ToolGraph:
		return OpTraverse
	case ToolNoSQL:
		return OpLookup
	case ToolVector:
		return OpSemanticSearch
	}
	return ""
}

// Operation names carried on ToolCall.Operation and Row.Operation.
const (
	OpQuery           = "query"
	OpTimeWindowQuery = "timeseries_query"
	OpTraverse        = "traverse"
	OpGraphExpand     = "expand"
	OpLookup          = "lookup"
	OpSemanticSearch  = "semantic_search"
)
