// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
)

// nodeRefFields are the (type, id) field pairs scanned in graph rows.
var nodeRefFields = [][2]string{
	{sources.EdgeSrcType, sources.EdgeSrcID},
	{sources.EdgeDstType, sources.EdgeDstID},
	{"type", "id"},
	{"node_type", "node_id"},
}

// EntityDeltaFromRows extracts typed node references from graph rows.
//
// Description:
//
//	Error rows are skipped. Within a row every known (type, id) pair
//	contributes one reference; pairs with an empty id or a type that does
//	not resolve to an entity kind are ignored. The delta is deduplicated
//	case-insensitively per kind, keeping first-seen order.
//
// Thread Safety: Pure function.
func EntityDeltaFromRows(rows []plan.Row) plan.EntityDelta {
	var delta plan.EntityDelta
	seen := make(map[plan.EntityRef]bool)
	for _, r := range rows {
		if r.Fields == nil || r.IsError() {
			continue
		}
		for _, pair := range nodeRefFields {
			kind, ok := plan.ParseEntityKind(r.String(pair[0]))
			if !ok {
				continue
			}
			id := r.String(pair[1])
			if id == "" {
				continue
			}
			key := plan.EntityRef{Kind: kind, ID: strings.ToUpper(id)}
			if seen[key] {
				continue
			}
			seen[key] = true
			delta = append(delta, plan.EntityRef{Kind: kind, ID: id})
		}
	}
	return delta
}
