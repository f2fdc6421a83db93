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
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// buildCoverage fills one slot per required evidence entry. A slot is
// filled only when a non-error item carries the evidence tag. Up to three
// matching candidates and up to three authoritative tools are attached.
func buildCoverage(items []Item, required []plan.RequiredEvidence, authoritative map[string][]plan.ToolKind) CoverageSummary {
	sum := CoverageSummary{
		Slots:           make([]CoverageSlot, 0, len(required)),
		MissingRequired: []string{},
	}
	for _, req := range required {
		slot := CoverageSlot{Evidence: req.Name, Optional: req.Optional, Status: plan.CoverageMissing}
		for _, it := range items {
			if it.IsError || !strings.EqualFold(it.EvidenceType, req.Name) {
				continue
			}
			slot.Status = plan.CoverageFilled
			if len(slot.Candidates) < maxSlotCandidates {
				slot.Candidates = append(slot.Candidates, Candidate{
					Source:     it.Source,
					Identifier: it.Identifier,
					CallID:     it.CallID,
					Fusion:     it.Fusion,
				})
			}
		}
		slot.Authoritative = authoritativeFor(authoritative, req.Name)

		if !req.Optional {
			sum.RequiredTotal++
			if slot.Status == plan.CoverageFilled {
				sum.RequiredFilled++
			} else {
				sum.MissingRequired = append(sum.MissingRequired, req.Name)
			}
		} else if slot.Status == plan.CoverageMissing {
			sum.MissingOptional = append(sum.MissingOptional, req.Name)
		}
		sum.Slots = append(sum.Slots, slot)
	}
	return sum
}

func authoritativeFor(m map[string][]plan.ToolKind, evidence string) []plan.ToolKind {
	tools, ok := m[evidence]
	if !ok {
		for name, t := range m {
			if strings.EqualFold(name, evidence) {
				tools = t
				break
			}
		}
	}
	if len(tools) > maxSlotCandidates {
		tools = tools[:maxSlotCandidates]
	}
	return append([]plan.ToolKind(nil), tools...)
}
