// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify decides whether an executed plan gathered every required
// piece of evidence and, when it did not, which authoritative sources are
// worth asking again.
package verify

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// Suggestion reasons.
const (
	ReasonNotAttempted = "not_attempted"
	ReasonErrorsOnly   = "errors_only"
)

// Input is everything the verifier looks at.
//
// EvidenceTools maps evidence names to authoritative tools in priority
// order, usually intentgraph.Snapshot.AuthoritativeMap. A nil map means no
// intent graph was available.
type Input struct {
	Plan              *plan.Plan
	SourceResults     plan.SourceResults
	EvidenceTools     map[string][]plan.ToolKind
	AskRecommendation bool
}

// Suggestion proposes one re-query for a missing required evidence item.
//
// Call is a ready-to-run follow-up call. It is only set when the caller
// asked for recommendations.
type Suggestion struct {
	Evidence string         `json:"evidence"`
	Tool     plan.ToolKind  `json:"tool"`
	Reason   string         `json:"reason"`
	Call     *plan.ToolCall `json:"call,omitempty"`
}

// Result is the verification outcome.
type Result struct {
	IsVerified         bool            `json:"is_verified"`
	Coverage           []plan.Coverage `json:"coverage"`
	MissingRequired    []string        `json:"missing_required"`
	Warnings           []string        `json:"warnings,omitempty"`
	RequerySuggestions []Suggestion    `json:"requery_suggestions"`
}

// Verify checks required evidence against the retrieved rows.
//
// Description:
//
//	The plan is verified iff every non-optional evidence requirement has at
//	least one non-error row tagged with its name. For each missing required
//	item the authoritative tools are walked in priority order and suggested
//	when they were never attempted for that evidence, or when every row
//	they returned for it was an error row. Optional items never produce
//	suggestions. Without an intent graph no suggestions are made and a
//	warning is recorded instead.
//
// Inputs:
//
//	in - Plan, rows and the evidence → tools map. A nil Plan verifies
//	     trivially.
//
// Outputs:
//
//	Result - Never nil slices for Coverage, MissingRequired and
//	         RequerySuggestions.
//
// Thread Safety: Pure function.
func Verify(in Input) Result {
	res := Result{
		Coverage:           []plan.Coverage{},
		MissingRequired:    []string{},
		RequerySuggestions: []Suggestion{},
	}
	if in.Plan == nil {
		res.IsVerified = true
		res.Warnings = append(res.Warnings, "no plan to verify")
		return res
	}

	attempts := attemptsFrom(in.Plan, in.SourceResults)
	nextID := newCallIDs(in.Plan)

	for _, req := range in.Plan.RequiredEvidence {
		cov := plan.Coverage{Evidence: req.Name, Status: plan.CoverageMissing}
		for _, kind := range plan.AllToolKinds {
			if attempts.succeeded(req.Name, kind) {
				cov.Status = plan.CoverageFilled
				cov.ViaTools = append(cov.ViaTools, kind)
			}
		}
		res.Coverage = append(res.Coverage, cov)
		if req.Optional || cov.Status == plan.CoverageFilled {
			continue
		}
		res.MissingRequired = append(res.MissingRequired, req.Name)
		if in.EvidenceTools == nil {
			continue
		}
		tools := toolsFor(in.EvidenceTools, req.Name)
		if len(tools) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("no authoritative tool known for %s", req.Name))
			continue
		}
		for _, kind := range tools {
			reason := ""
			switch {
			case !attempts.tried(req.Name, kind):
				reason = ReasonNotAttempted
			case attempts.errorsOnly(req.Name, kind):
				reason = ReasonErrorsOnly
			default:
				continue
			}
			s := Suggestion{Evidence: req.Name, Tool: kind, Reason: reason}
			if in.AskRecommendation {
				call := requeryCall(nextID(), kind, req.Name, in.Plan.Query)
				s.Call = &call
			}
			res.RequerySuggestions = append(res.RequerySuggestions, s)
		}
	}

	if in.EvidenceTools == nil && len(res.MissingRequired) > 0 {
		res.Warnings = append(res.Warnings, "intent graph unavailable; no requery suggestions")
	}
	if len(res.MissingRequired) > 0 {
		res.Warnings = append(res.Warnings, "missing required evidence: "+strings.Join(res.MissingRequired, ", "))
	}
	res.IsVerified = len(res.MissingRequired) == 0
	return res
}

func toolsFor(m map[string][]plan.ToolKind, evidence string) []plan.ToolKind {
	if tools, ok := m[evidence]; ok {
		return tools
	}
	for name, tools := range m {
		if strings.EqualFold(name, evidence) {
			return tools
		}
	}
	return nil
}

func requeryCall(id string, kind plan.ToolKind, evidence, query string) plan.ToolCall {
	return plan.ToolCall{
		ID:        id,
		Tool:      kind,
		Operation: kind.DefaultOperation(),
		Query:     query,
		Params:    map[string]any{plan.ParamEvidenceType: evidence},
	}
}

// newCallIDs hands out "rq<n>" ids that do not collide with plan calls.
func newCallIDs(p *plan.Plan) func() string {
	used := make(map[string]bool, len(p.ToolCalls))
	for _, c := range p.ToolCalls {
		used[c.ID] = true
	}
	n := 0
	return func() string {
		for {
			n++
			id := fmt.Sprintf("rq%d", n)
			if !used[id] {
				used[id] = true
				return id
			}
		}
	}
}

// =============================================================================
// Attempt bookkeeping
// =============================================================================

type attemptKey struct {
	evidence string
	tool     plan.ToolKind
}

type attemptStats struct {
	planned bool
	rows    int
	errors  int
}

type attempts map[attemptKey]*attemptStats

// attemptsFrom records, per (evidence, tool), whether the plan called the
// tool for the evidence and how many rows and error rows came back.
func attemptsFrom(p *plan.Plan, results plan.SourceResults) attempts {
	a := make(attempts)
	for _, c := range p.ToolCalls {
		if ev := c.EvidenceType(); ev != "" {
			a.stats(ev, c.Tool).planned = true
		}
	}
	for kind, rows := range results {
		for _, r := range rows {
			if r.EvidenceType == "" {
				continue
			}
			tool := r.Source
			if tool == "" {
				tool = kind
			}
			s := a.stats(r.EvidenceType, tool)
			s.rows++
			if r.IsError() {
				s.errors++
			}
		}
	}
	return a
}

func (a attempts) stats(evidence string, tool plan.ToolKind) *attemptStats {
	k := attemptKey{strings.ToLower(strings.TrimSpace(evidence)), tool}
	s := a[k]
	if s == nil {
		s = &attemptStats{}
		a[k] = s
	}
	return s
}

func (a attempts) lookup(evidence string, tool plan.ToolKind) *attemptStats {
	return a[attemptKey{strings.ToLower(strings.TrimSpace(evidence)), tool}]
}

func (a attempts) tried(evidence string, tool plan.ToolKind) bool {
	s := a.lookup(evidence, tool)
	return s != nil && (s.planned || s.rows > 0)
}

func (a attempts) succeeded(evidence string, tool plan.ToolKind) bool {
	s := a.lookup(evidence, tool)
	return s != nil && s.rows > s.errors
}

func (a attempts) errorsOnly(evidence string, tool plan.ToolKind) bool {
	s := a.lookup(evidence, tool)
	return s != nil && s.rows > 0 && s.rows == s.errors
}
