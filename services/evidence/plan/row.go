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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Error Codes
// =============================================================================

// Error code suffixes. Per-source codes are "<prefix>_<suffix>", for example
// "kql_validation_failed"; see Code.
const (
	SuffixValidationFailed = "validation_failed"
	SuffixSchemaMissing    = "schema_missing"
	SuffixRuntimeError     = "runtime_error"
	SuffixGenerationFailed = "generation_failed"
)

// Source-independent error codes.
const (
	CodeSourceUnavailable = "source_unavailable"
	CodeRateLimited       = "source_rate_limited"
	CodeCancelled         = "executor_cancelled"
	CodePanic             = "executor_panic"
)

// Code builds a per-source error code.
func Code(kind ToolKind, suffix string) string {
	return kind.CodePrefix() + "_" + suffix
}

// Row field keys with special meaning.
const (
	FieldError       = "error"
	FieldErrorDetail = "detail"
)

// =============================================================================
// Row
// =============================================================================

// Row is one retrieved record with typed provenance.
//
// Description:
//
//	Fields carries the backend's attributes verbatim. Provenance lives in
//	dedicated fields instead of being blended into the map; MarshalJSON
//	flattens both into a single object with "__"-prefixed provenance keys.
//
//	An error row is a Row whose Fields contain FieldError. Error rows flow
//	through reconciliation and verification like any other evidence and are
//	counted as "missing" by coverage.
type Row struct {
	Source       ToolKind       `json:"-"`
	CallID       string         `json:"-"`
	Operation    string         `json:"-"`
	FetchedAt    time.Time      `json:"-"`
	EvidenceType string         `json:"-"`
	Fields       map[string]any `json:"-"`
}

// NewRow builds a row from backend fields.
func NewRow(fields map[string]any) Row {
	if fields == nil {
		fields = map[string]any{}
	}
	return Row{Fields: fields}
}

// ErrorRow builds a structured error row.
func ErrorRow(code, detail string) Row {
	return Row{Fields: map[string]any{
		FieldError:       code,
		FieldErrorDetail: detail,
	}}
}

// IsError reports whether the row carries an error marker.
func (r Row) IsError() bool {
	if r.Fields == nil {
		return false
	}
	v, ok := r.Fields[FieldError]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	return true
}

// ErrorCode returns the error code, or "" for non-error rows.
func (r Row) ErrorCode() string {
	if !r.IsError() {
		return ""
	}
	return fmt.Sprint(r.Fields[FieldError])
}

// Get returns a field value.
func (r Row) Get(key string) (any, bool) {
	if r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[key]
	return v, ok
}

// String returns a field rendered as a trimmed string, or "".
func (r Row) String(key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Annotate stamps provenance onto the row and returns it.
func (r Row) Annotate(source ToolKind, callID, operation string, fetchedAt time.Time, evidenceType string) Row {
	r.Source = source
	r.CallID = callID
	r.Operation = operation
	r.FetchedAt = fetchedAt
	if evidenceType != "" && r.EvidenceType == "" {
		r.EvidenceType = evidenceType
	}
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	return r
}

// MatchesEvidence reports whether the row is tagged with the evidence name.
func (r Row) MatchesEvidence(name string) bool {
	return name != "" && strings.EqualFold(r.EvidenceType, name)
}

// MarshalJSON flattens fields and provenance into one object.
func (r Row) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["__source"] = r.Source
	out["__call_id"] = r.CallID
	out["__operation"] = r.Operation
	out["__fetched_at"] = r.FetchedAt.UTC().Format(time.RFC3339Nano)
	if r.EvidenceType != "" {
		out["__evidence_type"] = r.EvidenceType
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a row produced by MarshalJSON.
func (r *Row) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "__source":
			r.Source = ToolKind(fmt.Sprint(v))
		case "__call_id":
			r.CallID = fmt.Sprint(v)
		case "__operation":
			r.Operation = fmt.Sprint(v)
		case "__evidence_type":
			r.EvidenceType = fmt.Sprint(v)
		case "__fetched_at":
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					r.FetchedAt = ts
				}
			}
		default:
			fields[k] = v
		}
	}
	r.Fields = fields
	return nil
}

// =============================================================================
// Execution Results
// =============================================================================

// Citation points back at a retrieved record.
type Citation struct {
	Source     ToolKind `json:"source"`
	CallID     string   `json:"call_id"`
	Identifier string   `json:"identifier"`
	Title      string   `json:"title,omitempty"`
	URL        string   `json:"url,omitempty"`
	Snippet    string   `json:"snippet,omitempty"`
}

// CallResult is the outcome of one ToolCall.
type CallResult struct {
	CallID         string     `json:"call_id"`
	Tool           ToolKind   `json:"tool"`
	Operation      string     `json:"operation"`
	Rows           []Row      `json:"rows"`
	Citations      []Citation `json:"citations,omitempty"`
	GeneratedQuery string     `json:"generated_query,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
}

// TraceEvent records one scheduling step.
type TraceEvent struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Wave   int       `json:"wave"`
	CallID string    `json:"call_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Trace event kinds.
const (
	TraceWaveStarted    = "wave_started"
	TraceCallStarted    = "call_started"
	TraceCallFinished   = "call_finished"
	TraceCycleBreak     = "cycle_break"
	TraceEntitiesMerged = "entities_merged"
	TraceCancelled      = "cancelled"
)

// SourceResults maps each backend to its annotated rows.
type SourceResults map[ToolKind][]Row

// ExecutionResult aggregates the outcome of one plan execution.
type ExecutionResult struct {
	Calls         []CallResult  `json:"calls"`
	SourceResults SourceResults `json:"source_results"`
	Citations     []Citation    `json:"citations,omitempty"`
	Trace         []TraceEvent  `json:"trace,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// AttemptedTools returns the set of tools that produced at least one
// non-error row, and the set that was attempted at all.
func (s SourceResults) AttemptedTools() (succeeded, attempted map[ToolKind]bool) {
	succeeded = make(map[ToolKind]bool)
	attempted = make(map[ToolKind]bool)
	for kind, rows := range s {
		if len(rows) == 0 {
			continue
		}
		attempted[kind] = true
		for _, r := range rows {
			if !r.IsError() {
				succeeded[kind] = true
				break
			}
		}
	}
	return succeeded, attempted
}

// EvidenceRows returns every row tagged with the evidence name, across sources.
func (s SourceResults) EvidenceRows(name string) []Row {
	var out []Row
	for _, kind := range AllToolKinds {
		for _, r := range s[kind] {
			if r.MatchesEvidence(name) {
				out = append(out, r)
			}
		}
	}
	return out
}

// HasEvidence reports whether at least one non-error row carries the evidence tag.
func (s SourceResults) HasEvidence(name string) bool {
	for _, r := range s.EvidenceRows(name) {
		if !r.IsError() {
			return true
		}
	}
	return false
}
