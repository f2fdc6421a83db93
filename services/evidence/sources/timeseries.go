// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

// =============================================================================
// Dialects
// =============================================================================

// Dialect is a time-series query language.
type Dialect string

const (
	DialectKQL  Dialect = "kql"
	DialectFlux Dialect = "flux"
)

// DefaultHorizonMinutes is the recency window injected when a plan has none.
const DefaultHorizonMinutes = 60

// ErrBlockedCommand is returned for management or mutation commands.
var ErrBlockedCommand = errors.New("blocked command")

// TimeColumns are the column names that trigger recency injection.
var TimeColumns = []string{"TimeGenerated", "timestamp", "observed_at", "event_time", "ingestion_time", "_time"}

var kqlBlocked = regexp.MustCompile(`(?i)((^|[\s;|(])\.(drop|set|append|ingest|alter|delete|create|purge|execute|rename|move|replace|clear)\b|\bset-or-(append|replace)\b)`)

var timeColumnPatterns = compileTimeColumns(TimeColumns)

var fluxBlocked = regexp.MustCompile(`(?i)(\|>\s*(to|wideTo)\s*\(|\b(http\.post|sql\.to|experimental\.to|influxdb\.wideTo|influxdb\.to)\s*\(|import\s+"(http|sql|experimental/http)")`)

var kqlLetStatement = regexp.MustCompile(`(?is)^\s*let\s+`)

// =============================================================================
// KQL
// =============================================================================

// ValidateKQL rejects management commands, mutation verbs and multiple
// non-let statements.
//
// Description:
//
//	Statements are split on semicolons outside string literals. Let
//	bindings are set aside and the remaining body must be exactly one
//	statement that does not start with "." and contains no blocked verb.
//	Let bindings are also scanned for blocked verbs.
func ValidateKQL(text string) error {
	body, lets, err := splitKQL(stripKQLComments(text))
	if err != nil {
		return err
	}
	if body == "" {
		return ErrEmptyQuery
	}
	if strings.HasPrefix(body, ".") {
		return fmt.Errorf("%w: management command %q", ErrBlockedCommand, firstWord(body))
	}
	for _, part := range append([]string{body}, lets...) {
		if m := kqlBlocked.FindString(blankKQLStrings(part)); m != "" {
			return fmt.Errorf("%w: %s", ErrBlockedCommand, strings.TrimLeft(m, " \t\r\n;|("))
		}
	}
	return nil
}

// splitKQL returns the single non-let statement and the let bindings.
func splitKQL(text string) (body string, lets []string, err error) {
	var bodies []string
	for _, stmt := range splitOutsideQuotes(text, ';') {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if kqlLetStatement.MatchString(stmt) {
			lets = append(lets, stmt)
			continue
		}
		bodies = append(bodies, stmt)
	}
	if len(bodies) > 1 {
		return "", nil, ErrMultiStatement
	}
	if len(bodies) == 1 {
		body = bodies[0]
	}
	return body, lets, nil
}

// InjectKQLRecency adds "| where <col> > ago(<h>m)" right after the source
// table when a known time column is referenced and the query has no explicit
// window (ago( or between(). It reports whether the text changed.
func InjectKQLRecency(text string, horizonMinutes int) (string, bool) {
	if horizonMinutes <= 0 {
		horizonMinutes = DefaultHorizonMinutes
	}
	lowered := strings.ToLower(blankKQLStrings(text))
	if strings.Contains(lowered, "ago(") || strings.Contains(lowered, "between(") {
		return text, false
	}
	col := referencedTimeColumn(blankKQLStrings(text))
	if col == "" {
		return text, false
	}

	// Inject into the last statement so let bindings stay in front.
	cut := lastIndexOutsideQuotes(text, ';') + 1
	prefix, stmt := text[:cut], text[cut:]
	clause := fmt.Sprintf(" | where %s > ago(%dm)", col, horizonMinutes)
	pipe := indexOutsideQuotes(stmt, '|')
	if pipe < 0 {
		return prefix + strings.TrimRight(stmt, " \t\r\n") + clause, true
	}
	return prefix + strings.TrimRight(stmt[:pipe], " \t\r\n") + clause + " " + stmt[pipe:], true
}

func compileTimeColumns(cols []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(cols))
	for i, col := range cols {
		out[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(col) + `\b`)
	}
	return out
}

func referencedTimeColumn(text string) string {
	for i, re := range timeColumnPatterns {
		if re.MatchString(text) {
			return TimeColumns[i]
		}
	}
	return ""
}

// =============================================================================
// Flux
// =============================================================================

// ValidateFlux rejects write functions and network-capable imports.
func ValidateFlux(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyQuery
	}
	if m := fluxBlocked.FindString(text); m != "" {
		return fmt.Errorf("%w: %s", ErrBlockedCommand, strings.TrimSpace(m))
	}
	return nil
}

// InjectFluxRecency adds "|> range(start: -<h>m)" after the from(...) call
// when the query has no range(). It reports whether the text changed.
func InjectFluxRecency(text string, horizonMinutes int) (string, bool) {
	if horizonMinutes <= 0 {
		horizonMinutes = DefaultHorizonMinutes
	}
	if strings.Contains(text, "range(") {
		return text, false
	}
	start := strings.Index(text, "from(")
	if start < 0 {
		return text, false
	}
	depth := 0
	for i := start + len("from"); i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				clause := fmt.Sprintf(" |> range(start: -%dm)", horizonMinutes)
				return text[:i+1] + clause + text[i+1:], true
			}
		}
	}
	return text, false
}

// =============================================================================
// Quote-aware helpers
// =============================================================================

// stripKQLComments removes "//" line comments outside string literals. The
// newline ending each comment is kept.
func stripKQLComments(text string) string {
	if !strings.Contains(text, "//") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(text) {
				i++
				b.WriteByte(text[i])
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			if i < len(text) {
				b.WriteByte('\n')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func splitOutsideQuotes(text string, sep byte) []string {
	var parts []string
	start := 0
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == sep:
			parts = append(parts, text[start:i])
			start = i + 1
		}
	}
	return append(parts, text[start:])
}

func indexOutsideQuotes(text string, target byte) int {
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == target:
			return i
		}
	}
	return -1
}

func lastIndexOutsideQuotes(text string, target byte) int {
	last := -1
	offset := 0
	for {
		i := indexOutsideQuotes(text[offset:], target)
		if i < 0 {
			return last
		}
		last = offset + i
		offset = last + 1
	}
}

// blankKQLStrings replaces string literal contents with spaces, keeping offsets.
func blankKQLStrings(text string) string {
	b := []byte(text)
	var quote byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(b) {
				b[i], b[i+1] = ' ', ' '
				i++
			} else if c == quote {
				quote = 0
			} else {
				b[i] = ' '
			}
		case c == '"' || c == '\'':
			quote = c
		}
	}
	return string(b)
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

// =============================================================================
// Time-series Adapter
// =============================================================================

// TimeSeriesEngine executes validated query text.
type TimeSeriesEngine interface {
	// Dialect returns the query language the engine accepts.
	Dialect() Dialect

	// Query runs text and returns rows as column → value maps.
	Query(ctx context.Context, text string) ([]map[string]any, error)
}

const defaultTimeSeriesMaxRows = 500

// TimeSeriesAdapter validates time-windowed queries, injects a recency
// clause when needed, and runs them on the configured engine.
//
// Thread Safety: Safe for concurrent use if the engine is.
type TimeSeriesAdapter struct {
	engine  TimeSeriesEngine
	maxRows int
	logger  *slog.Logger
}

// NewTimeSeriesAdapter creates an adapter. A nil engine makes it blocked.
func NewTimeSeriesAdapter(engine TimeSeriesEngine, maxRows int, logger *slog.Logger) *TimeSeriesAdapter {
	if maxRows <= 0 {
		maxRows = defaultTimeSeriesMaxRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeSeriesAdapter{engine: engine, maxRows: maxRows, logger: logger}
}

// Kind implements Adapter.
func (a *TimeSeriesAdapter) Kind() plan.ToolKind { return plan.ToolKQL }

// Mode implements Adapter.
func (a *TimeSeriesAdapter) Mode() Mode {
	if a.engine == nil {
		return ModeBlocked
	}
	return ModeLive
}

// Dialect returns the engine dialect, defaulting to KQL.
func (a *TimeSeriesAdapter) Dialect() Dialect {
	if a.engine == nil {
		return DialectKQL
	}
	return a.engine.Dialect()
}

// Prepare validates text and injects a recency clause when the window is not
// explicit. It returns the text to execute.
func (a *TimeSeriesAdapter) Prepare(text string, window plan.TimeWindow) (string, error) {
	horizon := window.HorizonMinutes
	switch a.Dialect() {
	case DialectFlux:
		if err := ValidateFlux(text); err != nil {
			return text, err
		}
		if !window.Explicit() {
			text, _ = InjectFluxRecency(text, horizon)
		}
	default:
		text = strings.TrimSpace(stripKQLComments(text))
		if err := ValidateKQL(text); err != nil {
			return text, err
		}
		if !window.Explicit() {
			text, _ = InjectKQLRecency(text, horizon)
		}
	}
	return text, nil
}

// Retrieve implements Adapter.
func (a *TimeSeriesAdapter) Retrieve(ctx context.Context, req Request) (Retrieval, error) {
	text := strings.TrimSpace(req.Query)
	if text == "" {
		return Retrieval{}, validationFailed(plan.ToolKQL, "no query text")
	}
	prepared, err := a.Prepare(text, req.Window)
	out := Retrieval{GeneratedQuery: prepared}
	if err != nil {
		return out, validationFailed(plan.ToolKQL, "%v", err)
	}

	records, err := a.engine.Query(ctx, prepared)
	if err != nil {
		return out, runtimeError(plan.ToolKQL, string(a.Dialect())+" query", err)
	}
	if len(records) > a.maxRows {
		a.logger.Debug("timeseries adapter: row cap reached",
			slog.Int("rows", len(records)),
			slog.Int("max_rows", a.maxRows),
		)
		records = records[:a.maxRows]
	}
	out.Rows = make([]plan.Row, 0, len(records))
	for _, rec := range records {
		out.Rows = append(out.Rows, plan.NewRow(rec))
	}
	return out, nil
}
