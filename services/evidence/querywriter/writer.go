// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package querywriter turns a natural-language question into SQL, KQL or
// Flux text for the executor.
//
// The model is asked for exactly one read-only statement at temperature 0.
// It may answer with the NEED_SCHEMA sentinel instead, which surfaces as
// ErrNeedsSchema so the caller can try the heuristic rule table.
package querywriter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

// NeedSchemaSentinel is the model's answer when it cannot write a query
// without more schema.
const NeedSchemaSentinel = "NEED_SCHEMA"

var (
	// ErrNeedsSchema means no schema was available or the model asked for one.
	ErrNeedsSchema = errors.New("query writer: schema required")

	// ErrNoModel means the Writer has no chat client.
	ErrNoModel = errors.New("query writer: no model configured")

	// ErrEmptyQuery means the model answered with no statement.
	ErrEmptyQuery = errors.New("query writer: empty query")
)

var queryGenerations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "evidence",
	Subsystem: "querywriter",
	Name:      "generations_total",
	Help:      "Query generations by dialect and outcome (ok, need_schema, error).",
}, []string{"dialect", "outcome"})

var writerTracer = otel.Tracer("evidence.querywriter")

var codeFence = regexp.MustCompile("(?s)^```[A-Za-z]*\\s*(.*?)\\s*```$")

const sqlSystemPrompt = `You write exactly one read-only SQLite SELECT statement that answers the user's question.
Rules:
- Use only the tables and columns listed in the schema.
- No INSERT, UPDATE, DELETE, DDL, PRAGMA or multiple statements.
- Always include a LIMIT of at most 200.
- Respond with the statement only, no prose and no code fences.
- If the schema does not contain what you need, respond with exactly NEED_SCHEMA.`

const kqlSystemPrompt = `You write exactly one read-only Kusto (KQL) query that answers the user's question.
Rules:
- You may use let bindings; the final statement must be a single tabular expression.
- Never use management commands (anything starting with a dot) or set-or-append/set-or-replace.
- Use only tables and columns listed in the schema when one is given.
- Respond with the query only, no prose and no code fences.
- If you cannot name the table, respond with exactly NEED_SCHEMA.`

const fluxSystemPrompt = `You write exactly one read-only InfluxDB Flux query that answers the user's question.
Rules:
- Start with from(bucket: ...). Never use to(), wideTo() or http/sql imports.
- Use only measurements and fields listed in the schema when one is given.
- Respond with the query only, no prose and no code fences.
- If you cannot name the bucket or measurement, respond with exactly NEED_SCHEMA.`

// Writer generates query text with a chat model.
//
// Thread Safety: Safe for concurrent use if the chat client is.
type Writer struct {
	chat      llm.ChatClient
	maxTokens int
	logger    *slog.Logger
}

// New creates a Writer. A nil chat client makes every call return ErrNoModel.
func New(chat llm.ChatClient, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{chat: chat, maxTokens: 512, logger: logger}
}

// Available reports whether a model is configured.
func (w *Writer) Available() bool {
	return w != nil && w.chat != nil
}

// WriteSQL generates a SELECT statement for question.
//
// Description:
//
//	The schema is required: a nil or empty schema returns ErrNeedsSchema
//	without calling the model. The returned text is not validated here;
//	the SQL adapter validates it against the same schema.
//
// Outputs:
//   - string: The statement with code fences and trailing semicolons removed.
//   - error: ErrNeedsSchema, ErrNoModel, ErrEmptyQuery or a wrapped model error.
func (w *Writer) WriteSQL(ctx context.Context, question string, schema *sources.Schema) (string, error) {
	if schema.Empty() {
		queryGenerations.WithLabelValues("sql", "need_schema").Inc()
		return "", ErrNeedsSchema
	}
	user := fmt.Sprintf("Schema:\n%s\nQuestion: %s", schema.Describe(), question)
	return w.generate(ctx, "sql", sqlSystemPrompt, user)
}

// WriteKQL generates a KQL query for question.
func (w *Writer) WriteKQL(ctx context.Context, question string, schema *sources.Schema, window plan.TimeWindow) (string, error) {
	return w.WriteTimeSeries(ctx, sources.DialectKQL, question, schema, window)
}

// WriteTimeSeries generates a time-series query in dialect.
//
// Description:
//
//	The schema is optional. The window is described to the model so an
//	explicit range can be written; when the model omits one the adapter
//	injects the default recency clause.
func (w *Writer) WriteTimeSeries(ctx context.Context, dialect sources.Dialect, question string, schema *sources.Schema, window plan.TimeWindow) (string, error) {
	system := kqlSystemPrompt
	if dialect == sources.DialectFlux {
		system = fluxSystemPrompt
	}
	var b strings.Builder
	if !schema.Empty() {
		b.WriteString("Schema:\n")
		b.WriteString(schema.Describe())
	}
	b.WriteString(describeWindow(window))
	b.WriteString("Question: ")
	b.WriteString(question)
	return w.generate(ctx, string(dialect), system, b.String())
}

func (w *Writer) generate(ctx context.Context, dialect, system, user string) (string, error) {
	if !w.Available() {
		queryGenerations.WithLabelValues(dialect, "error").Inc()
		return "", ErrNoModel
	}
	ctx, span := writerTracer.Start(ctx, "querywriter.Writer.generate")
	defer span.End()
	span.SetAttributes(attribute.String("dialect", dialect))

	text, err := w.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}, llm.ChatOptions{Temperature: 0, MaxTokens: w.maxTokens})
	if err != nil {
		queryGenerations.WithLabelValues(dialect, "error").Inc()
		span.RecordError(err)
		return "", fmt.Errorf("query writer: %s generation: %w", dialect, err)
	}

	query := CleanModelQuery(text)
	switch {
	case strings.Contains(strings.ToUpper(query), NeedSchemaSentinel):
		queryGenerations.WithLabelValues(dialect, "need_schema").Inc()
		w.logger.Debug("query writer: model asked for schema", slog.String("dialect", dialect))
		return "", ErrNeedsSchema
	case query == "":
		queryGenerations.WithLabelValues(dialect, "error").Inc()
		return "", ErrEmptyQuery
	}
	queryGenerations.WithLabelValues(dialect, "ok").Inc()
	return query, nil
}

// CleanModelQuery strips code fences, surrounding whitespace and trailing
// semicolons from a model answer.
func CleanModelQuery(text string) string {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ";"))
}

func describeWindow(window plan.TimeWindow) string {
	switch {
	case window.Start != nil && window.End != nil:
		return fmt.Sprintf("Time window: %s to %s\n", window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339))
	case window.Start != nil:
		return fmt.Sprintf("Time window: since %s\n", window.Start.UTC().Format(time.RFC3339))
	case window.End != nil:
		return fmt.Sprintf("Time window: until %s\n", window.End.UTC().Format(time.RFC3339))
	case window.HorizonMinutes > 0:
		return fmt.Sprintf("Time window: last %d minutes\n", window.HorizonMinutes)
	default:
		return ""
	}
}
