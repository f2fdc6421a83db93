// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs a Plan against the source façade.
//
// Calls run in waves: each wave is the set of pending calls whose
// dependencies have all completed, executed concurrently on a bounded pool.
// Graph-expansion results are folded into the Plan's entities after their
// wave completes and before the next wave starts, so dependents always see
// the merged view. The executor always terminates: a wave with no ready call
// forces the first pending call and records a cycle warning.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/querywriter"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "executor",
		Name:      "calls_total",
		Help:      "Executed tool calls by tool and outcome (ok or error code).",
	}, []string{"tool", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evidence",
		Subsystem: "executor",
		Name:      "call_duration_seconds",
		Help:      "Tool call latency including query generation.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"tool"})

	wavesPerPlan = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "evidence",
		Subsystem: "executor",
		Name:      "waves_per_plan",
		Help:      "Number of waves needed to execute a plan.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
	})

	cycleBreaksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "executor",
		Name:      "cycle_breaks_total",
		Help:      "Waves forced because no pending call was ready.",
	})
)

var executorTracer = otel.Tracer("evidence.executor")

// =============================================================================
// Dependencies
// =============================================================================

// Sources is the façade surface the executor uses. *sources.Facade
// implements it.
type Sources interface {
	Retrieve(ctx context.Context, kind plan.ToolKind, req sources.Request) sources.Retrieval
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Adapter(kind plan.ToolKind) (sources.Adapter, bool)
}

// QueryWriter generates SQL and time-series text. *querywriter.Writer
// implements it.
type QueryWriter interface {
	WriteSQL(ctx context.Context, question string, schema *sources.Schema) (string, error)
	WriteTimeSeries(ctx context.Context, dialect sources.Dialect, question string, schema *sources.Schema, window plan.TimeWindow) (string, error)
}

// dialecter is implemented by time-series adapters.
type dialecter interface {
	Dialect() sources.Dialect
}

// schemaProvider is implemented by adapters that can report a live schema.
type schemaProvider interface {
	Schema(ctx context.Context) (*sources.Schema, error)
}

// =============================================================================
// Executor
// =============================================================================

// Config tunes execution.
type Config struct {
	// MaxWorkers bounds per-wave concurrency. Zero uses 4.
	MaxWorkers int `yaml:"max_workers" validate:"gte=0,lte=64"`

	// CallTimeout bounds each call including query generation. Zero disables it.
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`

	// DisableHeuristicSQL turns off the rule-table SQL fallback.
	DisableHeuristicSQL bool `yaml:"disable_heuristic_sql"`
}

// Executor runs plans.
//
// Thread Safety: Safe for concurrent use. A single Plan must not be executed
// concurrently; Execute mutates its Entities and Warnings.
type Executor struct {
	sources Sources
	writer  QueryWriter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Executor. writer may be nil, in which case SQL calls
// without literal text use the heuristic fallback and KQL calls without
// literal text fail with kql_generation_failed.
func New(src Sources, writer QueryWriter, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{sources: src, writer: writer, cfg: cfg, logger: logger, now: time.Now}
}

// Execute runs every call in pl.
//
// Description:
//
//	Each iteration selects the pending calls whose dependencies completed,
//	runs them on an errgroup limited to min(MaxWorkers, wave size), then
//	aggregates their results in plan order and merges entity deltas from
//	enrichment calls (see plan.EnrichmentCalls) into pl.Entities. Dependencies that name no call
//	in the plan are treated as satisfied. A failing or panicking call never
//	aborts its siblings; it yields one error row instead.
//
//	When ctx is cancelled, no further wave starts and every call not yet
//	run is recorded with an executor_cancelled error row.
//
// Inputs:
//   - ctx: Bounds the whole execution.
//   - query: The user question. Used for query generation and for calls
//     without literal text.
//   - pl: The plan. Entities and Warnings are updated in place.
//   - schemas: Known source schemas. SQL falls back to the adapter's live
//     schema when absent.
//
// Outputs:
//   - *plan.ExecutionResult: One CallResult per call, in execution order.
//
// Thread Safety: Safe for concurrent use across different plans.
func (e *Executor) Execute(ctx context.Context, query string, pl *plan.Plan, schemas sources.Schemas) *plan.ExecutionResult {
	ctx, span := executorTracer.Start(ctx, "executor.Executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan_id", pl.ID),
		attribute.Int("tool_calls", len(pl.ToolCalls)),
	)

	res := &plan.ExecutionResult{SourceResults: plan.SourceResults{}}
	planWarnings := len(pl.Warnings)
	run := &execution{
		query:     query,
		plan:      pl,
		schemas:   schemas,
		embedding: e.sharedEmbedding(ctx, query, pl),
		enriching: pl.EnrichmentCalls(),
	}

	known := make(map[string]bool, len(pl.ToolCalls))
	for _, c := range pl.ToolCalls {
		known[c.ID] = true
	}
	for _, d := range pl.DanglingDependencies() {
		pl.AddWarning("dependency %s names no call in the plan; treated as satisfied", d)
	}

	done := make(map[string]bool, len(pl.ToolCalls))
	pending := make([]int, len(pl.ToolCalls))
	for i := range pending {
		pending[i] = i
	}

	wave := 0
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			e.cancelRemaining(res, pl, pending, wave, err)
			break
		}

		ready, rest := readyCalls(pl, pending, done, known)
		wave++
		if len(ready) == 0 {
			forced := pl.ToolCalls[pending[0]]
			cycleBreaksTotal.Inc()
			pl.AddWarning("dependency cycle among pending calls; forcing %s", forced.ID)
			res.Trace = append(res.Trace, plan.TraceEvent{At: e.now(), Kind: plan.TraceCycleBreak, Wave: wave, CallID: forced.ID,
				Detail: "pending: " + strings.Join(callIDs(pl, pending), ",")})
			e.logger.Warn("executor: dependency cycle broken",
				slog.String("plan_id", pl.ID),
				slog.String("call_id", forced.ID),
			)
			ready, rest = pending[:1], pending[1:]
		}
		pending = rest

		e.runWave(ctx, run, res, wave, ready)
		for _, i := range ready {
			done[pl.ToolCalls[i].ID] = true
		}
	}

	res.Warnings = append(res.Warnings, pl.Warnings[planWarnings:]...)
	wavesPerPlan.Observe(float64(wave))
	span.SetAttributes(attribute.Int("waves", wave))
	return res
}

// execution is the per-plan state shared by the calls of one Execute.
type execution struct {
	query     string
	plan      *plan.Plan
	schemas   sources.Schemas
	embedding []float32
	enriching map[string]bool
}

// runWave executes the calls at indexes ready concurrently and folds their
// results into res. Only this goroutine touches res and the plan.
func (e *Executor) runWave(ctx context.Context, run *execution, res *plan.ExecutionResult, wave int, ready []int) {
	pl := run.plan
	started := e.now()
	res.Trace = append(res.Trace, plan.TraceEvent{At: started, Kind: plan.TraceWaveStarted, Wave: wave,
		Detail: strings.Join(callIDs(pl, ready), ",")})

	calls := make([]plan.ToolCall, len(ready))
	for n, i := range ready {
		calls[n] = pl.ToolCalls[i]
		res.Trace = append(res.Trace, plan.TraceEvent{At: started, Kind: plan.TraceCallStarted, Wave: wave, CallID: calls[n].ID})
	}

	entities := pl.Entities.Clone()
	window := pl.TimeWindow
	out := make([]plan.CallResult, len(calls))

	var g errgroup.Group
	g.SetLimit(min(e.cfg.MaxWorkers, len(calls)))
	for n := range calls {
		g.Go(func() error {
			out[n] = e.runCall(ctx, run, calls[n], entities, window)
			return nil
		})
	}
	_ = g.Wait()

	for n, cr := range out {
		res.Calls = append(res.Calls, cr)
		res.SourceResults[cr.Tool] = append(res.SourceResults[cr.Tool], cr.Rows...)
		res.Citations = append(res.Citations, cr.Citations...)
		detail := fmt.Sprintf("%d rows", len(cr.Rows))
		if cr.Error != "" {
			detail = cr.Error
		}
		res.Trace = append(res.Trace, plan.TraceEvent{At: cr.FinishedAt, Kind: plan.TraceCallFinished, Wave: wave, CallID: cr.CallID, Detail: detail})

		if run.enriching[calls[n].ID] {
			delta := EntityDeltaFromRows(cr.Rows)
			added := pl.Entities.Merge(delta)
			res.Trace = append(res.Trace, plan.TraceEvent{At: e.now(), Kind: plan.TraceEntitiesMerged, Wave: wave, CallID: cr.CallID,
				Detail: fmt.Sprintf("%d refs, %d new", len(delta), added)})
			e.logger.Debug("executor: entities merged",
				slog.String("plan_id", pl.ID),
				slog.String("call_id", cr.CallID),
				slog.Int("refs", len(delta)),
				slog.Int("added", added),
			)
		}
	}
}

// cancelRemaining records an executor_cancelled result for every pending call.
func (e *Executor) cancelRemaining(res *plan.ExecutionResult, pl *plan.Plan, pending []int, wave int, cause error) {
	at := e.now()
	for _, i := range pending {
		call := pl.ToolCalls[i]
		row := plan.ErrorRow(plan.CodeCancelled, cause.Error()).
			Annotate(call.Tool, call.ID, call.Operation, at, call.EvidenceType())
		res.Calls = append(res.Calls, plan.CallResult{
			CallID:     call.ID,
			Tool:       call.Tool,
			Operation:  call.Operation,
			Rows:       []plan.Row{row},
			Error:      plan.CodeCancelled,
			StartedAt:  at,
			FinishedAt: at,
		})
		res.SourceResults[call.Tool] = append(res.SourceResults[call.Tool], row)
		callsTotal.WithLabelValues(string(call.Tool), plan.CodeCancelled).Inc()
	}
	res.Trace = append(res.Trace, plan.TraceEvent{At: at, Kind: plan.TraceCancelled, Wave: wave,
		Detail: strings.Join(callIDs(pl, pending), ",")})
	pl.AddWarning("execution cancelled with %d calls not run: %v", len(pending), cause)
}

// sharedEmbedding embeds query once when at least one VECTOR call would
// otherwise embed the same text and the VECTOR source is not blocked. Failures are logged and leave each call
// to embed for itself.
func (e *Executor) sharedEmbedding(ctx context.Context, query string, pl *plan.Plan) []float32 {
	if !e.available(plan.ToolVector) {
		return nil
	}
	want := false
	for _, c := range pl.ToolCalls {
		if c.Tool == plan.ToolVector && callText(c, query) == strings.TrimSpace(query) {
			want = true
			break
		}
	}
	if !want || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := e.sources.EmbedQuery(ctx, query)
	if err != nil {
		e.logger.Debug("executor: shared query embedding unavailable",
			slog.String("plan_id", pl.ID),
			slog.String("error", llm.Redact(err.Error())),
		)
		return nil
	}
	return vec
}

// readyCalls partitions pending into calls whose dependencies are done and
// the rest. Unknown dependencies count as done.
func readyCalls(pl *plan.Plan, pending []int, done, known map[string]bool) (ready, rest []int) {
	for _, i := range pending {
		ok := true
		for _, dep := range pl.ToolCalls[i].DependsOn {
			if known[dep] && !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, i)
		} else {
			rest = append(rest, i)
		}
	}
	return ready, rest
}

func callIDs(pl *plan.Plan, idx []int) []string {
	out := make([]string, len(idx))
	for n, i := range idx {
		out[n] = pl.ToolCalls[i].ID
	}
	return out
}

// callText is the text sent to GRAPH, NOSQL and VECTOR sources.
func callText(c plan.ToolCall, query string) string {
	if t := strings.TrimSpace(c.Query); t != "" {
		return t
	}
	return strings.TrimSpace(query)
}

// =============================================================================
// Single call
// =============================================================================

// runCall executes one call. It never panics and never returns without at
// least provenance-annotated rows or an error row.
func (e *Executor) runCall(ctx context.Context, run *execution, call plan.ToolCall, entities plan.Entities, window plan.TimeWindow) (cr plan.CallResult) {
	ctx, span := executorTracer.Start(ctx, "executor.Executor.runCall")
	defer span.End()
	span.SetAttributes(
		attribute.String("call_id", call.ID),
		attribute.String("tool", string(call.Tool)),
	)

	cr = plan.CallResult{CallID: call.ID, Tool: call.Tool, Operation: call.Operation, StartedAt: e.now()}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor: call panic",
				slog.String("call_id", call.ID),
				slog.String("tool", string(call.Tool)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			cr.Rows = []plan.Row{plan.ErrorRow(plan.CodePanic, llm.Redact(fmt.Sprintf("panic: %v", r)))}
			cr.Citations = nil
		}
		e.finish(&cr, call)
	}()

	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	req := sources.Request{
		CallID:    call.ID,
		Operation: call.Operation,
		Params:    call.Params,
		Window:    window,
		Entities:  entities,
	}

	switch {
	case !e.available(call.Tool):
		// The façade answers with source_unavailable; nothing is generated.
		req.Query = callText(call, run.query)
	case call.Tool == plan.ToolSQL:
		text, generated, row := e.sqlText(ctx, run, call)
		cr.GeneratedQuery = generated
		if row != nil {
			cr.Rows = []plan.Row{*row}
			return cr
		}
		req.Query = text
	case call.Tool == plan.ToolKQL:
		text, row := e.timeSeriesText(ctx, run, call, window)
		cr.GeneratedQuery = text
		if row != nil {
			cr.Rows = []plan.Row{*row}
			return cr
		}
		req.Query = text
	case call.Tool == plan.ToolVector:
		req.Query = callText(call, run.query)
		if len(run.embedding) > 0 && req.Query == strings.TrimSpace(run.query) {
			req.Embedding = run.embedding
		}
	default:
		req.Query = callText(call, run.query)
	}

	got := e.sources.Retrieve(ctx, call.Tool, req)
	cr.Rows = got.Rows
	cr.Citations = got.Citations
	if got.GeneratedQuery != "" {
		cr.GeneratedQuery = got.GeneratedQuery
	}
	return cr
}

// available reports whether kind has a registered, non-blocked adapter.
func (e *Executor) available(kind plan.ToolKind) bool {
	a, ok := e.sources.Adapter(kind)
	return ok && a.Mode() != sources.ModeBlocked
}

// finish annotates provenance and records outcome metrics.
func (e *Executor) finish(cr *plan.CallResult, call plan.ToolCall) {
	cr.FinishedAt = e.now()
	evidence := call.EvidenceType()
	for i := range cr.Rows {
		cr.Rows[i] = cr.Rows[i].Annotate(call.Tool, call.ID, call.Operation, cr.FinishedAt, evidence)
		if cr.Error == "" && cr.Rows[i].IsError() {
			cr.Error = cr.Rows[i].ErrorCode()
		}
	}
	for i := range cr.Citations {
		if cr.Citations[i].CallID == "" {
			cr.Citations[i].CallID = call.ID
		}
		if cr.Citations[i].Source == "" {
			cr.Citations[i].Source = call.Tool
		}
	}
	outcome := "ok"
	if cr.Error != "" {
		outcome = cr.Error
	}
	callsTotal.WithLabelValues(string(call.Tool), outcome).Inc()
	callDuration.WithLabelValues(string(call.Tool)).Observe(cr.FinishedAt.Sub(cr.StartedAt).Seconds())
}

// =============================================================================
// Query text
// =============================================================================

// sqlText returns the statement for an SQL call. Literal text is used as
// is. Otherwise the writer generates one; when the writer is missing, asks
// for schema or fails, the heuristic rule table gets one attempt. A non-nil
// row means no statement could be produced.
func (e *Executor) sqlText(ctx context.Context, run *execution, call plan.ToolCall) (text, generated string, row *plan.Row) {
	if t := strings.TrimSpace(call.Query); t != "" {
		return t, "", nil
	}
	schema := e.schemaFor(ctx, plan.ToolSQL, run.schemas)

	var err error
	if e.writer != nil {
		text, err = e.writer.WriteSQL(ctx, run.query, schema)
	} else {
		err = querywriter.ErrNoModel
	}
	if err == nil {
		return text, text, nil
	}

	if !e.cfg.DisableHeuristicSQL {
		if h, ok := querywriter.Heuristic(run.query, schema); ok {
			e.logger.Debug("executor: heuristic SQL used",
				slog.String("call_id", call.ID),
				slog.String("reason", llm.Redact(err.Error())),
			)
			return h, h, nil
		}
	}

	code := plan.Code(plan.ToolSQL, plan.SuffixGenerationFailed)
	if schema.Empty() || errors.Is(err, querywriter.ErrNeedsSchema) {
		code = plan.Code(plan.ToolSQL, plan.SuffixSchemaMissing)
	}
	r := plan.ErrorRow(code, llm.Redact(err.Error()))
	return "", "", &r
}

// timeSeriesText returns the query for a KQL call, generating it in the
// adapter's dialect when the call carries no literal text. Validation and
// recency injection happen in the adapter.
func (e *Executor) timeSeriesText(ctx context.Context, run *execution, call plan.ToolCall, window plan.TimeWindow) (string, *plan.Row) {
	if t := strings.TrimSpace(call.Query); t != "" {
		return t, nil
	}
	dialect := sources.DialectKQL
	if a, ok := e.sources.Adapter(plan.ToolKQL); ok {
		if d, ok := a.(dialecter); ok {
			dialect = d.Dialect()
		}
	}

	if e.writer == nil {
		r := plan.ErrorRow(plan.Code(plan.ToolKQL, plan.SuffixGenerationFailed), querywriter.ErrNoModel.Error())
		return "", &r
	}
	question := run.query
	if ev := call.EvidenceType(); ev != "" {
		question = fmt.Sprintf("%s (evidence needed: %s)", question, ev)
	}
	text, err := e.writer.WriteTimeSeries(ctx, dialect, question, run.schemas[plan.ToolKQL], window)
	if err != nil {
		code := plan.Code(plan.ToolKQL, plan.SuffixGenerationFailed)
		if errors.Is(err, querywriter.ErrNeedsSchema) {
			code = plan.Code(plan.ToolKQL, plan.SuffixSchemaMissing)
		}
		r := plan.ErrorRow(code, llm.Redact(err.Error()))
		return "", &r
	}
	return text, nil
}

// schemaFor returns the caller-supplied schema for kind, else the live
// schema of its adapter when it exposes one.
func (e *Executor) schemaFor(ctx context.Context, kind plan.ToolKind, schemas sources.Schemas) *sources.Schema {
	if s := schemas[kind]; !s.Empty() {
		return s
	}
	a, ok := e.sources.Adapter(kind)
	if !ok {
		return nil
	}
	sp, ok := a.(schemaProvider)
	if !ok {
		return nil
	}
	s, err := sp.Schema(ctx)
	if err != nil {
		e.logger.Debug("executor: live schema unavailable",
			slog.String("source", string(kind)),
			slog.String("error", llm.Redact(err.Error())),
		)
		return nil
	}
	return s
}
