// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/config"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/executor"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/orchestrator"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/pii"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/planner"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/querywriter"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	badgerstore "github.com/AleutianAI/AleutianEvidence/services/evidence/storage/badger"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

// app holds every wired component and the resources that must be closed.
type app struct {
	cfg          *config.Config
	graph        *intentgraph.Provider
	facade       *sources.Facade
	orchestrator *orchestrator.Orchestrator
	closers      []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildApp wires the engine from cfg.
//
// Description:
//
//	Every backend is optional. A source with no configuration is still
//	registered so it reports as blocked, and retrieval against it yields
//	source_unavailable rows instead of failing the run.
//
// Outputs:
//
//	*app - Wired components. Call Close when done.
//	error - Non-nil when a configured backend cannot be opened.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	chat, err := llm.NewChatClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if chat == nil {
		logger.Info("No LLM configured, using deterministic planning")
	}

	db, err := badgerstore.OpenDB(badgerstore.Config{
		Path:     cfg.Storage.BadgerPath,
		InMemory: cfg.Storage.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("badger: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	a.facade = sources.NewFacade(logger)
	if err := a.registerSQL(cfg, logger); err != nil {
		return nil, err
	}
	if err := a.registerTimeSeries(cfg, logger); err != nil {
		return nil, err
	}
	if err := a.registerDocument(ctx, cfg, db, logger); err != nil {
		return nil, err
	}
	if err := a.registerVector(cfg, db, logger); err != nil {
		return nil, err
	}
	for kind, limit := range cfg.RateLimits() {
		a.facade.SetRateLimit(kind, limit)
	}

	var writer executor.QueryWriter
	if chat != nil {
		writer = querywriter.New(chat, logger)
	}

	var checker pii.Checker
	if cfg.PII.Endpoint != "" {
		checker = pii.NewCachedChecker(
			pii.NewHTTPChecker(cfg.PII.Endpoint, cfg.PII.Timeout, logger),
			cfg.PII.CacheSize, cfg.PII.CacheTTL)
	}

	a.graph = intentgraph.NewProvider(cfg.IntentGraph.Config, logger)
	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Graph:    a.graph,
		Planner:  planner.New(chat, cfg.Planner, logger),
		Executor: executor.New(a.facade, writer, cfg.Executor, logger),
		Sources:  a.facade,
		PII:      checker,
		Logger:   logger,
	}, orchestrator.Options{
		Weights:         cfg.Reconcile.Weights,
		RRF:             cfg.Reconcile.RRF,
		SourcePriority:  cfg.SourcePriority(),
		PerSourceLimits: cfg.PerSourceLimits(),
		Timeout:         cfg.Server.RequestTimeout,
	})

	logger.Info("Evidence engine wired", slog.Any("sources", a.facade.Modes()))
	return a, nil
}

// registerSQL opens the relational source. The same database backs the
// local edge table of the graph source.
func (a *app) registerSQL(cfg *config.Config, logger *slog.Logger) error {
	var db *sql.DB
	if dsn := cfg.Sources.SQL.DSN; dsn != "" {
		opened, err := sql.Open("sqlite", dsn)
		if err != nil {
			return fmt.Errorf("sql open: %w", err)
		}
		a.closers = append(a.closers, opened.Close)
		db = opened
	}

	var schema *sources.SchemaCache
	if db != nil {
		schema = sources.NewSchemaCache(sources.SQLiteSchemaLoader(db), cfg.Sources.SQL.SchemaTTL, logger)
	}
	a.facade.Register(sources.NewSQLAdapter(db, schema, cfg.Sources.SQL.MaxRows, logger))
	a.facade.Register(sources.NewGraphAdapter(cfg.Sources.Graph, db, logger))
	return nil
}

func (a *app) registerTimeSeries(cfg *config.Config, logger *slog.Logger) error {
	ts := cfg.Sources.TimeSeries
	var engine sources.TimeSeriesEngine
	switch ts.Engine {
	case "kusto":
		engine = sources.NewKustoEngine(ts.Kusto)
	case "influx":
		influx := sources.NewInfluxEngine(ts.Influx)
		a.closers = append(a.closers, func() error { influx.Close(); return nil })
		engine = influx
	}
	a.facade.Register(sources.NewTimeSeriesAdapter(engine, ts.MaxRows, logger))
	return nil
}

func (a *app) registerDocument(ctx context.Context, cfg *config.Config, db *badgerstore.DB, logger *slog.Logger) error {
	doc := cfg.Sources.Document
	var store sources.DocumentStore
	switch doc.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store = sources.NewGCSDocumentStore(client, doc.GCSBucket, doc.GCSPrefix)
	default:
		store = sources.NewBadgerDocumentStore(db)
	}
	a.facade.Register(sources.NewDocumentAdapter(store, doc.Limit, logger))
	return nil
}

func (a *app) registerVector(cfg *config.Config, db *badgerstore.DB, logger *slog.Logger) error {
	vec := cfg.Sources.Vector

	var index sources.VectorIndex
	if vec.Weaviate.Host != "" {
		w, err := sources.NewWeaviateIndex(vec.Weaviate)
		if err != nil {
			return err
		}
		index = w
	}

	var embedder sources.Embedder
	switch vec.Embedder.Provider {
	case "openai":
		embedder = sources.NewOpenAIEmbedder(vec.Embedder.APIKey, vec.Embedder.BaseURL, vec.Embedder.Model)
	case "ollama":
		e, err := sources.NewOllamaEmbedder(vec.Embedder.BaseURL, vec.Embedder.Model)
		if err != nil {
			return err
		}
		embedder = e
	}

	var cache *sources.EmbeddingCache
	if embedder != nil {
		c, err := sources.NewEmbeddingCache(embedder, vec.Embedder.CacheSize,
			sources.NewBadgerEmbeddingStore(db, cfg.Storage.EmbeddingTTL), logger)
		if err != nil {
			return err
		}
		cache = c
	}

	a.facade.Register(sources.NewVectorAdapter(vec.Search, index, cache, logger))
	return nil
}
