// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the evidence service configuration.
//
// Values come from three layers, later layers winning: the embedded
// defaults.yaml, an optional YAML file, and EVIDENCE_* environment
// variables. The merged document is validated before it is returned.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/executor"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/intentgraph"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/planner"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/reconcile"
	"github.com/AleutianAI/AleutianEvidence/services/evidence/sources"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVIDENCE_"

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full service configuration.
//
// Thread Safety: Immutable after Load; safe for concurrent reads.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	LLM         llm.ProviderConfig `yaml:"llm"`
	IntentGraph IntentGraphConfig  `yaml:"intent_graph"`
	Planner     planner.Config     `yaml:"planner"`
	Executor    executor.Config    `yaml:"executor"`
	Reconcile   ReconcileConfig    `yaml:"reconcile"`
	PII         PIIConfig          `yaml:"pii"`
	Storage     StorageConfig      `yaml:"storage"`
	Sources     SourcesConfig      `yaml:"sources"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	MetricsPath    string        `yaml:"metrics_path" validate:"omitempty,startswith=/"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

// IntentGraphConfig adds file watching to the provider configuration.
type IntentGraphConfig struct {
	intentgraph.Config `yaml:",inline"`

	// Watch invalidates the cached graph when the local file changes.
	Watch bool `yaml:"watch"`
}

// ReconcileConfig holds the reconciler knobs. Source names accept aliases.
type ReconcileConfig struct {
	RRF             bool              `yaml:"rrf"`
	Weights         reconcile.Weights `yaml:"weights"`
	SourcePriority  []string          `yaml:"source_priority"`
	PerSourceLimits map[string]int    `yaml:"per_source_limits" validate:"dive,gte=0"`
}

// PIIConfig configures the PII pre-check. An empty endpoint disables it.
type PIIConfig struct {
	Endpoint  string        `yaml:"endpoint" validate:"omitempty,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	CacheTTL  time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	CacheSize int           `yaml:"cache_size" validate:"gte=0"`
}

// StorageConfig configures the shared BadgerDB used by the document store
// and the persistent embedding tier.
type StorageConfig struct {
	BadgerPath   string        `yaml:"badger_path"`
	InMemory     bool          `yaml:"in_memory"`
	EmbeddingTTL time.Duration `yaml:"embedding_ttl" validate:"gte=0"`
}

// SourcesConfig configures every backend.
type SourcesConfig struct {
	SQL        SQLConfig                    `yaml:"sql"`
	TimeSeries TimeSeriesConfig             `yaml:"timeseries"`
	Graph      sources.GraphConfig          `yaml:"graph"`
	Document   DocumentConfig               `yaml:"document"`
	Vector     VectorConfig                 `yaml:"vector"`
	RateLimits map[string]sources.RateLimit `yaml:"rate_limits"`
}

// SQLConfig configures the relational source. An empty DSN blocks it.
type SQLConfig struct {
	DSN       string        `yaml:"dsn"`
	MaxRows   int           `yaml:"max_rows" validate:"gte=0"`
	SchemaTTL time.Duration `yaml:"schema_ttl" validate:"gte=0"`
}

// TimeSeriesConfig selects and configures the time-series engine.
type TimeSeriesConfig struct {
	Engine  string               `yaml:"engine" validate:"omitempty,oneof=kusto influx"`
	MaxRows int                  `yaml:"max_rows" validate:"gte=0"`
	Kusto   sources.KustoConfig  `yaml:"kusto"`
	Influx  sources.InfluxConfig `yaml:"influx"`
}

// DocumentConfig selects the document store.
type DocumentConfig struct {
	Backend   string `yaml:"backend" validate:"omitempty,oneof=badger gcs"`
	Limit     int    `yaml:"limit" validate:"gte=0"`
	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// VectorConfig configures the vector source and its embedder.
type VectorConfig struct {
	Weaviate sources.WeaviateConfig `yaml:"weaviate"`
	Search   sources.VectorConfig   `yaml:"search"`
	Embedder EmbedderConfig         `yaml:"embedder"`
}

// EmbedderConfig selects the query embedder. An empty provider disables it.
type EmbedderConfig struct {
	Provider  string `yaml:"provider" validate:"omitempty,oneof=openai ollama"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"-"`
	CacheSize int    `yaml:"cache_size" validate:"gte=0"`
}

// =============================================================================
// Loading
// =============================================================================

// Load builds the configuration.
//
// Description:
//
//	Decodes the embedded defaults, overlays path when non-empty, applies
//	EVIDENCE_* environment overrides and validates the result. Fields not
//	present in the file keep their default values.
//
// Inputs:
//
//	path - Optional YAML file. Empty uses defaults and environment only.
//
// Outputs:
//
//	*Config - The merged configuration. Nil on error.
//	error - Non-nil on read, decode, override or validation failure.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the embedded defaults with no file or environment applied.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return &cfg
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	for _, name := range c.Reconcile.SourcePriority {
		if _, ok := plan.Canonicalize(name); !ok {
			errs = append(errs, fmt.Errorf("reconcile.source_priority: unknown source %q", name))
		}
	}
	for _, name := range sortedKeys(c.Reconcile.PerSourceLimits) {
		if _, ok := plan.Canonicalize(name); !ok {
			errs = append(errs, fmt.Errorf("reconcile.per_source_limits: unknown source %q", name))
		}
	}
	for _, name := range sortedKeys(c.Sources.RateLimits) {
		if _, ok := plan.Canonicalize(name); !ok {
			errs = append(errs, fmt.Errorf("sources.rate_limits: unknown source %q", name))
		}
	}
	if c.Sources.TimeSeries.Engine == "kusto" && c.Sources.TimeSeries.Kusto.Endpoint == "" {
		errs = append(errs, errors.New("sources.timeseries: kusto engine requires kusto.endpoint"))
	}
	if c.Sources.TimeSeries.Engine == "influx" && c.Sources.TimeSeries.Influx.URL == "" {
		errs = append(errs, errors.New("sources.timeseries: influx engine requires influx.url"))
	}
	if c.Sources.Document.Backend == "gcs" && c.Sources.Document.GCSBucket == "" {
		errs = append(errs, errors.New("sources.document: gcs backend requires gcs_bucket"))
	}
	if !c.Storage.InMemory && c.Storage.BadgerPath == "" {
		errs = append(errs, errors.New("storage: badger_path is required unless in_memory is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// Derived values
// =============================================================================

// SourcePriority returns the canonical reconcile source order.
func (c *Config) SourcePriority() []plan.ToolKind {
	out := make([]plan.ToolKind, 0, len(c.Reconcile.SourcePriority))
	for _, name := range c.Reconcile.SourcePriority {
		if kind, ok := plan.Canonicalize(name); ok {
			out = append(out, kind)
		}
	}
	return out
}

// PerSourceLimits returns the reconcile caps keyed by canonical source.
func (c *Config) PerSourceLimits() map[plan.ToolKind]int {
	out := make(map[plan.ToolKind]int, len(c.Reconcile.PerSourceLimits))
	for name, limit := range c.Reconcile.PerSourceLimits {
		if kind, ok := plan.Canonicalize(name); ok {
			out[kind] = limit
		}
	}
	return out
}

// RateLimits returns the façade rate limits keyed by canonical source.
func (c *Config) RateLimits() map[plan.ToolKind]sources.RateLimit {
	out := make(map[plan.ToolKind]sources.RateLimit, len(c.Sources.RateLimits))
	for name, limit := range c.Sources.RateLimits {
		if kind, ok := plan.Canonicalize(name); ok {
			out[kind] = limit
		}
	}
	return out
}

// =============================================================================
// Environment overrides
// =============================================================================

type envBinding struct {
	name  string
	apply func(c *Config, value string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// envBindings lists every supported override, without the prefix.
var envBindings = []envBinding{
	{"SERVER_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"LLM_PROVIDER", str(func(c *Config) *string { return &c.LLM.Provider })},
	{"LLM_MODEL", str(func(c *Config) *string { return &c.LLM.Model })},
	{"LLM_BASE_URL", str(func(c *Config) *string { return &c.LLM.BaseURL })},
	{"LLM_API_KEY", str(func(c *Config) *string { return &c.LLM.APIKey })},
	{"INTENT_GRAPH_ENDPOINT", str(func(c *Config) *string { return &c.IntentGraph.Endpoint })},
	{"INTENT_GRAPH_FILE", str(func(c *Config) *string { return &c.IntentGraph.FilePath })},
	{"INTENT_GRAPH_TTL", duration(func(c *Config) *time.Duration { return &c.IntentGraph.TTL })},
	{"INTENT_GRAPH_WATCH", boolean(func(c *Config) *bool { return &c.IntentGraph.Watch })},
	{"EXECUTOR_MAX_WORKERS", integer(func(c *Config) *int { return &c.Executor.MaxWorkers })},
	{"EXECUTOR_CALL_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Executor.CallTimeout })},
	{"RECONCILE_RRF", boolean(func(c *Config) *bool { return &c.Reconcile.RRF })},
	{"PII_ENDPOINT", str(func(c *Config) *string { return &c.PII.Endpoint })},
	{"BADGER_PATH", str(func(c *Config) *string { return &c.Storage.BadgerPath })},
	{"BADGER_IN_MEMORY", boolean(func(c *Config) *bool { return &c.Storage.InMemory })},
	{"SQL_DSN", str(func(c *Config) *string { return &c.Sources.SQL.DSN })},
	{"TIMESERIES_ENGINE", str(func(c *Config) *string { return &c.Sources.TimeSeries.Engine })},
	{"KUSTO_ENDPOINT", str(func(c *Config) *string { return &c.Sources.TimeSeries.Kusto.Endpoint })},
	{"KUSTO_DATABASE", str(func(c *Config) *string { return &c.Sources.TimeSeries.Kusto.Database })},
	{"INFLUX_URL", str(func(c *Config) *string { return &c.Sources.TimeSeries.Influx.URL })},
	{"INFLUX_ORG", str(func(c *Config) *string { return &c.Sources.TimeSeries.Influx.Org })},
	{"GRAPH_ENDPOINT", str(func(c *Config) *string { return &c.Sources.Graph.Endpoint })},
	{"DOCUMENT_BACKEND", str(func(c *Config) *string { return &c.Sources.Document.Backend })},
	{"GCS_BUCKET", str(func(c *Config) *string { return &c.Sources.Document.GCSBucket })},
	{"WEAVIATE_HOST", str(func(c *Config) *string { return &c.Sources.Vector.Weaviate.Host })},
	{"EMBEDDER_PROVIDER", str(func(c *Config) *string { return &c.Sources.Vector.Embedder.Provider })},
	{"EMBEDDER_MODEL", str(func(c *Config) *string { return &c.Sources.Vector.Embedder.Model })},
	{"EMBEDDER_BASE_URL", str(func(c *Config) *string { return &c.Sources.Vector.Embedder.BaseURL })},
	{"EMBEDDER_API_KEY", str(func(c *Config) *string { return &c.Sources.Vector.Embedder.APIKey })},
}

// applyEnv overlays EVIDENCE_* variables, then fills API keys from the
// providers' conventional variables when no explicit key was given.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err))
		}
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = providerKey(c.LLM.Provider, lookup)
	}
	if c.Sources.Vector.Embedder.APIKey == "" {
		c.Sources.Vector.Embedder.APIKey = providerKey(c.Sources.Vector.Embedder.Provider, lookup)
	}
	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}

func providerKey(provider string, lookup func(string) (string, bool)) string {
	var name string
	switch strings.ToLower(provider) {
	case llm.ProviderOpenAI:
		name = "OPENAI_API_KEY"
	case llm.ProviderAnthropic:
		name = "ANTHROPIC_API_KEY"
	default:
		return ""
	}
	v, _ := lookup(name)
	return strings.TrimSpace(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
