// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intentgraph loads the declarative Intent → EvidenceType → Tool graph
// that drives planning and verification.
//
// The provider tries three tiers in order and never fails:
//
//  1. remote graph service (POST, optional bearer token re-read per call)
//  2. local declarative file (YAML or JSON)
//  3. built-in default graph
package intentgraph

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

//go:embed default_intent_graph.json
var defaultGraphJSON []byte

const (
	// DefaultFilePath is used when Config.FilePath is empty.
	DefaultFilePath = "config/intent_graph.json"

	defaultTTL     = 5 * time.Minute
	defaultTimeout = 5 * time.Second

	snapshotOperation = "intent_graph_snapshot"
)

var (
	intentGraphLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "intent_graph",
		Name:      "loads_total",
		Help:      "Intent graph loads by tier that served them.",
	}, []string{"source"})

	intentGraphTierFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "intent_graph",
		Name:      "tier_failures_total",
		Help:      "Intent graph tier failures that caused a fallthrough.",
	}, []string{"source"})
)

var intentGraphTracer = otel.Tracer("evidence.intentgraph")

// Config configures a Provider.
type Config struct {
	// Endpoint is the remote graph service URL. Empty skips the remote tier.
	Endpoint string `yaml:"endpoint"`

	// TokenEnv names an environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env"`

	// TokenFile is a file holding the bearer token (mounted secrets rotate in place).
	TokenFile string `yaml:"token_file"`

	// FilePath is the local declarative file. Empty uses DefaultFilePath.
	FilePath string `yaml:"file_path"`

	// TTL is the cache window. Zero uses 5 minutes.
	TTL time.Duration `yaml:"ttl"`

	// Timeout bounds the remote call. Zero uses 5 seconds.
	Timeout time.Duration `yaml:"timeout"`
}

// Provider loads and caches the intent graph.
//
// Thread Safety: Safe for concurrent use. Concurrent refreshes are serialized.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	cached  *Snapshot
	expires time.Time
}

// NewProvider creates a Provider.
//
// Inputs:
//   - cfg: Provider configuration. Zero values use defaults.
//   - logger: Logger for tier fallthrough diagnostics. Nil uses slog.Default().
//
// Outputs:
//   - *Provider: Ready-to-use provider. Never nil.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultFilePath
	}
	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// FilePath returns the local file path the provider reads.
func (p *Provider) FilePath() string { return p.cfg.FilePath }

// Invalidate drops the cached snapshot so the next Load refreshes.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// Load returns the current snapshot.
//
// Description:
//
//	Returns the cached snapshot while it is within its TTL unless
//	forceRefresh is set. On refresh, tries remote → file → default; any
//	transport or parse error at a tier is logged and the next tier is tried.
//
// Outputs:
//   - *Snapshot: Never nil. Source() names the tier that served it.
func (p *Provider) Load(ctx context.Context, forceRefresh bool) *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !forceRefresh && p.cached != nil && now.Before(p.expires) {
		return p.cached
	}

	ctx, span := intentGraphTracer.Start(ctx, "intentgraph.Provider.Load")
	defer span.End()

	snap := p.loadTiers(ctx, now)
	span.SetAttributes(attribute.String("source", snap.Source()))
	intentGraphLoadsTotal.WithLabelValues(snap.Source()).Inc()

	if unresolved := snap.UnresolvedEvidence(); len(unresolved) > 0 {
		p.logger.Warn("intent graph: evidence without authoritative tool",
			slog.String("source", snap.Source()),
			slog.String("evidence", strings.Join(unresolved, ",")),
		)
	}

	p.cached = snap
	p.expires = now.Add(p.cfg.TTL)
	return snap
}

func (p *Provider) loadTiers(ctx context.Context, now time.Time) *Snapshot {
	if p.cfg.Endpoint != "" {
		snap, err := p.loadRemote(ctx, now)
		if err == nil {
			return snap
		}
		intentGraphTierFailuresTotal.WithLabelValues(SourceRemote).Inc()
		p.logger.Warn("intent graph: remote tier failed, trying file",
			slog.String("endpoint", p.cfg.Endpoint),
			slog.String("error", llm.Redact(err.Error())),
		)
	}

	snap, err := p.loadFile(now)
	if err == nil {
		return snap
	}
	intentGraphTierFailuresTotal.WithLabelValues(SourceFile).Inc()
	p.logger.Debug("intent graph: file tier unavailable, using default",
		slog.String("path", p.cfg.FilePath),
		slog.String("error", err.Error()),
	)

	return loadDefault(now)
}

func (p *Provider) loadRemote(ctx context.Context, now time.Time) (*Snapshot, error) {
	body, _ := json.Marshal(map[string]string{"operation": snapshotOperation})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := p.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("returned %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return parseSnapshot(doc, SourceRemote, now)
}

// token re-reads the bearer token on every call so rotated secrets take
// effect without a restart.
func (p *Provider) token() string {
	if p.cfg.TokenEnv != "" {
		if v := strings.TrimSpace(os.Getenv(p.cfg.TokenEnv)); v != "" {
			return v
		}
	}
	if p.cfg.TokenFile != "" {
		if data, err := os.ReadFile(p.cfg.TokenFile); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

func (p *Provider) loadFile(now time.Time) (*Snapshot, error) {
	raw, err := os.ReadFile(p.cfg.FilePath)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.cfg.FilePath, err)
	}
	return parseSnapshot(doc, SourceFile, now)
}

// loadDefault parses the embedded default graph. It cannot fail at runtime;
// a broken embed yields an empty snapshot rather than an error.
func loadDefault(now time.Time) *Snapshot {
	var doc map[string]any
	if err := json.Unmarshal(defaultGraphJSON, &doc); err == nil {
		if snap, err := parseSnapshot(doc, SourceDefault, now); err == nil {
			return snap
		}
	}
	return &Snapshot{source: SourceDefault, loadedAt: now}
}

// Default returns the built-in default graph.
func Default() *Snapshot {
	return loadDefault(time.Now())
}
