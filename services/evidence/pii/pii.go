// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pii runs the personal-data pre-check on user queries before they
// reach a planner model or a backend.
package pii

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout  = 3 * time.Second
	defaultCacheTTL = 2 * time.Minute
	defaultCacheLen = 512
)

var (
	piiChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "pii",
		Name:      "checks_total",
		Help:      "PII checks by outcome (clean, found, error, cache_hit).",
	}, []string{"outcome"})

	piiCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "evidence",
		Subsystem: "pii",
		Name:      "check_duration_seconds",
		Help:      "Latency of remote PII checks.",
		Buckets:   prometheus.DefBuckets,
	})
)

var piiTracer = otel.Tracer("evidence.pii")

// ErrNoEndpoint is returned by an HTTPChecker without an endpoint.
var ErrNoEndpoint = errors.New("pii: no endpoint configured")

// Entity is one detected span of personal data.
type Entity struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

// Result is the outcome of a check.
//
// RedactedText is empty when the service found nothing to redact.
type Result struct {
	HasPII       bool     `json:"has_pii"`
	Entities     []Entity `json:"entities,omitempty"`
	RedactedText string   `json:"redacted_text,omitempty"`
}

// Text returns the redacted text when PII was found, otherwise original.
func (r Result) Text(original string) string {
	if r.HasPII && r.RedactedText != "" {
		return r.RedactedText
	}
	return original
}

// Checker inspects text for personal data.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Checker interface {
	Check(ctx context.Context, text string) (Result, error)
}

// =============================================================================
// HTTP checker
// =============================================================================

// HTTPChecker posts {"text": ...} to a PII service and decodes
// {"has_pii", "entities", "redacted_text"}.
//
// Thread Safety: Safe for concurrent use.
type HTTPChecker struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPChecker creates a checker. A zero timeout uses 3 seconds.
func NewHTTPChecker(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPChecker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPChecker{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Check implements Checker.
func (c *HTTPChecker) Check(ctx context.Context, text string) (Result, error) {
	if c.endpoint == "" {
		return Result{}, ErrNoEndpoint
	}
	ctx, span := piiTracer.Start(ctx, "pii.HTTPChecker.Check")
	defer span.End()
	start := time.Now()
	defer func() { piiCheckDuration.Observe(time.Since(start).Seconds()) }()

	res, err := c.post(ctx, text)
	if err != nil {
		piiChecksTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("pii check failed", slog.String("error", err.Error()))
		return Result{}, err
	}
	outcome := "clean"
	if res.HasPII {
		outcome = "found"
	}
	piiChecksTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Bool("has_pii", res.HasPII),
		attribute.Int("entities", len(res.Entities)),
	)
	return res, nil
}

func (c *HTTPChecker) post(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Result{}, fmt.Errorf("encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("pii service returned %d", resp.StatusCode)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decode: %w", err)
	}
	return res, nil
}

// =============================================================================
// Cached checker
// =============================================================================

// CachedChecker memoizes successful results of another checker for a short
// TTL. Errors are never cached. Keys are SHA-256 digests of the text so the
// cache does not hold raw queries.
//
// Thread Safety: Safe for concurrent use.
type CachedChecker struct {
	inner Checker
	cache *expirable.LRU[string, Result]
}

// NewCachedChecker wraps inner. Zero size or ttl use 512 entries and 2 minutes.
func NewCachedChecker(inner Checker, size int, ttl time.Duration) *CachedChecker {
	if size <= 0 {
		size = defaultCacheLen
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedChecker{
		inner: inner,
		cache: expirable.NewLRU[string, Result](size, nil, ttl),
	}
}

// Check implements Checker.
func (c *CachedChecker) Check(ctx context.Context, text string) (Result, error) {
	key := digest(text)
	if res, ok := c.cache.Get(key); ok {
		piiChecksTotal.WithLabelValues("cache_hit").Inc()
		return res, nil
	}
	res, err := c.inner.Check(ctx, text)
	if err != nil {
		return Result{}, err
	}
	c.cache.Add(key, res)
	return res, nil
}

// Len reports the number of cached results.
func (c *CachedChecker) Len() int { return c.cache.Len() }

func digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
