// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// chatTracerName is the shared OTel tracer name for all ChatClient adapters.
const chatTracerName = "evidence.llm"

// Package-level Prometheus metrics for ChatClient calls.
var (
	// chatCallDuration measures the duration of ChatClient API calls.
	//
	// Labels:
	//   - provider: "anthropic", "openai", "ollama"
	//   - status: "success" or "error"
	chatCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evidence",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of ChatClient API calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// chatErrorsTotal counts ChatClient errors by type.
	chatErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evidence",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total ChatClient errors by type.",
		},
		[]string{"provider", "error_type"},
	)
)

// classifyChatError maps an error to a label-safe error type string.
//
// Outputs:
//
//	string - One of: "timeout", "auth", "rate_limit", "server", "empty",
//	         "unknown". Returns empty string for nil error.
func classifyChatError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "empty response"):
		return "empty"
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "context canceled"),
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"):
		return "rate_limit"
	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "server error"):
		return "server"
	default:
		return "unknown"
	}
}

// startChatSpan opens the per-call span every adapter records.
func startChatSpan(ctx context.Context, provider string, messages []Message, opts ChatOptions) (context.Context, trace.Span) {
	return otel.Tracer(chatTracerName).Start(ctx, "llm."+provider+".Chat",
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.Int("message_count", len(messages)),
			attribute.Float64("temperature", opts.Temperature),
			attribute.Bool("json_mode", opts.JSONMode),
		),
	)
}

// finishChat records metrics and span status for a completed call.
func finishChat(span trace.Span, provider string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, Redact(err.Error()))
		chatErrorsTotal.WithLabelValues(provider, classifyChatError(err)).Inc()
	}
	chatCallDuration.WithLabelValues(provider, status).Observe(time.Since(started).Seconds())
}
