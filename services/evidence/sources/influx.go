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
	"fmt"
	"os"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// InfluxConfig configures an InfluxEngine.
type InfluxConfig struct {
	URL      string `yaml:"url"`
	Org      string `yaml:"org"`
	TokenEnv string `yaml:"token_env"`
}

// InfluxEngine runs Flux queries against InfluxDB 2.x.
//
// Thread Safety: Safe for concurrent use.
type InfluxEngine struct {
	client influxdb2.Client
	org    string
}

// NewInfluxEngine creates an engine. The token is read once from TokenEnv.
func NewInfluxEngine(cfg InfluxConfig) *InfluxEngine {
	token := ""
	if cfg.TokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(cfg.TokenEnv))
	}
	return &InfluxEngine{client: influxdb2.NewClient(cfg.URL, token), org: cfg.Org}
}

// Dialect implements TimeSeriesEngine.
func (e *InfluxEngine) Dialect() Dialect { return DialectFlux }

// Query implements TimeSeriesEngine. Flux bookkeeping columns ("result",
// "table") are dropped from each record.
func (e *InfluxEngine) Query(ctx context.Context, text string) ([]map[string]any, error) {
	result, err := e.client.QueryAPI(e.org).Query(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer result.Close()

	var out []map[string]any
	for result.Next() {
		values := result.Record().Values()
		rec := make(map[string]any, len(values))
		for k, v := range values {
			if k == "result" || k == "table" {
				continue
			}
			rec[k] = v
		}
		out = append(out, rec)
	}
	if err := result.Err(); err != nil {
		return out, fmt.Errorf("influx read: %w", err)
	}
	return out, nil
}

// Close releases the client's resources.
func (e *InfluxEngine) Close() {
	e.client.Close()
}
