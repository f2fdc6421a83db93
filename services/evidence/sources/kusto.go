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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// KustoConfig configures a KustoEngine.
type KustoConfig struct {
	// Endpoint is the cluster URL, e.g. https://ops.kusto.example.net.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database.
	Database string `yaml:"database"`

	// TokenEnv names an environment variable holding a bearer token,
	// re-read on every call.
	TokenEnv string `yaml:"token_env"`

	// Timeout bounds each query. Zero uses 30 seconds.
	Timeout time.Duration `yaml:"timeout"`
}

// KustoEngine runs KQL over the Kusto v1 REST query endpoint.
//
// Thread Safety: Safe for concurrent use.
type KustoEngine struct {
	cfg    KustoConfig
	client *http.Client
}

// NewKustoEngine creates an engine.
func NewKustoEngine(cfg KustoConfig) *KustoEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &KustoEngine{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Dialect implements TimeSeriesEngine.
func (e *KustoEngine) Dialect() Dialect { return DialectKQL }

type kustoRequest struct {
	DB  string `json:"db"`
	CSL string `json:"csl"`
}

type kustoResponse struct {
	Tables []struct {
		TableName string `json:"TableName"`
		Columns   []struct {
			ColumnName string `json:"ColumnName"`
			DataType   string `json:"DataType"`
		} `json:"Columns"`
		Rows [][]any `json:"Rows"`
	} `json:"Tables"`
}

// Query implements TimeSeriesEngine. Only the first result table is read.
func (e *KustoEngine) Query(ctx context.Context, text string) ([]map[string]any, error) {
	body, err := json.Marshal(kustoRequest{DB: e.cfg.Database, CSL: text})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	url := strings.TrimRight(e.cfg.Endpoint, "/") + "/v1/rest/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.cfg.TokenEnv != "" {
		if token := strings.TrimSpace(os.Getenv(e.cfg.TokenEnv)); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kusto post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kusto returned %d: %s", resp.StatusCode, truncateText(string(raw), 300))
	}

	var decoded kustoResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(decoded.Tables) == 0 {
		return nil, nil
	}
	table := decoded.Tables[0]
	out := make([]map[string]any, 0, len(table.Rows))
	for _, values := range table.Rows {
		rec := make(map[string]any, len(table.Columns))
		for i, col := range table.Columns {
			if i < len(values) {
				rec[col.ColumnName] = values[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
