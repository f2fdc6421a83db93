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
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateConfig configures a WeaviateIndex.
type WeaviateConfig struct {
	// Host is host:port, e.g. "localhost:8080".
	Host string `yaml:"host"`

	// Scheme is "http" or "https". Empty uses http.
	Scheme string `yaml:"scheme"`

	// Properties are the object properties returned with each hit.
	Properties []string `yaml:"properties"`
}

var defaultWeaviateProperties = []string{"title", "content", "source", "evidence_type", "observed_at", "url"}

// WeaviateIndex runs nearVector searches through Weaviate GraphQL.
//
// Thread Safety: Safe for concurrent use.
type WeaviateIndex struct {
	client     *weaviate.Client
	properties []string
}

// NewWeaviateIndex creates an index client.
func NewWeaviateIndex(cfg WeaviateConfig) (*WeaviateIndex, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if len(cfg.Properties) == 0 {
		cfg.Properties = defaultWeaviateProperties
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, properties: cfg.Properties}, nil
}

// Search implements VectorIndex. Score is Weaviate's certainty in [0, 1].
func (w *WeaviateIndex) Search(ctx context.Context, class string, vector []float32, limit int) ([]VectorHit, error) {
	fields := make([]graphql.Field, 0, len(w.properties)+1)
	for _, p := range w.properties {
		fields = append(fields, graphql.Field{Name: p})
	}
	fields = append(fields, graphql.Field{
		Name: "_additional",
		Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		},
	})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	resp, err := w.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate get %s: %w", class, err)
	}
	return parseWeaviateHits(resp, class)
}

func parseWeaviateHits(resp *models.GraphQLResponse, class string) ([]VectorHit, error) {
	if resp == nil {
		return nil, nil
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("weaviate: %s", strings.Join(msgs, "; "))
	}

	get, _ := resp.Data["Get"].(map[string]any)
	objects, _ := get[class].([]any)
	hits := make([]VectorHit, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		hit := VectorHit{Fields: make(map[string]any, len(obj))}
		for k, v := range obj {
			if k == "_additional" {
				continue
			}
			hit.Fields[k] = v
		}
		if extra, ok := obj["_additional"].(map[string]any); ok {
			hit.ID, _ = extra["id"].(string)
			if c, ok := extra["certainty"].(float64); ok {
				hit.Score = c
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
