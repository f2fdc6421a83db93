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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSDocumentStore reads JSON documents stored as
// "<prefix>/<collection>/<ID>.json" objects in a Cloud Storage bucket.
//
// Thread Safety: Safe for concurrent use.
type GCSDocumentStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSDocumentStore creates a store over bucket. Credentials come from the
// client's environment; prefix scopes all object names and may be empty.
func NewGCSDocumentStore(client *storage.Client, bucket, prefix string) *GCSDocumentStore {
	return &GCSDocumentStore{bucket: client.Bucket(bucket), prefix: strings.Trim(prefix, "/")}
}

// Scan implements DocumentStore.
func (s *GCSDocumentStore) Scan(ctx context.Context, collection, prefix string, limit int) ([]Document, error) {
	if limit <= 0 {
		return nil, nil
	}
	base := gcsCollectionPrefix(s.prefix, collection)
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: base + strings.ToUpper(prefix)})

	var docs []Document
	for len(docs) < limit {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return docs, fmt.Errorf("gcs list %s: %w", base, err)
		}
		id, ok := gcsDocumentID(base, attrs.Name)
		if !ok {
			continue
		}
		fields, err := s.read(ctx, attrs.Name)
		if err != nil {
			return docs, err
		}
		if _, present := fields["url"]; !present && attrs.MediaLink != "" {
			fields["url"] = attrs.MediaLink
		}
		docs = append(docs, Document{Collection: collection, ID: id, Fields: fields})
	}
	return docs, nil
}

func (s *GCSDocumentStore) read(ctx context.Context, name string) (map[string]any, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs open %s: %w", name, err)
	}
	defer r.Close()
	raw, err := io.ReadAll(io.LimitReader(r, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", name, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("gcs decode %s: %w", name, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func gcsCollectionPrefix(root, collection string) string {
	if root == "" {
		return collection + "/"
	}
	return root + "/" + collection + "/"
}

// gcsDocumentID extracts the document ID from an object name. Only direct
// children ending in .json qualify.
func gcsDocumentID(base, name string) (string, bool) {
	if !strings.HasPrefix(name, base) || path.Ext(name) != ".json" {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, base), ".json")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
