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
	"fmt"
	"log/slog"
	"strings"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
	badgerstore "github.com/AleutianAI/AleutianEvidence/services/evidence/storage/badger"
)

// =============================================================================
// Document Store Contract
// =============================================================================

// Document is one stored record.
type Document struct {
	Collection string
	ID         string
	Fields     map[string]any
}

// DocumentStore looks up documents by collection and id prefix.
//
// Thread Safety: Implementations must be safe for concurrent use.
type DocumentStore interface {
	// Scan returns up to limit documents in collection whose id starts with
	// prefix. An empty prefix scans the collection.
	Scan(ctx context.Context, collection, prefix string, limit int) ([]Document, error)
}

const (
	defaultDocumentLimit = 50
	maxDocumentPrefixes  = 16
)

// =============================================================================
// Document Adapter
// =============================================================================

// DocumentAdapter serves NOSQL lookups.
//
// Description:
//
//	The collection is the "collection" param, else the call's evidence
//	type. Lookup keys are the "keys" param, else the plan's airports and
//	flight ids, else identifier tokens in the query text; each key is a
//	prefix scan. With no keys at all the collection is scanned up to the
//	limit. Every document yields one row and one citation.
//
// Thread Safety: Safe for concurrent use.
type DocumentAdapter struct {
	store  DocumentStore
	limit  int
	logger *slog.Logger
}

// NewDocumentAdapter creates an adapter. A nil store makes it blocked.
func NewDocumentAdapter(store DocumentStore, limit int, logger *slog.Logger) *DocumentAdapter {
	if limit <= 0 {
		limit = defaultDocumentLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentAdapter{store: store, limit: limit, logger: logger}
}

// Kind implements Adapter.
func (a *DocumentAdapter) Kind() plan.ToolKind { return plan.ToolNoSQL }

// Mode implements Adapter.
func (a *DocumentAdapter) Mode() Mode {
	if a.store == nil {
		return ModeBlocked
	}
	return ModeLive
}

// Retrieve implements Adapter.
func (a *DocumentAdapter) Retrieve(ctx context.Context, req Request) (Retrieval, error) {
	collection := paramString(req.Params, ParamCollection)
	if collection == "" {
		collection = paramString(req.Params, plan.ParamEvidenceType)
	}
	if collection == "" {
		return Retrieval{}, validationFailed(plan.ToolNoSQL, "no collection or evidence_type param")
	}
	limit := paramInt(req.Params, ParamLimit, a.limit)
	if limit <= 0 || limit > a.limit {
		limit = a.limit
	}

	keys := documentKeys(req)
	var docs []Document
	seen := make(map[string]bool)
	scan := func(prefix string) error {
		found, err := a.store.Scan(ctx, collection, prefix, limit-len(docs))
		if err != nil {
			return err
		}
		for _, d := range found {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			docs = append(docs, d)
		}
		return nil
	}

	if len(keys) == 0 {
		if err := scan(""); err != nil {
			return Retrieval{}, runtimeError(plan.ToolNoSQL, "scan "+collection, err)
		}
	}
	for _, key := range keys {
		if len(docs) >= limit {
			break
		}
		if err := scan(key); err != nil {
			return Retrieval{}, runtimeError(plan.ToolNoSQL, fmt.Sprintf("scan %s/%s", collection, key), err)
		}
	}

	out := Retrieval{
		Rows:      make([]plan.Row, 0, len(docs)),
		Citations: make([]plan.Citation, 0, len(docs)),
	}
	for _, d := range docs {
		fields := make(map[string]any, len(d.Fields)+1)
		for k, v := range d.Fields {
			fields[k] = v
		}
		if _, ok := fields["id"]; !ok {
			fields["id"] = d.ID
		}
		out.Rows = append(out.Rows, plan.NewRow(fields))
		out.Citations = append(out.Citations, plan.Citation{
			Source:     plan.ToolNoSQL,
			CallID:     req.CallID,
			Identifier: d.Collection + "/" + d.ID,
			Title:      stringOf(fields["title"]),
			URL:        stringOf(fields["url"]),
			Snippet:    truncateText(firstText(fields), 200),
		})
	}
	return out, nil
}

func documentKeys(req Request) []string {
	if keys := paramStrings(req.Params, ParamKeys); len(keys) > 0 {
		return dedupeStrings(keys)
	}
	keys := append(req.Entities.Of(plan.EntityAirport), req.Entities.Of(plan.EntityFlight)...)
	if len(keys) == 0 {
		keys = identifierTokens(req.Query, maxDocumentPrefixes)
	}
	keys = dedupeStrings(keys)
	if len(keys) > maxDocumentPrefixes {
		keys = keys[:maxDocumentPrefixes]
	}
	return keys
}

func stringOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// firstText returns the first non-empty text-like field.
func firstText(fields map[string]any) string {
	for _, key := range []string{"content", "text", "body", "summary", "raw", "message"} {
		if s := stringOf(fields[key]); s != "" {
			return s
		}
	}
	return ""
}

// =============================================================================
// Badger Document Store
// =============================================================================

const documentKeyPrefix = "doc/"

// BadgerDocumentStore keeps JSON documents under "doc/<collection>/<ID>".
// IDs are upper-cased on write and prefix scans are upper-cased to match.
//
// Thread Safety: Safe for concurrent use.
type BadgerDocumentStore struct {
	db *badgerstore.DB
}

// NewBadgerDocumentStore wraps an opened DB. The caller owns the DB.
func NewBadgerDocumentStore(db *badgerstore.DB) *BadgerDocumentStore {
	return &BadgerDocumentStore{db: db}
}

func documentKey(collection, id string) []byte {
	return []byte(documentKeyPrefix + collection + "/" + strings.ToUpper(id))
}

// Put stores fields under collection/id.
func (s *BadgerDocumentStore) Put(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("document store: encode %s/%s: %w", collection, id, err)
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(documentKey(collection, id), raw)
	})
}

// Scan implements DocumentStore.
func (s *BadgerDocumentStore) Scan(ctx context.Context, collection, prefix string, limit int) ([]Document, error) {
	if limit <= 0 {
		return nil, nil
	}
	collectionPrefix := documentKeyPrefix + collection + "/"
	scanPrefix := []byte(collectionPrefix + strings.ToUpper(prefix))

	var docs []Document
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = scanPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value: %w", err)
			}
			var fields map[string]any
			if err := json.Unmarshal(raw, &fields); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			docs = append(docs, Document{
				Collection: collection,
				ID:         strings.TrimPrefix(string(item.KeyCopy(nil)), collectionPrefix),
				Fields:     fields,
			})
			if len(docs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("document store: scan %s: %w", collection, err)
	}
	return docs, nil
}
