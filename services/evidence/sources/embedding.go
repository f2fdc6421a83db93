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
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	badgerstore "github.com/AleutianAI/AleutianEvidence/services/evidence/storage/badger"
	"github.com/AleutianAI/AleutianEvidence/services/llm"
)

// =============================================================================
// Embedders
// =============================================================================

// Embedder turns text into a vector.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model; it is part of every cache key.
	Model() string
}

// ErrEmptyEmbedding is returned when a backend returns no vector.
var ErrEmptyEmbedding = errors.New("empty embedding")

const (
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultOllamaEmbeddingModel = "nomic-embed-text-v2-moe"
)

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder. baseURL and model may be empty.
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIEmbeddingModel
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), model: model}
}

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// OllamaEmbedder embeds through a local Ollama server via langchaingo.
type OllamaEmbedder struct {
	embedder *embeddings.EmbedderImpl
	model    string
}

// NewOllamaEmbedder creates an embedder. serverURL falls back to
// OLLAMA_BASE_URL and then the local default; model defaults to
// nomic-embed-text-v2-moe.
func NewOllamaEmbedder(serverURL, model string) (*OllamaEmbedder, error) {
	if model == "" {
		model = defaultOllamaEmbeddingModel
	}
	client, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(llm.ResolveOllamaURL(serverURL)),
	)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	return &OllamaEmbedder{embedder: emb, model: model}, nil
}

// Model implements Embedder.
func (e *OllamaEmbedder) Model() string { return e.model }

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(vec) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return vec, nil
}

// =============================================================================
// Embedding Cache
// =============================================================================

var embeddingCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "evidence",
	Subsystem: "embedding_cache",
	Name:      "lookups_total",
	Help:      "Embedding cache lookups by tier that answered (memory, store, miss).",
}, []string{"tier"})

const defaultEmbeddingCacheSize = 1024

// EmbeddingStore persists vectors across restarts.
type EmbeddingStore interface {
	// LoadEmbedding returns (nil, nil) on a miss.
	LoadEmbedding(ctx context.Context, key string) ([]float32, error)
	SaveEmbedding(ctx context.Context, key string, vec []float32) error
}

// EmbeddingCache is a bounded LRU in front of an Embedder, optionally backed
// by a persistent EmbeddingStore.
//
// Description:
//
//	Keys are SHA-256 of model name and text, so switching models never
//	serves stale vectors. Persistence failures are logged and ignored.
//
// Thread Safety: Safe for concurrent use.
type EmbeddingCache struct {
	embedder Embedder
	memory   *lru.Cache[string, []float32]
	store    EmbeddingStore
	logger   *slog.Logger
}

// NewEmbeddingCache creates a cache. size <= 0 uses 1024; store may be nil.
func NewEmbeddingCache(embedder Embedder, size int, store EmbeddingStore, logger *slog.Logger) (*EmbeddingCache, error) {
	if size <= 0 {
		size = defaultEmbeddingCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	memory, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &EmbeddingCache{embedder: embedder, memory: memory, store: store, logger: logger}, nil
}

// Embed returns the cached vector for text or computes and caches it.
func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embeddingKey(c.embedder.Model(), text)
	if vec, ok := c.memory.Get(key); ok {
		embeddingCacheLookups.WithLabelValues("memory").Inc()
		return vec, nil
	}

	if c.store != nil {
		vec, err := c.store.LoadEmbedding(ctx, key)
		if err != nil {
			c.logger.Warn("embedding cache: store load failed", slog.String("error", err.Error()))
		} else if len(vec) > 0 {
			embeddingCacheLookups.WithLabelValues("store").Inc()
			c.memory.Add(key, vec)
			return vec, nil
		}
	}

	embeddingCacheLookups.WithLabelValues("miss").Inc()
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.memory.Add(key, vec)
	if c.store != nil {
		if err := c.store.SaveEmbedding(ctx, key, vec); err != nil {
			c.logger.Warn("embedding cache: store save failed", slog.String("error", err.Error()))
		}
	}
	return vec, nil
}

// Len returns the number of in-memory entries.
func (c *EmbeddingCache) Len() int { return c.memory.Len() }

func embeddingKey(model, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "model=%s\n", model)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// Badger Embedding Store
// =============================================================================

const (
	embeddingKeyPrefix = "evidence/emb/v1/"
	embeddingStoreTTL  = 7 * 24 * time.Hour
)

// BadgerEmbeddingStore persists gob-encoded vectors with a native Badger TTL.
// Expired keys read as misses.
//
// Thread Safety: Safe for concurrent use.
type BadgerEmbeddingStore struct {
	db  *badgerstore.DB
	ttl time.Duration
}

// NewBadgerEmbeddingStore wraps an opened DB. ttl <= 0 uses 7 days.
func NewBadgerEmbeddingStore(db *badgerstore.DB, ttl time.Duration) *BadgerEmbeddingStore {
	if ttl <= 0 {
		ttl = embeddingStoreTTL
	}
	return &BadgerEmbeddingStore{db: db, ttl: ttl}
}

// LoadEmbedding implements EmbeddingStore.
func (s *BadgerEmbeddingStore) LoadEmbedding(ctx context.Context, key string) ([]float32, error) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(embeddingKeyPrefix + key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedding store load: %w", err)
	}
	var vec []float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vec); err != nil {
		return nil, fmt.Errorf("embedding store decode: %w", err)
	}
	return vec, nil
}

// SaveEmbedding implements EmbeddingStore.
func (s *BadgerEmbeddingStore) SaveEmbedding(ctx context.Context, key string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vec); err != nil {
		return fmt.Errorf("embedding store encode: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry([]byte(embeddingKeyPrefix+key), buf.Bytes()).WithTTL(s.ttl))
	})
}

// EmbeddingEntry describes one persisted vector.
type EmbeddingEntry struct {
	Key       string
	Dims      int
	Size      int
	ExpiresAt time.Time
	Vector    []float32
	Err       error
}

// Entries lists every persisted vector in key order. Values that fail to
// decode are returned with Err set.
func (s *BadgerEmbeddingStore) Entries(ctx context.Context) ([]EmbeddingEntry, error) {
	var out []EmbeddingEntry
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(embeddingKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			e := EmbeddingEntry{Key: string(item.Key()[len(embeddingKeyPrefix):])}
			if exp := item.ExpiresAt(); exp > 0 {
				e.ExpiresAt = time.Unix(int64(exp), 0)
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.Err = fmt.Errorf("copy value: %w", err)
				out = append(out, e)
				continue
			}
			e.Size = len(raw)
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e.Vector); err != nil {
				e.Err = fmt.Errorf("decode: %w", err)
			}
			e.Dims = len(e.Vector)
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding store scan: %w", err)
	}
	return out, nil
}
