// Package cache defines the key-value store the pipeline uses for
// memoizing expensive collaborator calls. The store is injected
// explicitly; nothing in the pipeline touches a global cache handle.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/pkg/utils"
)

// Store is a minimal KV contract with explicit lifecycle. Get reports a
// miss via ok=false, never via an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// ClassificationCache memoizes classifier output keyed by a hash of the
// document content, so re-ingesting an unchanged document skips the LLM
// round-trip.
type ClassificationCache struct {
	store Store
	ttl   time.Duration
}

func NewClassificationCache(store Store, ttl time.Duration) *ClassificationCache {
	return &ClassificationCache{store: store, ttl: ttl}
}

func (c *ClassificationCache) Get(ctx context.Context, content string) (*models.Classification, bool, error) {
	data, ok, err := c.store.Get(ctx, classificationKey(content))
	if err != nil || !ok {
		return nil, false, err
	}

	var result models.Classification
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached classification: %w", err)
	}
	return &result, true, nil
}

func (c *ClassificationCache) Put(ctx context.Context, content string, result *models.Classification) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal classification: %w", err)
	}
	return c.store.Set(ctx, classificationKey(content), data, c.ttl)
}

// EmbeddingCache memoizes query-text embeddings. Comparison flows issue
// the same fragment queries repeatedly; a hit spares an embedding call.
type EmbeddingCache struct {
	store Store
	ttl   time.Duration
}

func NewEmbeddingCache(store Store, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{store: store, ttl: ttl}
}

func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool, error) {
	data, ok, err := c.store.Get(ctx, embeddingKey(text))
	if err != nil || !ok {
		return nil, false, err
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached embedding: %w", err)
	}
	return embedding, true, nil
}

func (c *EmbeddingCache) Put(ctx context.Context, text string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return c.store.Set(ctx, embeddingKey(text), data, c.ttl)
}

func classificationKey(content string) string {
	return "classification:" + utils.HashString(content)
}

func embeddingKey(text string) string {
	return "embedding:" + utils.HashString(text)
}
