// Package retrieval runs the two-stage search pipeline: coarse vector
// recall against the passage store, then an optional cross-encoder
// precision pass. Reranking is degrade-not-fail; a broken reranker never
// costs the caller the coarse results.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/cache"
	"github.com/policy-agent/backend/internal/metrics"
	"github.com/policy-agent/backend/internal/rerank"
	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/internal/vector/milvus"
	"github.com/policy-agent/backend/pkg/logger"
	"github.com/policy-agent/backend/pkg/timeparse"
)

// PassageStore is the slice of the vector store the orchestrator needs.
// *milvus.Client satisfies it.
type PassageStore interface {
	Search(ctx context.Context, embedding []float32, topK int, filter *milvus.SearchFilter) ([]models.ScoredCandidate, error)
}

// Embedder maps text to unit-normalized vectors. *llm.Client satisfies it.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// History records completed searches; a nil History disables recording.
type History interface {
	InsertSearchRecord(record *models.SearchRecord) error
}

// Config carries the default fan-in/fan-out widths. Request fields
// override them per call.
type Config struct {
	CoarseK   int
	PreciseK  int
	PerQueryK int
	GlobalK   int
}

type Orchestrator struct {
	store    PassageStore
	embedder Embedder
	reranker rerank.Service
	embCache *cache.EmbeddingCache
	history  History
	cfg      Config
}

// NewOrchestrator wires the retrieval pipeline. embCache and history may
// be nil; the reranker may be a disabled service.
func NewOrchestrator(store PassageStore, embedder Embedder, reranker rerank.Service, embCache *cache.EmbeddingCache, history History, cfg Config) *Orchestrator {
	if cfg.CoarseK <= 0 {
		cfg.CoarseK = 300
	}
	if cfg.PreciseK <= 0 {
		cfg.PreciseK = 50
	}
	if cfg.PerQueryK <= 0 {
		cfg.PerQueryK = 100
	}
	return &Orchestrator{
		store:    store,
		embedder: embedder,
		reranker: reranker,
		embCache: embCache,
		history:  history,
		cfg:      cfg,
	}
}

// Filters narrows a single-query search. Timestamp bounds compare on the
// YYYY-MM-DD prefix inside the store; the exclusion pair removes the
// querying document from its own results even when its doc_id is not in
// the store yet.
type Filters struct {
	BeforeTimestamp  string
	AfterTimestamp   string
	AllowSameDay     bool
	ExcludeDocID     string
	ExcludeTitle     string
	ExcludeTimestamp string
}

type SearchRequest struct {
	Query       string
	CoarseK     int
	PreciseK    int
	UseReranker bool
	Filters     Filters
}

// Search runs one query through coarse recall, self-exclusion and the
// optional precision pass. Results are ordered by rerank score when the
// precision pass ran, by similarity otherwise; ties keep coarse order.
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest) ([]models.ScoredCandidate, error) {
	start := time.Now()

	coarseK := req.CoarseK
	if coarseK <= 0 {
		coarseK = o.cfg.CoarseK
	}
	preciseK := req.PreciseK
	if preciseK <= 0 {
		preciseK = o.cfg.PreciseK
	}

	embedding, err := o.embedQuery(ctx, req.Query)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues("single", "error").Inc()
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filter := storeFilter(req.Filters)
	coarseStart := time.Now()
	candidates, err := o.store.Search(ctx, embedding, coarseK, filter)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues("single", "error").Inc()
		return nil, fmt.Errorf("failed to search passage store: %w", err)
	}
	metrics.SearchStageDuration.WithLabelValues("coarse").Observe(time.Since(coarseStart).Seconds())

	candidates = applyExclusions(candidates, req.Filters)

	logger.Debug("Coarse recall completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("coarse_k", coarseK),
	)

	results := o.precisionPass(ctx, req.Query, candidates, preciseK, req.UseReranker)

	o.recordSearch(req.Query, "single", len(results), start)
	metrics.SearchesTotal.WithLabelValues("single", "ok").Inc()
	metrics.SearchResultsCount.Observe(float64(len(results)))

	return results, nil
}

type MultiQueryRequest struct {
	Fragments    []string
	PerQueryK    int
	GlobalK      int
	ExcludeDocID string
	UseReranker  bool
}

// SearchMultiQuery fans the fragments out as independent searches and
// merges the hits by chunk_id, keeping the best similarity seen for each
// chunk along with the fragment that produced it. Long queries diluted
// into one embedding lose fine-grained signal; per-fragment recall keeps
// it, and the optional global rerank over the joined fragments restores
// a single coherent ranking. A fragment whose search fails contributes
// nothing; the remaining fragments proceed.
func (o *Orchestrator) SearchMultiQuery(ctx context.Context, req MultiQueryRequest) ([]models.ScoredCandidate, error) {
	if len(req.Fragments) == 0 {
		return nil, nil
	}
	start := time.Now()

	perQueryK := req.PerQueryK
	if perQueryK <= 0 {
		perQueryK = o.cfg.PerQueryK
	}

	embedStart := time.Now()
	embeddings, err := o.embedder.GenerateBatchEmbeddings(ctx, req.Fragments)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues("multi", "error").Inc()
		return nil, fmt.Errorf("failed to embed query fragments: %w", err)
	}
	metrics.SearchStageDuration.WithLabelValues("embed").Observe(time.Since(embedStart).Seconds())

	merged := make([]models.ScoredCandidate, 0, len(req.Fragments)*perQueryK)
	byChunkID := make(map[string]int)
	failed := 0

	for i, embedding := range embeddings {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		hits, err := o.store.Search(ctx, embedding, perQueryK, nil)
		if err != nil {
			failed++
			logger.Warn("Fragment search failed, continuing with remaining fragments",
				zap.Int("fragment", i),
				zap.Error(err),
			)
			continue
		}

		for _, hit := range hits {
			if req.ExcludeDocID != "" && hit.DocID == req.ExcludeDocID {
				continue
			}
			hit.QueryIndex = i

			if j, ok := byChunkID[hit.ChunkID]; ok {
				if hit.Similarity > merged[j].Similarity {
					merged[j] = hit
				}
				continue
			}
			byChunkID[hit.ChunkID] = len(merged)
			merged = append(merged, hit)
		}
	}

	if failed == len(req.Fragments) {
		metrics.SearchesTotal.WithLabelValues("multi", "error").Inc()
		return nil, fmt.Errorf("all %d fragment searches failed", failed)
	}

	sortBySimilarity(merged)

	logger.Info("Fan-out search merged",
		zap.Int("fragments", len(req.Fragments)),
		zap.Int("failed_fragments", failed),
		zap.Int("merged_chunks", len(merged)),
	)

	if req.GlobalK > 0 {
		fullQuery := strings.Join(req.Fragments, "\n")
		merged = o.precisionPass(ctx, fullQuery, merged, req.GlobalK, req.UseReranker)
	}

	o.recordSearch(strings.Join(req.Fragments, " | "), "multi", len(merged), start)
	metrics.SearchesTotal.WithLabelValues("multi", "ok").Inc()
	metrics.SearchResultsCount.Observe(float64(len(merged)))

	return merged, nil
}

// precisionPass reranks candidates down to topK when the reranker is
// enabled and the set is larger than topK; otherwise (or on any rerank
// failure) it keeps the incoming order and truncates.
func (o *Orchestrator) precisionPass(ctx context.Context, query string, candidates []models.ScoredCandidate, topK int, useReranker bool) []models.ScoredCandidate {
	if topK <= 0 || len(candidates) == 0 {
		return candidates
	}

	wantRerank := useReranker && o.reranker != nil && o.reranker.IsEnabled() && len(candidates) > topK
	if !wantRerank {
		if len(candidates) > topK {
			return candidates[:topK]
		}
		return candidates
	}

	passages := make([]string, len(candidates))
	for i := range candidates {
		passages[i] = candidates[i].Content
	}

	rerankStart := time.Now()
	scored, err := o.reranker.Rerank(ctx, query, passages, topK)
	if err != nil {
		metrics.RerankFallbacks.Inc()
		logger.Warn("Rerank failed, falling back to coarse ordering", zap.Error(err))
		return candidates[:topK]
	}
	metrics.SearchStageDuration.WithLabelValues("rerank").Observe(time.Since(rerankStart).Seconds())

	results := make([]models.ScoredCandidate, 0, len(scored))
	for _, r := range scored {
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		cand := candidates[r.Index]
		score := float64(r.Score)
		cand.RerankScore = &score
		results = append(results, cand)
	}
	if len(results) > topK {
		results = results[:topK]
	}

	logger.Debug("Precision pass completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(results)),
	)

	return results
}

// embedQuery returns the query vector, consulting the embedding cache
// when one is wired. Cache failures only cost the memoization.
func (o *Orchestrator) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if o.embCache != nil {
		if vec, ok, err := o.embCache.Get(ctx, query); err == nil && ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return vec, nil
		} else if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}

	embedStart := time.Now()
	vec, err := o.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	metrics.SearchStageDuration.WithLabelValues("embed").Observe(time.Since(embedStart).Seconds())

	if o.embCache != nil {
		if err := o.embCache.Put(ctx, query, vec); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return vec, nil
}

func (o *Orchestrator) recordSearch(query, mode string, resultCount int, start time.Time) {
	if o.history == nil {
		return
	}
	record := &models.SearchRecord{
		ID:          uuid.New().String(),
		QueryText:   query,
		Mode:        mode,
		ResultCount: resultCount,
		LatencyMS:   int(time.Since(start).Milliseconds()),
		CreatedAt:   time.Now(),
	}
	if err := o.history.InsertSearchRecord(record); err != nil {
		logger.Warn("Failed to record search history", zap.Error(err))
	}
}

func storeFilter(f Filters) *milvus.SearchFilter {
	if f.BeforeTimestamp == "" && f.AfterTimestamp == "" {
		return nil
	}
	return &milvus.SearchFilter{
		Before:       f.BeforeTimestamp,
		After:        f.AfterTimestamp,
		AllowSameDay: f.AllowSameDay,
	}
}

// applyExclusions drops the querying document from its own candidate
// set: exact doc_id match, and the (title, timestamp-date) pair for
// documents the store knows under a different or missing doc_id.
func applyExclusions(candidates []models.ScoredCandidate, f Filters) []models.ScoredCandidate {
	if f.ExcludeDocID == "" && f.ExcludeTitle == "" {
		return candidates
	}

	excludeDate := ""
	if f.ExcludeTitle != "" && f.ExcludeTimestamp != "" {
		excludeDate = timeparse.DatePrefix(f.ExcludeTimestamp)
	}

	kept := candidates[:0]
	excluded := 0
	for _, cand := range candidates {
		if f.ExcludeDocID != "" && cand.DocID == f.ExcludeDocID {
			excluded++
			continue
		}
		if excludeDate != "" && cand.Title == f.ExcludeTitle && timeparse.DatePrefix(cand.Timestamp) == excludeDate {
			excluded++
			continue
		}
		kept = append(kept, cand)
	}

	if excluded > 0 {
		logger.Debug("Excluded querying document from results", zap.Int("excluded", excluded))
	}
	return kept
}

func sortBySimilarity(candidates []models.ScoredCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
}
