package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/consolidate"
	"github.com/policy-agent/backend/internal/retrieval"
	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/internal/storage/sqlite"
	"github.com/policy-agent/backend/pkg/logger"
	"github.com/policy-agent/backend/pkg/timeparse"
)

type SearchHandler struct {
	orchestrator *retrieval.Orchestrator
	registry     *sqlite.Client
}

func NewSearchHandler(orchestrator *retrieval.Orchestrator, registry *sqlite.Client) *SearchHandler {
	return &SearchHandler{
		orchestrator: orchestrator,
		registry:     registry,
	}
}

type candidateResponse struct {
	ChunkID     string   `json:"chunk_id"`
	DocID       string   `json:"doc_id"`
	ChunkIndex  int      `json:"chunk_index"`
	Title       string   `json:"title"`
	Timestamp   string   `json:"timestamp"`
	Content     string   `json:"content"`
	Similarity  float64  `json:"similarity"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	TimeBonus   float64  `json:"time_bonus,omitempty"`
	FinalScore  float64  `json:"final_score,omitempty"`
	QueryIndex  int      `json:"query_index,omitempty"`
}

type mergedResponse struct {
	DocID         string  `json:"doc_id"`
	Title         string  `json:"title"`
	Timestamp     string  `json:"timestamp"`
	Content       string  `json:"content"`
	ChunkCount    int     `json:"chunk_count"`
	AvgSimilarity float64 `json:"avg_similarity"`
}

func (h *SearchHandler) HandleSearch(c *fiber.Ctx) error {
	var req struct {
		Query              string `json:"query"`
		CoarseK            int    `json:"coarse_k"`
		PreciseK           int    `json:"precise_k"`
		UseReranker        *bool  `json:"use_reranker"`
		BeforeTimestamp    string `json:"before_timestamp"`
		AfterTimestamp     string `json:"after_timestamp"`
		AllowSameDay       *bool  `json:"allow_same_day"`
		ExcludeDocID       string `json:"exclude_doc_id"`
		ExcludeTitle       string `json:"exclude_title"`
		ExcludeTimestamp   string `json:"exclude_timestamp"`
		DedupTopK          int    `json:"dedup_top_k"`
		ReferenceTimestamp string `json:"reference_timestamp"`
		MergeByDoc         bool   `json:"merge_by_doc"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	start := time.Now()

	searchReq := retrieval.SearchRequest{
		Query:       req.Query,
		CoarseK:     req.CoarseK,
		PreciseK:    req.PreciseK,
		UseReranker: boolOrDefault(req.UseReranker, true),
		Filters: retrieval.Filters{
			BeforeTimestamp:  req.BeforeTimestamp,
			AfterTimestamp:   req.AfterTimestamp,
			AllowSameDay:     boolOrDefault(req.AllowSameDay, true),
			ExcludeDocID:     req.ExcludeDocID,
			ExcludeTitle:     req.ExcludeTitle,
			ExcludeTimestamp: req.ExcludeTimestamp,
		},
	}

	candidates, err := h.orchestrator.Search(c.Context(), searchReq)
	if err != nil {
		logger.Error("Search failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Search failed",
		})
	}

	if req.DedupTopK > 0 {
		reference := referenceTime(req.ReferenceTimestamp, req.ExcludeTimestamp)
		candidates = consolidate.DedupAndWeight(candidates, reference, req.DedupTopK)
	}

	if req.MergeByDoc {
		merged := consolidate.MergeByDoc(candidates)
		return c.JSON(fiber.Map{
			"query":      req.Query,
			"documents":  toMergedResponses(merged),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}

	return c.JSON(fiber.Map{
		"query":      req.Query,
		"results":    toCandidateResponses(candidates),
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func (h *SearchHandler) HandleMultiSearch(c *fiber.Ctx) error {
	var req struct {
		Fragments    []string `json:"fragments"`
		PerQueryK    int      `json:"per_query_k"`
		GlobalK      int      `json:"global_k"`
		UseReranker  *bool    `json:"use_reranker"`
		ExcludeDocID string   `json:"exclude_doc_id"`
		MergeByDoc   bool     `json:"merge_by_doc"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Fragments) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one query fragment is required",
		})
	}

	start := time.Now()

	candidates, err := h.orchestrator.SearchMultiQuery(c.Context(), retrieval.MultiQueryRequest{
		Fragments:    req.Fragments,
		PerQueryK:    req.PerQueryK,
		GlobalK:      req.GlobalK,
		ExcludeDocID: req.ExcludeDocID,
		UseReranker:  boolOrDefault(req.UseReranker, true),
	})
	if err != nil {
		logger.Error("Multi-query search failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Search failed",
		})
	}

	if req.MergeByDoc {
		merged := consolidate.MergeByDoc(candidates)
		return c.JSON(fiber.Map{
			"fragments":  req.Fragments,
			"documents":  toMergedResponses(merged),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}

	return c.JSON(fiber.Map{
		"fragments":  req.Fragments,
		"results":    toCandidateResponses(candidates),
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func (h *SearchHandler) GetSearchHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	records, err := h.registry.RecentSearches(limit)
	if err != nil {
		logger.Error("Failed to load search history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load search history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		history = append(history, fiber.Map{
			"id":           r.ID,
			"query":        r.QueryText,
			"mode":         r.Mode,
			"result_count": r.ResultCount,
			"latency_ms":   r.LatencyMS,
			"created_at":   r.CreatedAt.Format(time.RFC3339),
		})
	}

	return c.JSON(fiber.Map{
		"history": history,
	})
}

// referenceTime picks the anchor for recency weighting: an explicit
// reference, else the querying document's own date, else now.
func referenceTime(reference, excludeTimestamp string) time.Time {
	if t, ok := timeparse.Parse(reference); ok {
		return t
	}
	if t, ok := timeparse.Parse(excludeTimestamp); ok {
		return t
	}
	return time.Now()
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func toCandidateResponses(candidates []models.ScoredCandidate) []candidateResponse {
	out := make([]candidateResponse, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, candidateResponse{
			ChunkID:     cand.ChunkID,
			DocID:       cand.DocID,
			ChunkIndex:  cand.ChunkIndex,
			Title:       cand.Title,
			Timestamp:   cand.Timestamp,
			Content:     cand.Content,
			Similarity:  cand.Similarity,
			RerankScore: cand.RerankScore,
			TimeBonus:   cand.TimeBonus,
			FinalScore:  cand.FinalScore,
			QueryIndex:  cand.QueryIndex,
		})
	}
	return out
}

func toMergedResponses(merged []models.ConsolidatedResult) []mergedResponse {
	out := make([]mergedResponse, 0, len(merged))
	for _, doc := range merged {
		out = append(out, mergedResponse{
			DocID:         doc.DocID,
			Title:         doc.Title,
			Timestamp:     doc.Timestamp,
			Content:       doc.Content,
			ChunkCount:    doc.ChunkCount,
			AvgSimilarity: doc.AvgSimilarity,
		})
	}
	return out
}
