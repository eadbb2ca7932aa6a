// Package evaluation measures retrieval quality against a labeled query
// set. Each dataset item names the document a query is expected to
// surface; the report aggregates hit rate and ranking metrics over the
// whole set.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/retrieval"
	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/pkg/logger"
)

// Searcher runs the two-stage retrieval pipeline.
type Searcher interface {
	Search(ctx context.Context, req retrieval.SearchRequest) ([]models.ScoredCandidate, error)
}

type Config struct {
	// TopK is the cutoff the hit rate is measured at.
	TopK        int
	UseReranker bool
}

type Evaluator struct {
	searcher Searcher
	cfg      Config
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

// DatasetItem labels one query with the document expected among its
// results, addressed by doc_id or by exact title.
type DatasetItem struct {
	Query         string `json:"query"`
	ExpectedDocID string `json:"expected_doc_id"`
	ExpectedTitle string `json:"expected_title"`
}

type ItemResult struct {
	Query          string
	Hit            bool
	Rank           int // 1-based rank of the expected document, 0 on a miss
	ReciprocalRank float64
	TopDocID       string
	TopTitle       string
}

type Report struct {
	TotalQueries int
	Evaluated    int
	Failed       int
	Hits         int
	HitRate      float64
	MRR          float64
	MeanHitRank  float64
	TopK         int
}

func NewEvaluator(searcher Searcher, cfg Config) *Evaluator {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	return &Evaluator{
		searcher: searcher,
		cfg:      cfg,
	}
}

// EvaluateQuery runs one labeled query and reports where the expected
// document landed.
func (e *Evaluator) EvaluateQuery(ctx context.Context, item DatasetItem) (*ItemResult, error) {
	if item.Query == "" {
		return nil, fmt.Errorf("dataset item has no query")
	}
	if item.ExpectedDocID == "" && item.ExpectedTitle == "" {
		return nil, fmt.Errorf("dataset item %q names no expected document", item.Query)
	}

	results, err := e.searcher.Search(ctx, retrieval.SearchRequest{
		Query:       item.Query,
		PreciseK:    e.cfg.TopK,
		UseReranker: e.cfg.UseReranker,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	res := &ItemResult{Query: item.Query}
	if len(results) > 0 {
		res.TopDocID = results[0].DocID
		res.TopTitle = results[0].Title
	}

	for i, cand := range results {
		if matches(item, cand) {
			res.Hit = true
			res.Rank = i + 1
			res.ReciprocalRank = 1.0 / float64(i+1)
			break
		}
	}

	return res, nil
}

func matches(item DatasetItem, cand models.ScoredCandidate) bool {
	if item.ExpectedDocID != "" && cand.DocID == item.ExpectedDocID {
		return true
	}
	if item.ExpectedTitle != "" && cand.Title == item.ExpectedTitle {
		return true
	}
	return false
}

// RunDataset evaluates every item and aggregates the report. Items that
// fail to evaluate are counted and skipped; misses contribute zero to
// MRR, the standard convention.
func (e *Evaluator) RunDataset(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running retrieval evaluation",
		zap.Int("items", len(dataset.Items)),
		zap.Int("top_k", e.cfg.TopK),
	)

	report := &Report{
		TotalQueries: len(dataset.Items),
		TopK:         e.cfg.TopK,
	}

	var totalRR float64
	var totalHitRank int

	for i, item := range dataset.Items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := e.EvaluateQuery(ctx, item)
		if err != nil {
			logger.Error("Failed to evaluate query",
				zap.Int("index", i),
				zap.String("query", item.Query),
				zap.Error(err),
			)
			report.Failed++
			continue
		}

		report.Evaluated++
		if result.Hit {
			report.Hits++
			totalRR += result.ReciprocalRank
			totalHitRank += result.Rank
		}

		logger.Debug("Query evaluated",
			zap.String("query", item.Query),
			zap.Bool("hit", result.Hit),
			zap.Int("rank", result.Rank),
		)
	}

	if report.Evaluated > 0 {
		report.HitRate = float64(report.Hits) / float64(report.Evaluated)
		report.MRR = totalRR / float64(report.Evaluated)
	}
	if report.Hits > 0 {
		report.MeanHitRank = float64(totalHitRank) / float64(report.Hits)
	}

	logger.Info("Retrieval evaluation completed",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("failed", report.Failed),
		zap.Int("hits", report.Hits),
		zap.Float64("hit_rate", report.HitRate),
		zap.Float64("mrr", report.MRR),
	)

	return report, nil
}

func LoadDatasetFromJSON(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	if len(dataset.Items) == 0 {
		return nil, fmt.Errorf("dataset has no items")
	}
	return &dataset, nil
}

func (e *Evaluator) GenerateReport(report *Report) string {
	return fmt.Sprintf(`
Retrieval Evaluation
====================

Queries: %d (evaluated: %d, failed: %d)
Cutoff:  top %d

Hit Rate:      %.1f%% (%d hits)
MRR:           %.3f
Mean Hit Rank: %.2f
`,
		report.TotalQueries, report.Evaluated, report.Failed,
		report.TopK,
		report.HitRate*100, report.Hits,
		report.MRR,
		report.MeanHitRank,
	)
}
