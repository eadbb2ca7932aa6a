// Command evaluate runs a labeled query set against the live retrieval
// stack and prints hit-rate and ranking metrics. It shares the API
// server's configuration; only the dataset comes from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/evaluation"
	"github.com/policy-agent/backend/internal/llm"
	"github.com/policy-agent/backend/internal/rerank"
	"github.com/policy-agent/backend/internal/retrieval"
	"github.com/policy-agent/backend/internal/vector/milvus"
	"github.com/policy-agent/backend/pkg/config"
	appLogger "github.com/policy-agent/backend/pkg/logger"
)

func main() {
	datasetPath := flag.String("dataset", "", "path to the JSON evaluation dataset")
	topK := flag.Int("top-k", 10, "cutoff the hit rate is measured at")
	useReranker := flag.Bool("rerank", true, "run the precision pass")
	timeout := flag.Duration("timeout", 30*time.Minute, "overall evaluation deadline")
	flag.Parse()

	if *datasetPath == "" {
		fmt.Fprintln(os.Stderr, "usage: evaluate -dataset <file> [-top-k N] [-rerank=false]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	data, err := os.ReadFile(*datasetPath)
	if err != nil {
		appLogger.Fatal("Failed to read dataset", zap.Error(err))
	}
	dataset, err := evaluation.LoadDatasetFromJSON(data)
	if err != nil {
		appLogger.Fatal("Failed to parse dataset", zap.Error(err))
	}

	store, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer store.Close()

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	reranker := rerank.NewService(rerank.Config{
		Enabled:       cfg.Reranker.Enabled,
		Model:         cfg.Reranker.Model,
		BaseURL:       cfg.Reranker.BaseURL,
		APIKey:        cfg.Reranker.APIKey,
		TimeoutSec:    cfg.Reranker.TimeoutSec,
		MaxPassageLen: cfg.Reranker.MaxPassageLength,
	})

	orchestrator := retrieval.NewOrchestrator(store, llmClient, reranker, nil, nil, retrieval.Config{
		CoarseK:  cfg.Retrieval.CoarseK,
		PreciseK: cfg.Retrieval.PreciseK,
	})

	evaluator := evaluation.NewEvaluator(orchestrator, evaluation.Config{
		TopK:        *topK,
		UseReranker: *useReranker,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := evaluator.RunDataset(ctx, dataset)
	if err != nil {
		appLogger.Fatal("Evaluation failed", zap.Error(err))
	}

	fmt.Print(evaluator.GenerateReport(report))
}
