package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/api/handlers"
	"github.com/policy-agent/backend/internal/cache"
	redisstore "github.com/policy-agent/backend/internal/cache/redis"
	"github.com/policy-agent/backend/internal/chunker"
	"github.com/policy-agent/backend/internal/compare"
	"github.com/policy-agent/backend/internal/ingestion"
	"github.com/policy-agent/backend/internal/llm"
	"github.com/policy-agent/backend/internal/metrics"
	"github.com/policy-agent/backend/internal/middleware/ratelimit"
	"github.com/policy-agent/backend/internal/middleware/security"
	"github.com/policy-agent/backend/internal/middleware/validation"
	"github.com/policy-agent/backend/internal/rerank"
	"github.com/policy-agent/backend/internal/retrieval"
	"github.com/policy-agent/backend/internal/storage/sqlite"
	"github.com/policy-agent/backend/internal/vector/milvus"
	"github.com/policy-agent/backend/pkg/config"
	appLogger "github.com/policy-agent/backend/pkg/logger"
)

func main() {
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

	appLogger.Info("Starting Policy RAG API Server")

	metrics.Init()

	registry, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite registry", zap.Error(err))
	}
	defer registry.Close()

	err = registry.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
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

	err = store.EnsureCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	// The caches are an optimization; a missing redis only costs repeat
	// classifier and embedding calls.
	var clsCache *cache.ClassificationCache
	var embCache *cache.EmbeddingCache
	kv, err := redisstore.NewStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, running without caches", zap.Error(err))
	} else {
		defer kv.Close()
		ttl := time.Duration(cfg.Redis.TTLHours) * time.Hour
		clsCache = cache.NewClassificationCache(kv, ttl)
		embCache = cache.NewEmbeddingCache(kv, ttl)
	}

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

	chunk, err := chunker.New(chunker.Config{
		TargetSize:  cfg.Chunker.TargetSize,
		MaxSize:     cfg.Chunker.MaxSize,
		Overlap:     cfg.Chunker.Overlap,
		AbsoluteMax: cfg.Chunker.AbsoluteMax,
	}, chunker.BoundaryFor(cfg.Chunker.Boundary))
	if err != nil {
		appLogger.Fatal("Invalid chunker configuration", zap.Error(err))
	}

	processor := ingestion.NewProcessor(registry, store, llmClient, llmClient, chunk, clsCache)
	fetcher := ingestion.NewFetcher(
		time.Duration(cfg.Fetcher.TimeoutSec)*time.Second,
		int64(cfg.Fetcher.MaxBytes),
	)

	orchestrator := retrieval.NewOrchestrator(store, llmClient, reranker, embCache, registry, retrieval.Config{
		CoarseK:   cfg.Retrieval.CoarseK,
		PreciseK:  cfg.Retrieval.PreciseK,
		PerQueryK: cfg.Retrieval.PerQueryK,
		GlobalK:   cfg.Retrieval.GlobalK,
	})

	comparer := compare.NewEngine(orchestrator, registry, store, compare.Config{
		WindowDays:   cfg.Retrieval.WindowDays,
		DedupTopK:    cfg.Retrieval.DedupTopK,
		AllowSameDay: cfg.Retrieval.AllowSameDay,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.Headers(security.Config{}))

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))

	searchHandler := handlers.NewSearchHandler(orchestrator, registry)
	compareHandler := handlers.NewCompareHandler(comparer)
	documentHandler := handlers.NewDocumentHandler(processor, store, registry, fetcher)

	api := app.Group("/api/v1")

	api.Post("/search", searchHandler.HandleSearch)
	api.Post("/search/multi", searchHandler.HandleMultiSearch)
	api.Get("/search/history", searchHandler.GetSearchHistory)
	api.Post("/compare", compareHandler.HandleCompare)

	api.Post("/documents", documentHandler.UploadDocument)
	api.Post("/documents/batch", documentHandler.UploadBatch)
	api.Post("/documents/url", documentHandler.UploadFromURL)
	api.Get("/documents/content", documentHandler.GetDocumentContent)
	api.Get("/documents/:doc_id", documentHandler.GetDocument)
	api.Get("/series/:series", documentHandler.GetSeries)
	api.Get("/stats", documentHandler.GetStats)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := registry.DocumentCount(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "registry unavailable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
