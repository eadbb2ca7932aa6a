// Package ingestion turns raw policy documents into registered, chunked,
// embedded passages. The registry decides identity; the passage store
// holds the searchable chunks.
package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/cache"
	"github.com/policy-agent/backend/internal/chunker"
	"github.com/policy-agent/backend/internal/metrics"
	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/internal/vector/milvus"
	"github.com/policy-agent/backend/pkg/logger"
	"github.com/policy-agent/backend/pkg/timeparse"
	"github.com/policy-agent/backend/pkg/utils"
)

// Registry is the slice of the document registry ingestion needs.
// *sqlite.Client satisfies it.
type Registry interface {
	HasDocument(title, timestamp string) (bool, error)
	InsertDocument(doc *models.Document, chunkCount int) error
	MaxDocIDNumber() (int, error)
}

// PassageStore is the slice of the vector store ingestion needs.
// *milvus.Client satisfies it.
type PassageStore interface {
	Insert(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error
	MaxDocIDNumber(ctx context.Context) (int, error)
	ExistingTitleTimestampPairs(ctx context.Context) (map[milvus.TitleTimestamp]struct{}, error)
}

type Classifier interface {
	Classify(ctx context.Context, title, content string) (*models.Classification, error)
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	ContentTypeText = "text"
	ContentTypeHTML = "html"
)

type Request struct {
	Title       string
	Timestamp   string
	Content     string
	ContentType string
}

type Result struct {
	DocID      string `json:"doc_id,omitempty"`
	Title      string `json:"title"`
	Timestamp  string `json:"timestamp,omitempty"`
	ChunkCount int    `json:"chunk_count"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Processor struct {
	registry   Registry
	store      PassageStore
	classifier Classifier
	embedder   Embedder
	chunker    *chunker.Chunker
	clsCache   *cache.ClassificationCache

	mu      sync.Mutex
	nextNum int
}

// NewProcessor wires the ingestion pipeline. classifier and clsCache may
// be nil; documents then index without classification labels.
func NewProcessor(registry Registry, store PassageStore, classifier Classifier, embedder Embedder, ch *chunker.Chunker, clsCache *cache.ClassificationCache) *Processor {
	return &Processor{
		registry:   registry,
		store:      store,
		classifier: classifier,
		embedder:   embedder,
		chunker:    ch,
		clsCache:   clsCache,
	}
}

// ProcessDocument runs one document through the full pipeline: identity
// check, classification, chunking, embedding, store insert, registry
// record. A document whose (title, timestamp) is already registered is
// skipped, not re-ingested.
func (p *Processor) ProcessDocument(ctx context.Context, req Request) (*Result, error) {
	content := strings.TrimSpace(req.Content)
	title := strings.TrimSpace(req.Title)

	if req.ContentType == ContentTypeHTML {
		if title == "" {
			title = extractTitle(req.Content)
		}
		content = cleanHTML(req.Content)
	}
	if content == "" {
		return nil, fmt.Errorf("no content to ingest")
	}
	if title == "" {
		return nil, fmt.Errorf("document title is required")
	}

	ts, ok := timeparse.Parse(req.Timestamp)
	if !ok {
		return nil, fmt.Errorf("unparseable timestamp %q", req.Timestamp)
	}
	timestamp := ts.Format("2006-01-02 15:04:05")

	logger.Info("Processing document",
		zap.String("title", title),
		zap.String("timestamp", timestamp),
	)

	exists, err := p.registry.HasDocument(title, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to check registry: %w", err)
	}
	if exists {
		metrics.DocumentsIngested.WithLabelValues("skipped").Inc()
		logger.Info("Document already registered, skipping", zap.String("title", title))
		return &Result{Title: title, Timestamp: timestamp, Skipped: true}, nil
	}

	classification := p.classify(ctx, title, content)

	docID, err := p.nextDocID(ctx)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		DocID:          docID,
		Title:          title,
		Timestamp:      timestamp,
		Content:        content,
		Industries:     classification.Industries,
		Classification: classification,
		ContentHash:    utils.HashString(content),
		IngestedAt:     time.Now(),
	}

	chunks := p.chunker.ChunkDocument(doc)
	if len(chunks) == 0 {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("document produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}

	embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	insertStart := time.Now()
	if err := p.store.Insert(ctx, chunks, embeddings); err != nil {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to insert into passage store: %w", err)
	}
	metrics.StoreInsertDuration.Observe(time.Since(insertStart).Seconds())

	if err := p.registry.InsertDocument(doc, len(chunks)); err != nil {
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	metrics.DocumentsIngested.WithLabelValues("ingested").Inc()
	metrics.ChunksProduced.Add(float64(len(chunks)))

	logger.Info("Document processed successfully",
		zap.String("doc_id", docID),
		zap.Int("chunks", len(chunks)),
	)

	return &Result{
		DocID:      docID,
		Title:      title,
		Timestamp:  timestamp,
		ChunkCount: len(chunks),
	}, nil
}

// ProcessBatch ingests documents one after another, skipping those the
// passage store already holds even when the local registry has no record
// of them (imports done by other tools). Per-document failures are
// reported inline; the batch keeps going.
func (p *Processor) ProcessBatch(ctx context.Context, reqs []Request) []Result {
	existing, err := p.store.ExistingTitleTimestampPairs(ctx)
	if err != nil {
		logger.Warn("Failed to scan store for existing documents", zap.Error(err))
		existing = nil
	}

	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}

		if key, ok := storeIdentity(req); ok && existing != nil {
			if _, found := existing[key]; found {
				metrics.DocumentsIngested.WithLabelValues("skipped").Inc()
				results = append(results, Result{
					Title:     key.Title,
					Timestamp: key.Timestamp,
					Skipped:   true,
				})
				continue
			}
		}

		res, err := p.ProcessDocument(ctx, req)
		if err != nil {
			logger.Error("Failed to ingest document",
				zap.String("title", req.Title),
				zap.Error(err),
			)
			results = append(results, Result{Title: req.Title, Error: err.Error()})
			continue
		}
		results = append(results, *res)
	}

	logger.Info("Batch ingestion finished",
		zap.Int("requested", len(reqs)),
		zap.Int("processed", len(results)),
	)

	return results
}

// storeIdentity maps a request onto the (title, timestamp) key the store
// indexes documents by. ok is false when the request can't be keyed
// without the full normalization ProcessDocument does.
func storeIdentity(req Request) (milvus.TitleTimestamp, bool) {
	title := strings.TrimSpace(req.Title)
	if title == "" || req.ContentType == ContentTypeHTML {
		return milvus.TitleTimestamp{}, false
	}
	ts, ok := timeparse.Parse(req.Timestamp)
	if !ok {
		return milvus.TitleTimestamp{}, false
	}
	return milvus.TitleTimestamp{
		Title:     title,
		Timestamp: ts.Format("2006-01-02 15:04:05"),
	}, true
}

// classify returns the document's labels, consulting the classification
// cache first. Classification is enrichment: failures log and the
// document indexes without labels.
func (p *Processor) classify(ctx context.Context, title, content string) models.Classification {
	if p.clsCache != nil {
		if cls, ok, err := p.clsCache.Get(ctx, content); err == nil && ok {
			metrics.CacheHits.WithLabelValues("classification").Inc()
			return *cls
		} else if err != nil {
			logger.Warn("Classification cache read failed", zap.Error(err))
		}
		metrics.CacheMisses.WithLabelValues("classification").Inc()
	}

	if p.classifier == nil {
		return models.Classification{}
	}

	cls, err := p.classifier.Classify(ctx, title, content)
	if err != nil {
		logger.Warn("Classification failed, indexing without labels", zap.Error(err))
		return models.Classification{}
	}

	if p.clsCache != nil {
		if err := p.clsCache.Put(ctx, content, cls); err != nil {
			logger.Warn("Classification cache write failed", zap.Error(err))
		}
	}

	return *cls
}

// nextDocID continues the doc_<number> sequence from the highest number
// either the registry or the passage store has seen.
func (p *Processor) nextDocID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextNum == 0 {
		regMax, err := p.registry.MaxDocIDNumber()
		if err != nil {
			return "", fmt.Errorf("failed to read registry doc_id sequence: %w", err)
		}
		storeMax, err := p.store.MaxDocIDNumber(ctx)
		if err != nil {
			logger.Warn("Failed to scan store doc_ids, using registry sequence only", zap.Error(err))
		}
		p.nextNum = max(regMax, storeMax) + 1
	}

	id := fmt.Sprintf("doc_%04d", p.nextNum)
	p.nextNum++
	return id, nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// cleanHTML extracts readable text block by block so paragraph boundaries
// survive as blank lines for the chunker. Whitespace is collapsed inside
// a block, never across blocks.
func cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var blocks []string
	doc.Find("p, li, h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(whitespaceRe.ReplaceAllString(s.Text(), " "))
		if text != "" {
			blocks = append(blocks, text)
		}
	})

	if len(blocks) == 0 {
		return strings.TrimSpace(whitespaceRe.ReplaceAllString(doc.Find("body").Text(), " "))
	}
	return strings.Join(blocks, "\n\n")
}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}

	return strings.TrimSpace(title)
}
