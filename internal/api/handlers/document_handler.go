package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/ingestion"
	"github.com/policy-agent/backend/internal/storage/sqlite"
	"github.com/policy-agent/backend/internal/vector/milvus"
	"github.com/policy-agent/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
	store     *milvus.Client
	registry  *sqlite.Client
	fetcher   *ingestion.Fetcher
}

func NewDocumentHandler(processor *ingestion.Processor, store *milvus.Client, registry *sqlite.Client, fetcher *ingestion.Fetcher) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		store:     store,
		registry:  registry,
		fetcher:   fetcher,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		Title       string `json:"title"`
		Timestamp   string `json:"timestamp"`
		Content     string `json:"content"`
		ContentType string `json:"content_type"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Content is required",
		})
	}

	result, err := h.processor.ProcessDocument(c.Context(), ingestion.Request{
		Title:       req.Title,
		Timestamp:   req.Timestamp,
		Content:     req.Content,
		ContentType: req.ContentType,
	})
	if err != nil {
		logger.Error("Failed to process document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.JSON(result)
}

func (h *DocumentHandler) UploadBatch(c *fiber.Ctx) error {
	var req struct {
		Documents []struct {
			Title       string `json:"title"`
			Timestamp   string `json:"timestamp"`
			Content     string `json:"content"`
			ContentType string `json:"content_type"`
		} `json:"documents"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Documents) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one document is required",
		})
	}

	reqs := make([]ingestion.Request, 0, len(req.Documents))
	for _, d := range req.Documents {
		reqs = append(reqs, ingestion.Request{
			Title:       d.Title,
			Timestamp:   d.Timestamp,
			Content:     d.Content,
			ContentType: d.ContentType,
		})
	}

	results := h.processor.ProcessBatch(c.Context(), reqs)

	ingested, skipped, failed := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Error != "":
			failed++
		case r.Skipped:
			skipped++
		default:
			ingested++
		}
	}

	return c.JSON(fiber.Map{
		"ingested": ingested,
		"skipped":  skipped,
		"failed":   failed,
		"results":  results,
	})
}

// UploadFromURL fetches a published policy page and ingests it through
// the HTML pipeline. The timestamp must be supplied by the caller; web
// pages rarely carry a reliable publication date in-band.
func (h *DocumentHandler) UploadFromURL(c *fiber.Ctx) error {
	var req struct {
		URL       string `json:"url"`
		Title     string `json:"title"`
		Timestamp string `json:"timestamp"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
		})
	}

	html, err := h.fetcher.Fetch(c.Context(), req.URL)
	if err != nil {
		logger.Error("Failed to fetch document",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to fetch document",
		})
	}

	result, err := h.processor.ProcessDocument(c.Context(), ingestion.Request{
		Title:       req.Title,
		Timestamp:   req.Timestamp,
		Content:     html,
		ContentType: ingestion.ContentTypeHTML,
	})
	if err != nil {
		logger.Error("Failed to process fetched document",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.JSON(result)
}

// GetDocumentContent reassembles a document's full text from its stored
// chunks, addressed either by doc_id or by (title, timestamp).
func (h *DocumentHandler) GetDocumentContent(c *fiber.Ctx) error {
	docID := c.Query("doc_id")
	title := c.Query("title")
	timestamp := c.Query("timestamp")

	if docID == "" && title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "doc_id or title is required",
		})
	}

	var content string
	var err error
	if docID != "" {
		content, err = h.store.FullDocumentContent(c.Context(), docID)
	} else {
		content, err = h.store.FullDocumentContentByTitle(c.Context(), title, timestamp)
	}
	if err != nil {
		logger.Error("Failed to load document content", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load document content",
		})
	}

	if content == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	return c.JSON(fiber.Map{
		"doc_id":  docID,
		"title":   title,
		"content": content,
	})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	docID := c.Params("doc_id")

	doc, err := h.registry.GetDocument(docID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	return c.JSON(fiber.Map{
		"doc_id":         doc.DocID,
		"title":          doc.Title,
		"timestamp":      doc.Timestamp,
		"industries":     doc.Industries,
		"classification": doc.Classification,
		"content_hash":   doc.ContentHash,
		"ingested_at":    doc.IngestedAt,
	})
}

// GetSeries returns the prior documents of one report series, oldest
// first, for series-level comparison flows.
func (h *DocumentHandler) GetSeries(c *fiber.Ctx) error {
	series := c.Params("series")
	if series == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Series name is required",
		})
	}

	limit := c.QueryInt("limit", 10)
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	excludeDocID := c.Query("exclude_doc_id")

	docs, err := h.store.QueryByReportSeries(c.Context(), series, excludeDocID, limit)
	if err != nil {
		logger.Error("Failed to query report series",
			zap.String("series", series),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to query report series",
		})
	}

	return c.JSON(fiber.Map{
		"series":    series,
		"documents": toMergedResponses(docs),
	})
}

func (h *DocumentHandler) GetStats(c *fiber.Ctx) error {
	documents, err := h.registry.DocumentCount()
	if err != nil {
		logger.Error("Failed to count registered documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load stats",
		})
	}

	chunks, err := h.store.Count(c.Context())
	if err != nil {
		logger.Warn("Failed to count stored chunks", zap.Error(err))
		chunks = -1
	}

	return c.JSON(fiber.Map{
		"documents": documents,
		"chunks":    chunks,
	})
}
