package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/compare"
	"github.com/policy-agent/backend/pkg/logger"
)

type CompareHandler struct {
	engine *compare.Engine
}

func NewCompareHandler(engine *compare.Engine) *CompareHandler {
	return &CompareHandler{engine: engine}
}

// HandleCompare finds the historical predecessors of one document. The
// subject is addressed by doc_id or by (title, timestamp); content may
// be supplied inline to compare a draft that has not been ingested.
func (h *CompareHandler) HandleCompare(c *fiber.Ctx) error {
	var req struct {
		DocID       string `json:"doc_id"`
		Title       string `json:"title"`
		Timestamp   string `json:"timestamp"`
		Content     string `json:"content"`
		WindowDays  int    `json:"window_days"`
		TopK        int    `json:"top_k"`
		UseReranker *bool  `json:"use_reranker"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.DocID == "" && (req.Title == "" || req.Timestamp == "") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "doc_id or title and timestamp is required",
		})
	}

	resp, err := h.engine.Compare(c.Context(), compare.Request{
		DocID:       req.DocID,
		Title:       req.Title,
		Timestamp:   req.Timestamp,
		Content:     req.Content,
		WindowDays:  req.WindowDays,
		TopK:        req.TopK,
		UseReranker: boolOrDefault(req.UseReranker, true),
	})
	if err != nil {
		if errors.Is(err, compare.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Document not found",
			})
		}
		logger.Error("Comparison failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compare document",
		})
	}

	return c.JSON(fiber.Map{
		"doc_id":     resp.DocID,
		"title":      resp.Title,
		"timestamp":  resp.Timestamp,
		"results":    toCandidateResponses(resp.Results),
		"latency_ms": resp.LatencyMS,
	})
}
