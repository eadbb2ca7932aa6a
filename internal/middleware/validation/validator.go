package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(union\s+select|insert\s+into|drop\s+table|exec\s*\(|javascript:)`)
	xssPattern          = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

type Config struct {
	MaxQueryLength  int
	MaxFragments    int
	MaxDocumentSize int
	MaxBatchSize    int
	Logger          *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 20000
	}
	if cfg.MaxFragments == 0 {
		cfg.MaxFragments = 50
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "application/json") {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()

		switch {
		case strings.Contains(path, "/api/v1/search/multi"):
			return validateMultiSearch(c, cfg)
		case strings.Contains(path, "/api/v1/search"):
			return validateSearch(c, cfg)
		case strings.Contains(path, "/api/v1/compare"):
			return validateCompare(c, cfg)
		case strings.Contains(path, "/api/v1/documents/url"):
			return validateFetch(c, cfg)
		case strings.Contains(path, "/api/v1/documents"):
			return validateDocuments(c, cfg)
		}

		return c.Next()
	}
}

func validateSearch(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	query, ok := req["query"].(string)
	if !ok || query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required and must be a string",
		})
	}

	if err := screenText(c, cfg, query, "query"); err != nil {
		return err
	}

	return c.Next()
}

func validateMultiSearch(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	fragments, ok := req["fragments"].([]interface{})
	if !ok || len(fragments) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Fragments are required and must be an array of strings",
		})
	}

	if len(fragments) > cfg.MaxFragments {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Too many query fragments",
		})
	}

	for _, f := range fragments {
		fragment, ok := f.(string)
		if !ok || fragment == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Fragments must be non-empty strings",
			})
		}
		if err := screenText(c, cfg, fragment, "fragment"); err != nil {
			return err
		}
	}

	return c.Next()
}

// validateCompare caps the optional inline content; identity-only
// requests pass through untouched.
func validateCompare(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	if content, ok := req["content"].(string); ok && len(content) > cfg.MaxDocumentSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Document content exceeds maximum size",
		})
	}

	return c.Next()
}

func validateFetch(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	rawURL, ok := req["url"].(string)
	if !ok || rawURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required and must be a string",
		})
	}

	if err := screenText(c, cfg, rawURL, "url"); err != nil {
		return err
	}

	return c.Next()
}

func validateDocuments(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	if docs, ok := req["documents"].([]interface{}); ok {
		if len(docs) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "At least one document is required",
			})
		}
		if len(docs) > cfg.MaxBatchSize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Batch exceeds maximum size",
			})
		}
		for _, d := range docs {
			doc, ok := d.(map[string]interface{})
			if !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Documents must be objects",
				})
			}
			if err := checkDocumentContent(c, cfg, doc); err != nil {
				return err
			}
		}
		return c.Next()
	}

	if err := checkDocumentContent(c, cfg, req); err != nil {
		return err
	}

	return c.Next()
}

func checkDocumentContent(c *fiber.Ctx, cfg Config, doc map[string]interface{}) error {
	content, ok := doc["content"].(string)
	if !ok || content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Content is required and must be a string",
		})
	}

	if len(content) > cfg.MaxDocumentSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Document content exceeds maximum size",
		})
	}

	return nil
}

// screenText rejects oversized or plainly hostile query text. Policy
// queries are free text, so the injection screen targets unambiguous
// attack shapes only.
func screenText(c *fiber.Ctx, cfg Config, text, field string) error {
	if len(text) > cfg.MaxQueryLength {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query exceeds maximum length",
		})
	}

	if sqlInjectionPattern.MatchString(text) || xssPattern.MatchString(text) {
		cfg.Logger.Warn("Rejected suspicious query text",
			zap.String("ip", c.IP()),
			zap.String("field", field),
		)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid query content",
		})
	}

	return nil
}
