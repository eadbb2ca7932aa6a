// Package compare finds the historical predecessors of a policy
// document: earlier documents inside a time window whose content is
// closest to the subject's, consolidated to one result per document.
package compare

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/consolidate"
	"github.com/policy-agent/backend/internal/retrieval"
	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/pkg/logger"
	"github.com/policy-agent/backend/pkg/timeparse"
)

const (
	defaultWindowDays = 730
	defaultTopK       = 15
)

// ErrNotFound reports that the subject document is not registered.
var ErrNotFound = errors.New("document not found")

// Searcher runs the two-stage retrieval pipeline.
type Searcher interface {
	Search(ctx context.Context, req retrieval.SearchRequest) ([]models.ScoredCandidate, error)
}

// Registry resolves registered document metadata by doc_id.
type Registry interface {
	GetDocument(docID string) (*models.Document, error)
}

// ContentStore reassembles full document text from stored passages.
type ContentStore interface {
	FullDocumentContent(ctx context.Context, docID string) (string, error)
	FullDocumentContentByTitle(ctx context.Context, title, timestamp string) (string, error)
}

type Config struct {
	// WindowDays bounds how far behind the subject's own date the
	// search reaches. Zero falls back to two years.
	WindowDays int
	// DedupTopK caps the consolidated candidate list.
	DedupTopK    int
	AllowSameDay bool
}

type Engine struct {
	searcher Searcher
	registry Registry
	contents ContentStore
	cfg      Config
}

// Request identifies the subject document either by doc_id or by its
// (title, timestamp) identity. Content is optional: when set it is
// used verbatim, which lets callers compare a draft that has not been
// ingested yet.
type Request struct {
	DocID     string
	Title     string
	Timestamp string
	Content   string

	WindowDays  int
	TopK        int
	UseReranker bool
}

// Response lists the subject's nearest predecessors, one entry per
// document, ordered by recency-weighted score.
type Response struct {
	DocID     string
	Title     string
	Timestamp string
	Results   []models.ScoredCandidate
	LatencyMS int
}

type subject struct {
	docID          string
	title          string
	timestamp      string
	classification *models.Classification
}

func NewEngine(searcher Searcher, registry Registry, contents ContentStore, cfg Config) *Engine {
	return &Engine{
		searcher: searcher,
		registry: registry,
		contents: contents,
		cfg:      cfg,
	}
}

// Compare resolves the subject document, searches the window of days
// before its date for the nearest passages, and consolidates them so
// each predecessor document appears once, ranked by its best chunk's
// recency-weighted score. The subject itself is excluded.
func (e *Engine) Compare(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	subj, content, err := e.resolveSubject(ctx, req)
	if err != nil {
		return nil, err
	}

	logger.Info("Comparing document against earlier policies",
		zap.String("doc_id", subj.docID),
		zap.String("title", subj.title),
		zap.String("timestamp", subj.timestamp),
	)

	query := retrieval.BuildComparisonQuery(subj.title, content, subj.classification)

	filters := retrieval.Filters{
		AllowSameDay:     e.cfg.AllowSameDay,
		ExcludeDocID:     subj.docID,
		ExcludeTitle:     subj.title,
		ExcludeTimestamp: subj.timestamp,
	}

	// The window and the recency reference both hang off the subject's
	// own date. An unparseable date degrades to an unbounded search
	// anchored at now; the exclusion filters still hold.
	reference := time.Now()
	if t, ok := timeparse.ParseDate(subj.timestamp); ok {
		reference = t
		filters.BeforeTimestamp = subj.timestamp
		filters.AfterTimestamp = t.AddDate(0, 0, -e.windowDays(req)).Format("2006-01-02")
	} else {
		logger.Warn("Subject timestamp is unparseable, comparing without a time window",
			zap.String("doc_id", subj.docID),
			zap.String("timestamp", subj.timestamp),
		)
	}

	candidates, err := e.searcher.Search(ctx, retrieval.SearchRequest{
		Query:       query,
		UseReranker: req.UseReranker,
		Filters:     filters,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search for comparable documents: %w", err)
	}

	ranked := consolidate.DedupAndWeight(candidates, reference, e.topK(req))

	latency := int(time.Since(startTime).Milliseconds())

	logger.Info("Comparison finished",
		zap.String("doc_id", subj.docID),
		zap.Int("results", len(ranked)),
		zap.Int("latency_ms", latency),
	)

	return &Response{
		DocID:     subj.docID,
		Title:     subj.title,
		Timestamp: subj.timestamp,
		Results:   ranked,
		LatencyMS: latency,
	}, nil
}

// resolveSubject loads the subject's identity and text. A registered
// doc_id brings its classification along, which gives the comparison
// query its policy-segment lines; a bare (title, timestamp) pair falls
// back to the content excerpt.
func (e *Engine) resolveSubject(ctx context.Context, req Request) (subject, string, error) {
	content := strings.TrimSpace(req.Content)

	if req.DocID != "" {
		doc, err := e.registry.GetDocument(req.DocID)
		if err != nil {
			logger.Warn("Subject document not registered",
				zap.String("doc_id", req.DocID),
				zap.Error(err),
			)
			return subject{}, "", ErrNotFound
		}
		if content == "" {
			content, err = e.contents.FullDocumentContent(ctx, req.DocID)
			if err != nil {
				return subject{}, "", fmt.Errorf("failed to load content for %s: %w", req.DocID, err)
			}
		}
		if content == "" {
			logger.Warn("Document has no stored passages, comparing by title only",
				zap.String("doc_id", req.DocID),
			)
		}
		return subject{
			docID:          doc.DocID,
			title:          doc.Title,
			timestamp:      doc.Timestamp,
			classification: &doc.Classification,
		}, content, nil
	}

	if req.Title == "" || req.Timestamp == "" {
		return subject{}, "", fmt.Errorf("doc_id or title and timestamp required")
	}

	if content == "" {
		var err error
		content, err = e.contents.FullDocumentContentByTitle(ctx, req.Title, req.Timestamp)
		if err != nil {
			return subject{}, "", fmt.Errorf("failed to load content for %q: %w", req.Title, err)
		}
		if content == "" {
			logger.Warn("Document has no stored passages, comparing by title only",
				zap.String("title", req.Title),
			)
		}
	}

	return subject{
		title:     req.Title,
		timestamp: req.Timestamp,
	}, content, nil
}

func (e *Engine) windowDays(req Request) int {
	if req.WindowDays > 0 {
		return req.WindowDays
	}
	if e.cfg.WindowDays > 0 {
		return e.cfg.WindowDays
	}
	return defaultWindowDays
}

func (e *Engine) topK(req Request) int {
	if req.TopK > 0 {
		return req.TopK
	}
	if e.cfg.DedupTopK > 0 {
		return e.cfg.DedupTopK
	}
	return defaultTopK
}
