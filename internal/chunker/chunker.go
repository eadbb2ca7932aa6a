// Package chunker splits document text into bounded, semantically aligned
// passages for indexing. Splits prefer paragraph and clause boundaries;
// every emitted passage is hard-capped at the configured absolute maximum.
package chunker

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/pkg/logger"
)

// All sizes are measured in runes.
type Config struct {
	TargetSize  int
	MaxSize     int
	Overlap     int
	AbsoluteMax int
}

func DefaultConfig() Config {
	return Config{
		TargetSize:  800,
		MaxSize:     1000,
		Overlap:     150,
		AbsoluteMax: 1200,
	}
}

func (cfg Config) validate() error {
	if cfg.TargetSize <= 0 || cfg.MaxSize <= 0 || cfg.Overlap < 0 || cfg.AbsoluteMax <= 0 {
		return fmt.Errorf("chunker sizes must be positive (target=%d max=%d overlap=%d absolute=%d)",
			cfg.TargetSize, cfg.MaxSize, cfg.Overlap, cfg.AbsoluteMax)
	}
	if cfg.Overlap >= cfg.TargetSize {
		return fmt.Errorf("overlap %d must be smaller than target size %d", cfg.Overlap, cfg.TargetSize)
	}
	if cfg.TargetSize > cfg.MaxSize {
		return fmt.Errorf("target size %d exceeds max size %d", cfg.TargetSize, cfg.MaxSize)
	}
	if cfg.MaxSize > cfg.AbsoluteMax {
		return fmt.Errorf("max size %d exceeds absolute max %d", cfg.MaxSize, cfg.AbsoluteMax)
	}
	return nil
}

type Chunker struct {
	cfg      Config
	boundary Boundary
}

// New rejects configurations that cannot produce a correct chunking
// (overlap >= target, target > max, max > absolute max).
func New(cfg Config, boundary Boundary) (*Chunker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}
	return &Chunker{cfg: cfg, boundary: boundary}, nil
}

// ChunkDocument splits doc.Content into ordered passages carrying the
// denormalized document metadata. Empty or whitespace content yields zero
// passages; the call never fails.
func (c *Chunker) ChunkDocument(doc *models.Document) []models.Chunk {
	meta := newChunkMeta(doc)

	paragraphs := c.splitParagraphs(doc.Content)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []models.Chunk
	var parts []string
	currentSize := 0

	for _, para := range paragraphs {
		paraSize := runeLen(para)

		if paraSize > c.cfg.AbsoluteMax {
			// Flush what accumulated so far, then slice the oversized
			// paragraph on its own.
			if len(parts) > 0 {
				chunks = append(chunks, c.buildChunk(meta, len(chunks), parts))
				parts = nil
				currentSize = 0
			}
			chunks = c.appendOversized(chunks, meta, para)
			continue
		}

		isClause := c.isClauseStart(para)

		// A clause opening always starts a new chunk so enumerated items
		// stay whole; otherwise flush on the size thresholds.
		startNew := isClause ||
			currentSize+paraSize > c.cfg.TargetSize ||
			(currentSize > 0 && currentSize+paraSize > c.cfg.MaxSize)

		if startNew && len(parts) > 0 {
			chunks = append(chunks, c.buildChunk(meta, len(chunks), parts))

			if c.cfg.Overlap > 0 {
				overlapText := c.overlapSeed(parts[len(parts)-1])
				if overlapText != "" {
					parts = []string{overlapText, para}
					currentSize = runeLen(overlapText) + paraSize
				} else {
					parts = []string{para}
					currentSize = paraSize
				}
			} else {
				parts = []string{para}
				currentSize = paraSize
			}
		} else {
			parts = append(parts, para)
			currentSize += paraSize
		}

		// The buffer can still exceed the hard threshold when a single
		// append lands between target and max; flush it without seeding
		// overlap, since no pending paragraph follows.
		if currentSize > c.cfg.MaxSize {
			chunks = append(chunks, c.buildChunk(meta, len(chunks), parts))
			parts = nil
			currentSize = 0
		}
	}

	if len(parts) > 0 {
		chunks = append(chunks, c.buildChunk(meta, len(chunks), parts))
	}

	// The flush paths already truncate, so an oversized chunk here means
	// a bug upstream. Truncate it rather than fail the whole document.
	for i := range chunks {
		if runeLen(chunks[i].Content) > c.cfg.AbsoluteMax {
			logger.Warn("Chunk exceeded absolute max, truncating",
				zap.String("chunk_id", chunks[i].ChunkID),
				zap.Int("length", runeLen(chunks[i].Content)),
				zap.Int("limit", c.cfg.AbsoluteMax),
			)
			chunks[i].Content = c.smartTruncate(chunks[i].Content, c.cfg.AbsoluteMax)
		}
	}

	return chunks
}

type chunkMeta struct {
	docID               string
	title               string
	timestamp           string
	industries          string
	investmentRelevance string
	reportSeries        string
	policySegments      string
}

// newChunkMeta denormalizes the document fields every passage carries,
// pre-truncated to the store's column bounds.
func newChunkMeta(doc *models.Document) chunkMeta {
	segments := ""
	if len(doc.Classification.PolicySegments) > 0 {
		raw, _ := json.Marshal(doc.Classification.PolicySegments)
		segments = string(raw)
	}
	return chunkMeta{
		docID:               doc.DocID,
		title:               cutRunes(doc.Title, 500),
		timestamp:           cutRunes(doc.Timestamp, 150),
		industries:          cutRunes(strings.Join(doc.Industries, ","), 500),
		investmentRelevance: doc.Classification.InvestmentRelevance,
		reportSeries:        doc.Classification.ReportSeries,
		policySegments:      segments,
	}
}

func (c *Chunker) buildChunk(meta chunkMeta, index int, parts []string) models.Chunk {
	content := c.smartTruncate(strings.Join(parts, "\n\n"), c.cfg.AbsoluteMax)

	chunkType := models.ChunkTypeParagraph
	for _, p := range parts {
		if c.isClauseStart(p) {
			chunkType = models.ChunkTypeClause
			break
		}
	}

	return c.newChunk(meta, index, chunkType, content)
}

func (c *Chunker) newChunk(meta chunkMeta, index int, chunkType, content string) models.Chunk {
	return models.Chunk{
		ChunkID:             fmt.Sprintf("%s_chunk_%d", meta.docID, index),
		DocID:               meta.docID,
		ChunkIndex:          index,
		ChunkType:           chunkType,
		Content:             content,
		Title:               meta.title,
		Timestamp:           meta.timestamp,
		Industries:          meta.industries,
		InvestmentRelevance: meta.investmentRelevance,
		ReportSeries:        meta.reportSeries,
		PolicySegments:      meta.policySegments,
	}
}

// appendOversized slices a paragraph longer than the absolute max into
// successive passages, each cut at the best available boundary.
func (c *Chunker) appendOversized(chunks []models.Chunk, meta chunkMeta, para string) []models.Chunk {
	remaining := para
	for runeLen(remaining) > 0 {
		var part string
		if runeLen(remaining) <= c.cfg.AbsoluteMax {
			part = remaining
			remaining = ""
		} else {
			part = c.smartTruncate(remaining, c.cfg.AbsoluteMax)
			remaining = strings.TrimLeft(dropRunes(remaining, runeLen(part)), " \t\n\r")
		}

		if part != "" {
			chunks = append(chunks, c.newChunk(meta, len(chunks), models.ChunkTypeParagraph, part))
		}
	}
	return chunks
}

// splitParagraphs cuts content on blank lines; documents that arrive as a
// single block (fewer than 3 paragraphs) are re-split on enumerated clause
// openings instead. Fragments at or below the noise threshold are dropped.
func (c *Chunker) splitParagraphs(content string) []string {
	paragraphs := c.boundary.ParagraphSplit.Split(content, -1)

	if len(paragraphs) < 3 {
		clauseSplit := c.splitByClauseMarkers(content)
		if len(clauseSplit) > len(paragraphs) {
			paragraphs = clauseSplit
		}
	}

	filtered := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p != "" && runeLen(p) > c.boundary.MinParagraphLen {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func (c *Chunker) splitByClauseMarkers(content string) []string {
	lines := strings.Split(content, "\n")

	var parts []string
	var current []string
	for _, line := range lines {
		if c.isClauseStart(strings.TrimSpace(line)) && len(current) > 0 {
			parts = append(parts, strings.Join(current, "\n"))
			current = current[:0]
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, "\n"))
	}
	return parts
}

func (c *Chunker) isClauseStart(paragraph string) bool {
	trimmed := strings.TrimSpace(paragraph)
	for _, pattern := range c.boundary.ClausePatterns {
		if pattern.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// smartTruncate cuts text to maxLen runes at the best available boundary:
// the last paragraph delimiter keeping at least 50% of the allowance, else
// the last sentence delimiter keeping 60%, else the last space keeping 80%,
// else a hard cut.
func (c *Chunker) smartTruncate(text string, maxLen int) string {
	if runeLen(text) <= maxLen {
		return text
	}

	truncated := cutRunes(text, maxLen)

	bestStart := -1
	bestEnd := -1
	for _, delim := range c.boundary.ParagraphDelimiters {
		pos := lastIndexRunes(truncated, delim)
		if pos > bestStart && float64(pos) > float64(maxLen)*0.5 {
			bestStart = pos
			bestEnd = pos + runeLen(delim)
		}
	}

	if bestEnd < 0 {
		for _, delim := range c.boundary.SentenceDelimiters {
			pos := lastIndexRunes(truncated, delim)
			if pos > bestStart && float64(pos) > float64(maxLen)*0.6 {
				bestStart = pos
				bestEnd = pos + runeLen(delim)
			}
		}
	}

	if bestEnd > 0 {
		return strings.TrimSpace(cutRunes(truncated, bestEnd))
	}

	if pos := lastIndexRunes(truncated, " "); float64(pos) > float64(maxLen)*0.8 {
		return strings.TrimSpace(cutRunes(truncated, pos))
	}

	return strings.TrimSpace(truncated)
}

// overlapSeed extracts the trailing overlap window of the last flushed
// paragraph, snapped forward to a sentence boundary when one occurs within
// the window's first 30%.
func (c *Chunker) overlapSeed(lastPart string) string {
	if runeLen(lastPart) <= c.cfg.Overlap {
		return lastPart
	}

	runes := []rune(lastPart)
	window := string(runes[len(runes)-c.cfg.Overlap:])

	for _, delim := range c.boundary.SentenceDelimiters {
		byteIdx := strings.Index(window, delim)
		if byteIdx <= 0 {
			continue
		}
		pos := utf8.RuneCountInString(window[:byteIdx])
		if pos > 0 && float64(pos) < float64(c.cfg.Overlap)*0.3 {
			wr := []rune(window)
			return strings.TrimSpace(string(wr[pos+runeLen(delim):]))
		}
	}

	return strings.TrimSpace(window)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// cutRunes returns the first n runes of s.
func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[:n])
}

// dropRunes returns s without its first n runes.
func dropRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if n >= len(runes) {
		return ""
	}
	return string(runes[n:])
}

// lastIndexRunes returns the rune offset of the last occurrence of sub in
// s, or -1.
func lastIndexRunes(s, sub string) int {
	byteIdx := strings.LastIndex(s, sub)
	if byteIdx < 0 {
		return -1
	}
	return utf8.RuneCountInString(s[:byteIdx])
}
