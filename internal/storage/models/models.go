package models

import "time"

// Document is one ingested source text. Immutable after ingestion except
// for Classification, which external classifiers populate.
type Document struct {
	DocID          string
	Title          string
	Timestamp      string
	Content        string
	Industries     []string
	Classification Classification
	ContentHash    string
	IngestedAt     time.Time
}

// Classification holds the labels attached to a document by the (external)
// classifier. Fields are explicit rather than an open map so the scoring
// and filtering rules downstream stay type-checked.
type Classification struct {
	Industries          []string            `json:"industries"`
	InvestmentRelevance string              `json:"investment_relevance"`
	ReportSeries        string              `json:"report_series"`
	PolicySegments      map[string][]string `json:"industry_policy_segments,omitempty"`
}

// Chunk is one bounded passage of a document, denormalized with the
// document metadata needed to filter at search time without a join.
type Chunk struct {
	ChunkID             string
	DocID               string
	ChunkIndex          int
	ChunkType           string
	Content             string
	Title               string
	Timestamp           string
	Industries          string
	InvestmentRelevance string
	ReportSeries        string
	PolicySegments      string
}

const (
	ChunkTypeParagraph = "paragraph"
	ChunkTypeClause    = "clause"
)

// ScoredCandidate is a chunk plus the per-query transient scores. Built
// fresh for every search, never persisted. RerankScore is nil until (and
// unless) the precision pass runs.
type ScoredCandidate struct {
	Chunk
	Similarity  float64
	RerankScore *float64
	TimeBonus   float64
	FinalScore  float64
	QueryIndex  int
}

// BaseScore is the authoritative per-candidate score: the rerank score
// when the precision pass ran, the coarse similarity otherwise.
func (c *ScoredCandidate) BaseScore() float64 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	return c.Similarity
}

// ConsolidatedResult merges the retrieved chunks of one document back into
// a single record, content in original chunk order.
type ConsolidatedResult struct {
	DocID         string
	Title         string
	Timestamp     string
	Content       string
	ChunkCount    int
	AvgSimilarity float64
	Members       []ScoredCandidate
}

// SearchRecord is one row of search history kept in the registry.
type SearchRecord struct {
	ID          string
	QueryText   string
	Mode        string
	ResultCount int
	LatencyMS   int
	CreatedAt   time.Time
}
