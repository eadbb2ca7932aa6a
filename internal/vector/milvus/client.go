package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/pkg/logger"
	"github.com/policy-agent/backend/pkg/timeparse"
)

// Milvus VARCHAR max_length counts UTF-8 bytes. Chinese text runs three
// bytes per rune, so every string is truncated to its field limit before
// insert. Content gets a margin under the schema limit.
const (
	maxChunkIDBytes   = 150
	maxDocIDBytes     = 100
	maxContentBytes   = 4800
	maxChunkTypeBytes = 20
	maxTitleBytes     = 500
	maxTimestampBytes = 150
	maxIndustryBytes  = 500
	maxRelevanceBytes = 10
	maxSeriesBytes    = 50
	maxSegmentsBytes  = 20000

	insertBatchSize = 500

	hnswM              = 16
	hnswEfConstruction = 200
	hnswEfSearch       = 512
)

var outputFields = []string{
	"chunk_id", "doc_id", "content", "chunk_index", "chunk_type",
	"title", "timestamp", "industries", "investment_relevance",
	"report_series", "industry_policy_segments",
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// SearchFilter narrows coarse recall inside Milvus. Timestamps are stored
// as strings, so bounds compare lexically on the "YYYY-MM-DD" prefix.
type SearchFilter struct {
	// Before keeps only chunks published strictly before this date.
	Before string
	// After keeps only chunks published on or after this date.
	After string
	// AllowSameDay relaxes Before to <= so same-day documents survive.
	AllowSameDay bool
}

// TitleTimestamp identifies one ingested document; the pair is the
// dedup key for ingestion.
type TitleTimestamp struct {
	Title     string
	Timestamp string
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(context.Background(), client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return m.client.LoadCollection(ctx, m.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Policy document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "150",
				},
			},
			{
				Name:     "doc_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "100",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "5000",
				},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "chunk_type",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "20",
				},
			},
			{
				Name:     "title",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "500",
				},
			},
			{
				Name:     "timestamp",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "150",
				},
			},
			{
				Name:     "industries",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "500",
				},
			},
			{
				Name:     "investment_relevance",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "10",
				},
			},
			{
				Name:     "report_series",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "50",
				},
			},
			{
				Name:     "industry_policy_segments",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "20000",
				},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.L2, hnswM, hnswEfConstruction)
	if err != nil {
		return fmt.Errorf("failed to build index spec: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// Insert stores chunks with their embeddings, batching to stay under the
// gRPC message cap. chunks and embeddings must be parallel slices.
func (m *Client) Insert(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	for start := 0; start < len(chunks); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := m.insertBatch(ctx, chunks[start:end], embeddings[start:end]); err != nil {
			return err
		}
	}

	err := m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector store", zap.Int("count", len(chunks)))

	return nil
}

func (m *Client) insertBatch(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error {
	n := len(chunks)
	chunkIDs := make([]string, n)
	docIDs := make([]string, n)
	contents := make([]string, n)
	chunkIndexes := make([]int64, n)
	chunkTypes := make([]string, n)
	titles := make([]string, n)
	timestamps := make([]string, n)
	industries := make([]string, n)
	relevances := make([]string, n)
	series := make([]string, n)
	segments := make([]string, n)

	for i, chunk := range chunks {
		chunkIDs[i] = truncateBytes(chunk.ChunkID, maxChunkIDBytes)
		docIDs[i] = truncateBytes(chunk.DocID, maxDocIDBytes)
		contents[i] = truncateBytes(chunk.Content, maxContentBytes)
		chunkIndexes[i] = int64(chunk.ChunkIndex)
		chunkTypes[i] = truncateBytes(chunk.ChunkType, maxChunkTypeBytes)
		titles[i] = truncateBytes(chunk.Title, maxTitleBytes)
		timestamps[i] = truncateBytes(chunk.Timestamp, maxTimestampBytes)
		industries[i] = truncateBytes(chunk.Industries, maxIndustryBytes)
		relevances[i] = truncateBytes(chunk.InvestmentRelevance, maxRelevanceBytes)
		series[i] = truncateBytes(chunk.ReportSeries, maxSeriesBytes)
		segments[i] = shrinkSegments(chunk.PolicySegments)
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("doc_id", docIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnInt64("chunk_index", chunkIndexes),
		entity.NewColumnVarChar("chunk_type", chunkTypes),
		entity.NewColumnVarChar("title", titles),
		entity.NewColumnVarChar("timestamp", timestamps),
		entity.NewColumnVarChar("industries", industries),
		entity.NewColumnVarChar("investment_relevance", relevances),
		entity.NewColumnVarChar("report_series", series),
		entity.NewColumnVarChar("industry_policy_segments", segments),
	)

	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	return nil
}

// Search runs coarse ANN recall and maps L2 distances on unit vectors to
// cosine similarity in [0, 1].
func (m *Client) Search(ctx context.Context, embedding []float32, topK int, filter *SearchFilter) ([]models.ScoredCandidate, error) {
	expr := buildFilterExpr(filter)

	sp, _ := entity.NewIndexHNSWSearchParam(hnswEfSearch)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]models.ScoredCandidate, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			results = append(results, models.ScoredCandidate{
				Chunk:      chunkAt(sr.Fields, i),
				Similarity: distanceToSimilarity(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}

// ChunksByDocID returns every stored chunk of a document, ordered by
// chunk_index.
func (m *Client) ChunksByDocID(ctx context.Context, docID string) ([]models.Chunk, error) {
	return m.queryChunks(ctx, fmt.Sprintf(`doc_id == "%s"`, docID))
}

// FullDocumentContent reassembles a document from its stored chunks. The
// recall layer stores bounded passages; callers needing whole documents
// pull them back through here.
func (m *Client) FullDocumentContent(ctx context.Context, docID string) (string, error) {
	chunks, err := m.queryChunks(ctx, fmt.Sprintf(`doc_id == "%s"`, docID))
	if err != nil {
		return "", err
	}
	return joinChunkContents(chunks), nil
}

// FullDocumentContentByTitle is FullDocumentContent keyed by the
// (title, timestamp) identity instead of doc_id.
func (m *Client) FullDocumentContentByTitle(ctx context.Context, title, timestamp string) (string, error) {
	chunks, err := m.queryChunks(ctx, fmt.Sprintf(`title == "%s" && timestamp == "%s"`, title, timestamp))
	if err != nil {
		return "", err
	}
	return joinChunkContents(chunks), nil
}

func (m *Client) queryChunks(ctx context.Context, expr string) ([]models.Chunk, error) {
	rs, err := m.client.Query(ctx, m.collectionName, nil, expr, outputFields, client.WithLimit(100))
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}

	count := resultCount(rs)
	chunks := make([]models.Chunk, 0, count)
	for i := 0; i < count; i++ {
		chunks = append(chunks, chunkAt(rs, i))
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	return chunks, nil
}

// QueryByReportSeries fetches documents of a recurring report series by
// exact tag match, merged per document and ordered oldest first so
// callers can trace how the series evolved.
func (m *Client) QueryByReportSeries(ctx context.Context, reportSeries, excludeDocID string, limit int) ([]models.ConsolidatedResult, error) {
	if reportSeries == "" || reportSeries == "N/A" {
		return nil, nil
	}

	expr := fmt.Sprintf(`report_series == "%s"`, reportSeries)
	if excludeDocID != "" {
		expr += fmt.Sprintf(` && doc_id != "%s"`, excludeDocID)
	}

	// Chunk rows outnumber documents, so over-fetch before merging.
	rs, err := m.client.Query(ctx, m.collectionName, nil, expr, outputFields, client.WithLimit(int64(limit*10)))
	if err != nil {
		return nil, fmt.Errorf("failed to query report series: %w", err)
	}

	count := resultCount(rs)
	byDoc := make(map[string][]models.Chunk)
	order := make([]string, 0)
	for i := 0; i < count; i++ {
		chunk := chunkAt(rs, i)
		if chunk.DocID == "" {
			continue
		}
		if _, ok := byDoc[chunk.DocID]; !ok {
			order = append(order, chunk.DocID)
		}
		byDoc[chunk.DocID] = append(byDoc[chunk.DocID], chunk)
	}

	docs := make([]models.ConsolidatedResult, 0, len(order))
	for _, docID := range order {
		chunks := byDoc[docID]
		sort.SliceStable(chunks, func(i, j int) bool {
			return chunks[i].ChunkIndex < chunks[j].ChunkIndex
		})

		members := make([]models.ScoredCandidate, len(chunks))
		for i, c := range chunks {
			members[i] = models.ScoredCandidate{Chunk: c}
		}

		docs = append(docs, models.ConsolidatedResult{
			DocID:      docID,
			Title:      chunks[0].Title,
			Timestamp:  chunks[0].Timestamp,
			Content:    joinChunkContents(chunks),
			ChunkCount: len(chunks),
			Members:    members,
		})
	}

	// Oldest first; unparseable timestamps sink to the front.
	sort.SliceStable(docs, func(i, j int) bool {
		ti, _ := timeparse.ParseDate(docs[i].Timestamp)
		tj, _ := timeparse.ParseDate(docs[j].Timestamp)
		return ti.Before(tj)
	})

	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}

	logger.Debug("Report series query completed",
		zap.String("series", reportSeries),
		zap.Int("documents", len(docs)),
	)

	return docs, nil
}

// ExistingTitleTimestampPairs scans the collection and returns the
// identity of every stored document. Ingestion consults it to skip
// re-inserting documents already present.
func (m *Client) ExistingTitleTimestampPairs(ctx context.Context) (map[TitleTimestamp]struct{}, error) {
	pairs := make(map[TitleTimestamp]struct{})

	var offset int64
	const pageSize int64 = 10000
	for {
		rs, err := m.client.Query(ctx, m.collectionName, nil, `chunk_id != ""`,
			[]string{"title", "timestamp"},
			client.WithOffset(offset), client.WithLimit(pageSize))
		if err != nil {
			return nil, fmt.Errorf("failed to scan title/timestamp pairs: %w", err)
		}

		count := resultCount(rs)
		if count == 0 {
			break
		}

		titleCol := rs.GetColumn("title")
		tsCol := rs.GetColumn("timestamp")
		for i := 0; i < count; i++ {
			title := stringAt(titleCol, i)
			if title == "" {
				continue
			}
			pairs[TitleTimestamp{Title: title, Timestamp: stringAt(tsCol, i)}] = struct{}{}
		}

		if int64(count) < pageSize {
			break
		}
		offset += int64(count)
	}

	logger.Debug("Scanned existing documents", zap.Int("pairs", len(pairs)))

	return pairs, nil
}

// MaxDocIDNumber scans stored doc_ids of the form doc_<number> and
// returns the highest number, 0 when none match. New documents continue
// the sequence from here.
func (m *Client) MaxDocIDNumber(ctx context.Context) (int, error) {
	max := 0

	var offset int64
	const pageSize int64 = 10000
	for {
		rs, err := m.client.Query(ctx, m.collectionName, nil, `chunk_id != ""`,
			[]string{"doc_id"},
			client.WithOffset(offset), client.WithLimit(pageSize))
		if err != nil {
			return 0, fmt.Errorf("failed to scan doc_ids: %w", err)
		}

		docIDCol := rs.GetColumn("doc_id")
		count := 0
		if docIDCol != nil {
			count = docIDCol.Len()
		}
		if count == 0 {
			break
		}

		for i := 0; i < count; i++ {
			if n, ok := docIDNumber(stringAt(docIDCol, i)); ok && n > max {
				max = n
			}
		}

		if int64(count) < pageSize {
			break
		}
		offset += int64(count)
	}

	return max, nil
}

func docIDNumber(docID string) (int, bool) {
	match := docIDPattern.FindStringSubmatch(docID)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

var docIDPattern = regexp.MustCompile(`^doc_(\d+)$`)

// Count returns the number of stored chunks.
func (m *Client) Count(ctx context.Context) (int64, error) {
	stats, err := m.client.GetCollectionStatistics(ctx, m.collectionName)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection statistics: %w", err)
	}
	var count int64
	fmt.Sscanf(stats["row_count"], "%d", &count)
	return count, nil
}

func buildFilterExpr(filter *SearchFilter) string {
	if filter == nil {
		return ""
	}

	expr := ""
	if filter.Before != "" {
		op := "<"
		if filter.AllowSameDay {
			op = "<="
		}
		expr = fmt.Sprintf(`timestamp %s "%s"`, op, timeparse.DatePrefix(filter.Before))
	}
	if filter.After != "" {
		if expr != "" {
			expr += " && "
		}
		expr += fmt.Sprintf(`timestamp >= "%s"`, timeparse.DatePrefix(filter.After))
	}
	return expr
}

// distanceToSimilarity converts the L2 distance between unit vectors to
// cosine similarity: cos = 1 - d^2/2, clamped to [0, 1].
func distanceToSimilarity(distance float32) float64 {
	d := float64(distance)
	sim := 1.0 - (d*d)/2.0
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

type columnSet interface {
	GetColumn(name string) entity.Column
}

func chunkAt(fields columnSet, i int) models.Chunk {
	return models.Chunk{
		ChunkID:             stringAt(fields.GetColumn("chunk_id"), i),
		DocID:               stringAt(fields.GetColumn("doc_id"), i),
		Content:             stringAt(fields.GetColumn("content"), i),
		ChunkIndex:          int(intAt(fields.GetColumn("chunk_index"), i)),
		ChunkType:           stringAt(fields.GetColumn("chunk_type"), i),
		Title:               stringAt(fields.GetColumn("title"), i),
		Timestamp:           stringAt(fields.GetColumn("timestamp"), i),
		Industries:          stringAt(fields.GetColumn("industries"), i),
		InvestmentRelevance: stringAt(fields.GetColumn("investment_relevance"), i),
		ReportSeries:        stringAt(fields.GetColumn("report_series"), i),
		PolicySegments:      stringAt(fields.GetColumn("industry_policy_segments"), i),
	}
}

func resultCount(rs client.ResultSet) int {
	col := rs.GetColumn("chunk_id")
	if col == nil {
		col = rs.GetColumn("title")
	}
	if col == nil {
		return 0
	}
	return col.Len()
}

func stringAt(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	val, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := val.(string)
	return s
}

func intAt(col entity.Column, i int) int64 {
	if col == nil {
		return 0
	}
	val, err := col.Get(i)
	if err != nil {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func joinChunkContents(chunks []models.Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Content != "" {
			parts = append(parts, c.Content)
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}

// shrinkSegments keeps the industry->passages JSON under the schema cap.
// Oversized payloads are first rebuilt with per-industry passage limits;
// only when that still overflows (or the JSON is unparseable) does a hard
// byte cut apply.
func shrinkSegments(s string) string {
	if len(s) <= maxSegmentsBytes {
		return s
	}

	var parsed map[string][]string
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		const (
			maxSegmentsPerIndustry = 20
			maxSegmentRunes        = 200
		)
		for industry, segs := range parsed {
			if len(segs) > maxSegmentsPerIndustry {
				segs = segs[:maxSegmentsPerIndustry]
			}
			for i, seg := range segs {
				if r := []rune(seg); len(r) > maxSegmentRunes {
					segs[i] = string(r[:maxSegmentRunes])
				}
			}
			parsed[industry] = segs
		}
		if rebuilt, err := json.Marshal(parsed); err == nil && len(rebuilt) <= maxSegmentsBytes {
			return string(rebuilt)
		}
	}

	return truncateBytes(s, maxSegmentsBytes-3) + "..."
}

// truncateBytes cuts s to at most max bytes on a rune boundary.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
