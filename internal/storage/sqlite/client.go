// Package sqlite keeps the document registry: which documents have been
// ingested, under which doc_id, plus the search history. Chunk content
// and vectors live in the passage store; this registry is the local
// source of truth for identity and bookkeeping.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite registry initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		industries TEXT,
		classification TEXT,
		content_hash TEXT,
		chunk_count INTEGER DEFAULT 0,
		ingested_at INTEGER NOT NULL,
		UNIQUE(title, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_timestamp ON documents(timestamp);
	CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);

	CREATE TABLE IF NOT EXISTS search_history (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		mode TEXT NOT NULL,
		result_count INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_search_created ON search_history(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertDocument records an ingested document. The (title, timestamp)
// uniqueness constraint makes double ingestion fail loudly rather than
// silently duplicate.
func (c *Client) InsertDocument(doc *models.Document, chunkCount int) error {
	industriesJSON, _ := json.Marshal(doc.Industries)
	classificationJSON, _ := json.Marshal(doc.Classification)

	query := `
		INSERT INTO documents (doc_id, title, timestamp, industries, classification, content_hash, chunk_count, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		doc.DocID,
		doc.Title,
		doc.Timestamp,
		string(industriesJSON),
		string(classificationJSON),
		doc.ContentHash,
		chunkCount,
		doc.IngestedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document registered",
		zap.String("doc_id", doc.DocID),
		zap.String("title", doc.Title),
		zap.Int("chunks", chunkCount),
	)
	return nil
}

func (c *Client) GetDocument(docID string) (*models.Document, error) {
	query := `SELECT doc_id, title, timestamp, industries, classification, content_hash, ingested_at FROM documents WHERE doc_id = ?`

	var doc models.Document
	var industriesJSON, classificationJSON string
	var ingestedAt int64

	err := c.db.QueryRow(query, docID).Scan(
		&doc.DocID,
		&doc.Title,
		&doc.Timestamp,
		&industriesJSON,
		&classificationJSON,
		&doc.ContentHash,
		&ingestedAt,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	json.Unmarshal([]byte(industriesJSON), &doc.Industries)
	json.Unmarshal([]byte(classificationJSON), &doc.Classification)
	doc.IngestedAt = time.Unix(ingestedAt, 0)

	return &doc, nil
}

// HasDocument reports whether a document with this exact (title,
// timestamp) identity is already registered.
func (c *Client) HasDocument(title, timestamp string) (bool, error) {
	var count int
	err := c.db.QueryRow(
		`SELECT COUNT(*) FROM documents WHERE title = ? AND timestamp = ?`,
		title, timestamp,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check document existence: %w", err)
	}
	return count > 0, nil
}

// MaxDocIDNumber returns the highest doc_<number> suffix registered, 0
// when the registry is empty. Allocation takes the max of this and the
// passage store's own scan, so the sequence survives either side lagging.
func (c *Client) MaxDocIDNumber() (int, error) {
	rows, err := c.db.Query(`SELECT doc_id FROM documents`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan doc_ids: %w", err)
	}
	defer rows.Close()

	max := 0
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return 0, fmt.Errorf("failed to scan row: %w", err)
		}
		match := docIDPattern.FindStringSubmatch(docID)
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > max {
			max = n
		}
	}

	return max, rows.Err()
}

var docIDPattern = regexp.MustCompile(`^doc_(\d+)$`)

func (c *Client) DocumentCount() (int64, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func (c *Client) InsertSearchRecord(record *models.SearchRecord) error {
	query := `
		INSERT INTO search_history (id, query_text, mode, result_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		record.ID,
		record.QueryText,
		record.Mode,
		record.ResultCount,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert search record: %w", err)
	}

	logger.Debug("Search recorded",
		zap.String("search_id", record.ID),
		zap.String("mode", record.Mode),
		zap.Int("results", record.ResultCount),
	)

	return nil
}

func (c *Client) RecentSearches(limit int) ([]models.SearchRecord, error) {
	query := `
		SELECT id, query_text, mode, result_count, latency_ms, created_at
		FROM search_history
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get search history: %w", err)
	}
	defer rows.Close()

	var records []models.SearchRecord
	for rows.Next() {
		var r models.SearchRecord
		var createdAt int64

		err := rows.Scan(&r.ID, &r.QueryText, &r.Mode, &r.ResultCount, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}
