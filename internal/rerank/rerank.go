package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/policy-agent/backend/pkg/logger"
)

// Result carries the relevance score the cross-encoder assigned to the
// passage at Index in the input slice.
type Result struct {
	Index int
	Score float32
}

// Service scores passages for relevance against a query. Callers must
// tolerate errors by falling back to their own ordering; reranking is a
// precision layer, not a correctness one.
type Service interface {
	Rerank(ctx context.Context, query string, passages []string, topN int) ([]Result, error)
	IsEnabled() bool
}

type Config struct {
	Enabled       bool
	Model         string
	BaseURL       string
	APIKey        string
	TimeoutSec    int
	MaxPassageLen int
}

type service struct {
	client        *http.Client
	apiKey        string
	baseURL       string
	model         string
	enabled       bool
	maxPassageLen int
}

func NewService(cfg Config) Service {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &service{
		enabled:       cfg.Enabled,
		apiKey:        cfg.APIKey,
		baseURL:       cfg.BaseURL,
		model:         cfg.Model,
		maxPassageLen: cfg.MaxPassageLen,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *service) IsEnabled() bool {
	return s.enabled
}

// Rerank scores passages against query and returns them sorted by score
// descending. When the service is disabled it synthesizes descending
// scores so the caller's input order survives unchanged.
func (s *service) Rerank(ctx context.Context, query string, passages []string, topN int) ([]Result, error) {
	if !s.enabled {
		results := make([]Result, len(passages))
		for i := range passages {
			results[i] = Result{Index: i, Score: 1.0 - float32(i)*0.01}
		}
		if topN > 0 && topN < len(results) {
			return results[:topN], nil
		}
		return results, nil
	}

	trimmed := make([]string, len(passages))
	for i, p := range passages {
		trimmed[i] = truncateRunes(p, s.maxPassageLen)
	}

	reqBody := map[string]interface{}{
		"model":     s.model,
		"query":     query,
		"documents": trimmed,
		"top_n":     topN,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(s.baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/rerank"
	} else {
		baseURL += "/v1/rerank"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("rerank API error: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("rerank API error: %s", string(respBody))
	}

	var parsed struct {
		Results []struct {
			Index int     `json:"index"`
			Score float32 `json:"relevance_score"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	results := make([]Result, len(parsed.Results))
	for i, r := range parsed.Results {
		results[i] = Result{Index: r.Index, Score: r.Score}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	logger.Debug("Passages reranked",
		zap.Int("passages", len(passages)),
		zap.Int("returned", len(results)),
	)

	return results, nil
}

// truncateRunes limits a passage to max runes. Cross-encoder context
// windows are small; overlong passages get rejected or silently clipped
// server-side, so clip them here on a rune boundary instead.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
