// Package consolidate collapses passage-level search hits into
// document-level results: deduplication by source, additive recency
// weighting, and per-document merge. All functions are pure; inputs are
// copied before filtering and sorting.
package consolidate

import (
	"sort"
	"strings"
	"time"

	"github.com/policy-agent/backend/internal/storage/models"
	"github.com/policy-agent/backend/pkg/timeparse"
)

// DedupAndWeight keeps, per (title, timestamp) source, only the
// highest-scoring candidate, adds the recency bonus, and returns the top
// topK by final score. Ties keep first-seen order.
func DedupAndWeight(candidates []models.ScoredCandidate, reference time.Time, topK int) []models.ScoredCandidate {
	type dedupKey struct {
		title     string
		timestamp string
	}

	var survivors []models.ScoredCandidate
	index := make(map[dedupKey]int)

	for _, cand := range candidates {
		key := dedupKey{title: cand.Title, timestamp: cand.Timestamp}
		if i, ok := index[key]; ok {
			if cand.BaseScore() > survivors[i].BaseScore() {
				survivors[i] = cand
			}
			continue
		}
		index[key] = len(survivors)
		survivors = append(survivors, cand)
	}

	for i := range survivors {
		survivors[i].TimeBonus = timeBonus(reference, survivors[i].Timestamp)
		survivors[i].FinalScore = survivors[i].BaseScore() + survivors[i].TimeBonus
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].FinalScore > survivors[j].FinalScore
	})

	if topK > 0 && len(survivors) > topK {
		survivors = survivors[:topK]
	}
	return survivors
}

// timeBonus is the additive recency adjustment, computed at calendar-day
// granularity: a linear taper worth up to 0.1 over the first year, then a
// shallower taper worth up to 0.03 out to three years, then nothing. The
// breakpoints and coefficients are empirically tuned; keep them as they
// are. A missing or unparseable timestamp earns no bonus.
func timeBonus(reference time.Time, timestamp string) float64 {
	if reference.IsZero() {
		return 0
	}
	docDate, ok := timeparse.ParseDate(timestamp)
	if !ok {
		return 0
	}

	refDate := time.Date(reference.Year(), reference.Month(), reference.Day(), 0, 0, 0, 0, time.UTC)
	daysDiff := int(refDate.Sub(docDate).Hours() / 24)

	switch {
	case daysDiff <= 365:
		return 0.1 * (1 - float64(daysDiff)/365)
	case daysDiff <= 1095:
		return 0.03 * (1 - float64(daysDiff-365)/730)
	default:
		return 0
	}
}

// MergeByDoc regroups candidates into one result per source document:
// members deduplicated by chunk_id, ordered by chunk_index, content joined
// with a paragraph separator. The aggregate score is the arithmetic mean
// of member similarities. Candidates without a doc_id become singleton
// results keyed by their chunk_id. No limit is applied; the caller
// truncates.
func MergeByDoc(candidates []models.ScoredCandidate) []models.ConsolidatedResult {
	if len(candidates) == 0 {
		return nil
	}

	groups := make(map[string][]models.ScoredCandidate)
	var groupOrder []string
	var singletons []models.ScoredCandidate

	for _, cand := range candidates {
		docID := strings.TrimSpace(cand.DocID)
		if docID == "" {
			singletons = append(singletons, cand)
			continue
		}
		if _, ok := groups[docID]; !ok {
			groupOrder = append(groupOrder, docID)
		}
		groups[docID] = append(groups[docID], cand)
	}

	merged := make([]models.ConsolidatedResult, 0, len(groupOrder)+len(singletons))
	for _, docID := range groupOrder {
		merged = append(merged, buildResult(docID, groups[docID]))
	}
	for _, cand := range singletons {
		merged = append(merged, models.ConsolidatedResult{
			DocID:         cand.ChunkID,
			Title:         cand.Title,
			Timestamp:     cand.Timestamp,
			Content:       cand.Content,
			ChunkCount:    1,
			AvgSimilarity: cand.Similarity,
			Members:       []models.ScoredCandidate{cand},
		})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].AvgSimilarity > merged[j].AvgSimilarity
	})

	// Independent initial groupings can still collide on doc_id (a
	// singleton whose chunk_id matches a document), so re-merge those
	// over the union of members.
	final := make([]models.ConsolidatedResult, 0, len(merged))
	byID := make(map[string]int)
	for _, doc := range merged {
		i, ok := byID[doc.DocID]
		if !ok {
			byID[doc.DocID] = len(final)
			final = append(final, doc)
			continue
		}
		union := append(append([]models.ScoredCandidate{}, final[i].Members...), doc.Members...)
		final[i] = buildResult(doc.DocID, union)
	}

	sort.SliceStable(final, func(i, j int) bool {
		return final[i].AvgSimilarity > final[j].AvgSimilarity
	})
	return final
}

// buildResult deduplicates members by chunk_id (keeping the
// higher-similarity duplicate), orders them by chunk_index, and joins
// their content in document order.
func buildResult(docID string, members []models.ScoredCandidate) models.ConsolidatedResult {
	unique := make(map[string]models.ScoredCandidate)
	var order []string
	for _, m := range members {
		existing, ok := unique[m.ChunkID]
		if !ok {
			order = append(order, m.ChunkID)
			unique[m.ChunkID] = m
			continue
		}
		if m.Similarity > existing.Similarity {
			unique[m.ChunkID] = m
		}
	}

	deduped := make([]models.ScoredCandidate, 0, len(order))
	for _, id := range order {
		deduped = append(deduped, unique[id])
	}
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].ChunkIndex < deduped[j].ChunkIndex
	})

	var contents []string
	var sum float64
	for _, m := range deduped {
		if m.Content != "" {
			contents = append(contents, m.Content)
		}
		sum += m.Similarity
	}

	avg := 0.0
	if len(deduped) > 0 {
		avg = sum / float64(len(deduped))
	}

	first := deduped[0]
	return models.ConsolidatedResult{
		DocID:         docID,
		Title:         first.Title,
		Timestamp:     first.Timestamp,
		Content:       strings.Join(contents, "\n\n"),
		ChunkCount:    len(deduped),
		AvgSimilarity: avg,
		Members:       deduped,
	}
}
