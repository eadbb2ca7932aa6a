package consolidate

import (
	"math"
	"testing"
	"time"

	"github.com/policy-agent/backend/internal/storage/models"
)

var refDay = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func cand(chunkID, docID, title, timestamp string, sim float64) models.ScoredCandidate {
	return models.ScoredCandidate{
		Chunk: models.Chunk{
			ChunkID:   chunkID,
			DocID:     docID,
			Title:     title,
			Timestamp: timestamp,
			Content:   "content of " + chunkID,
		},
		Similarity: sim,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDedupKeepsHighestScorerPerSource(t *testing.T) {
	rerank := 10.0
	weak := cand("c1", "doc_0001", "碳达峰方案", "2024-05-02 09:00:00", 0.9)
	strong := cand("c2", "doc_0001", "碳达峰方案", "2024-05-02 09:00:00", 0.5)
	strong.RerankScore = &rerank
	other := cand("c3", "doc_0002", "另一文件", "2024-05-02 09:00:00", 0.4)

	got := DedupAndWeight([]models.ScoredCandidate{weak, strong, other}, refDay, 0)

	if len(got) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(got))
	}
	if got[0].ChunkID != "c2" {
		t.Errorf("survivor for duplicated source = %s, want c2 (rerank outranks similarity)", got[0].ChunkID)
	}
	for _, g := range got {
		if g.ChunkID == "c1" {
			t.Error("lower-scoring duplicate survived")
		}
	}
}

func TestDedupRecencyBonusIsAdditive(t *testing.T) {
	// A year-old passage with a strong rerank score must stay ahead of a
	// fresh one: the bonus nudges, it does not override.
	rerank := 10.0
	old := cand("c-old", "doc_0001", "旧文件", "2023-04-28 00:00:00", 0.5)
	old.RerankScore = &rerank
	fresh := cand("c-new", "doc_0002", "新文件", "2024-05-02 00:00:00", 0.95)

	got := DedupAndWeight([]models.ScoredCandidate{fresh, old}, refDay, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].ChunkID != "c-old" {
		t.Errorf("first = %s, want the reranked passage", got[0].ChunkID)
	}

	// 400 days before the reference lands on the shallow taper.
	wantOldBonus := 0.03 * (1 - float64(400-365)/730)
	if !almostEqual(got[0].TimeBonus, wantOldBonus) {
		t.Errorf("old bonus = %v, want %v", got[0].TimeBonus, wantOldBonus)
	}
	if !almostEqual(got[0].FinalScore, 10.0+wantOldBonus) {
		t.Errorf("old final = %v, want %v", got[0].FinalScore, 10.0+wantOldBonus)
	}

	wantFreshBonus := 0.1 * (1 - 30.0/365)
	if !almostEqual(got[1].TimeBonus, wantFreshBonus) {
		t.Errorf("fresh bonus = %v, want %v", got[1].TimeBonus, wantFreshBonus)
	}
}

func TestRecencyBonusBreakpoints(t *testing.T) {
	cases := []struct {
		name      string
		timestamp string
		want      float64
	}{
		{"same day", "2024-06-01", 0.1},
		{"73 days", "2024-03-20", 0.08},
		{"exactly one year", "2023-06-02", 0.0},
		{"just past one year", "2023-06-01", 0.03 * (1 - 1.0/730)},
		{"three years", "2021-06-02", 0.0},
		{"beyond three years", "2021-06-01", 0.0},
		{"unparseable", "未知时间", 0.0},
		{"empty", "", 0.0},
	}

	for _, tc := range cases {
		in := []models.ScoredCandidate{cand("c", "d", "t-"+tc.name, tc.timestamp, 0)}
		got := DedupAndWeight(in, refDay, 0)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 result", tc.name)
		}
		if !almostEqual(got[0].TimeBonus, tc.want) {
			t.Errorf("%s: bonus = %v, want %v", tc.name, got[0].TimeBonus, tc.want)
		}
		if !almostEqual(got[0].FinalScore, tc.want) {
			t.Errorf("%s: final = %v, want %v", tc.name, got[0].FinalScore, tc.want)
		}
	}
}

func TestRecencyBonusZeroReference(t *testing.T) {
	in := []models.ScoredCandidate{cand("c", "d", "t", "2024-05-02", 0.5)}
	got := DedupAndWeight(in, time.Time{}, 0)
	if got[0].TimeBonus != 0 {
		t.Errorf("zero reference should earn no bonus, got %v", got[0].TimeBonus)
	}
}

func TestDedupTopKAndTieOrder(t *testing.T) {
	var in []models.ScoredCandidate
	sims := []float64{0.5, 0.9, 0.3, 0.7, 0.6}
	for i, sim := range sims {
		c := cand(
			"c"+string(rune('a'+i)),
			"doc"+string(rune('a'+i)),
			"title-"+string(rune('a'+i)),
			"", // no timestamp, no bonus: ranking is similarity alone
			sim,
		)
		in = append(in, c)
	}

	got := DedupAndWeight(in, refDay, 3)
	if len(got) != 3 {
		t.Fatalf("topK not applied: %d results", len(got))
	}
	if got[0].Similarity != 0.9 || got[1].Similarity != 0.7 || got[2].Similarity != 0.6 {
		t.Errorf("wrong top 3: %v %v %v", got[0].Similarity, got[1].Similarity, got[2].Similarity)
	}

	// Equal finals keep arrival order.
	tied := []models.ScoredCandidate{
		cand("first", "d1", "t1", "", 0.8),
		cand("second", "d2", "t2", "", 0.8),
	}
	got = DedupAndWeight(tied, refDay, 0)
	if got[0].ChunkID != "first" || got[1].ChunkID != "second" {
		t.Errorf("tie order not stable: %s, %s", got[0].ChunkID, got[1].ChunkID)
	}
}

func TestDedupDoesNotMutateInput(t *testing.T) {
	in := []models.ScoredCandidate{
		cand("c1", "d1", "t", "2024-05-02", 0.2),
		cand("c2", "d2", "u", "2024-05-02", 0.9),
	}
	_ = DedupAndWeight(in, refDay, 1)

	if in[0].ChunkID != "c1" || in[1].ChunkID != "c2" {
		t.Error("input order changed")
	}
	if in[0].TimeBonus != 0 || in[0].FinalScore != 0 {
		t.Error("input candidates were written to")
	}
}

func TestDedupIdempotent(t *testing.T) {
	in := []models.ScoredCandidate{
		cand("c1", "d1", "甲", "2024-05-20", 0.4),
		cand("c2", "d1", "甲", "2024-05-20", 0.6),
		cand("c3", "d2", "乙", "2023-01-15", 0.5),
	}
	once := DedupAndWeight(in, refDay, 0)
	twice := DedupAndWeight(once, refDay, 0)

	if len(once) != len(twice) {
		t.Fatalf("length changed on reapply: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].ChunkID != twice[i].ChunkID || !almostEqual(once[i].FinalScore, twice[i].FinalScore) {
			t.Errorf("result %d changed on reapply: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestMergeByDocJoinsInChunkOrder(t *testing.T) {
	mk := func(index int, sim float64) models.ScoredCandidate {
		c := cand("doc_0001_chunk_"+string(rune('0'+index)), "doc_0001", "政策文件", "2024-05-02", sim)
		c.ChunkIndex = index
		c.Content = "段落" + string(rune('0'+index))
		return c
	}

	// Arrival order is retrieval rank; the merge must restore document
	// order regardless.
	in := []models.ScoredCandidate{mk(2, 0.5), mk(0, 0.9), mk(4, 0.3), mk(1, 0.7), mk(3, 0.6)}
	got := MergeByDoc(in)

	if len(got) != 1 {
		t.Fatalf("expected 1 merged doc, got %d", len(got))
	}
	doc := got[0]
	if doc.DocID != "doc_0001" {
		t.Errorf("doc id = %q", doc.DocID)
	}
	if doc.ChunkCount != 5 {
		t.Errorf("chunk count = %d", doc.ChunkCount)
	}
	if want := "段落0\n\n段落1\n\n段落2\n\n段落3\n\n段落4"; doc.Content != want {
		t.Errorf("content = %q, want %q", doc.Content, want)
	}
	if !almostEqual(doc.AvgSimilarity, 0.6) {
		t.Errorf("avg similarity = %v, want 0.6", doc.AvgSimilarity)
	}
	for i, m := range doc.Members {
		if m.ChunkIndex != i {
			t.Errorf("member %d has chunk index %d", i, m.ChunkIndex)
		}
	}
}

func TestMergeByDocDeduplicatesMembers(t *testing.T) {
	a := cand("doc_0001_chunk_0", "doc_0001", "文件", "2024-05-02", 0.4)
	b := cand("doc_0001_chunk_0", "doc_0001", "文件", "2024-05-02", 0.8)

	got := MergeByDoc([]models.ScoredCandidate{a, b})
	if len(got) != 1 || got[0].ChunkCount != 1 {
		t.Fatalf("duplicate chunk not collapsed: %+v", got)
	}
	if !almostEqual(got[0].AvgSimilarity, 0.8) {
		t.Errorf("kept the lower-similarity duplicate: %v", got[0].AvgSimilarity)
	}
}

func TestMergeByDocOrdersBySimilarity(t *testing.T) {
	in := []models.ScoredCandidate{
		cand("a0", "doc_a", "甲", "2024-01-01", 0.4),
		cand("b0", "doc_b", "乙", "2024-01-01", 0.8),
		cand("a1", "doc_a", "甲", "2024-01-01", 0.6),
	}
	got := MergeByDoc(in)

	if len(got) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(got))
	}
	if got[0].DocID != "doc_b" {
		t.Errorf("first doc = %s, want doc_b (avg 0.8 over 0.5)", got[0].DocID)
	}
	if !almostEqual(got[1].AvgSimilarity, 0.5) {
		t.Errorf("doc_a avg = %v, want 0.5", got[1].AvgSimilarity)
	}
}

func TestMergeByDocSingletonWithoutDocID(t *testing.T) {
	orphan := cand("orphan_chunk", "", "孤立段落", "2024-05-02", 0.7)
	got := MergeByDoc([]models.ScoredCandidate{orphan})

	if len(got) != 1 {
		t.Fatalf("expected 1 singleton, got %d", len(got))
	}
	if got[0].DocID != "orphan_chunk" {
		t.Errorf("singleton keyed by %q, want chunk id", got[0].DocID)
	}
	if got[0].ChunkCount != 1 || !almostEqual(got[0].AvgSimilarity, 0.7) {
		t.Errorf("singleton shape wrong: %+v", got[0])
	}
}

func TestMergeByDocCollidingSingletonIsUnioned(t *testing.T) {
	member := cand("doc_0001_chunk_0", "doc_0001", "文件", "2024-05-02", 0.5)
	// A passage with no doc_id whose chunk_id happens to equal the
	// document key above.
	orphan := cand("doc_0001", "", "文件", "2024-05-02", 0.9)

	got := MergeByDoc([]models.ScoredCandidate{member, orphan})
	if len(got) != 1 {
		t.Fatalf("colliding ids not re-merged: %d results", len(got))
	}
	if got[0].ChunkCount != 2 {
		t.Errorf("union count = %d, want 2", got[0].ChunkCount)
	}
	if !almostEqual(got[0].AvgSimilarity, 0.7) {
		t.Errorf("union avg = %v, want 0.7", got[0].AvgSimilarity)
	}
}

func TestMergeByDocEmptyInput(t *testing.T) {
	if got := MergeByDoc(nil); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}
