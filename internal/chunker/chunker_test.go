package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/policy-agent/backend/internal/storage/models"
)

// cjkParagraph builds a single-sentence paragraph of exactly n runes,
// using filler that matches no clause pattern.
func cjkParagraph(filler rune, n int) string {
	return strings.Repeat(string(filler), n-1) + "。"
}

func testDoc(content string) *models.Document {
	return &models.Document{
		DocID:     "doc_0001",
		Title:     "测试政策文件",
		Timestamp: "2024-05-01 10:00:00",
		Content:   content,
	}
}

func TestChunkDocumentSplitsAtTargetWithOverlap(t *testing.T) {
	c, err := New(DefaultConfig(), CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p1 := cjkParagraph('政', 300)
	p2 := cjkParagraph('策', 300)
	p3 := cjkParagraph('文', 300)
	p4 := cjkParagraph('件', 300)
	doc := testDoc(strings.Join([]string{p1, p2, p3, p4}, "\n\n"))

	chunks := c.ChunkDocument(doc)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	if got, want := chunks[0].Content, p1+"\n\n"+p2; got != want {
		t.Errorf("chunk 0 content mismatch:\ngot  %q\nwant %q", got, want)
	}

	// The second chunk opens with the 150-rune tail of the previous
	// paragraph, then continues with the unseen material.
	seed := strings.Repeat("策", 149) + "。"
	if got, want := chunks[1].Content, seed+"\n\n"+p3+"\n\n"+p4; got != want {
		t.Errorf("chunk 1 content mismatch:\ngot  %q\nwant %q", got, want)
	}

	for i, ch := range chunks {
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d: index = %d", i, ch.ChunkIndex)
		}
		if want := fmt.Sprintf("doc_0001_chunk_%d", i); ch.ChunkID != want {
			t.Errorf("chunk %d: id = %q, want %q", i, ch.ChunkID, want)
		}
		if ch.ChunkType != models.ChunkTypeParagraph {
			t.Errorf("chunk %d: type = %q", i, ch.ChunkType)
		}
	}
}

func TestChunkDocumentNeverExceedsAbsoluteMax(t *testing.T) {
	c, err := New(DefaultConfig(), CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inputs := []string{
		strings.Repeat("超", 5000),
		strings.Join([]string{cjkParagraph('壹', 900), cjkParagraph('贰', 1100), cjkParagraph('叁', 40)}, "\n\n"),
		cjkParagraph('短', 50),
		strings.Repeat(cjkParagraph('混', 700)+"\n\n", 6),
	}

	for i, content := range inputs {
		for _, ch := range c.ChunkDocument(testDoc(content)) {
			if n := utf8.RuneCountInString(ch.Content); n > DefaultConfig().AbsoluteMax {
				t.Errorf("input %d: chunk %s has %d runes, limit %d", i, ch.ChunkID, n, DefaultConfig().AbsoluteMax)
			}
		}
	}
}

func TestClauseOpeningStartsNewChunk(t *testing.T) {
	cfg := Config{TargetSize: 800, MaxSize: 1000, Overlap: 0, AbsoluteMax: 1200}
	c, err := New(cfg, CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p1 := cjkParagraph('序', 100)
	p2 := "第二条 " + cjkParagraph('规', 93)
	doc := testDoc(p1 + "\n\n" + p2)

	chunks := c.ChunkDocument(doc)
	if len(chunks) != 2 {
		t.Fatalf("expected clause opening to split, got %d chunks", len(chunks))
	}
	if chunks[0].Content != p1 {
		t.Errorf("chunk 0 = %q", chunks[0].Content)
	}
	if chunks[1].Content != p2 {
		t.Errorf("chunk 1 = %q", chunks[1].Content)
	}
	if chunks[0].ChunkType != models.ChunkTypeParagraph {
		t.Errorf("chunk 0 type = %q", chunks[0].ChunkType)
	}
	if chunks[1].ChunkType != models.ChunkTypeClause {
		t.Errorf("chunk 1 type = %q", chunks[1].ChunkType)
	}
}

func TestSingleBlockResplitsOnClauseMarkers(t *testing.T) {
	cfg := Config{TargetSize: 800, MaxSize: 1000, Overlap: 0, AbsoluteMax: 1200}
	c, err := New(cfg, CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// No blank lines anywhere: the paragraph pass sees one block and the
	// clause pass has to take over. The bare heading is below the noise
	// threshold and should vanish.
	clause1 := "第一条 " + strings.Repeat("甲", 60)
	clause2 := "第二条 " + strings.Repeat("乙", 60)
	doc := testDoc("总则\n" + clause1 + "\n" + clause2)

	chunks := c.ChunkDocument(doc)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 clause chunks, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Content, "第一条") || !strings.Contains(chunks[1].Content, "第二条") {
		t.Errorf("clause markers not distributed: %q / %q", chunks[0].Content, chunks[1].Content)
	}
	for _, ch := range chunks {
		if strings.Contains(ch.Content, "总则") {
			t.Errorf("noise fragment survived in %q", ch.Content)
		}
		if ch.ChunkType != models.ChunkTypeClause {
			t.Errorf("type = %q, want clause", ch.ChunkType)
		}
	}
}

func TestOversizedParagraphIsSliced(t *testing.T) {
	c, err := New(DefaultConfig(), CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc := testDoc(strings.Repeat("长", 2500))
	chunks := c.ChunkDocument(doc)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 slices, got %d", len(chunks))
	}
	wantLens := []int{1200, 1200, 100}
	total := 0
	for i, ch := range chunks {
		n := utf8.RuneCountInString(ch.Content)
		if n != wantLens[i] {
			t.Errorf("slice %d: %d runes, want %d", i, n, wantLens[i])
		}
		if ch.ChunkIndex != i {
			t.Errorf("slice %d: index %d", i, ch.ChunkIndex)
		}
		total += n
	}
	if total != 2500 {
		t.Errorf("slicing lost content: %d of 2500 runes", total)
	}
}

func TestOversizedSliceCutsAtSentenceBoundary(t *testing.T) {
	cfg := Config{TargetSize: 50, MaxSize: 80, Overlap: 10, AbsoluteMax: 100}
	c, err := New(cfg, CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// One 150-rune paragraph with a sentence end at rune 75: the first
	// slice should stop there instead of hard-cutting at 100.
	doc := testDoc(strings.Repeat("工", 75) + "。" + strings.Repeat("业", 74))
	chunks := c.ChunkDocument(doc)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 slices, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0].Content, "。") {
		t.Errorf("first slice does not end at sentence boundary: %q", chunks[0].Content)
	}
	if n := utf8.RuneCountInString(chunks[0].Content); n != 76 {
		t.Errorf("first slice = %d runes, want 76", n)
	}
	if n := utf8.RuneCountInString(chunks[1].Content); n != 74 {
		t.Errorf("second slice = %d runes, want 74", n)
	}
}

func TestChunkCarriesDocumentMetadata(t *testing.T) {
	c, err := New(DefaultConfig(), CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc := testDoc(cjkParagraph('金', 120))
	doc.Industries = []string{"金融", "能源"}
	doc.Classification = models.Classification{
		InvestmentRelevance: "high",
		ReportSeries:        "货币政策执行报告",
		PolicySegments:      map[string][]string{"金融": {"第一章 总则"}},
	}

	chunks := c.ChunkDocument(doc)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	ch := chunks[0]
	if ch.DocID != "doc_0001" {
		t.Errorf("doc id = %q", ch.DocID)
	}
	if ch.Title != "测试政策文件" {
		t.Errorf("title = %q", ch.Title)
	}
	if ch.Timestamp != "2024-05-01 10:00:00" {
		t.Errorf("timestamp = %q", ch.Timestamp)
	}
	if ch.Industries != "金融,能源" {
		t.Errorf("industries = %q", ch.Industries)
	}
	if ch.InvestmentRelevance != "high" {
		t.Errorf("relevance = %q", ch.InvestmentRelevance)
	}
	if ch.ReportSeries != "货币政策执行报告" {
		t.Errorf("series = %q", ch.ReportSeries)
	}
	if want := `{"金融":["第一章 总则"]}`; ch.PolicySegments != want {
		t.Errorf("segments = %q, want %q", ch.PolicySegments, want)
	}
}

func TestChunkDocumentEmptyContent(t *testing.T) {
	c, err := New(DefaultConfig(), CJKBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, content := range []string{"", "   \n\n\t  ", "短。"} {
		if got := c.ChunkDocument(testDoc(content)); len(got) != 0 {
			t.Errorf("content %q: expected no chunks, got %d", content, len(got))
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero target", Config{TargetSize: 0, MaxSize: 1000, Overlap: 150, AbsoluteMax: 1200}},
		{"overlap not below target", Config{TargetSize: 800, MaxSize: 1000, Overlap: 800, AbsoluteMax: 1200}},
		{"target above max", Config{TargetSize: 1100, MaxSize: 1000, Overlap: 150, AbsoluteMax: 1200}},
		{"max above absolute max", Config{TargetSize: 800, MaxSize: 1300, Overlap: 150, AbsoluteMax: 1200}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, CJKBoundary()); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	if _, err := New(DefaultConfig(), CJKBoundary()); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestBoundaryFor(t *testing.T) {
	if got := BoundaryFor("latin"); got.Name != "latin" {
		t.Errorf("latin lookup = %q", got.Name)
	}
	if got := BoundaryFor("cjk"); got.Name != "cjk" {
		t.Errorf("cjk lookup = %q", got.Name)
	}
	if got := BoundaryFor("unknown"); got.Name != "cjk" {
		t.Errorf("unknown should fall back to cjk, got %q", got.Name)
	}
}

func TestLatinBoundaryClausePatterns(t *testing.T) {
	cfg := Config{TargetSize: 800, MaxSize: 1000, Overlap: 0, AbsoluteMax: 1200}
	c, err := New(cfg, LatinBoundary())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p1 := strings.Repeat("preamble text ", 8)
	p2 := "Article 12 establishes the reporting duty for all covered entities."
	doc := testDoc(strings.TrimSpace(p1) + "\n\n" + p2)

	chunks := c.ChunkDocument(doc)
	if len(chunks) != 2 {
		t.Fatalf("expected Article opening to split, got %d chunks", len(chunks))
	}
	if chunks[1].ChunkType != models.ChunkTypeClause {
		t.Errorf("article chunk type = %q", chunks[1].ChunkType)
	}
}
