package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/policy-agent/backend/internal/storage/models"
)

func TestBuildComparisonQuery_TitleWeighting(t *testing.T) {
	title := "关于促进光伏产业发展的通知"
	q := BuildComparisonQuery(title, "正文内容", nil)

	wantPrefix := title + "\n" + title + "\n" + title + "\n\n"
	if !strings.HasPrefix(q, wantPrefix) {
		t.Errorf("query prefix = %q, want title repeated three times", q[:len(q)/2])
	}
	// Content shorter than the letterhead skip falls back to the full text.
	if !strings.HasSuffix(q, "正文内容") {
		t.Errorf("query = %q, want it to end with the short content", q)
	}
}

func TestBuildComparisonQuery_UsesPolicySegments(t *testing.T) {
	cls := &models.Classification{
		PolicySegments: map[string][]string{
			"光伏": {"支持分布式光伏并网", "简化备案流程"},
			"储能": {"新型储能参与电力市场"},
		},
	}
	rawContent := strings.Repeat("正", 400)

	q := BuildComparisonQuery("通知", rawContent, cls)
	for _, line := range []string{"支持分布式光伏并网", "简化备案流程", "新型储能参与电力市场"} {
		if !strings.Contains(q, line) {
			t.Errorf("query missing policy segment line %q", line)
		}
	}
	if strings.Contains(q, "正") {
		t.Error("query used raw content despite available policy segments")
	}
	if again := BuildComparisonQuery("通知", rawContent, cls); again != q {
		t.Error("query not deterministic across calls with the same segments")
	}
}

func TestBuildComparisonQuery_EmptySegmentsFallBack(t *testing.T) {
	cls := &models.Classification{
		PolicySegments: map[string][]string{"光伏": {}},
	}
	q := BuildComparisonQuery("通知", "短正文", cls)
	if !strings.HasSuffix(q, "短正文") {
		t.Errorf("query = %q, want fallback to content when segments carry no lines", q)
	}
}

func TestSubstantiveExcerpt_StartsAtClauseMarker(t *testing.T) {
	content := strings.Repeat("头", 250) + "第一条 支持新型储能项目建设。" + strings.Repeat("文", 1100)

	got := substantiveExcerpt(content)
	if !strings.HasPrefix(got, "第一条") {
		t.Errorf("excerpt = %q..., want it to start at the clause marker", string([]rune(got)[:8]))
	}
	if n := utf8.RuneCountInString(got); n != 1000 {
		t.Errorf("excerpt length = %d runes, want 1000", n)
	}
}

func TestSubstantiveExcerpt_MarkerBeyondScanWindow(t *testing.T) {
	content := strings.Repeat("头", 600) + "第一条 条款内容。"

	got := substantiveExcerpt(content)
	if strings.HasPrefix(got, "第一条") {
		t.Error("marker past the scan window must not move the excerpt start")
	}
	if !strings.HasPrefix(got, "头") {
		t.Errorf("excerpt = %q..., want the default letterhead skip", string([]rune(got)[:8]))
	}
}

func TestSubstantiveExcerpt_NoMarker(t *testing.T) {
	content := strings.Repeat("头", 300)

	got := substantiveExcerpt(content)
	if n := utf8.RuneCountInString(got); n != 100 {
		t.Errorf("excerpt length = %d runes, want the 100 left after the letterhead skip", n)
	}
}
