package milvus

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/policy-agent/backend/internal/storage/models"
)

func TestBuildFilterExpr(t *testing.T) {
	cases := []struct {
		name   string
		filter *SearchFilter
		want   string
	}{
		{"nil filter", nil, ""},
		{"empty filter", &SearchFilter{}, ""},
		{
			"before strict",
			&SearchFilter{Before: "2024-05-01 10:30:00"},
			`timestamp < "2024-05-01"`,
		},
		{
			"before same day allowed",
			&SearchFilter{Before: "2024-05-01 10:30:00", AllowSameDay: true},
			`timestamp <= "2024-05-01"`,
		},
		{
			"after only",
			&SearchFilter{After: "2022-06-15"},
			`timestamp >= "2022-06-15"`,
		},
		{
			"window",
			&SearchFilter{Before: "2024-05-01", After: "2022-06-15", AllowSameDay: true},
			`timestamp <= "2024-05-01" && timestamp >= "2022-06-15"`,
		},
	}

	for _, tc := range cases {
		if got := buildFilterExpr(tc.filter); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDistanceToSimilarity(t *testing.T) {
	cases := []struct {
		name     string
		distance float32
		want     float64
	}{
		{"identical vectors", 0, 1.0},
		{"halfway", 1, 0.5},
		{"orthogonal", float32(math.Sqrt2), 0.0},
		{"opposite clamps to zero", 2, 0.0},
		{"beyond opposite clamps to zero", 3, 0.0},
	}

	for _, tc := range cases {
		got := distanceToSimilarity(tc.distance)
		if math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("%s: distance %v -> %v, want %v", tc.name, tc.distance, got, tc.want)
		}
	}
}

func TestTruncateBytesRespectsRuneBoundaries(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"你好世界", 12, "你好世界"},
		{"你好世界", 7, "你好"},
		{"你好世界", 6, "你好"},
		{"ab你好", 5, "ab你"},
		{"你", 2, ""},
	}

	for _, tc := range cases {
		got := truncateBytes(tc.in, tc.max)
		if got != tc.want {
			t.Errorf("truncateBytes(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncateBytes(%q, %d) produced invalid UTF-8", tc.in, tc.max)
		}
		if len(got) > tc.max {
			t.Errorf("truncateBytes(%q, %d) is %d bytes", tc.in, tc.max, len(got))
		}
	}
}

func TestShrinkSegmentsUnderCapIsUntouched(t *testing.T) {
	in := `{"金融":["第一章 总则"]}`
	if got := shrinkSegments(in); got != in {
		t.Errorf("small payload modified: %q", got)
	}
}

func TestShrinkSegmentsRebuildsOversizedJSON(t *testing.T) {
	segs := make([]string, 30)
	for i := range segs {
		segs[i] = strings.Repeat("条", 300)
	}
	raw, err := json.Marshal(map[string][]string{"金融": segs})
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) <= maxSegmentsBytes {
		t.Fatalf("fixture too small: %d bytes", len(raw))
	}

	got := shrinkSegments(string(raw))
	if len(got) > maxSegmentsBytes {
		t.Fatalf("still oversized: %d bytes", len(got))
	}

	var parsed map[string][]string
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("rebuilt payload is not JSON: %v", err)
	}
	if n := len(parsed["金融"]); n != 20 {
		t.Errorf("segments per industry = %d, want 20", n)
	}
	for i, seg := range parsed["金融"] {
		if n := utf8.RuneCountInString(seg); n > 200 {
			t.Errorf("segment %d is %d runes", i, n)
		}
	}
}

func TestShrinkSegmentsHardCutsUnparseable(t *testing.T) {
	in := strings.Repeat("政", 7000)
	got := shrinkSegments(in)

	if len(got) > maxSegmentsBytes {
		t.Errorf("hard cut still oversized: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("hard cut marker missing: %q", got[len(got)-9:])
	}
	if !utf8.ValidString(got) {
		t.Error("hard cut produced invalid UTF-8")
	}
}

func TestDocIDNumber(t *testing.T) {
	cases := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"doc_0042", 42, true},
		{"doc_7", 7, true},
		{"doc_0001", 1, true},
		{"legacy-import-7", 0, false},
		{"doc_", 0, false},
		{"doc_12x", 0, false},
		{"doc_0042_chunk_1", 0, false},
		{"", 0, false},
	}

	for _, tc := range cases {
		got, ok := docIDNumber(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("docIDNumber(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestJoinChunkContents(t *testing.T) {
	chunks := []models.Chunk{
		{Content: "第一段"},
		{Content: ""},
		{Content: "第二段"},
	}
	if got, want := joinChunkContents(chunks), "第一段\n\n第二段"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := joinChunkContents(nil); got != "" {
		t.Errorf("empty input: got %q", got)
	}
}
