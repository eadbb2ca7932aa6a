package retrieval

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/policy-agent/backend/internal/storage/models"
)

// Clause openers that mark where a policy document's substantive body
// starts, after the issuing-agency and document-number boilerplate.
var substantiveMarkers = []string{"第一条", "一、", "（一）", "1.", "总则", "第一章"}

const (
	defaultExcerptStart = 200
	markerScanWindow    = 500
	excerptLen          = 1000
)

// BuildComparisonQuery assembles the weighted query text a document uses
// to search for its own historical peers. The title is repeated three
// times so it dominates the embedding; the body contributes either the
// classifier's policy-segment lines or a substantive excerpt of the raw
// content.
func BuildComparisonQuery(title, content string, classification *models.Classification) string {
	titlePart := title + "\n" + title + "\n" + title

	if classification != nil && len(classification.PolicySegments) > 0 {
		industries := make([]string, 0, len(classification.PolicySegments))
		for industry := range classification.PolicySegments {
			industries = append(industries, industry)
		}
		sort.Strings(industries)

		var lines []string
		for _, industry := range industries {
			lines = append(lines, classification.PolicySegments[industry]...)
		}
		if len(lines) > 0 {
			return titlePart + "\n\n" + strings.Join(lines, "\n")
		}
	}

	return titlePart + "\n\n" + substantiveExcerpt(content)
}

// substantiveExcerpt returns up to excerptLen runes of content starting
// at the first clause marker found within the opening markerScanWindow
// runes. Without a marker it skips a fixed prefix where the letterhead
// usually sits, unless the document is too short to have one.
func substantiveExcerpt(content string) string {
	runes := []rune(content)

	start := defaultExcerptStart
	for _, marker := range substantiveMarkers {
		bytePos := strings.Index(content, marker)
		if bytePos <= 0 {
			continue
		}
		runePos := utf8.RuneCountInString(content[:bytePos])
		if runePos < markerScanWindow {
			start = runePos
			break
		}
	}

	if start >= len(runes) {
		start = 0
	}
	end := start + excerptLen
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}
