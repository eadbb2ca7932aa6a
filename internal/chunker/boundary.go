package chunker

import "regexp"

// Boundary bundles the script-specific segmentation rules: how paragraphs
// are delimited, what marks a sentence end, and which line openings start
// an enumerated clause. Swapping the set retargets the chunker to another
// document convention without touching the algorithm.
type Boundary struct {
	Name                string
	ParagraphSplit      *regexp.Regexp
	ParagraphDelimiters []string
	SentenceDelimiters  []string
	ClausePatterns      []*regexp.Regexp
	MinParagraphLen     int
}

// CJKBoundary matches the enumeration conventions of Chinese policy
// documents: 一、 （二） 1. (2) 第三条 【通知】.
func CJKBoundary() Boundary {
	return Boundary{
		Name:                "cjk",
		ParagraphSplit:      regexp.MustCompile(`\n\s*\n+`),
		ParagraphDelimiters: []string{"\n\n", "\n\n\n", "\r\n\r\n"},
		SentenceDelimiters:  []string{"。", "！", "？", "；"},
		ClausePatterns: []*regexp.Regexp{
			regexp.MustCompile(`^[一二三四五六七八九十]+[、.]`),
			regexp.MustCompile(`^（[一二三四五六七八九十]+）`),
			regexp.MustCompile(`^\d+[、.]`),
			regexp.MustCompile(`^\(\d+\)`),
			regexp.MustCompile(`^第[一二三四五六七八九十\d]+[条章节]`),
			regexp.MustCompile(`^【.*?】`),
		},
		MinParagraphLen: 10,
	}
}

// LatinBoundary is the stock rule set for Latin-script corpora.
func LatinBoundary() Boundary {
	return Boundary{
		Name:                "latin",
		ParagraphSplit:      regexp.MustCompile(`\n\s*\n+`),
		ParagraphDelimiters: []string{"\n\n", "\n\n\n", "\r\n\r\n"},
		SentenceDelimiters:  []string{".", "!", "?", ";"},
		ClausePatterns: []*regexp.Regexp{
			regexp.MustCompile(`^\d+\.`),
			regexp.MustCompile(`^\(\d+\)`),
			regexp.MustCompile(`^[IVXLC]+\.`),
			regexp.MustCompile(`^Article \d+`),
			regexp.MustCompile(`^Section \d+`),
		},
		MinParagraphLen: 10,
	}
}

// BoundaryFor maps a config name to a stock rule set, defaulting to CJK.
func BoundaryFor(name string) Boundary {
	switch name {
	case "latin":
		return LatinBoundary()
	default:
		return CJKBoundary()
	}
}
