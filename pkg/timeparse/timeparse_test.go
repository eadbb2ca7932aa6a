package timeparse

import (
	"testing"
	"time"
)

func TestParseAcceptedFormats(t *testing.T) {
	cases := []struct {
		in       string
		wantDate string
		wantHour int
	}{
		{"2024-05-01 10:30:00", "2024-05-01", 10},
		{"2024-05-01T10:30:00", "2024-05-01", 10},
		{"2024-05-01T10:30:00Z", "2024-05-01", 10},
		{"2024-05-01", "2024-05-01", 0},
		{"2024/05/01", "2024-05-01", 0},
		{"20240501", "2024-05-01", 0},
		{"  2024-05-01 10:30:00  ", "2024-05-01", 10},
	}

	for _, tc := range cases {
		got, ok := Parse(tc.in)
		if !ok {
			t.Errorf("Parse(%q): not recognized", tc.in)
			continue
		}
		if d := got.Format("2006-01-02"); d != tc.wantDate {
			t.Errorf("Parse(%q) date = %s, want %s", tc.in, d, tc.wantDate)
		}
		if got.Hour() != tc.wantHour {
			t.Errorf("Parse(%q) hour = %d, want %d", tc.in, got.Hour(), tc.wantHour)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "未知时间", "not a date", "2024-13-45", "05/01/2024"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q): expected failure", in)
		}
	}
}

func TestParseDateTruncatesToMidnightUTC(t *testing.T) {
	got, ok := ParseDate("2024-05-01 23:59:59")
	if !ok {
		t.Fatal("not recognized")
	}
	want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, ok := ParseDate("garbage"); ok {
		t.Error("expected failure for garbage input")
	}
}

func TestDatePrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2024-05-01 10:30:00", "2024-05-01"},
		{"20240501", "2024-05-01"},
		{"2024/05/01", "2024-05-01"},
		{"无法解析", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := DatePrefix(tc.in); got != tc.want {
			t.Errorf("DatePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
