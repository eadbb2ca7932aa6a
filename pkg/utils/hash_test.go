package utils

import "testing"

func TestHashString(t *testing.T) {
	// Known sha256 digests.
	cases := []struct {
		in   string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
	}
	for _, tc := range cases {
		if got := HashString(tc.in); got != tc.want {
			t.Errorf("HashString(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}

	if HashString("文档甲") == HashString("文档乙") {
		t.Error("distinct inputs collided")
	}
	if got := HashString("任意内容"); len(got) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(got))
	}
}
