package app

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"single ascii char rounds up", "a", 1},
		{"four ascii chars", "abcd", 1},
		{"eight ascii chars", "abcdefgh", 2},
		{"cjk chars", "日本語", 2},
		{"accented chars", "héllo", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EstimateTokens(tc.in)
			if got != tc.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestEstimateTokensMixedScript(t *testing.T) {
	// 8 ascii (2 tokens) + 3 CJK (2 tokens) = 4 after ceiling.
	got := EstimateTokens("abcdefgh日本語")
	if got != 4 {
		t.Fatalf("EstimateTokens(mixed) = %d, want 4", got)
	}
}

func TestFitsInContext(t *testing.T) {
	text := strings.Repeat("a", 400) // ~100 tokens
	if !FitsInContext(text, 4200, 4096) {
		t.Fatalf("expected 100 tokens to fit in 4200 with 4096 reserved")
	}
	if FitsInContext(text, 4100, 4096) {
		t.Fatalf("expected 100 tokens not to fit in 4100 with 4096 reserved")
	}
}

func TestTruncateToFitKeepsWholeLines(t *testing.T) {
	lines := []string{
		strings.Repeat("a", 40), // 10 tokens + newline
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
	}
	text := strings.Join(lines, "\n")

	res := TruncateToFit(text, 25)
	if !res.WasTruncated {
		t.Fatalf("expected truncation for budget 25")
	}
	if res.LinesKept != 2 || res.LinesTotal != 3 {
		t.Fatalf("LinesKept/LinesTotal = %d/%d, want 2/3", res.LinesKept, res.LinesTotal)
	}
	if strings.Contains(res.Content, lines[2]) {
		t.Fatalf("expected third line dropped, got:\n%s", res.Content)
	}
	if !strings.Contains(res.Content, "truncated: showing 2 of 3 lines") {
		t.Fatalf("expected truncation notice, got:\n%s", res.Content)
	}
}

func TestTruncateToFitNoTruncationNeeded(t *testing.T) {
	res := TruncateToFit("short", 100)
	if res.WasTruncated {
		t.Fatalf("expected no truncation")
	}
	if res.Content != "short" {
		t.Fatalf("TruncateToFit = %q, want %q", res.Content, "short")
	}
}

func TestTruncateFilesProportionally(t *testing.T) {
	// Each file: two 80-char lines, ~21 tokens per line with its newline.
	content := strings.Repeat("x", 80) + "\n" + strings.Repeat("y", 80)
	files := []FileContent{
		{Path: "a.txt", Content: content},
		{Path: "b.txt", Content: content},
	}
	out, truncated := TruncateFilesProportionally(files, 44)
	if !truncated {
		t.Fatalf("expected truncation for budget 44")
	}
	if len(out) != 2 {
		t.Fatalf("expected both files kept, got %d", len(out))
	}
	for _, f := range out {
		if !f.WasTruncated {
			t.Fatalf("file %s should be truncated", f.Path)
		}
		if !strings.Contains(f.Content, strings.Repeat("x", 80)) {
			t.Fatalf("file %s should keep its first line", f.Path)
		}
		if strings.Contains(f.Content, strings.Repeat("y", 80)) {
			t.Fatalf("file %s should drop its second line", f.Path)
		}
	}
}

func TestTruncateFilesWithinBudgetUntouched(t *testing.T) {
	files := []FileContent{{Path: "a.txt", Content: "hello"}}
	out, truncated := TruncateFilesProportionally(files, 100)
	if truncated {
		t.Fatalf("expected no truncation")
	}
	if out[0].Content != "hello" {
		t.Fatalf("content changed: %q", out[0].Content)
	}
}
