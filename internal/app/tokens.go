package app

import (
	"fmt"
	"math"
	"strings"
)

// DefaultReserveTokens is held back from the context window for the model's
// own response and the system prompt.
const DefaultReserveTokens = 4096

// EstimateTokens returns a density-based token estimate for text.
//
// Not a tokenizer; it is only used for budgeting decisions. Latin/ASCII runs
// about 4 characters per token, CJK scripts about 1.5, everything else lands
// in between. The result is ceiling-rounded and "" estimates to 0.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	cost := 0.0
	for _, r := range text {
		switch {
		case r < 128:
			cost += 0.25
		case isCJK(r):
			cost += 1.0 / 1.5
		default:
			cost += 0.5
		}
	}
	return int(math.Ceil(cost))
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x309F: // Hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // Katakana
		return true
	case r >= 0x1100 && r <= 0x11FF: // Hangul Jamo
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // Hangul syllables
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK extension A
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0xF900 && r <= 0xFAFF: // CJK compatibility ideographs
		return true
	}
	return false
}

// FitsInContext reports whether text fits the window once reserve tokens are
// held back.
func FitsInContext(text string, contextWindow, reserveTokens int) bool {
	if reserveTokens <= 0 {
		reserveTokens = DefaultReserveTokens
	}
	return EstimateTokens(text) <= contextWindow-reserveTokens
}

// TruncateResult reports what TruncateToFit did to one piece of content.
type TruncateResult struct {
	Content      string
	WasTruncated bool
	LinesKept    int
	LinesTotal   int
}

// TruncateToFit keeps the first N lines whose cumulative estimate stays
// within tokenLimit and appends a notice naming kept vs. total lines.
// Content already within budget is returned untouched.
func TruncateToFit(text string, tokenLimit int) TruncateResult {
	lines := strings.Split(text, "\n")
	if EstimateTokens(text) <= tokenLimit {
		return TruncateResult{Content: text, LinesKept: len(lines), LinesTotal: len(lines)}
	}

	kept := make([]string, 0, len(lines))
	budget := 0
	for _, line := range lines {
		cost := EstimateTokens(line) + 1 // +1 for the newline
		if budget+cost > tokenLimit {
			break
		}
		budget += cost
		kept = append(kept, line)
	}

	notice := fmt.Sprintf("... (truncated: showing %d of %d lines)", len(kept), len(lines))
	return TruncateResult{
		Content:      strings.Join(kept, "\n") + "\n" + notice,
		WasTruncated: true,
		LinesKept:    len(kept),
		LinesTotal:   len(lines),
	}
}

// FileContent is one resolved attachment.
type FileContent struct {
	Path         string
	Content      string
	WasTruncated bool
}

// TruncateFilesProportionally shrinks attachments to fit tokenLimit. When the
// aggregate exceeds the limit, each file gets a quota proportional to its own
// share of the aggregate; files already inside their quota are untouched.
func TruncateFilesProportionally(files []FileContent, tokenLimit int) ([]FileContent, bool) {
	if len(files) == 0 {
		return files, false
	}
	estimates := make([]int, len(files))
	total := 0
	for i, f := range files {
		estimates[i] = EstimateTokens(f.Content)
		total += estimates[i]
	}
	if total <= tokenLimit {
		return files, false
	}

	out := make([]FileContent, len(files))
	truncatedAny := false
	for i, f := range files {
		quota := 0
		if total > 0 {
			quota = int(float64(tokenLimit) * float64(estimates[i]) / float64(total))
		}
		res := TruncateToFit(f.Content, quota)
		out[i] = FileContent{Path: f.Path, Content: res.Content, WasTruncated: res.WasTruncated}
		if res.WasTruncated {
			truncatedAny = true
		}
	}
	return out, truncatedAny
}
