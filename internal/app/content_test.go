package app

import (
	"fmt"
	"strings"
	"testing"
)

type fakeResolver map[string]string

func (r fakeResolver) Resolve(path string) (string, error) {
	content, ok := r[path]
	if !ok {
		return "", fmt.Errorf("open %s: no such file", path)
	}
	return content, nil
}

func TestBuildMessageContentNoRefs(t *testing.T) {
	got := BuildMessageContent(ContentInput{UserMessage: "just a question"}, fakeResolver{})
	if got.Content != "just a question" {
		t.Fatalf("content = %q, want unchanged", got.Content)
	}
	if got.FileSummary != "" || got.WasTruncated {
		t.Fatalf("no-ref build should be bare: %+v", got)
	}
}

func TestBuildMessageContentInlinesReferencedFiles(t *testing.T) {
	resolver := fakeResolver{
		"main.go":   "package main",
		"util/x.go": "package util",
	}
	got := BuildMessageContent(ContentInput{
		UserMessage: "explain @main.go and @util/x.go please",
	}, resolver)

	if !strings.Contains(got.Content, "--- main.go ---\npackage main") {
		t.Fatalf("main.go section missing:\n%s", got.Content)
	}
	if !strings.Contains(got.Content, "--- util/x.go ---\npackage util") {
		t.Fatalf("util/x.go section missing:\n%s", got.Content)
	}
	if !strings.HasPrefix(got.Content, "explain @main.go and @util/x.go please") {
		t.Fatalf("user text should lead the content:\n%s", got.Content)
	}
	if got.FileSummary != "Attached: main.go, x.go" {
		t.Fatalf("summary = %q", got.FileSummary)
	}
}

func TestBuildMessageContentMissingFile(t *testing.T) {
	got := BuildMessageContent(ContentInput{UserMessage: "see @nope.txt"}, fakeResolver{})
	if !strings.Contains(got.Content, "--- nope.txt ---\n(could not read: file not found)") {
		t.Fatalf("missing-file section wrong:\n%s", got.Content)
	}
	if got.FileSummary != "Attached: nope.txt (missing)" {
		t.Fatalf("summary = %q", got.FileSummary)
	}
}

func TestBuildMessageContentExplicitAttachmentsDeduped(t *testing.T) {
	resolver := fakeResolver{"a.txt": "alpha"}
	got := BuildMessageContent(ContentInput{
		UserMessage: "look at @a.txt",
		Files:       []string{"a.txt"},
	}, resolver)
	if strings.Count(got.Content, "--- a.txt ---") != 1 {
		t.Fatalf("duplicate ref should inline once:\n%s", got.Content)
	}
}

func TestBuildMessageContentTruncatesToBudget(t *testing.T) {
	big := strings.Repeat("x", 2000) + "\n" + strings.Repeat("y", 2000)
	got := BuildMessageContent(ContentInput{
		UserMessage:     "summarize @big.txt",
		AvailableTokens: 300,
	}, fakeResolver{"big.txt": big})

	if !got.WasTruncated {
		t.Fatalf("expected truncation: %+v", got)
	}
	if got.TruncationNotice == "" {
		t.Fatalf("truncation notice missing")
	}
	if !strings.Contains(got.FileSummary, "big.txt (truncated)") {
		t.Fatalf("summary = %q", got.FileSummary)
	}
	if got.ExceedsAvailable {
		t.Fatalf("truncated content should fit the budget")
	}
}

func TestBuildMessageContentExceedsAvailable(t *testing.T) {
	got := BuildMessageContent(ContentInput{
		UserMessage:     strings.Repeat("word ", 500),
		AvailableTokens: 10,
	}, fakeResolver{})
	if !got.ExceedsAvailable {
		t.Fatalf("oversized bare message should flag ExceedsAvailable")
	}
}

func TestCollectFileRefsOrder(t *testing.T) {
	refs := collectFileRefs(ContentInput{
		UserMessage: "@b.txt then @a.txt then @b.txt again",
		Files:       []string{"c.txt", "a.txt"},
	})
	want := []string{"b.txt", "a.txt", "c.txt"}
	if strings.Join(refs, ",") != strings.Join(want, ",") {
		t.Fatalf("refs = %v, want %v", refs, want)
	}
}

func TestStripFileRefs(t *testing.T) {
	got := StripFileRefs("fix the bug in @src/main.go and @util.go now")
	if got != "fix the bug in and now" {
		t.Fatalf("StripFileRefs = %q", got)
	}
}
