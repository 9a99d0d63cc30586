package app

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// fileRefRE matches @path references in user text, e.g. "@main.go" or
// "@src/app".
var fileRefRE = regexp.MustCompile(`@([\w~][\w./~-]*)`)

// FileResolver is the external file-reading collaborator used to inline
// @file / @directory references.
type FileResolver interface {
	// Resolve returns the content for a referenced path, or an error when
	// the reference cannot be read.
	Resolve(path string) (string, error)
}

// OSFileResolver reads referenced files from disk relative to a workdir.
// Directory references resolve to a listing.
type OSFileResolver struct {
	WorkDir string
}

func (r OSFileResolver) Resolve(path string) (string, error) {
	full := resolveWorkDirPath(r.WorkDir, path)
	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		ents, err := os.ReadDir(full)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(ents))
		for _, ent := range ents {
			name := ent.Name()
			if ent.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ContentInput is one turn's raw material before budgeting.
type ContentInput struct {
	UserMessage     string
	Files           []string // explicit attachments, in addition to @refs
	WorkDir         string
	AvailableTokens int
}

// BuiltContent is the budgeted message content handed to the orchestrator.
type BuiltContent struct {
	Content          string
	FileSummary      string
	WasTruncated     bool
	TruncationNotice string
	// ExceedsAvailable flags the degenerate case where even the truncated
	// result cannot fit, so the caller can refuse rather than send a doomed
	// request.
	ExceedsAvailable bool
}

// BuildMessageContent resolves @file/@directory references through the
// resolver, inlines their content, and proportionally truncates the
// attachments when the aggregate exceeds the available budget. A message
// with no references comes back unchanged with an empty summary.
func BuildMessageContent(in ContentInput, resolver FileResolver) BuiltContent {
	refs := collectFileRefs(in)
	if len(refs) == 0 {
		return BuiltContent{
			Content:          in.UserMessage,
			ExceedsAvailable: in.AvailableTokens > 0 && EstimateTokens(in.UserMessage) > in.AvailableTokens,
		}
	}

	files := make([]FileContent, 0, len(refs))
	var missing []string
	for _, ref := range refs {
		content, err := resolver.Resolve(ref)
		if err != nil {
			missing = append(missing, ref)
			continue
		}
		files = append(files, FileContent{Path: ref, Content: content})
	}

	messageCost := EstimateTokens(in.UserMessage)
	fileBudget := in.AvailableTokens - messageCost
	if fileBudget < 0 {
		fileBudget = 0
	}

	truncated := false
	if in.AvailableTokens > 0 {
		files, truncated = TruncateFilesProportionally(files, fileBudget)
	}

	var b strings.Builder
	b.WriteString(in.UserMessage)
	for _, f := range files {
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", f.Path, f.Content)
	}
	for _, ref := range missing {
		fmt.Fprintf(&b, "\n\n--- %s ---\n(could not read: file not found)", ref)
	}
	content := b.String()

	notice := ""
	if truncated {
		notice = "Some attached files were truncated to fit the context window."
	}
	return BuiltContent{
		Content:          content,
		FileSummary:      summarizeFiles(files, missing),
		WasTruncated:     truncated,
		TruncationNotice: notice,
		ExceedsAvailable: in.AvailableTokens > 0 && EstimateTokens(content) > in.AvailableTokens,
	}
}

// collectFileRefs merges @refs found in the text with explicit attachments,
// deduplicated in first-seen order.
func collectFileRefs(in ContentInput) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	for _, m := range fileRefRE.FindAllStringSubmatch(in.UserMessage, -1) {
		add(m[1])
	}
	for _, f := range in.Files {
		add(f)
	}
	return refs
}

func summarizeFiles(files []FileContent, missing []string) string {
	if len(files) == 0 && len(missing) == 0 {
		return ""
	}
	parts := make([]string, 0, len(files)+len(missing))
	for _, f := range files {
		name := filepath.Base(f.Path)
		if f.WasTruncated {
			name += " (truncated)"
		}
		parts = append(parts, name)
	}
	for _, m := range missing {
		parts = append(parts, filepath.Base(m)+" (missing)")
	}
	return "Attached: " + strings.Join(parts, ", ")
}

// StripFileRefs removes @file references from text; used when deriving
// session titles.
func StripFileRefs(text string) string {
	return strings.Join(strings.Fields(fileRefRE.ReplaceAllString(text, "")), " ")
}
