package app

import (
	"encoding/json"
	"sort"
	"strings"
)

// ToolDescriptor is an immutable catalog entry produced by the external tool
// discoverers. The core only filters catalogs; it never mutates entries.
type ToolDescriptor struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Actions      []string        `json:"actions,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

type NegotiationStrategy string

const (
	// NegotiateToolChoice constrains the model through native tool_choice.
	NegotiateToolChoice NegotiationStrategy = "tool_choice"
	// NegotiatePrefill seeds the assistant reply to steer it toward a tool.
	NegotiatePrefill NegotiationStrategy = "prefill"
	// NegotiateDynamicFallback means the model cannot be constrained
	// mechanically; the caller enforces tool use with post-hoc validation.
	NegotiateDynamicFallback NegotiationStrategy = "dynamic_fallback"
)

// ToolMask is the per-request subset of the catalog the model may see.
// Computed fresh for every request, never persisted.
type ToolMask struct {
	Mode         Mode
	AllowedTools map[string]bool
	Strategy     NegotiationStrategy
	ToolIDPrefix string
	RequiredTool string
}

// PlanToolID is the sole tool allowed in plan mode.
const PlanToolID = "p-plan"

// coreToolPrefix is the id convention shared by the always-on tool subset.
const coreToolPrefix = "c-"

// coreToolIDs are included in every action-mode mask when the catalog
// carries them: file I/O, shell execution, ask-user, web fetch and version
// control.
var coreToolIDs = []string{
	"c-read-file",
	"c-write-file",
	"c-list-dir",
	"c-exec",
	"c-ask-user",
	"c-fetch",
	"c-git",
}

// keywordTools maps lowercase keywords found in the user text to catalog ids
// worth unioning in. Matching is plain substring work, not NLP.
var keywordTools = map[string][]string{
	"git ":     {"c-git"},
	"commit":   {"c-git"},
	"branch":   {"c-git"},
	"rebase":   {"c-git"},
	"merge":    {"c-git"},
	"http://":  {"c-fetch"},
	"https://": {"c-fetch"},
	"fetch":    {"c-fetch"},
	"curl":     {"c-fetch"},

	"docker":    {"x-docker"},
	"container": {"x-docker"},
	"npm":       {"x-npm", "x-node"},
	"node":      {"x-node"},
	"yarn":      {"x-npm"},
	"python":    {"x-python"},
	"pip":       {"x-python"},
	"java":      {"x-java"},
	"javac":     {"x-javac", "x-java"},
	"maven":     {"x-maven"},
	"gradle":    {"x-gradle"},
	"msbuild":   {"x-msbuild"},
	"dotnet":    {"x-msbuild"},
	"cmake":     {"x-cmake"},
	"make ":     {"x-make"},
	"postgres":  {"x-database"},
	"mysql":     {"x-database"},
	"sqlite":    {"x-database"},
	"redis":     {"x-database"},
	"mongodb":   {"x-database"},
	"vscode":    {"x-vscode"},
	"vs code":   {"x-vscode"},
	"intellij":  {"x-intellij"},
}

// projectTypeTools maps a project-type hint to implied tool ids.
var projectTypeTools = map[string][]string{
	"node":   {"x-node", "x-npm"},
	"python": {"x-python"},
	"java":   {"x-java", "x-javac", "x-maven", "x-gradle"},
	"dotnet": {"x-msbuild", "x-visual-studio"},
	"cpp":    {"x-cmake"},
}

// MaskContext carries the request-scoped hints the mask engine may use.
type MaskContext struct {
	WorkDir     string
	ProjectType string
}

// BuildToolMask computes the tool subset the model is allowed to see for one
// request, plus the negotiation strategy for enforcing it. Pure function of
// its inputs; the allowed set is always a subset of catalog.
func BuildToolMask(userText string, mctx MaskContext, planMode bool, catalog []ToolDescriptor, caps ModelCapabilities) ToolMask {
	inCatalog := make(map[string]bool, len(catalog))
	for _, t := range catalog {
		inCatalog[t.ID] = true
	}

	strategy := NegotiateDynamicFallback
	if caps.SupportsToolChoice {
		strategy = NegotiateToolChoice
	} else if caps.SupportsPrefill {
		strategy = NegotiatePrefill
	}

	if planMode {
		allowed := map[string]bool{}
		if inCatalog[PlanToolID] {
			allowed[PlanToolID] = true
		}
		return ToolMask{
			Mode:         ModePlan,
			AllowedTools: allowed,
			Strategy:     strategy,
			ToolIDPrefix: computeToolIDPrefix(allowed),
			RequiredTool: PlanToolID,
		}
	}

	allowed := map[string]bool{}
	for _, id := range coreToolIDs {
		if inCatalog[id] {
			allowed[id] = true
		}
	}

	text := strings.ToLower(userText)
	for keyword, ids := range keywordTools {
		if !strings.Contains(text, keyword) {
			continue
		}
		for _, id := range ids {
			if inCatalog[id] {
				allowed[id] = true
			}
		}
	}

	if pt := strings.ToLower(strings.TrimSpace(mctx.ProjectType)); pt != "" {
		for _, id := range projectTypeTools[pt] {
			if inCatalog[id] {
				allowed[id] = true
			}
		}
	}

	return ToolMask{
		Mode:         ModeAction,
		AllowedTools: allowed,
		Strategy:     strategy,
		ToolIDPrefix: computeToolIDPrefix(allowed),
	}
}

// computeToolIDPrefix returns the strict core prefix only when every allowed
// id follows the core convention. An empty set yields the loose prefix: a
// vacuous "all core" must not tighten the mask.
func computeToolIDPrefix(allowed map[string]bool) string {
	if len(allowed) == 0 {
		return ""
	}
	for id := range allowed {
		if !strings.HasPrefix(id, coreToolPrefix) {
			return ""
		}
	}
	return coreToolPrefix
}

// IsToolAllowed reports whether id passes the mask. A nil mask means no
// masking is active.
func IsToolAllowed(id string, mask *ToolMask) bool {
	if mask == nil {
		return true
	}
	return mask.AllowedTools[id]
}

// ToolNotAllowedMessage renders the rejection fed back to the model as a
// tool-error result.
func ToolNotAllowedMessage(id string, mask *ToolMask) string {
	allowed := make([]string, 0, len(mask.AllowedTools))
	for t := range mask.AllowedTools {
		allowed = append(allowed, t)
	}
	sort.Strings(allowed)
	return (&ToolNotAllowedError{ToolID: id, Allowed: allowed}).Error()
}

// FilterCatalog returns the catalog entries the mask admits, preserving
// catalog order.
func FilterCatalog(catalog []ToolDescriptor, mask *ToolMask) []ToolDescriptor {
	if mask == nil {
		return catalog
	}
	out := make([]ToolDescriptor, 0, len(mask.AllowedTools))
	for _, t := range catalog {
		if mask.AllowedTools[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// SchemasForCatalog converts descriptors into the wire-level tool schemas.
func SchemasForCatalog(catalog []ToolDescriptor) []ToolSchema {
	out := make([]ToolSchema, 0, len(catalog))
	for _, t := range catalog {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ToolSchema{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}
