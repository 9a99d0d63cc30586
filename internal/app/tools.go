package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ToolOutcome is what the external tool-execution collaborator returns.
type ToolOutcome struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Err      error  `json:"-"`
}

// Render flattens an outcome into conversation text for a role=tool message.
func (o ToolOutcome) Render() string {
	if o.Err != nil {
		return fmt.Sprintf("error: %v", o.Err)
	}
	var b strings.Builder
	if o.Stdout != "" {
		b.WriteString(o.Stdout)
	}
	if o.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr: ")
		b.WriteString(o.Stderr)
	}
	if o.ExitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "exit code: %d", o.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

// ToolExecutor is the boundary to the tool-execution collaborator. The core
// feeds each finished ToolCall through it and folds the outcome back into
// the conversation before resuming the model turn.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, id string, argsJSON string) ToolOutcome
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func objectSchema(props map[string]interface{}, required ...string) json.RawMessage {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return mustMarshal(schema)
}

// BuiltinCatalog is the descriptor set the bundled discoverers produce on a
// POSIX host. Real deployments union in platform probes (IDE, build tools);
// the core treats whatever it is handed as immutable.
func BuiltinCatalog() []ToolDescriptor {
	return []ToolDescriptor{
		{
			ID: "c-read-file", Name: "c-read-file", Category: "file",
			Description: "Read the contents of a file",
			Parameters: objectSchema(map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Path to the file to read"},
			}, "path"),
		},
		{
			ID: "c-write-file", Name: "c-write-file", Category: "file",
			Description: "Create or overwrite a file with the given content",
			Parameters: objectSchema(map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "Path to the file to write"},
				"content": map[string]interface{}{"type": "string", "description": "Content to write"},
			}, "path", "content"),
		},
		{
			ID: "c-list-dir", Name: "c-list-dir", Category: "file",
			Description: "List files in a directory",
			Parameters: objectSchema(map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Path to the directory"},
			}, "path"),
		},
		{
			ID: "c-exec", Name: "c-exec", Category: "shell",
			Description: "Execute a shell command and return its output",
			Parameters: objectSchema(map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "description": "The shell command to execute"},
				"timeout": map[string]interface{}{"type": "integer", "description": "Timeout in seconds (default 30)"},
			}, "command"),
		},
		{
			ID: "c-ask-user", Name: "c-ask-user", Category: "interaction",
			Description: "Ask the user a clarifying question and wait for the answer",
			Parameters: objectSchema(map[string]interface{}{
				"question": map[string]interface{}{"type": "string", "description": "The question to ask"},
			}, "question"),
		},
		{
			ID: "c-fetch", Name: "c-fetch", Category: "web",
			Description: "Fetch the contents of a URL",
			Parameters: objectSchema(map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "The URL to fetch"},
			}, "url"),
		},
		{
			ID: "c-git", Name: "c-git", Category: "vcs",
			Description: "Run a git subcommand in the working directory",
			Parameters: objectSchema(map[string]interface{}{
				"args": map[string]interface{}{"type": "string", "description": "Arguments passed to git"},
			}, "args"),
		},
		{
			ID: PlanToolID, Name: PlanToolID, Category: "plan",
			Description: "Submit an implementation plan. The only tool available in plan mode.",
			Parameters: objectSchema(map[string]interface{}{
				"title": map[string]interface{}{"type": "string", "description": "One-line plan title"},
				"steps": map[string]interface{}{
					"type": "array", "items": map[string]interface{}{"type": "string"},
					"description": "Ordered checklist of implementation steps",
				},
			}, "title", "steps"),
		},
	}
}

// LocalExecutor runs builtin tools on the host. Anything outside the builtin
// set comes back as an error outcome rather than a hard failure so the model
// can correct itself.
type LocalExecutor struct {
	WorkDir string
	// AskUser is wired by the UI layer; nil means questions are unanswerable.
	AskUser func(question string) string
	HTTP    *http.Client
}

func NewLocalExecutor(workDir string) *LocalExecutor {
	return &LocalExecutor{
		WorkDir: workDir,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *LocalExecutor) ExecuteTool(ctx context.Context, id string, argsJSON string) ToolOutcome {
	switch id {
	case "c-exec":
		var args struct {
			Command string `json:"command"`
			Timeout int    `json:"timeout"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		timeout := 30 * time.Second
		if args.Timeout > 0 {
			timeout = time.Duration(args.Timeout) * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, "sh", "-c", args.Command)
		cmd.Dir = e.WorkDir
		out, err := cmd.CombinedOutput()
		outcome := ToolOutcome{Stdout: string(out)}
		if exitErr, ok := err.(*exec.ExitError); ok {
			outcome.ExitCode = exitErr.ExitCode()
		} else if err != nil {
			outcome.Err = err
		}
		return outcome

	case "c-git":
		var args struct {
			Args string `json:"args"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		cmd := exec.CommandContext(cctx, "sh", "-c", "git "+args.Args)
		cmd.Dir = e.WorkDir
		out, err := cmd.CombinedOutput()
		outcome := ToolOutcome{Stdout: string(out)}
		if exitErr, ok := err.(*exec.ExitError); ok {
			outcome.ExitCode = exitErr.ExitCode()
		} else if err != nil {
			outcome.Err = err
		}
		return outcome

	case "c-read-file":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		data, err := os.ReadFile(resolveWorkDirPath(e.WorkDir, args.Path))
		if err != nil {
			return ToolOutcome{Err: err}
		}
		return ToolOutcome{Stdout: string(data)}

	case "c-write-file":
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		path := resolveWorkDirPath(e.WorkDir, args.Path)
		if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
			return ToolOutcome{Err: err}
		}
		return ToolOutcome{Stdout: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}

	case "c-list-dir":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		ents, err := os.ReadDir(resolveWorkDirPath(e.WorkDir, args.Path))
		if err != nil {
			return ToolOutcome{Err: err}
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
		return ToolOutcome{Stdout: strings.Join(names, "\n")}

	case "c-ask-user":
		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		if e.AskUser == nil {
			return ToolOutcome{Err: fmt.Errorf("no interactive user available")}
		}
		return ToolOutcome{Stdout: e.AskUser(args.Question)}

	case "c-fetch":
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
		if err != nil {
			return ToolOutcome{Err: err}
		}
		resp, err := e.HTTP.Do(req)
		if err != nil {
			return ToolOutcome{Err: err}
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return ToolOutcome{Err: err}
		}
		return ToolOutcome{Stdout: string(body), ExitCode: 0}

	case PlanToolID:
		var args struct {
			Title string   `json:"title"`
			Steps []string `json:"steps"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolOutcome{Err: fmt.Errorf("parse arguments: %w", err)}
		}
		var b strings.Builder
		fmt.Fprintf(&b, "plan accepted: %s\n", args.Title)
		for i, step := range args.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
		return ToolOutcome{Stdout: b.String()}
	}

	return ToolOutcome{Err: fmt.Errorf("unknown tool: %s", id)}
}

func resolveWorkDirPath(workDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return workDir
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	if strings.HasPrefix(path, "/") || workDir == "" {
		return path
	}
	return workDir + "/" + path
}
