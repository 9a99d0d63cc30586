package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation history. Append-only within a
// session, except for the single synthetic compaction-summary message.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a role=tool message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a complete tool invocation requested by the model. Arguments
// are only surfaced once the underlying JSON fragments are fully assembled.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishEOS       FinishReason = "eos"
)

// ToolCallFragment is one streamed piece of an in-progress tool call, keyed
// by the vendor's stream-local index.
type ToolCallFragment struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// StreamDelta is one increment of a streamed response. A stream yields zero
// or more non-terminal deltas followed by exactly one terminal delta: either
// FinishReason is set or Err is set, never both empty on the last element.
type StreamDelta struct {
	Content           string
	Reasoning         string
	ToolCallFragments []ToolCallFragment
	// ToolCalls carries fully assembled calls; set only on the terminal delta.
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        *Usage
	Err          error
}

// Terminal reports whether this delta ends the stream.
func (d StreamDelta) Terminal() bool { return d.FinishReason != "" || d.Err != nil }

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ToolSchema is the JSON-schema form of a tool sent to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is the normalized request both clients accept.
type ChatRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
	// RequiredTool forces a specific tool via native tool-choice when the
	// negotiation strategy is tool_choice.
	RequiredTool string
	// Prefill seeds the start of the assistant reply (prefill strategy).
	Prefill string
}

type ChatResult struct {
	Message      Message
	FinishReason FinishReason
	Usage        Usage
}

// ProtocolClient is the shared contract over the two vendor wire formats.
// Orchestration code never branches on the vendor.
type ProtocolClient interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	// StreamChat returns a lazy, single-pass delta sequence. An
	// already-cancelled ctx fails immediately with ErrStreamAborted and
	// yields no deltas.
	StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamDelta, error)
}

// ClientOptions configures either client implementation.
type ClientOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration // per attempt; default 60s
	MaxRetries int           // default 3
	MaxTokens  int
	Thinking   bool // send thinking/reasoning params when the model supports them
	HTTPClient *http.Client
	Logger     *Logger
}

func (o *ClientOptions) normalize() {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.HTTPClient == nil {
		// No overall client timeout: stream bodies outlive any sane value.
		// The connect/header phase is bounded per attempt instead.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = o.Timeout
		o.HTTPClient = &http.Client{Transport: transport}
	}
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
}

// doWithRetry runs op with exponential backoff. Only transport failures and
// 5xx responses are retried; each attempt gets a fresh timeout window inside
// op itself.
func doWithRetry(ctx context.Context, logger *Logger, maxRetries int, op func() error) error {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return ErrStreamAborted
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxRetries {
			return err
		}
		logger.Warn("request retry", map[string]interface{}{
			"attempt": attempt + 1,
			"max":     maxRetries,
			"error":   err.Error(),
			"backoff": backoff.String(),
		})
		select {
		case <-ctx.Done():
			return ErrStreamAborted
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// toolCallAssembler accumulates multi-chunk tool-call fragments keyed by the
// stream-local index. Argument strings are concatenated until the call is
// closed at block-stop or stream end.
type toolCallAssembler struct {
	pending map[int]*toolCallBuilder
	order   []int
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{pending: make(map[int]*toolCallBuilder)}
}

func (a *toolCallAssembler) add(f ToolCallFragment) {
	b, ok := a.pending[f.Index]
	if !ok {
		b = &toolCallBuilder{}
		a.pending[f.Index] = b
		a.order = append(a.order, f.Index)
	}
	if f.ID != "" {
		b.id = f.ID
	}
	if f.Name != "" {
		b.name = f.Name
	}
	if f.ArgumentsDelta != "" {
		b.args.WriteString(f.ArgumentsDelta)
	}
}

func (a *toolCallAssembler) empty() bool { return len(a.order) == 0 }

// finished returns the assembled calls in stream order. Calls with no
// argument fragments get an empty JSON object.
func (a *toolCallAssembler) finished() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		b := a.pending[idx]
		args := b.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: b.id, Name: b.name, ArgumentsJSON: args})
	}
	return out
}

// classifyRequestError folds transport-level failures into the retryable
// TransportError bucket while keeping caller cancellation distinguished.
// A per-attempt timeout is a transport failure; a cancelled parent is not.
func classifyRequestError(parent context.Context, err error) error {
	if parent.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrStreamAborted
	}
	return &TransportError{Err: err}
}
