package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AnthropicClient speaks the Anthropic messages wire format: a POST to
// {base}/messages whose streaming body is named SSE events (message_start,
// content_block_start/delta/stop, message_delta, message_stop, error) with
// block-type-specific deltas.
type AnthropicClient struct {
	opts ClientOptions
}

func NewAnthropicClient(opts ClientOptions) *AnthropicClient {
	opts.normalize()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicClient{opts: opts}
}

type anBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anMessage struct {
	Role    string    `json:"role"`
	Content []anBlock `json:"content"`
}

type anTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anRequest struct {
	Model      string                 `json:"model"`
	System     string                 `json:"system,omitempty"`
	Messages   []anMessage            `json:"messages"`
	Tools      []anTool               `json:"tools,omitempty"`
	ToolChoice map[string]interface{} `json:"tool_choice,omitempty"`
	Thinking   map[string]interface{} `json:"thinking,omitempty"`
	MaxTokens  int                    `json:"max_tokens"`
	Stream     bool                   `json:"stream,omitempty"`
}

type anUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anResponse struct {
	Content    []anBlock `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      anUsage   `json:"usage"`
	Error      *anError  `json:"error,omitempty"`
}

// anEvent is the union of every streaming event payload we care about.
type anEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage anUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *anBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anUsage `json:"usage,omitempty"`
	Error *anError `json:"error,omitempty"`
}

func (c *AnthropicClient) buildBody(req *ChatRequest, stream bool) ([]byte, error) {
	msgs := make([]anMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, anMessage{Role: "user", Content: []anBlock{{Type: "text", Text: m.Content}}})
		case RoleAssistant:
			blocks := []anBlock{}
			if m.Content != "" {
				blocks = append(blocks, anBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.ArgumentsJSON)
				if strings.TrimSpace(tc.ArgumentsJSON) == "" {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, anMessage{Role: "assistant", Content: blocks})
		case RoleTool:
			// Tool results travel as user-role tool_result blocks.
			msgs = append(msgs, anMessage{Role: "user", Content: []anBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		case RoleSystem:
			// System content rides the top-level system field; anything else
			// system-flavored is folded into a user message.
			msgs = append(msgs, anMessage{Role: "user", Content: []anBlock{{Type: "text", Text: m.Content}}})
		}
	}
	if req.Prefill != "" {
		msgs = append(msgs, anMessage{Role: "assistant", Content: []anBlock{{Type: "text", Text: req.Prefill}}})
	}

	body := anRequest{
		Model:     c.opts.Model,
		System:    req.SystemPrompt,
		Messages:  msgs,
		MaxTokens: c.opts.MaxTokens,
		Stream:    stream,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	if req.RequiredTool != "" {
		body.ToolChoice = map[string]interface{}{"type": "tool", "name": req.RequiredTool}
	}
	if c.opts.Thinking && req.Prefill == "" {
		// Thinking and assistant prefill are mutually exclusive on this API.
		body.Thinking = map[string]interface{}{"type": "enabled", "budget_tokens": 2048}
	}
	return json.Marshal(body)
}

func (c *AnthropicClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.opts.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, &ProtocolError{Status: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	payload, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	var out anResponse
	err = doWithRetry(ctx, c.opts.Logger, c.opts.MaxRetries, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		resp, err := c.post(attemptCtx, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out = anResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return classifyRequestError(ctx, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Error != nil {
		return nil, &ProtocolError{Body: fmt.Sprintf("%s: %s", out.Error.Type, out.Error.Message)}
	}
	if len(out.Content) == 0 {
		return nil, ErrEmptyResponse
	}

	msg := Message{Role: RoleAssistant}
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "thinking":
			msg.Reasoning += block.Thinking
		case "tool_use":
			args := string(block.Input)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, ArgumentsJSON: args})
		}
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, ErrEmptyResponse
	}
	return &ChatResult{
		Message:      msg,
		FinishReason: mapAnthropicStop(out.StopReason, len(msg.ToolCalls) > 0),
		Usage:        Usage{PromptTokens: out.Usage.InputTokens, CompletionTokens: out.Usage.OutputTokens},
	}, nil
}

func (c *AnthropicClient) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamDelta, error) {
	if ctx.Err() != nil {
		return nil, ErrStreamAborted
	}
	payload, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = doWithRetry(ctx, c.opts.Logger, c.opts.MaxRetries, func() error {
		r, err := c.post(ctx, payload)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamDelta, 16)
	go c.consumeStream(ctx, resp.Body, ch)
	return ch, nil
}

func (c *AnthropicClient) consumeStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamDelta) {
	defer close(ch)
	defer body.Close()

	assembler := newToolCallAssembler()
	usage := &Usage{}
	stopReason := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			ch <- StreamDelta{Err: ErrStreamAborted}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		// Event-name lines are redundant: every data payload repeats its
		// type, so dispatch on that instead.
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var evt anEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			// Malformed event; skip it rather than aborting the stream.
			continue
		}

		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				usage.PromptTokens = evt.Message.Usage.InputTokens
			}
		case "content_block_start":
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				f := ToolCallFragment{Index: evt.Index, ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}
				assembler.add(f)
				ch <- StreamDelta{ToolCallFragments: []ToolCallFragment{f}}
			}
		case "content_block_delta":
			if evt.Delta == nil {
				continue
			}
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					ch <- StreamDelta{Content: evt.Delta.Text}
				}
			case "thinking_delta":
				if evt.Delta.Thinking != "" {
					ch <- StreamDelta{Reasoning: evt.Delta.Thinking}
				}
			case "input_json_delta":
				if evt.Delta.PartialJSON != "" {
					f := ToolCallFragment{Index: evt.Index, ArgumentsDelta: evt.Delta.PartialJSON}
					assembler.add(f)
					ch <- StreamDelta{ToolCallFragments: []ToolCallFragment{f}}
				}
			}
		case "content_block_stop":
			// The builder at this index is complete; it is surfaced with the
			// terminal delta.
		case "message_delta":
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				stopReason = evt.Delta.StopReason
			}
			if evt.Usage != nil {
				usage.CompletionTokens = evt.Usage.OutputTokens
			}
		case "message_stop":
			ch <- StreamDelta{
				FinishReason: mapAnthropicStop(stopReason, !assembler.empty()),
				ToolCalls:    assembler.finished(),
				Usage:        usage,
			}
			return
		case "error":
			msg := "unknown stream error"
			if evt.Error != nil {
				msg = fmt.Sprintf("%s: %s", evt.Error.Type, evt.Error.Message)
			}
			ch <- StreamDelta{Err: &ProtocolError{Body: msg}}
			return
		case "ping":
			// keepalive
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			ch <- StreamDelta{Err: ErrStreamAborted}
			return
		}
		ch <- StreamDelta{Err: &TransportError{Err: fmt.Errorf("stream read: %w", err)}}
		return
	}

	// Transport ended before message_stop: synthesize the terminal delta.
	ch <- StreamDelta{
		FinishReason: mapAnthropicStop(stopReason, !assembler.empty()),
		ToolCalls:    assembler.finished(),
		Usage:        usage,
	}
}

func mapAnthropicStop(reason string, hasToolCalls bool) FinishReason {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "eos":
		return FinishEOS
	default:
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	}
}
