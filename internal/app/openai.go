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

// OpenAIClient speaks the OpenAI-compatible chat-completions wire format:
// a POST to {base}/chat/completions whose streaming body is newline-delimited
// "data: <json>" events terminated by a literal [DONE] marker. This covers
// OpenAI itself plus DeepSeek, Kimi, Qwen and the other compatible vendors.
type OpenAIClient struct {
	opts ClientOptions
}

func NewOpenAIClient(opts ClientOptions) *OpenAIClient {
	opts.normalize()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{opts: opts}
}

type oaRequest struct {
	Model           string      `json:"model"`
	Messages        []oaMessage `json:"messages"`
	Tools           []oaTool    `json:"tools,omitempty"`
	ToolChoice      interface{} `json:"tool_choice,omitempty"`
	MaxTokens       int         `json:"max_tokens,omitempty"`
	Stream          bool        `json:"stream,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaTool struct {
	Type     string       `json:"type"`
	Function oaToolSchema `json:"function"`
}

type oaToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content          string       `json:"content"`
			ReasoningContent string       `json:"reasoning_content"`
			ToolCalls        []oaToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage oaUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int        `json:"index"`
				ID       string     `json:"id,omitempty"`
				Function oaFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage,omitempty"`
}

func (c *OpenAIClient) buildBody(req *ChatRequest, stream bool) ([]byte, error) {
	msgs := make([]oaMessage, 0, len(req.Messages)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, oaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		om := oaMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaFunction{Name: tc.Name, Arguments: tc.ArgumentsJSON},
			})
		}
		msgs = append(msgs, om)
	}
	if req.Prefill != "" {
		// Compatible vendors treat a trailing assistant message as a prefill seed.
		msgs = append(msgs, oaMessage{Role: "assistant", Content: req.Prefill})
	}

	body := oaRequest{
		Model:     c.opts.Model,
		Messages:  msgs,
		MaxTokens: c.opts.MaxTokens,
		Stream:    stream,
	}
	if c.opts.Thinking {
		body.ReasoningEffort = "medium"
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaTool{
			Type:     "function",
			Function: oaToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.RequiredTool != "" {
		body.ToolChoice = map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": req.RequiredTool},
		}
	}
	return json.Marshal(body)
}

func (c *OpenAIClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

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

// Chat is the non-streaming path: one normalized request/response exchange
// with retry on transport failures and 5xx.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	payload, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	var out oaResponse
	err = doWithRetry(ctx, c.opts.Logger, c.opts.MaxRetries, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		resp, err := c.post(attemptCtx, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out = oaResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return classifyRequestError(ctx, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Error != nil {
		return nil, &ProtocolError{Body: out.Error.Message}
	}
	if len(out.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := out.Choices[0]
	msg := Message{
		Role:      RoleAssistant,
		Content:   choice.Message.Content,
		Reasoning: choice.Message.ReasoningContent,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, ArgumentsJSON: args})
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, ErrEmptyResponse
	}
	return &ChatResult{
		Message:      msg,
		FinishReason: mapOpenAIFinish(choice.FinishReason, len(msg.ToolCalls) > 0),
		Usage:        Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens},
	}, nil
}

// StreamChat opens the SSE-ish stream and normalizes it into StreamDeltas.
// The returned channel yields exactly one terminal delta, then closes.
func (c *OpenAIClient) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamDelta, error) {
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

func (c *OpenAIClient) consumeStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamDelta) {
	defer close(ch)
	defer body.Close()

	assembler := newToolCallAssembler()
	var usage *Usage

	terminal := func(reason FinishReason) StreamDelta {
		return StreamDelta{FinishReason: reason, ToolCalls: assembler.finished(), Usage: usage}
	}

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
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			// Done marker without a finish_reason event: close out cleanly.
			ch <- terminal(FinishStop)
			return
		}

		var chunk oaChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed event; skip it rather than aborting the stream.
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			ch <- StreamDelta{Content: choice.Delta.Content}
		}
		if choice.Delta.ReasoningContent != "" {
			ch <- StreamDelta{Reasoning: choice.Delta.ReasoningContent}
		}
		if len(choice.Delta.ToolCalls) > 0 {
			frags := make([]ToolCallFragment, 0, len(choice.Delta.ToolCalls))
			for _, tc := range choice.Delta.ToolCalls {
				f := ToolCallFragment{
					Index:          tc.Index,
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				}
				assembler.add(f)
				frags = append(frags, f)
			}
			ch <- StreamDelta{ToolCallFragments: frags}
		}
		if choice.FinishReason != "" {
			ch <- terminal(mapOpenAIFinish(choice.FinishReason, !assembler.empty()))
			return
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

	// Transport ended without an explicit stop signal: synthesize one.
	if !assembler.empty() {
		ch <- terminal(FinishToolCalls)
		return
	}
	ch <- terminal(FinishStop)
}

func mapOpenAIFinish(reason string, hasToolCalls bool) FinishReason {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "stop":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "tool_calls", "function_call":
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
