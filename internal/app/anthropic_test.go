package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestAnthropicClient(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicClient(ClientOptions{
		APIKey:     "test-key",
		Model:      "claude-sonnet-4",
		BaseURL:    srv.URL,
		MaxRetries: 1,
	})
}

func TestAnthropicStreamTextAndStop(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		fmt.Fprint(w, sseBody(
			`event: message_start`,
			`data: {"type":"message_start","message":{"usage":{"input_tokens":21}}}`,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`data: {"type":"content_block_stop","index":0}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`data: {"type":"message_stop"}`,
		))
	})

	ch, err := client.StreamChat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	deltas := collectDeltas(t, ch)

	content := ""
	terminals := 0
	for _, d := range deltas {
		content += d.Content
		if d.Terminal() {
			terminals++
			if d.FinishReason != FinishStop {
				t.Fatalf("FinishReason = %q, want %q", d.FinishReason, FinishStop)
			}
			if d.Usage == nil || d.Usage.PromptTokens != 21 || d.Usage.CompletionTokens != 2 {
				t.Fatalf("usage on terminal delta = %+v", d.Usage)
			}
		}
	}
	if content != "Hello" {
		t.Fatalf("content = %q, want %q", content, "Hello")
	}
	if terminals != 1 {
		t.Fatalf("terminal deltas = %d, want 1", terminals)
	}
}

func TestAnthropicStreamToolUse(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"c-read-file"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}`,
			`data: {"type":"content_block_stop","index":0}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":14}}`,
			`data: {"type":"message_stop"}`,
		))
	})

	ch, err := client.StreamChat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	deltas := collectDeltas(t, ch)
	last := deltas[len(deltas)-1]
	if last.FinishReason != FinishToolCalls {
		t.Fatalf("FinishReason = %q, want %q", last.FinishReason, FinishToolCalls)
	}
	if len(last.ToolCalls) != 1 {
		t.Fatalf("assembled calls = %d, want 1", len(last.ToolCalls))
	}
	call := last.ToolCalls[0]
	if call.ID != "toolu_1" || call.Name != "c-read-file" {
		t.Fatalf("call = %+v", call)
	}
	if call.ArgumentsJSON != `{"path":"main.go"}` {
		t.Fatalf("arguments = %q", call.ArgumentsJSON)
	}
}

func TestAnthropicStreamThinkingDelta(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"answer"}}`,
			`data: {"type":"message_stop"}`,
		))
	})

	ch, err := client.StreamChat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	deltas := collectDeltas(t, ch)

	reasoning, content := "", ""
	for _, d := range deltas {
		reasoning += d.Reasoning
		content += d.Content
	}
	if reasoning != "hmm" {
		t.Fatalf("reasoning = %q, want %q", reasoning, "hmm")
	}
	if content != "answer" {
		t.Fatalf("content = %q, want %q", content, "answer")
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"part"}}`,
			`data: {"type":"error","error":{"type":"overloaded_error","message":"try later"}}`,
		))
	})

	ch, err := client.StreamChat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	deltas := collectDeltas(t, ch)
	last := deltas[len(deltas)-1]
	var perr *ProtocolError
	if !errors.As(last.Err, &perr) {
		t.Fatalf("terminal err = %T(%v), want *ProtocolError", last.Err, last.Err)
	}
	// Content streamed before the error is still delivered.
	if deltas[0].Content != "part" {
		t.Fatalf("partial content lost: %+v", deltas[0])
	}
}

func TestAnthropicStreamTruncatedSynthesizesTerminal(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		))
	})

	ch, err := client.StreamChat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	deltas := collectDeltas(t, ch)
	last := deltas[len(deltas)-1]
	if !last.Terminal() || last.Err != nil || last.FinishReason != FinishStop {
		t.Fatalf("synthesized terminal = %+v, want clean stop", last)
	}
}

func TestAnthropicStreamPreCancelledContext(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.StreamChat(ctx, &ChatRequest{})
	if !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("err = %v, want ErrStreamAborted", err)
	}
}

func TestAnthropicBuildBodyToolResultsAndSystem(t *testing.T) {
	client := NewAnthropicClient(ClientOptions{APIKey: "k", Model: "m"})
	payload, err := client.buildBody(&ChatRequest{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "list files"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_1", Name: "c-list-dir", ArgumentsJSON: `{"path":"."}`}}},
			{Role: RoleTool, ToolCallID: "toolu_1", Content: "main.go"},
		},
	}, false)
	if err != nil {
		t.Fatalf("buildBody: %v", err)
	}

	var body anRequest
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.System != "be brief" {
		t.Fatalf("system = %q", body.System)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}
	if body.Messages[1].Role != "assistant" || body.Messages[1].Content[0].Type != "tool_use" {
		t.Fatalf("assistant tool_use block missing: %+v", body.Messages[1])
	}
	last := body.Messages[2]
	if last.Role != "user" || last.Content[0].Type != "tool_result" || last.Content[0].ToolUseID != "toolu_1" {
		t.Fatalf("tool result should be a user tool_result block: %+v", last)
	}
}

func TestAnthropicBuildBodyThinkingExcludesPrefill(t *testing.T) {
	client := NewAnthropicClient(ClientOptions{APIKey: "k", Model: "m", Thinking: true})

	payload, err := client.buildBody(&ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}}, true)
	if err != nil {
		t.Fatalf("buildBody: %v", err)
	}
	var body anRequest
	_ = json.Unmarshal(payload, &body)
	if body.Thinking == nil {
		t.Fatalf("thinking should be enabled without prefill")
	}

	payload, err = client.buildBody(&ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Prefill:  "seed",
	}, true)
	if err != nil {
		t.Fatalf("buildBody: %v", err)
	}
	body = anRequest{}
	_ = json.Unmarshal(payload, &body)
	if body.Thinking != nil {
		t.Fatalf("thinking must be dropped when prefill is set")
	}
	lastMsg := body.Messages[len(body.Messages)-1]
	if lastMsg.Role != "assistant" || lastMsg.Content[0].Text != "seed" {
		t.Fatalf("prefill should trail as assistant text: %+v", lastMsg)
	}
}

func TestAnthropicChatNonStreaming(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[{"type":"text","text":"four"}],"stop_reason":"end_turn","usage":{"input_tokens":8,"output_tokens":1}}`)
	})

	res, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "2+2?"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Message.Content != "four" || res.FinishReason != FinishStop {
		t.Fatalf("result = %+v", res)
	}
	if res.Usage.PromptTokens != 8 || res.Usage.CompletionTokens != 1 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestAnthropicStreamMidStreamCancel(t *testing.T) {
	client := newTestAnthropicClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		// Hold the stream open until the client gives up.
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := client.StreamChat(ctx, &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	first, ok := <-ch
	if !ok || first.Content != "par" {
		t.Fatalf("first delta = %+v, %v", first, ok)
	}
	cancel()

	terminals := 0
	var last StreamDelta
	for d := range ch {
		if d.Terminal() {
			terminals++
			last = d
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal deltas after cancel = %d, want 1", terminals)
	}
	if !errors.Is(last.Err, ErrStreamAborted) {
		t.Fatalf("terminal err = %v, want ErrStreamAborted", last.Err)
	}
}
