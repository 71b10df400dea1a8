package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gk-1" {
			t.Errorf("Authorization = %q", got)
		}
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream=true")
		}
		io.WriteString(w, `data: {"model":"llama-3.3-70b","choices":[{"delta":{"content":"Verkställer, "}}]}

data: {"model":"llama-3.3-70b","choices":[{"delta":{"content":"Anders."}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":20,"completion_tokens":5}}

data: [DONE]

`)
	}))
	defer srv.Close()

	c := NewOpenAICompatClient("groq", srv.URL, "gk-1", testLogger())

	var tokens, done int
	resp, err := c.ChatStream(context.Background(), "llama-3.3-70b",
		[]Message{{Role: "user", Content: "tänd lampan"}}, nil,
		func(ev StreamEvent) {
			switch ev.Kind {
			case KindToken:
				tokens++
			case KindDone:
				done++
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Message.Content != "Verkställer, Anders." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if tokens != 2 || done != 1 {
		t.Errorf("events = %d tokens / %d done, want 2/1", tokens, done)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIStreamingToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"Stockholm\"}"}}]}}]}

data: [DONE]

`)
	}))
	defer srv.Close()

	c := NewOpenAICompatClient("deepseek", srv.URL, "dk-1", testLogger())

	resp, err := c.ChatStream(context.Background(), "deepseek-chat",
		[]Message{{Role: "user", Content: "vädret?"}}, nil, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_weather" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments["city"] != "Stockholm" {
		t.Errorf("arguments = %v", tc.Function.Arguments)
	}
}

func TestConvertToOpenAISerializesToolArguments(t *testing.T) {
	messages := []Message{
		{
			Role:      "assistant",
			ToolCalls: []ToolCall{newToolCall("call_2", "call_service", map[string]any{"domain": "light"})},
		},
		{Role: "tool", Content: "ok", ToolCallID: "call_2"},
	}

	result := convertToOpenAI(messages)
	if len(result) != 2 {
		t.Fatalf("got %d messages", len(result))
	}
	if result[0].ToolCalls[0].Function.Arguments != `{"domain":"light"}` {
		t.Errorf("arguments = %q", result[0].ToolCalls[0].Function.Arguments)
	}
	if result[1].ToolCallID != "call_2" {
		t.Errorf("tool_call_id = %q", result[1].ToolCallID)
	}
}

func TestOpenAINonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"Hej Anders."},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewOpenAICompatClient("openai", srv.URL, "sk-1", testLogger())
	resp, err := c.Chat(context.Background(), "gpt-4o", []Message{{Role: "user", Content: "hej"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Hej Anders." {
		t.Errorf("content = %q", resp.Message.Content)
	}
}
