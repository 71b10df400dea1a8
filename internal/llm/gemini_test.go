package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConvertToGemini(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "Du är en butler."},
		{Role: "user", Content: "Hej!"},
		{Role: "assistant", Content: "God morgon."},
	}

	req := convertToGemini(messages)

	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "Du är en butler." {
		t.Errorf("systemInstruction = %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 2 {
		t.Fatalf("got %d contents, want 2", len(req.Contents))
	}
	if req.Contents[1].Role != "model" {
		t.Errorf("assistant role = %q, want model", req.Contents[1].Role)
	}
}

func TestConvertToGeminiImage(t *testing.T) {
	req := convertToGemini([]Message{{Role: "user", Content: "vad ser du?", Image: "aGVq"}})
	parts := req.Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want text + image", len(parts))
	}
	if parts[1].InlineData == nil || parts[1].InlineData.Data != "aGVq" {
		t.Errorf("image part = %+v", parts[1])
	}
}

func TestGeminiStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "models/gemini-2.0-flash-exp:streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "gk-9" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		io.WriteString(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Verkställer, "}]}}],"modelVersion":"gemini-2.0-flash-exp"}

data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Anders."}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":7}}

`)
	}))
	defer srv.Close()

	c := NewGeminiClient("gk-9", testLogger())
	c.baseURL = srv.URL

	var tokens, done int
	resp, err := c.ChatStream(context.Background(), "gemini-2.0-flash-exp",
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
	if resp.InputTokens != 30 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestGeminiFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Stockholm"}}}]}}]}

`)
	}))
	defer srv.Close()

	c := NewGeminiClient("gk-9", testLogger())
	c.baseURL = srv.URL

	resp, err := c.ChatStream(context.Background(), "gemini-2.0-flash-exp",
		[]Message{{Role: "user", Content: "vädret?"}}, nil, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Name != "get_weather" || tc.Function.Arguments["city"] != "Stockholm" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.ID != "get_weather" {
		t.Errorf("tool call ID = %q, want the function name", tc.ID)
	}
}

func TestGeminiToolResultCarriesFunctionName(t *testing.T) {
	call := newToolCall("get_weather", "get_weather", map[string]any{"city": "Stockholm"})
	req := convertToGemini([]Message{
		{Role: "user", Content: "vädret?"},
		{Role: "assistant", ToolCalls: []ToolCall{call}},
		{Role: "tool", ToolCallID: call.ID, Content: "soligt, 21 grader"},
	})

	if len(req.Contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(req.Contents))
	}
	fr := req.Contents[2].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("tool message did not become a functionResponse part")
	}
	if fr.Name != "get_weather" {
		t.Errorf("functionResponse.name = %q, want %q", fr.Name, "get_weather")
	}
	if fr.Response["result"] != "soligt, 21 grader" {
		t.Errorf("functionResponse.response = %v", fr.Response)
	}
}
