// Package llm provides streaming clients for the chat model vendors
// and the router that picks one from a model identifier.
package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Image      string     `json:"image,omitempty"` // base64 payload, vision-capable vendors only
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the unified response from any vendor. Wire format
// conversion happens at the vendor boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int
}

// StreamEvent is a single event in a streaming response. Consumers
// switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text fragment from the model.
	KindToken StreamEventKind = iota

	// KindDone signals the stream is complete. Response carries final
	// metadata. A stream emits exactly one KindDone.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

// ProviderError wraps a vendor failure so callers can tell which
// vendor broke and decide whether to retry against the fallback model.
type ProviderError struct {
	Vendor string
	Cause  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Vendor, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
