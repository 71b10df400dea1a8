package llm

import "context"

// Client is the interface every vendor adapter implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// events are streamed to it: zero or more KindToken events followed
	// by exactly one KindDone.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the vendor is reachable.
	Ping(ctx context.Context) error
}
