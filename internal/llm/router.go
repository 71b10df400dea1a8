package llm

import (
	"context"
	"strings"
)

// Router picks a vendor client from the model identifier using ordered
// case-insensitive substring rules. The first matching rule wins;
// unmatched models run on the local client.
type Router struct {
	rules []rule
	local Client
}

type rule struct {
	substring string
	vendor    string
	client    Client
}

// NewRouter creates a router with the given local (default) client.
func NewRouter(local Client) *Router {
	return &Router{local: local}
}

// AddRule appends a routing rule. Rules are evaluated in the order they
// were added.
func (r *Router) AddRule(substring, vendor string, client Client) {
	r.rules = append(r.rules, rule{
		substring: strings.ToLower(substring),
		vendor:    vendor,
		client:    client,
	})
}

// Resolve returns the client and vendor name for a model identifier.
func (r *Router) Resolve(model string) (Client, string) {
	lowered := strings.ToLower(model)
	for _, rule := range r.rules {
		if strings.Contains(lowered, rule.substring) {
			return rule.client, rule.vendor
		}
	}
	return r.local, "ollama"
}

// ChatStream routes a streaming chat request to the vendor for the
// model. Vendor failures come back as *ProviderError so the caller can
// decide to retry on the fallback model.
func (r *Router) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, vendor := r.Resolve(model)
	resp, err := client.ChatStream(ctx, model, messages, tools, callback)
	if err != nil {
		return nil, &ProviderError{Vendor: vendor, Cause: err}
	}
	return resp, nil
}

// Chat routes a non-streaming chat request.
func (r *Router) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, vendor := r.Resolve(model)
	resp, err := client.Chat(ctx, model, messages, tools)
	if err != nil {
		return nil, &ProviderError{Vendor: vendor, Cause: err}
	}
	return resp, nil
}

// Ping checks the local client.
func (r *Router) Ping(ctx context.Context) error {
	return r.local.Ping(ctx)
}
