// Package events provides a publish/subscribe bus for operational
// observability. Components publish what they are doing; subscribers
// (the WebSocket status feed, future metrics) listen. The bus is
// nil-safe: Publish on a nil *Bus is a no-op, so components need no
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the turn orchestrator.
	SourceSession = "session"
	// SourceData identifies events from the tiered data providers.
	SourceData = "datasource"
	// SourceTools identifies events from tool execution.
	SourceTools = "tools"
	// SourceGateway identifies events from the WebSocket gateway.
	SourceGateway = "gateway"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a chat turn.
	// Data: session_id, model, message_len.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals the end of a chat turn.
	// Data: session_id, model, tokens_in, tokens_out, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFallback signals the turn retried on the fallback model.
	// Data: session_id, from_model, to_model.
	KindTurnFallback = "turn_fallback"
	// KindTurnError signals the turn ended with an error record.
	// Data: session_id, error.
	KindTurnError = "turn_error"

	// KindToolCall signals the start of a tool execution.
	// Data: session_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: session_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindFetch signals a tiered data fetch resolved.
	// Data: domain, source.
	KindFetch = "fetch"

	// KindClientConnect signals a WebSocket client connected.
	// Data: remote.
	KindClientConnect = "client_connect"
	// KindClientDisconnect signals a WebSocket client disconnected.
	// Data: remote.
	KindClientDisconnect = "client_disconnect"
)

// Event is a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to the caller
	// back to the stored bidirectional channel, so Unsubscribe can
	// accept the caller's view of the subscription.
	recvToSend map[<-chan Event]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking: a full
// subscriber channel drops the event for that subscriber. Safe to call
// on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. The caller
// must eventually Unsubscribe to release the channel.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. No-op for
// a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
