// Package session orchestrates chat turns: one in-flight turn per
// session, streaming with fallback retry, tool dispatch, and the
// guarantee that a persisted user message is always followed by an
// assistant or error record.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/daa-project/daa/internal/events"
	"github.com/daa-project/daa/internal/llm"
	"github.com/daa-project/daa/internal/memgate"
	"github.com/daa-project/daa/internal/store"
)

// ErrBusy is returned when a session already has a turn in flight.
var ErrBusy = errors.New("session busy: a turn is already in flight")

// maxToolIterations bounds the tool dispatch loop within one turn.
const maxToolIterations = 5

// History is the conversation persistence the orchestrator needs.
// Satisfied by *store.Store.
type History interface {
	Append(sessionID, role, content, image string) error
	Recent(sessionID string, limit int) ([]store.Message, error)
}

// ContextBuilder assembles the system prompt for an utterance.
// Satisfied by *prompt.Assembler.
type ContextBuilder interface {
	Build(ctx context.Context, utterance string) string
}

// Streamer routes a streaming chat request. Satisfied by *llm.Router.
type Streamer interface {
	ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error)
}

// ToolRunner exposes the tool catalog and contained execution.
// Satisfied by *tools.Registry.
type ToolRunner interface {
	List() []map[string]any
	ExecuteSafe(ctx context.Context, name string, args map[string]any) string
}

// Options configures a Manager.
type Options struct {
	// FallbackModel is retried once when the requested model's vendor
	// fails mid-turn.
	FallbackModel string
	// HistoryLimit is how many prior messages feed each turn.
	HistoryLimit int
	// ChunkSize bounds emitted token fragments (0 uses the default).
	ChunkSize int
	// Memory receives the turn's utterance/reply pair (nil disables).
	Memory    *memgate.Client
	SubjectID string
	// Bus receives operational events (nil disables).
	Bus *events.Bus
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager runs turns for any number of sessions.
type Manager struct {
	history  History
	prompts  ContextBuilder
	router   Streamer
	tools    ToolRunner
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewManager creates a turn orchestrator.
func NewManager(history History, prompts ContextBuilder, router Streamer, tools ToolRunner, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		history: history,
		prompts: prompts,
		router:  router,
		tools:   tools,
		opts:    opts,
		logger:  logger.With("component", "session"),
		active:  make(map[string]context.CancelFunc),
	}
}

// Stop cancels the in-flight turn for a session, if any. The turn's
// teardown persists an error record and the callback sees no done
// event. Reports whether a turn was actually cancelled.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	cancel, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether a session has a turn in flight.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// Turn runs one chat turn. Token fragments stream to callback,
// followed by exactly one KindDone event on success. On failure no
// done event is emitted and the error is returned; an error record is
// persisted when the history store is reachable. A history outage is
// fatal to the turn. A second concurrent Turn for the same session
// returns ErrBusy without side effects.
func (m *Manager) Turn(ctx context.Context, sessionID, model, text, image string, callback llm.StreamCallback) error {
	m.mu.Lock()
	if _, inFlight := m.active[sessionID]; inFlight {
		m.mu.Unlock()
		return ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	m.active[sessionID] = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, sessionID)
		m.mu.Unlock()
	}()

	started := m.opts.Clock()
	m.opts.Bus.Publish(events.Event{
		Timestamp: started,
		Source:    events.SourceSession,
		Kind:      events.KindTurnStart,
		Data:      map[string]any{"session_id": sessionID, "model": model, "message_len": len(text)},
	})

	// A history outage is fatal: without the user record there is
	// nothing to anchor the reply or an error record against.
	if err := m.history.Append(sessionID, "user", text, image); err != nil {
		err = fmt.Errorf("persist user message: %w", err)
		m.logger.Error("turn aborted", "session_id", sessionID, "error", err)
		m.publishTurnError(sessionID, err)
		return err
	}

	messages := m.buildMessages(turnCtx, sessionID, text, image)

	var fullReply strings.Builder
	// KindDone events from individual stream legs are swallowed; the
	// orchestrator emits the single final done itself. Tokens are
	// re-chunked so no fragment exceeds the configured bound.
	emit := llm.ChunkTokens(m.opts.ChunkSize, func(ev llm.StreamEvent) {
		if ev.Kind != llm.KindToken {
			return
		}
		fullReply.WriteString(ev.Token)
		if callback != nil {
			callback(ev)
		}
	})

	resp, err := m.runWithFallback(turnCtx, sessionID, model, messages, emit)
	if err != nil {
		m.finishError(sessionID, err)
		return err
	}

	reply := fullReply.String()
	if reply == "" {
		reply = resp.Message.Content
	}
	if err := m.history.Append(sessionID, "assistant", reply, ""); err != nil {
		err = fmt.Errorf("persist assistant message: %w", err)
		m.finishError(sessionID, err)
		return err
	}

	m.submitMemory(text, reply)

	if callback != nil {
		callback(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}

	m.opts.Bus.Publish(events.Event{
		Timestamp: m.opts.Clock(),
		Source:    events.SourceSession,
		Kind:      events.KindTurnComplete,
		Data: map[string]any{
			"session_id": sessionID,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"elapsed_ms": m.opts.Clock().Sub(started).Milliseconds(),
		},
	})
	return nil
}

// runWithFallback streams the turn, retrying exactly once on the
// fallback model when the vendor fails and the turn was not cancelled.
func (m *Manager) runWithFallback(ctx context.Context, sessionID, model string, messages []llm.Message, emit llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := m.runToolLoop(ctx, sessionID, model, messages, emit)
	if err == nil {
		return resp, nil
	}

	fallback := m.opts.FallbackModel
	var perr *llm.ProviderError
	switch {
	case ctx.Err() != nil:
		return nil, err
	case !errors.As(err, &perr):
		return nil, err
	case fallback == "" || fallback == model:
		return nil, err
	}

	m.logger.Warn("vendor failed, switching to fallback model",
		"session_id", sessionID, "model", model, "fallback", fallback, "error", err)
	m.opts.Bus.Publish(events.Event{
		Timestamp: m.opts.Clock(),
		Source:    events.SourceSession,
		Kind:      events.KindTurnFallback,
		Data:      map[string]any{"session_id": sessionID, "from_model": model, "to_model": fallback},
	})

	// Visible notice so the user knows the reply comes from another
	// model.
	emit(llm.StreamEvent{
		Kind:  llm.KindToken,
		Token: fmt.Sprintf("\n[System: Byter till %s pga fel...]\n", fallback),
	})

	return m.runToolLoop(ctx, sessionID, fallback, messages, emit)
}

// runToolLoop streams against one model, dispatching tool calls until
// the model answers in text or the iteration bound is hit.
func (m *Manager) runToolLoop(ctx context.Context, sessionID, model string, messages []llm.Message, emit llm.StreamCallback) (*llm.ChatResponse, error) {
	var catalog []map[string]any
	if m.tools != nil {
		catalog = m.tools.List()
	}

	for iter := 0; ; iter++ {
		resp, err := m.router.ChatStream(ctx, model, messages, catalog, emit)
		if err != nil {
			return nil, err
		}
		if len(resp.Message.ToolCalls) == 0 || m.tools == nil {
			return resp, nil
		}
		if iter >= maxToolIterations {
			m.logger.Warn("tool iteration bound hit", "session_id", sessionID, "model", model)
			return resp, nil
		}

		messages = append(messages, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			toolStart := m.opts.Clock()
			m.opts.Bus.Publish(events.Event{
				Timestamp: toolStart,
				Source:    events.SourceTools,
				Kind:      events.KindToolCall,
				Data:      map[string]any{"session_id": sessionID, "tool": tc.Function.Name},
			})

			result := m.tools.ExecuteSafe(ctx, tc.Function.Name, tc.Function.Arguments)

			m.opts.Bus.Publish(events.Event{
				Timestamp: m.opts.Clock(),
				Source:    events.SourceTools,
				Kind:      events.KindToolDone,
				Data: map[string]any{
					"session_id":  sessionID,
					"tool":        tc.Function.Name,
					"ok":          !strings.HasPrefix(result, "Error:"),
					"duration_ms": m.opts.Clock().Sub(toolStart).Milliseconds(),
				},
			})

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}
}

// buildMessages assembles the message list: system prompt, recent
// history, then the new utterance.
func (m *Manager) buildMessages(ctx context.Context, sessionID, text, image string) []llm.Message {
	messages := []llm.Message{
		{Role: "system", Content: m.prompts.Build(ctx, text)},
	}

	hist, err := m.history.Recent(sessionID, m.opts.HistoryLimit)
	if err != nil {
		m.logger.Warn("load history failed", "session_id", sessionID, "error", err)
	}
	for _, msg := range hist {
		// Error records stay in the store but never feed the model.
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	messages = append(messages, llm.Message{Role: "user", Content: text, Image: image})
	return messages
}

// finishError persists the error record so the user message is never
// the last word in the transcript.
func (m *Manager) finishError(sessionID string, cause error) {
	text := fmt.Sprintf("Kunde inte generera svar. Fel: %v", cause)
	if errors.Is(cause, context.Canceled) {
		text = "Svaret avbröts."
	}
	if err := m.history.Append(sessionID, "error", text, ""); err != nil {
		m.logger.Error("persist error record failed", "session_id", sessionID, "error", err)
	}
	m.publishTurnError(sessionID, cause)
}

func (m *Manager) publishTurnError(sessionID string, cause error) {
	m.opts.Bus.Publish(events.Event{
		Timestamp: m.opts.Clock(),
		Source:    events.SourceSession,
		Kind:      events.KindTurnError,
		Data:      map[string]any{"session_id": sessionID, "error": cause.Error()},
	})
}

// submitMemory forwards the exchanged pair to long-term memory.
// Best-effort, bounded, and decoupled from the turn context so a
// cancelled client does not lose the memory.
func (m *Manager) submitMemory(utterance, reply string) {
	if !m.opts.Memory.Enabled() || reply == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	facts := []string{
		fmt.Sprintf("Användaren sa: %s", utterance),
		fmt.Sprintf("Assistenten svarade: %s", reply),
	}
	if err := m.opts.Memory.Add(ctx, facts, m.opts.SubjectID); err != nil {
		m.logger.Warn("memory submit failed", "error", err)
	}
}
