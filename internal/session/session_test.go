package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daa-project/daa/internal/events"
	"github.com/daa-project/daa/internal/llm"
	"github.com/daa-project/daa/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHistory struct {
	mu        sync.Mutex
	messages  []store.Message
	appendErr error  // returned from Append when set
	failRole  string // restricts appendErr to one role when set
}

func (h *fakeHistory) Append(sessionID, role, content, image string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.appendErr != nil && (h.failRole == "" || role == h.failRole) {
		return h.appendErr
	}
	h.messages = append(h.messages, store.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Image:     image,
	})
	return nil
}

func (h *fakeHistory) Recent(sessionID string, limit int) ([]store.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]store.Message, len(h.messages))
	copy(out, h.messages)
	return out, nil
}

func (h *fakeHistory) roles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var roles []string
	for _, m := range h.messages {
		roles = append(roles, m.Role)
	}
	return roles
}

type fakePrompts struct{}

func (fakePrompts) Build(ctx context.Context, utterance string) string {
	return "Du är DAA, en personlig butler."
}

// scriptedStreamer replays one scripted leg per ChatStream call and
// records what each call received.
type scriptedStreamer struct {
	mu    sync.Mutex
	legs  []func(emit llm.StreamCallback) (*llm.ChatResponse, error)
	calls []streamCall
}

type streamCall struct {
	model    string
	messages []llm.Message
}

func (s *scriptedStreamer) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, streamCall{model: model, messages: messages})
	n := len(s.calls)
	s.mu.Unlock()
	if n > len(s.legs) {
		return nil, fmt.Errorf("unexpected call %d", n)
	}
	return s.legs[n-1](callback)
}

func (s *scriptedStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func textLeg(tokens ...string) func(llm.StreamCallback) (*llm.ChatResponse, error) {
	return func(emit llm.StreamCallback) (*llm.ChatResponse, error) {
		var full strings.Builder
		for _, tok := range tokens {
			full.WriteString(tok)
			emit(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
		resp := &llm.ChatResponse{
			Model:        "test-model",
			Message:      llm.Message{Role: "assistant", Content: full.String()},
			Done:         true,
			InputTokens:  12,
			OutputTokens: 4,
		}
		emit(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
		return resp, nil
	}
}

func failLeg(err error) func(llm.StreamCallback) (*llm.ChatResponse, error) {
	return func(llm.StreamCallback) (*llm.ChatResponse, error) {
		return nil, err
	}
}

type fakeTools struct {
	mu      sync.Mutex
	results map[string]string
	calls   []string
}

func (t *fakeTools) List() []map[string]any {
	return []map[string]any{{"type": "function"}}
}

func (t *fakeTools) ExecuteSafe(ctx context.Context, name string, args map[string]any) string {
	t.mu.Lock()
	t.calls = append(t.calls, name)
	t.mu.Unlock()
	if result, ok := t.results[name]; ok {
		return result
	}
	return "Error: unknown tool " + name
}

// collector gathers stream events from a turn.
type collector struct {
	mu     sync.Mutex
	tokens []string
	dones  int
}

func (c *collector) callback(ev llm.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case llm.KindToken:
		c.tokens = append(c.tokens, ev.Token)
	case llm.KindDone:
		c.dones++
	}
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.tokens, "")
}

func (c *collector) doneCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dones
}

func TestTurnStreamsAndPersists(t *testing.T) {
	history := &fakeHistory{}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		textLeg("Verkställer, ", "Anders."),
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{}, testLogger())

	var col collector
	if err := mgr.Turn(context.Background(), "s1", "test-model", "tänd lampan", "", col.callback); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if got := col.text(); got != "Verkställer, Anders." {
		t.Errorf("streamed text = %q, want %q", got, "Verkställer, Anders.")
	}
	if col.doneCount() != 1 {
		t.Errorf("done events = %d, want 1", col.doneCount())
	}

	roles := history.roles()
	if len(roles) != 2 || roles[0] != "user" || roles[1] != "assistant" {
		t.Fatalf("persisted roles = %v, want [user assistant]", roles)
	}
	if history.messages[1].Content != "Verkställer, Anders." {
		t.Errorf("assistant record = %q", history.messages[1].Content)
	}
	if mgr.Busy("s1") {
		t.Error("session still busy after turn completed")
	}
}

func TestTurnFallbackEmitsNoticeAndSingleDone(t *testing.T) {
	history := &fakeHistory{}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		failLeg(&llm.ProviderError{Vendor: "gemini", Cause: errors.New("quota exceeded")}),
		textLeg("Jag är tillbaka."),
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{FallbackModel: "llama3.1"}, testLogger())

	var col collector
	if err := mgr.Turn(context.Background(), "s1", "gemini-2.0-flash", "hej", "", col.callback); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if streamer.callCount() != 2 {
		t.Fatalf("stream calls = %d, want 2", streamer.callCount())
	}
	if got := streamer.calls[1].model; got != "llama3.1" {
		t.Errorf("fallback call model = %q, want llama3.1", got)
	}
	if !strings.Contains(col.text(), "[System: Byter till llama3.1 pga fel...]") {
		t.Errorf("streamed text %q missing fallback notice", col.text())
	}
	if !strings.Contains(col.text(), "Jag är tillbaka.") {
		t.Errorf("streamed text %q missing fallback reply", col.text())
	}
	if col.doneCount() != 1 {
		t.Errorf("done events = %d, want exactly 1", col.doneCount())
	}
}

func TestTurnNoFallbackOnPlainError(t *testing.T) {
	history := &fakeHistory{}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		failLeg(errors.New("broken pipe")),
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{FallbackModel: "llama3.1"}, testLogger())

	var col collector
	err := mgr.Turn(context.Background(), "s1", "llama3.1", "hej", "", col.callback)
	if err == nil {
		t.Fatal("Turn() error = nil, want failure")
	}
	if streamer.callCount() != 1 {
		t.Errorf("stream calls = %d, want 1 (no fallback retry)", streamer.callCount())
	}
	if col.doneCount() != 0 {
		t.Errorf("done events = %d, want 0 on failed turn", col.doneCount())
	}

	roles := history.roles()
	if len(roles) != 2 || roles[1] != "error" {
		t.Fatalf("persisted roles = %v, want [user error]", roles)
	}
	if !strings.Contains(history.messages[1].Content, "Kunde inte generera svar") {
		t.Errorf("error record = %q", history.messages[1].Content)
	}
}

func TestTurnFailsWhenHistoryUnavailable(t *testing.T) {
	history := &fakeHistory{appendErr: errors.New("database is locked")}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		textLeg("Verkställer."),
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{}, testLogger())

	var col collector
	err := mgr.Turn(context.Background(), "s1", "test-model", "hej", "", col.callback)
	if err == nil {
		t.Fatal("Turn() error = nil, want failure on history outage")
	}
	if streamer.callCount() != 0 {
		t.Errorf("stream calls = %d, want 0 (no generation without a user record)", streamer.callCount())
	}
	if col.doneCount() != 0 {
		t.Errorf("done events = %d, want 0", col.doneCount())
	}
	if mgr.Busy("s1") {
		t.Error("session still busy after aborted turn")
	}
}

func TestTurnFailsWhenReplyCannotBePersisted(t *testing.T) {
	history := &fakeHistory{appendErr: errors.New("disk full"), failRole: "assistant"}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		textLeg("Verkställer."),
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{}, testLogger())

	var col collector
	err := mgr.Turn(context.Background(), "s1", "test-model", "hej", "", col.callback)
	if err == nil {
		t.Fatal("Turn() error = nil, want failure when the reply cannot be persisted")
	}
	if col.doneCount() != 0 {
		t.Errorf("done events = %d, want 0", col.doneCount())
	}

	roles := history.roles()
	if len(roles) != 2 || roles[0] != "user" || roles[1] != "error" {
		t.Fatalf("persisted roles = %v, want [user error]", roles)
	}
}

func TestTurnBusySecondCallSameSession(t *testing.T) {
	release := make(chan struct{})
	history := &fakeHistory{}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		func(emit llm.StreamCallback) (*llm.ChatResponse, error) {
			<-release
			return textLeg("Klart.")(emit)
		},
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{}, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- mgr.Turn(context.Background(), "s1", "llama3.1", "hej", "", nil)
	}()

	waitFor(t, func() bool { return mgr.Busy("s1") })

	if err := mgr.Turn(context.Background(), "s1", "llama3.1", "hej igen", "", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("second Turn error = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Turn error = %v", err)
	}
	if mgr.Busy("s1") {
		t.Error("session still busy after turn completed")
	}
}

func TestStopCancelsInFlightTurn(t *testing.T) {
	history := &fakeHistory{}
	started := make(chan struct{})
	mgr := NewManager(history, fakePrompts{}, ctxStreamer{started: started}, nil, Options{}, testLogger())

	var col collector
	done := make(chan error, 1)
	go func() {
		done <- mgr.Turn(context.Background(), "s1", "llama3.1", "hej", "", col.callback)
	}()

	<-started
	if !mgr.Stop("s1") {
		t.Fatal("Stop() = false, want true for in-flight turn")
	}

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Turn() error = %v, want context.Canceled", err)
	}
	if col.doneCount() != 0 {
		t.Errorf("done events = %d, want 0 for cancelled turn", col.doneCount())
	}

	roles := history.roles()
	if len(roles) != 2 || roles[1] != "error" {
		t.Fatalf("persisted roles = %v, want [user error]", roles)
	}
	if history.messages[1].Content != "Svaret avbröts." {
		t.Errorf("error record = %q, want %q", history.messages[1].Content, "Svaret avbröts.")
	}

	if mgr.Stop("s1") {
		t.Error("Stop() = true with no turn in flight")
	}
}

// ctxStreamer blocks until its context is cancelled, signalling started
// once the stream is underway.
type ctxStreamer struct {
	started chan struct{}
}

func (s ctxStreamer) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	close(s.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestToolLoopFeedsResultsBack(t *testing.T) {
	toolResp := &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: "assistant"}}
	tc := llm.ToolCall{ID: "call-1"}
	tc.Function.Name = "get_weather"
	tc.Function.Arguments = map[string]any{"city": "Stockholm"}
	toolResp.Message.ToolCalls = []llm.ToolCall{tc}

	history := &fakeHistory{}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		func(emit llm.StreamCallback) (*llm.ChatResponse, error) {
			emit(llm.StreamEvent{Kind: llm.KindDone, Response: toolResp})
			return toolResp, nil
		},
		textLeg("Klart väder idag, Anders."),
	}}
	tools := &fakeTools{results: map[string]string{"get_weather": "[källa: live] Klart, 18 grader"}}
	mgr := NewManager(history, fakePrompts{}, streamer, tools, Options{}, testLogger())

	var col collector
	if err := mgr.Turn(context.Background(), "s1", "test-model", "hur är vädret?", "", col.callback); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if got := tools.calls; len(got) != 1 || got[0] != "get_weather" {
		t.Fatalf("tool calls = %v, want [get_weather]", got)
	}

	second := streamer.calls[1].messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" {
		t.Fatalf("last message = %+v, want tool result for call-1", last)
	}
	if last.Content != "[källa: live] Klart, 18 grader" {
		t.Errorf("tool result content = %q", last.Content)
	}
	if col.doneCount() != 1 {
		t.Errorf("done events = %d, want 1", col.doneCount())
	}
}

func TestFailingToolStillReachesDone(t *testing.T) {
	toolResp := &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: "assistant"}}
	tc := llm.ToolCall{ID: "call-9"}
	tc.Function.Name = "call_service"
	toolResp.Message.ToolCalls = []llm.ToolCall{tc}

	history := &fakeHistory{}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		func(llm.StreamCallback) (*llm.ChatResponse, error) { return toolResp, nil },
		textLeg("Tyvärr gick det inte att tända lampan."),
	}}
	tools := &fakeTools{results: map[string]string{"call_service": "Error: tool call_service crashed: nil pointer"}}
	mgr := NewManager(history, fakePrompts{}, streamer, tools, Options{}, testLogger())

	var col collector
	if err := mgr.Turn(context.Background(), "s1", "test-model", "tänd lampan", "", col.callback); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if col.doneCount() != 1 {
		t.Errorf("done events = %d, want 1", col.doneCount())
	}

	second := streamer.calls[1].messages
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "Error:") {
		t.Errorf("tool failure not surfaced to model: %q", last.Content)
	}
	if roles := history.roles(); roles[len(roles)-1] != "assistant" {
		t.Errorf("last persisted role = %q, want assistant", roles[len(roles)-1])
	}
}

func TestErrorRecordsExcludedFromModelInput(t *testing.T) {
	history := &fakeHistory{messages: []store.Message{
		{SessionID: "s1", Role: "user", Content: "hej"},
		{SessionID: "s1", Role: "error", Content: "Kunde inte generera svar. Fel: timeout"},
		{SessionID: "s1", Role: "assistant", Content: "God morgon, Anders."},
	}}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		textLeg("Självklart."),
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{}, testLogger())

	if err := mgr.Turn(context.Background(), "s1", "test-model", "tack", "", nil); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	sent := streamer.calls[0].messages
	if sent[0].Role != "system" {
		t.Fatalf("first message role = %q, want system", sent[0].Role)
	}
	for _, msg := range sent {
		if msg.Role == "error" {
			t.Fatalf("error record leaked into model input: %+v", msg)
		}
		if strings.Contains(msg.Content, "Kunde inte generera svar") {
			t.Fatalf("error text leaked into model input: %q", msg.Content)
		}
	}
}

func TestTurnPublishesLifecycleEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	history := &fakeHistory{}
	streamer := &scriptedStreamer{legs: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		textLeg("Hej."),
	}}
	mgr := NewManager(history, fakePrompts{}, streamer, nil, Options{Bus: bus}, testLogger())

	if err := mgr.Turn(context.Background(), "s1", "test-model", "hej", "", nil); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	kinds := drainKinds(t, ch, 2)
	if kinds[0] != events.KindTurnStart || kinds[1] != events.KindTurnComplete {
		t.Errorf("event kinds = %v, want [%s %s]", kinds, events.KindTurnStart, events.KindTurnComplete)
	}
}

func drainKinds(t *testing.T, ch <-chan events.Event, n int) []string {
	t.Helper()
	var kinds []string
	for len(kinds) < n {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d, got %v", len(kinds)+1, kinds)
		}
	}
	return kinds
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
