// Package gateway serves the WebSocket endpoint the voice client
// connects to, plus the small HTTP surface for settings and model
// discovery. Each connection gets its own session; turns stream back
// as ai_chunk messages followed by ai_done. The client re-enables its
// input only on ai_done, so a failed turn gets one too, after the
// error message.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daa-project/daa/internal/events"
	"github.com/daa-project/daa/internal/llm"
	"github.com/daa-project/daa/internal/session"
)

// TurnRunner runs and cancels chat turns. Satisfied by
// *session.Manager.
type TurnRunner interface {
	Turn(ctx context.Context, sessionID, model, text, image string, callback llm.StreamCallback) error
	Stop(sessionID string) bool
}

// Settings is the key/value store behind the settings endpoints.
// Satisfied by *store.Store.
type Settings interface {
	All() (map[string]string, error)
	Set(key, value string) error
}

// ModelLister lists locally available models. Satisfied by
// *llm.OllamaClient.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ModelInfo describes one selectable model for the client.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Options configures a Server.
type Options struct {
	Address string
	Port    int
	// DefaultModel is used when user_message carries no model.
	DefaultModel string
	// Models are the configured vendor models, listed before whatever
	// the local runtime reports.
	Models []ModelInfo
	// Local lists the local runtime's models (nil skips).
	Local ModelLister
	// Bus feeds the client's status stream (nil disables).
	Bus *events.Bus
}

// Server is the WebSocket and HTTP gateway.
type Server struct {
	opts     Options
	sessions TurnRunner
	settings Settings
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a gateway for the given turn runner.
func NewServer(sessions TurnRunner, settings Settings, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		sessions: sessions,
		settings: settings,
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The desktop client connects from a file:// origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the gateway's HTTP handler, for serving and tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("POST /api/settings", s.handleSettingsSet)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.opts.Address, s.opts.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	s.logger.Info("starting gateway", "address", s.opts.Address, "port", s.opts.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.All()
	if err != nil {
		s.logger.Error("load settings failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, all, s.logger)
}

func (s *Server) handleSettingsSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Settings map[string]string `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for k, v := range req.Settings {
		if err := s.settings.Set(k, v); err != nil {
			s.logger.Error("save setting failed", "key", k, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"models": s.availableModels(r.Context())}, s.logger)
}

// availableModels lists the configured vendor models followed by
// whatever the local runtime reports. A dead local runtime just means
// a shorter list.
func (s *Server) availableModels(ctx context.Context) []ModelInfo {
	models := make([]ModelInfo, 0, len(s.opts.Models))
	models = append(models, s.opts.Models...)

	if s.opts.Local != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		local, err := s.opts.Local.ListModels(ctx)
		if err != nil {
			s.logger.Debug("list local models failed", "error", err)
		}
		for _, name := range local {
			models = append(models, ModelInfo{ID: name, Name: "Ollama: " + name})
		}
	}
	return models
}

// inboundMessage is what the client sends over the WebSocket.
type inboundMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Model string `json:"model,omitempty"`
	Image string `json:"image,omitempty"` // base64
}

// wsConn serializes writes to one WebSocket connection. gorilla
// connections allow only a single concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sessionID := uuid.NewString()
	ws := &wsConn{conn: conn}
	logger := s.logger.With("session_id", sessionID, "remote", r.RemoteAddr)
	logger.Info("client connected")

	s.opts.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGateway,
		Kind:      events.KindClientConnect,
		Data:      map[string]any{"remote": r.RemoteAddr, "session_id": sessionID},
	})

	ws.send(map[string]any{"type": "status", "msg": "DAA Connected"})
	ws.send(map[string]any{"type": "models_list", "models": s.availableModels(r.Context())})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.statusFeed(ctx, ws)

	defer func() {
		s.sessions.Stop(sessionID)
		conn.Close()
		logger.Info("client disconnected")
		s.opts.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceGateway,
			Kind:      events.KindClientDisconnect,
			Data:      map[string]any{"remote": r.RemoteAddr, "session_id": sessionID},
		})
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		switch msg.Type {
		case "user_message":
			s.startTurn(ctx, ws, logger, sessionID, msg)
		case "stop":
			if s.sessions.Stop(sessionID) {
				ws.send(map[string]any{"type": "status", "msg": "Genereringen stoppades."})
			}
		case "get_models":
			ws.send(map[string]any{"type": "models_list", "models": s.availableModels(ctx)})
		default:
			logger.Debug("unhandled message type", "type", msg.Type)
		}
	}
}

// startTurn runs one turn in the background so the read loop stays
// responsive to stop messages.
func (s *Server) startTurn(ctx context.Context, ws *wsConn, logger *slog.Logger, sessionID string, msg inboundMessage) {
	model := msg.Model
	if model == "" {
		model = s.opts.DefaultModel
	}

	go func() {
		err := s.sessions.Turn(ctx, sessionID, model, msg.Text, msg.Image, func(ev llm.StreamEvent) {
			switch ev.Kind {
			case llm.KindToken:
				ws.send(map[string]any{"type": "ai_chunk", "text": ev.Token})
			case llm.KindDone:
				ws.send(map[string]any{"type": "ai_done"})
			}
		})
		switch {
		case err == nil:
		case errors.Is(err, session.ErrBusy):
			ws.send(map[string]any{"type": "error", "msg": "Ett svar genereras redan."})
		default:
			logger.Warn("turn failed", "model", model, "error", err)
			ws.send(map[string]any{"type": "error", "msg": fmt.Sprintf("Kunde inte generera svar. Fel: %v", err)})
			// The client unlocks its input on ai_done, never on error.
			ws.send(map[string]any{"type": "ai_done"})
		}
	}()
}

// statusFeed forwards bus events to the client's system log panel.
func (s *Server) statusFeed(ctx context.Context, ws *wsConn) {
	if s.opts.Bus == nil {
		return
	}
	ch := s.opts.Bus.Subscribe(64)
	defer s.opts.Bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ws.send(map[string]any{
				"type": "status",
				"msg":  fmt.Sprintf("[%s] %s", ev.Source, ev.Kind),
				"data": ev.Data,
			})
		}
	}
}
