// Package stub is an in-process backend used by the stub-server command
// and by integration tests. It speaks the same wire protocol as the real
// backend: JSON request/response for session lifecycle, and a framed
// record stream for turns.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Options configures the stub's scripted behavior.
type Options struct {
	// SecretKey, when set, is required in the X-Secret-Key header.
	SecretKey string
	// ChunkSize is the number of characters per streamed text fragment.
	ChunkSize int
	// ChunkDelay is the pause between fragments.
	ChunkDelay time.Duration
	// Script, when set, overrides the default echo reply with raw
	// records written verbatim per turn.
	Script []string
}

// Server is the stub backend.
type Server struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	session      types.Session
	conversation []types.Message
	tokens       types.TokenState
}

// New creates a stub backend.
func New(opts Options) *Server {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 3
	}
	return &Server{
		opts:     opts,
		sessions: make(map[string]*sessionRecord),
	}
}

// Handler returns the chi router for the stub.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Secret-Key", "Accept"},
	}))
	r.Use(s.auth)

	r.Post("/agent/start", s.startAgent)
	r.Post("/agent/resume", s.resumeAgent)
	r.Post("/agent/stop", s.stopAgent)
	r.Post("/reply", s.reply)

	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.SecretKey != "" && r.Header.Get("X-Secret-Key") != s.opts.SecretKey {
			http.Error(w, "invalid secret", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkingDir string        `json:"working_dir"`
		Recipe     *types.Recipe `json:"recipe,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UnixMilli()
	session := types.Session{
		ID:         ulid.Make().String(),
		Name:       "New Session",
		WorkingDir: req.WorkingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
		Recipe:     req.Recipe,
	}

	s.mu.Lock()
	s.sessions[session.ID] = &sessionRecord{session: session}
	s.mu.Unlock()

	writeJSON(w, session)
}

func (s *Server) resumeAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	rec, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, types.SessionHistory{
		Session:      rec.session,
		Conversation: rec.conversation,
		Tokens:       rec.tokens,
	})
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// reply streams the turn response. Without a script it echoes the user
// message back in fragments, then finishes.
func (s *Server) reply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string        `json:"session_id"`
		UserMessage types.Message `json:"user_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sw, err := newStreamWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	rec, ok := s.sessions[req.SessionID]
	if !ok {
		rec = &sessionRecord{session: types.Session{ID: req.SessionID}}
		s.sessions[req.SessionID] = rec
	}
	rec.conversation = append(rec.conversation, req.UserMessage)
	s.mu.Unlock()

	if len(s.opts.Script) > 0 {
		for _, raw := range s.opts.Script {
			if r.Context().Err() != nil {
				return
			}
			sw.writeRaw(raw)
			s.pause()
		}
		return
	}

	s.echoTurn(r.Context(), sw, rec, req.UserMessage)
}

// echoTurn streams "You said: <text>" as chunked fragments sharing one
// message id, then token accounting and a Finish record.
func (s *Server) echoTurn(ctx context.Context, sw *streamWriter, rec *sessionRecord, userMessage types.Message) {
	reply := "You said: " + userMessage.Text()
	messageID := ulid.Make().String()
	created := time.Now().UnixMilli()

	s.mu.Lock()
	rec.tokens.InputTokens = len(userMessage.Text())
	rec.tokens.OutputTokens = len(reply)
	rec.tokens.TotalTokens = rec.tokens.InputTokens + rec.tokens.OutputTokens
	rec.tokens.AccumulatedInputTokens += rec.tokens.InputTokens
	rec.tokens.AccumulatedOutputTokens += rec.tokens.OutputTokens
	rec.tokens.AccumulatedTotalTokens += rec.tokens.TotalTokens
	tokens := rec.tokens
	s.mu.Unlock()

	var assembled types.Message
	for start := 0; start < len(reply); start += s.opts.ChunkSize {
		if ctx.Err() != nil {
			return
		}
		end := start + s.opts.ChunkSize
		if end > len(reply) {
			end = len(reply)
		}

		fragment := types.Message{
			ID:        messageID,
			Role:      types.RoleAssistant,
			CreatedAt: created,
			Content:   []types.ContentBlock{types.NewTextBlock(reply[start:end])},
		}
		sw.writeRecord(map[string]any{
			"type":    "Message",
			"message": fragment,
		})
		s.pause()

		assembled = fragment
	}

	assembled.Content = []types.ContentBlock{types.NewTextBlock(reply)}
	s.mu.Lock()
	rec.conversation = append(rec.conversation, assembled)
	s.mu.Unlock()

	sw.writeRecord(map[string]any{
		"type":        "Finish",
		"reason":      "stop",
		"token_state": tokens,
	})
}

func (s *Server) pause() {
	if s.opts.ChunkDelay > 0 {
		time.Sleep(s.opts.ChunkDelay)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("stub: encode response failed")
	}
}

// streamWriter writes framed records and flushes after each one.
type streamWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newStreamWriter(w http.ResponseWriter) (*streamWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &streamWriter{w: w, rc: http.NewResponseController(w)}, nil
}

func (s *streamWriter) writeRecord(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Msg("stub: marshal record failed")
		return
	}
	s.writeRaw(string(data))
}

func (s *streamWriter) writeRaw(json string) {
	fmt.Fprintf(s.w, "data: %s\n\n", json)
	_ = s.rc.Flush()
}
