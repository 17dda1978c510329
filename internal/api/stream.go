package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/dbpool"
	"github.com/askdb/askdb/internal/executor"
	"github.com/askdb/askdb/internal/pipeline"
)

type streamEvent struct {
	Type  string `json:"type"`
	Step  string `json:"step,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleChatStream runs the same turn as the buffered endpoint but pushes one
// thinking event per stage over SSE, then exactly one complete or error event.
// Writes after the client disconnects are dropped, never escalated.
func handleChatStream(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	query := r.URL.Query()
	prompt := strings.TrimSpace(query.Get("prompt"))
	database := strings.TrimSpace(query.Get("database"))
	if prompt == "" || database == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "prompt and database are required", false, nil)
		return
	}

	var history []agent.Turn
	if raw := query.Get("history"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "history must be a JSON array", false, nil)
			return
		}
	}
	var lastResult json.RawMessage
	if raw := query.Get("last_result"); raw != "" {
		if !json.Valid([]byte(raw)) {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "last_result must be valid JSON", false, nil)
			return
		}
		lastResult = json.RawMessage(raw)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming", false, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sender := &eventSender{w: w, flusher: flusher, done: r.Context().Done()}
	sender.comment("connected")

	resp, err := deps.Pipeline.Run(r.Context(), pipeline.Request{
		ConversationID: query.Get("conversation_id"),
		Prompt:         prompt,
		Database:       database,
		History:        history,
		LastResult:     lastResult,
		Actor:          actor,
	}, func(step string) {
		sender.send(streamEvent{Type: "thinking", Step: step})
	})

	if err != nil {
		sender.send(streamEvent{Type: "error", Error: streamErrorText(err)})
		return
	}
	sender.send(streamEvent{Type: "complete", Data: resp})
}

func streamErrorText(err error) string {
	switch {
	case errors.Is(err, executor.ErrPermissionDenied):
		return "Permission denied. Only admins can modify data."
	case errors.Is(err, conversation.ErrNotFound):
		return "Conversation not found."
	case errors.Is(err, dbpool.ErrUnknownDatabase):
		return "The selected database is not registered."
	default:
		return "The request could not be processed."
	}
}

// eventSender serializes SSE writes. The pipeline notifies from the request
// goroutine today, but the guard keeps disconnect handling in one place.
type eventSender struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *eventSender) send(event streamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.disconnected() {
		s.closed = true
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := s.w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		s.closed = true
		return
	}
	s.flusher.Flush()
}

func (s *eventSender) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.disconnected() {
		return
	}
	if _, err := s.w.Write([]byte(": " + text + "\n\n")); err != nil {
		s.closed = true
		return
	}
	s.flusher.Flush()
}

func (s *eventSender) disconnected() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
