package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/conversation"
	"github.com/askdb/askdb/internal/dbpool"
	"github.com/askdb/askdb/internal/executor"
	"github.com/askdb/askdb/internal/pipeline"
)

type chatRequest struct {
	ConversationID      string          `json:"conversationId"`
	Prompt              string          `json:"prompt"`
	DatabaseID          string          `json:"databaseId"`
	ConversationHistory []agent.Turn    `json:"conversationHistory"`
	LastResult          json.RawMessage `json:"lastResult"`
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be valid JSON", false, nil)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is required", false, nil)
		return
	}
	if strings.TrimSpace(req.DatabaseID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "databaseId is required", false, nil)
		return
	}

	resp, err := deps.Pipeline.Run(r.Context(), pipeline.Request{
		ConversationID: req.ConversationID,
		Prompt:         req.Prompt,
		Database:       req.DatabaseID,
		History:        req.ConversationHistory,
		LastResult:     req.LastResult,
		Actor:          actor,
	}, nil)
	if err != nil {
		writePipelineError(deps, w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// writePipelineError maps controller failures onto the transport. Authorization
// rejections and missing conversations keep distinct statuses; everything else
// is a generic server error so driver and model details never leak.
func writePipelineError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, executor.ErrPermissionDenied):
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED",
			"Permission denied. Only admins can modify data.", false,
			map[string]any{"isError": true})
	case errors.Is(err, conversation.ErrNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND",
			"conversation does not exist", false, nil)
	case errors.Is(err, dbpool.ErrUnknownDatabase):
		writeError(r.Context(), w, http.StatusBadRequest, "UNKNOWN_DATABASE",
			"the selected database is not registered", false, nil)
	default:
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "chat turn failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL",
			"the request could not be processed", true, nil)
	}
}
