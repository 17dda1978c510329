package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/conversation"
)

// handleCreateConversation opens an empty conversation against one database.
// The chat endpoints also create lazily on first message; this is the explicit
// path for clients that want the id up front.
func handleCreateConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	var req struct {
		DatabaseID string `json:"databaseId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be valid JSON", false, nil)
		return
	}
	if strings.TrimSpace(req.DatabaseID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "databaseId is required", false, nil)
		return
	}

	conv, err := deps.Conversations.Create(r.Context(), actor.UserID, req.DatabaseID)
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "create conversation failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not create conversation", true, nil)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func handleListConversations(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	summaries, err := deps.Conversations.ListForUser(r.Context(), actor.UserID)
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "list conversations failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not list conversations", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func handleGetConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	conv, err := deps.Conversations.Get(r.Context(), r.PathValue("id"), actor.UserID)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation does not exist", false, nil)
		return
	}
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "get conversation failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not load conversation", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func handleDeleteConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	err = deps.Conversations.Delete(r.Context(), r.PathValue("id"), actor.UserID)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation does not exist", false, nil)
		return
	}
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "delete conversation failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not delete conversation", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleReplaceMessages swaps a conversation's full message array, owner
// scoped. Clients use it to prune or restore a transcript wholesale.
func handleReplaceMessages(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	var req struct {
		Messages []conversation.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be valid JSON", false, nil)
		return
	}

	id := r.PathValue("id")
	err = deps.Conversations.ReplaceMessages(r.Context(), id, actor.UserID, req.Messages)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation does not exist", false, nil)
		return
	}
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "replace messages failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not replace messages", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "messages": len(req.Messages)})
}

// handleGenerateTitle names a conversation still carrying the creation
// sentinel. A chosen or previously generated title is never overwritten.
func handleGenerateTitle(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	id := r.PathValue("id")
	conv, err := deps.Conversations.Get(r.Context(), id, actor.UserID)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation does not exist", false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not load conversation", true, nil)
		return
	}
	if conv.Title != conversation.DefaultTitle {
		writeError(r.Context(), w, http.StatusBadRequest, "CONVERSATION_ALREADY_TITLED", "conversation already has a title", false, nil)
		return
	}
	if len(conv.Messages) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "EMPTY_CONVERSATION", "cannot title an empty conversation", false, nil)
		return
	}

	turns := make([]agent.Turn, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		turns = append(turns, agent.Turn{Sender: m.Sender, Text: m.Text})
	}
	title, err := agent.GenerateTitle(r.Context(), deps.Completion, turns)
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "title generation failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not generate a title", true, nil)
		return
	}
	if err := deps.Conversations.SetTitleIfDefault(r.Context(), id, actor.UserID, title); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not store the title", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "title": title})
}
