package api

import (
	"net/http"
	"strings"

	"github.com/askdb/askdb/internal/conversation"
)

// handleSuggestions returns starter questions for a database. When a
// conversation id is supplied, its last executed statement feeds the
// contextual group.
func handleSuggestions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	database := strings.TrimSpace(r.URL.Query().Get("database"))
	if database == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "database is required", false, nil)
		return
	}

	var lastSQL string
	if conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id")); conversationID != "" {
		if conv, err := deps.Conversations.Get(r.Context(), conversationID, actor.UserID); err == nil {
			lastSQL, _ = conversation.LastExecutedSQL(conv.Messages)
		}
	}

	suggestions := deps.Suggestions.For(r.Context(), database, lastSQL)
	writeJSON(w, http.StatusOK, suggestions)
}
