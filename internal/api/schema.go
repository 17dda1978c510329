package api

import (
	"errors"
	"net/http"

	"github.com/askdb/askdb/internal/dbpool"
)

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if _, err := identityFromRequest(r); err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error(), false, nil)
		return
	}

	database := r.PathValue("database")
	description, err := deps.Schema.Describe(r.Context(), database)
	if errors.Is(err, dbpool.ErrUnknownDatabase) {
		writeError(r.Context(), w, http.StatusNotFound, "UNKNOWN_DATABASE", "the selected database is not registered", false, nil)
		return
	}
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "describe schema failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "could not describe the schema", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"database": database, "schema": description})
}
