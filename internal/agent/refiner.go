package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/schema"
)

// RefinementResult is transient: once accepted, its SQL becomes the message's
// executedSql and one sqlVersions entry. It is never persisted as-is.
type RefinementResult struct {
	SQL         string
	Explanation string
	WasModified bool
}

type Refiner struct {
	completion completion.Client
	schema     schema.Provider
	logger     *slog.Logger
}

func NewRefiner(client completion.Client, schemaProvider schema.Provider, logger *slog.Logger) *Refiner {
	return &Refiner{completion: client, schema: schemaProvider, logger: logger}
}

// Refine patches the previous statement in place. WasModified=false means the
// request needs a structurally different query; the fallback to full
// regeneration is owned by the pipeline controller, not here. Malformed model
// output is reported the same way, never as an error.
func (r *Refiner) Refine(ctx context.Context, prompt, previousSQL, database string, history []Turn) (RefinementResult, error) {
	schemaText, err := r.schema.Describe(ctx, database)
	if err != nil {
		return RefinementResult{}, fmt.Errorf("fetch schema: %w", err)
	}

	raw, err := r.completion.Complete(ctx, fmt.Sprintf(refinerPrompt, schemaText, historyString(history), previousSQL, prompt))
	if err != nil {
		return RefinementResult{}, fmt.Errorf("refine sql: %w", err)
	}

	var parsed struct {
		ModifiedSQL string `json:"modified_sql"`
		Explanation string `json:"explanation"`
		WasModified bool   `json:"was_modified"`
	}
	if err := decodeJSONBlock(raw, &parsed); err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "refiner returned malformed response", slog.Any("error", err))
		}
		return RefinementResult{
			Explanation: "Could not refine query. Will regenerate from scratch.",
			WasModified: false,
		}, nil
	}

	sqlText := stripFenced(parsed.ModifiedSQL, "sql")
	if parsed.WasModified && strings.TrimSpace(sqlText) == "" {
		return RefinementResult{
			Explanation: "Could not refine query. Will regenerate from scratch.",
			WasModified: false,
		}, nil
	}

	return RefinementResult{
		SQL:         sqlText,
		Explanation: parsed.Explanation,
		WasModified: parsed.WasModified,
	}, nil
}
