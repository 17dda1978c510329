package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/schema"
)

// Verdict is the verifier's judgment on a candidate statement. CorrectedSQL,
// when present on a safe verdict, replaces the candidate entirely.
type Verdict struct {
	IsSafe       bool   `json:"is_safe"`
	Reasoning    string `json:"reasoning"`
	CorrectedSQL string `json:"corrected_sql"`
}

type Verifier struct {
	completion completion.Client
	schema     schema.Provider
	logger     *slog.Logger
}

func NewVerifier(client completion.Client, schemaProvider schema.Provider, logger *slog.Logger) *Verifier {
	return &Verifier{completion: client, schema: schemaProvider, logger: logger}
}

// Verify judges a candidate statement before execution. Malformed model output
// is an unsafe verdict, not an error: a statement whose review cannot be read
// must not run. Only transport failures surface as errors.
func (v *Verifier) Verify(ctx context.Context, prompt, candidateSQL, database string, history []Turn) (Verdict, error) {
	schemaText, err := v.schema.Describe(ctx, database)
	if err != nil {
		return Verdict{}, fmt.Errorf("fetch schema: %w", err)
	}

	raw, err := v.completion.Complete(ctx, fmt.Sprintf(verifierPrompt, schemaText, historyString(history), prompt, candidateSQL))
	if err != nil {
		return Verdict{}, fmt.Errorf("verify sql: %w", err)
	}

	var verdict Verdict
	if err := decodeJSONBlock(raw, &verdict); err != nil {
		if v.logger != nil {
			v.logger.WarnContext(ctx, "verifier returned malformed verdict", slog.Any("error", err))
		}
		observability.IncVerifierRejection()
		return Verdict{
			IsSafe:       false,
			Reasoning:    "The safety check returned a malformed response, so the query was not run.",
			CorrectedSQL: candidateSQL,
		}, nil
	}

	verdict.CorrectedSQL = stripFenced(verdict.CorrectedSQL, "sql")
	if !verdict.IsSafe {
		observability.IncVerifierRejection()
	}
	return verdict, nil
}

// FinalSQL is the statement that should actually run under this verdict.
func (v Verdict) FinalSQL(candidate string) string {
	if corrected := strings.TrimSpace(v.CorrectedSQL); corrected != "" {
		return corrected
	}
	return candidate
}
