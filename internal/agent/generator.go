package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/schema"
)

type Generator struct {
	completion completion.Client
	schema     schema.Provider
}

func NewGenerator(client completion.Client, schemaProvider schema.Provider) *Generator {
	return &Generator{completion: client, schema: schemaProvider}
}

// Generate produces a complete SQL statement for the request. The schema is
// fetched fresh on every call. No safety judgment happens here; that is the
// verifier's job alone.
func (g *Generator) Generate(ctx context.Context, prompt, database string, history []Turn) (string, error) {
	schemaText, err := g.schema.Describe(ctx, database)
	if err != nil {
		return "", fmt.Errorf("fetch schema: %w", err)
	}

	raw, err := g.completion.Complete(ctx, fmt.Sprintf(generatorPrompt, schemaText, historyString(history), prompt))
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}

	sqlText := stripFenced(raw, "sql")
	if strings.TrimSpace(sqlText) == "" {
		return "", fmt.Errorf("model returned empty SQL")
	}
	return sqlText, nil
}
