// Package viz decides how a query result should be presented and writes the
// accompanying summary. Sensitive columns are masked before anything is sent
// to the completion capability; the summary is rehydrated afterwards so the
// user still sees real values.
package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/completion"
	"github.com/askdb/askdb/internal/executor"
)

// Package is the presentation layer's contract: a chart type, a spec the
// frontend renders directly, and a one-paragraph summary.
type Package struct {
	Type    string         `json:"type" bson:"type"`
	VisSpec map[string]any `json:"visSpec" bson:"visSpec"`
	Summary string         `json:"summary" bson:"summary"`
}

// sensitiveColumns are masked by column name, case-insensitively, before any
// row leaves the process.
var sensitiveColumns = []string{"email", "phone", "ssn", "first_name", "last_name"}

var placeholderPattern = regexp.MustCompile(`\{\{[A-Z_]+\}\}`)

var allowedTypes = map[string]bool{
	"table":  true,
	"bar":    true,
	"line":   true,
	"pie":    true,
	"scalar": true,
}

const composePrompt = `You choose how to visualize a SQL query result and summarize it.

User question:
%s

Executed SQL:
%s

Result metadata:
%s

Data sample (sensitive values appear as {{PLACEHOLDER}} tokens; keep them verbatim):
%s

Pick one visualization type: "table", "bar", "line", "pie" or "scalar".
"visSpec" must contain what the chart needs: for table a "title" and "columns",
for bar/line/pie a "title", "xKey" and "yKey", for scalar a "title" and "value".

Respond with JSON only, no markdown:
{"type": "<type>", "visSpec": {...}, "summary": "<two sentences at most>"}`

type Composer struct {
	completion completion.Client
	logger     *slog.Logger
}

func NewComposer(client completion.Client, logger *slog.Logger) *Composer {
	return &Composer{completion: client, logger: logger}
}

// Compose never fails: an empty result becomes a scalar card and any model
// problem degrades to a plain table. Callers always get something renderable.
func (c *Composer) Compose(ctx context.Context, prompt, sqlText string, meta executor.Metadata, sample []map[string]any, history []agent.Turn) Package {
	if meta.RowCount == 0 || len(sample) == 0 {
		return Package{
			Type:    "scalar",
			VisSpec: map[string]any{"title": "No Results", "value": "0 rows"},
			Summary: "The query returned no results.",
		}
	}

	masked := MaskSample(sample)
	maskedJSON, err := json.Marshal(masked)
	if err != nil {
		c.warn(ctx, "encode masked sample", err)
		return c.tableFallback(meta)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		c.warn(ctx, "encode metadata", err)
		return c.tableFallback(meta)
	}

	raw, err := c.completion.Complete(ctx, fmt.Sprintf(composePrompt, prompt, sqlText, string(metaJSON), string(maskedJSON)))
	if err != nil {
		c.warn(ctx, "visualization completion failed", err)
		return c.tableFallback(meta)
	}

	var pkg Package
	if err := decode(raw, &pkg); err != nil {
		c.warn(ctx, "visualization response malformed", err)
		return c.tableFallback(meta)
	}
	if !allowedTypes[pkg.Type] {
		c.warn(ctx, "visualization type unknown", fmt.Errorf("type %q", pkg.Type))
		return c.tableFallback(meta)
	}
	if pkg.VisSpec == nil {
		pkg.VisSpec = map[string]any{}
	}

	pkg.Summary = Rehydrate(pkg.Summary, sample, masked)
	return pkg
}

func (c *Composer) tableFallback(meta executor.Metadata) Package {
	return Package{
		Type: "table",
		VisSpec: map[string]any{
			"title":   "Query Results",
			"columns": meta.Columns,
		},
		Summary: fmt.Sprintf("The query returned %d row(s). Could not automatically determine the best visualization.", meta.RowCount),
	}
}

func (c *Composer) warn(ctx context.Context, msg string, err error) {
	if c.logger != nil {
		c.logger.WarnContext(ctx, msg, slog.Any("error", err))
	}
}

// MaskSample replaces values of sensitive columns with {{COLUMN}} tokens. The
// input rows are never mutated; both persistence and prompting use the copy.
func MaskSample(sample []map[string]any) []map[string]any {
	masked := make([]map[string]any, len(sample))
	for i, row := range sample {
		copied := make(map[string]any, len(row))
		for col, val := range row {
			if isSensitive(col) {
				copied[col] = placeholderFor(col)
			} else {
				copied[col] = val
			}
		}
		masked[i] = copied
	}
	return masked
}

// Rehydrate swaps {{TOKEN}} placeholders in the summary back to the real
// values of the first row. Later rows keep their placeholders everywhere;
// only the summary is rehydrated, and only from row zero.
func Rehydrate(summary string, original, masked []map[string]any) string {
	if len(original) == 0 || len(masked) == 0 {
		return summary
	}
	replacements := make(map[string]string)
	for col, maskedVal := range masked[0] {
		token, ok := maskedVal.(string)
		if !ok || !placeholderPattern.MatchString(token) {
			continue
		}
		if realVal, ok := original[0][col]; ok {
			replacements[token] = fmt.Sprint(realVal)
		}
	}
	if len(replacements) == 0 {
		return summary
	}
	return placeholderPattern.ReplaceAllStringFunc(summary, func(token string) string {
		if real, ok := replacements[token]; ok {
			return real
		}
		return token
	})
}

func isSensitive(column string) bool {
	lower := strings.ToLower(column)
	for _, s := range sensitiveColumns {
		if lower == s {
			return true
		}
	}
	return false
}

func placeholderFor(column string) string {
	return "{{" + strings.ToUpper(column) + "}}"
}

func decode(raw string, v any) error {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	if cleaned == "" {
		return fmt.Errorf("empty response")
	}
	return json.Unmarshal([]byte(cleaned), v)
}
