// Package agent holds the individual tools of the orchestration pipeline:
// intent routing, SQL generation, refinement, safety verification and the
// conversational fallbacks. Every tool drives the same text-completion
// capability; none of them talk to each other. Sequencing and persistence
// belong to the pipeline controller.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Intent string

const (
	IntentDatabaseQuery       Intent = "database_query"
	IntentQueryRefinement     Intent = "query_refinement"
	IntentResultInterpreter   Intent = "result_interpreter"
	IntentGeneralConversation Intent = "general_conversation"
)

func isValidIntent(intent Intent) bool {
	switch intent {
	case IntentDatabaseQuery, IntentQueryRefinement, IntentResultInterpreter, IntentGeneralConversation:
		return true
	default:
		return false
	}
}

// Turn is one prior exchange in the conversation, as supplied by the caller.
type Turn struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func historyString(history []Turn) string {
	lines := make([]string, 0, len(history))
	for _, turn := range history {
		speaker := "Bot"
		if turn.Sender == "user" {
			speaker = "User"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, turn.Text))
	}
	return strings.Join(lines, "\n")
}

// stripFenced removes a markdown code fence (with an optional language label)
// around a model response. Models add fencing unpredictably even when asked
// not to.
func stripFenced(value, label string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```"+label)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// decodeJSONBlock parses a model response that was asked to be JSON,
// tolerating markdown fencing. Call sites own the failure policy; this never
// guesses at partial content.
func decodeJSONBlock(raw string, v any) error {
	cleaned := stripFenced(raw, "json")
	if cleaned == "" {
		return fmt.Errorf("empty response")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}
