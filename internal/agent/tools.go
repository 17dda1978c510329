package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/askdb/askdb/internal/completion"
)

// SmallTalk answers everything that is not a data request.
type SmallTalk struct {
	completion completion.Client
}

func NewSmallTalk(client completion.Client) *SmallTalk {
	return &SmallTalk{completion: client}
}

func (s *SmallTalk) Respond(ctx context.Context, prompt string, history []Turn) (string, error) {
	reply, err := s.completion.Complete(ctx, fmt.Sprintf(smallTalkPrompt, historyString(history), prompt))
	if err != nil {
		return "", fmt.Errorf("small talk: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// Interpreter explains the most recent query result in plain language.
type Interpreter struct {
	completion completion.Client
}

func NewInterpreter(client completion.Client) *Interpreter {
	return &Interpreter{completion: client}
}

const noResultsReply = "There are no previous query results in this conversation to interpret. Run a query first, then ask me about its results."

// Interpret answers a question about lastResult, the serialized outcome of the
// most recent executed query. A nil lastResult gets the fixed no-results reply
// without a model call.
func (i *Interpreter) Interpret(ctx context.Context, prompt string, history []Turn, lastResult json.RawMessage) (string, error) {
	if len(lastResult) == 0 {
		return noResultsReply, nil
	}

	reply, err := i.completion.Complete(ctx, fmt.Sprintf(interpreterPrompt, historyString(history), string(lastResult), prompt))
	if err != nil {
		return "", fmt.Errorf("interpret results: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// GenerateTitle summarizes the opening turns of a conversation into a short
// title. Quotes and trailing periods are stripped; models add both despite
// instructions.
func GenerateTitle(ctx context.Context, client completion.Client, turns []Turn) (string, error) {
	title, err := client.Complete(ctx, fmt.Sprintf(titlePrompt, historyString(turns)))
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"`)
	title = strings.TrimSuffix(title, ".")
	if title == "" {
		return "", fmt.Errorf("model returned empty title")
	}
	return title, nil
}
