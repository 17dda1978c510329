package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/askdb/askdb/internal/completion"
)

type Router struct {
	completion completion.Client
	logger     *slog.Logger
}

func NewRouter(client completion.Client, logger *slog.Logger) *Router {
	return &Router{completion: client, logger: logger}
}

// Route classifies the user's message into one of the four intents. Any
// failure (transport, malformed JSON, unknown tool name) resolves to
// general_conversation: an unclassifiable request must never be treated as a
// data request.
func (r *Router) Route(ctx context.Context, prompt string, history []Turn) Intent {
	raw, err := r.completion.Complete(ctx, fmt.Sprintf(routerPrompt, historyString(history), prompt))
	if err != nil {
		r.warn(ctx, "router completion failed", err)
		return IntentGeneralConversation
	}

	var verdict struct {
		Tool string `json:"tool"`
	}
	if err := decodeJSONBlock(raw, &verdict); err != nil {
		r.warn(ctx, "router returned malformed verdict", err)
		return IntentGeneralConversation
	}

	intent := Intent(verdict.Tool)
	if !isValidIntent(intent) {
		r.warn(ctx, "router returned unknown tool", fmt.Errorf("tool %q", verdict.Tool))
		return IntentGeneralConversation
	}
	return intent
}

func (r *Router) warn(ctx context.Context, msg string, err error) {
	if r.logger != nil {
		r.logger.WarnContext(ctx, msg, slog.Any("error", err))
	}
}
