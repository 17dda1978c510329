package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/askdb/askdb/internal/observability"
)

// SDKClient uses the official OpenAI SDK instead of the generic
// OpenAI-compatible HTTP client. Selected via ASKDB_AI_PROVIDER=openai.
type SDKClient struct {
	client *openai.Client
	model  string
}

func NewSDKClient(cfg OpenAIConfig) (*SDKClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := openai.NewClient(opts...)
	return &SDKClient{client: &client, model: model}, nil
}

func (c *SDKClient) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	chat, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: c.model,
	})
	observability.ObserveCompletionDuration(time.Since(start))
	if err != nil {
		observability.IncCompletionFailure()
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(chat.Choices) == 0 {
		observability.IncCompletionFailure()
		return "", fmt.Errorf("empty chat completion choices")
	}
	return chat.Choices[0].Message.Content, nil
}
