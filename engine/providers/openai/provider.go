package openai

import (
	"context"
	"fmt"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/engine"
)

const defaultModel = "gpt-4o-mini"

// Provider is an engine.Backend over the OpenAI chat completions API.
type Provider struct {
	client sdk.Client
	model  string
	logger *zap.Logger
}

// New builds the backend. apiKey is required; baseURL is optional.
func New(apiKey, baseURL, model string, logger *zap.Logger) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Provider{
		client: sdk.NewClient(opts...),
		model:  model,
		logger: logger.With(zap.String("provider", "openai")),
	}, nil
}

// Name implements engine.Backend.
func (p *Provider) Name() string {
	return "openai"
}

// Generate implements engine.Backend.
func (p *Provider) Generate(ctx context.Context, req engine.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.Role != "" {
		messages = append(messages, sdk.SystemMessage("You answer as the "+req.Role+" engine."))
	}
	messages = append(messages, sdk.UserMessage(req.Text))

	resp, err := p.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(model),
		Messages:    messages,
		Temperature: sdk.Float(req.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
