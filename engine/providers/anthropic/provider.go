package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/engine"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 2048
)

// Provider is an engine.Backend over the Anthropic Messages API.
type Provider struct {
	client sdk.Client
	model  string
	logger *zap.Logger
}

// New builds the backend. apiKey is required; baseURL is optional.
func New(apiKey, baseURL, model string, logger *zap.Logger) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
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
		logger: logger.With(zap.String("provider", "anthropic")),
	}, nil
}

// Name implements engine.Backend.
func (p *Provider) Name() string {
	return "anthropic"
}

// Generate implements engine.Backend.
func (p *Provider) Generate(ctx context.Context, req engine.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(model),
		MaxTokens:   defaultMaxTokens,
		Temperature: sdk.Float(req.Temperature),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Text)),
		},
	}
	if req.Role != "" {
		params.System = []sdk.TextBlockParam{{Text: "You answer as the " + req.Role + " engine."}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
