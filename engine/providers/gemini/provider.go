package gemini

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/BaSui01/chorus/engine"
)

const defaultModel = "gemini-2.0-flash"

// Provider is an engine.Backend over the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// New builds the backend. The client is created eagerly; ctx only bounds construction.
func New(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Provider{
		client: client,
		model:  model,
		logger: logger.With(zap.String("provider", "gemini")),
	}, nil
}

// Name implements engine.Backend.
func (p *Provider) Name() string {
	return "gemini"
}

// Generate implements engine.Backend.
func (p *Provider) Generate(ctx context.Context, req engine.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(req.Text), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini API error: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var b strings.Builder
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String(), nil
}
