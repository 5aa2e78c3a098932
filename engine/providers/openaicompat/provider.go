// =============================================================================
// Chorus OpenAI-Compatible Backend
// =============================================================================
// Raw HTTP backend for any server speaking the OpenAI chat completions
// protocol (vLLM, Ollama, DeepSeek, Qwen, local gateways).
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/internal/tlsutil"
	"github.com/BaSui01/chorus/types"
)

// Config holds the configuration for an OpenAI-compatible backend.
type Config struct {
	// ProviderName is reported by Name() (e.g., "deepseek", "vllm").
	ProviderName string

	// APIKey is sent as a Bearer token when non-empty.
	APIKey string

	// BaseURL is the base URL for the API (e.g., "http://localhost:8000").
	BaseURL string

	// DefaultModel is used when the request carries no model.
	DefaultModel string

	// Timeout is the HTTP client timeout. Defaults to 30s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string
}

// Provider is the OpenAI-compatible engine.Backend.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int         `json:"index"`
		FinishReason string      `json:"finish_reason"`
		Message      chatMessage `json:"message"`
	} `json:"choices"`
}

// New creates a new OpenAI-compatible backend with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compat"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(timeout),
		Logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), p.Cfg.EndpointPath)
}

// Generate performs a non-streaming chat completion.
func (p *Provider) Generate(ctx context.Context, req engine.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = p.Cfg.DefaultModel
	}

	messages := make([]chatMessage, 0, 2)
	if req.Role != "" {
		messages = append(messages, chatMessage{Role: "system", Content: "You answer as the " + req.Role + " engine."})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Text})

	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.Cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.Cfg.APIKey)
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		p.Logger.Debug("upstream returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return "", types.NewError(types.ErrEngineError, msg).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500).
			WithEngine(p.Name())
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.Name(), err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", p.Name())
	}
	return out.Choices[0].Message.Content, nil
}

// readErrorMessage extracts {"error":{"message":...}} or falls back to the raw body.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}
