package decision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIBaseURL points at Groq's OpenAI-compatible endpoint.
const DefaultOpenAIBaseURL = "https://api.groq.com/openai/v1"

const defaultOpenAIModel = "openai/gpt-oss-120b"

// OpenAIClient implements orchestrator.DecisionEngine against any
// OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client       *openai.Client
	baseURL      string
	model        string
	systemPrompt string
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // defaults to Groq
	Model        string
	SystemPrompt string // Optional custom system prompt
	HTTPClient   *http.Client
}

var _ orchestrator.DecisionEngine = (*OpenAIClient)(nil)

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = SystemPrompt
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = baseURL
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		baseURL:      baseURL,
		model:        model,
		systemPrompt: systemPrompt,
	}
}

// Decide asks the model whether the current stage goal is met.
func (c *OpenAIClient) Decide(ctx context.Context, req orchestrator.Request) (orchestrator.Decision, error) {
	content, err := c.complete(ctx, openai.ChatCompletionRequest{
		Messages:    c.withSystem(decideMessages(req)),
		Temperature: 0.3,
		MaxTokens:   300,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return orchestrator.Decision{}, err
	}
	return parseDecision(content)
}

// Opening asks the model for the first question of a stage.
func (c *OpenAIClient) Opening(ctx context.Context, req orchestrator.OpenRequest) (string, error) {
	content, err := c.complete(ctx, openai.ChatCompletionRequest{
		Messages:    c.withSystem(openingMessages(req)),
		Temperature: 0.5,
		MaxTokens:   150,
	})
	if err != nil {
		return "", err
	}
	return parseOpening(content)
}

func (c *OpenAIClient) withSystem(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemWithGuardrails(c.systemPrompt),
	})
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	req.Model = c.model

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if status := statusCode(err); status != 0 {
			return "", fmt.Errorf("chat completions API error: %d %s: %w", status, http.StatusText(status), err)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// statusCode extracts the HTTP status from a go-openai error, or 0.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
