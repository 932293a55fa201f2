package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/lukasbauer/intake/internal/orchestrator"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	BaseURL      string // overrides the API endpoint, used in tests
}

// GeminiClient implements orchestrator.DecisionEngine with the Gemini API.
type GeminiClient struct {
	client       *genai.Client
	model        string
	systemPrompt string
}

var _ orchestrator.DecisionEngine = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = SystemPrompt
	}
	return &GeminiClient{client: client, model: model, systemPrompt: systemPrompt}, nil
}

func (g *GeminiClient) Decide(ctx context.Context, req orchestrator.Request) (orchestrator.Decision, error) {
	content, err := g.generate(ctx, decideMessages(req), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.3),
		MaxOutputTokens:  300,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return orchestrator.Decision{}, err
	}
	return parseDecision(content)
}

func (g *GeminiClient) Opening(ctx context.Context, req orchestrator.OpenRequest) (string, error) {
	content, err := g.generate(ctx, openingMessages(req), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: 150,
	})
	if err != nil {
		return "", err
	}
	return parseOpening(content)
}

func (g *GeminiClient) generate(ctx context.Context, msgs []Message, cfg *genai.GenerateContentConfig) (string, error) {
	cfg.SystemInstruction = genai.NewContentFromText(systemWithGuardrails(g.systemPrompt), genai.RoleUser)

	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return responseText(resp), nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
