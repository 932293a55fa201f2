// Package decision contains the LLM-backed orchestrator.DecisionEngine
// implementations.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/session"
)

// Providers accepted by the server configuration.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ErrEmptyResponse is returned when the model answers with nothing usable.
var ErrEmptyResponse = errors.New("decision: empty model response")

// Message is one chat message sent to a provider.
type Message struct {
	Role    string // "user", "assistant"
	Content string
}

// historyMessages maps turn records onto chat roles.
func historyMessages(history []session.TurnRecord) []Message {
	out := make([]Message, 0, len(history))
	for _, rec := range history {
		role := "user"
		if rec.Role == session.RoleAgent {
			role = "assistant"
		}
		out = append(out, Message{Role: role, Content: rec.Content})
	}
	return out
}

func decideMessages(req orchestrator.Request) []Message {
	msgs := historyMessages(req.History)
	msgs = append(msgs, Message{Role: "user", Content: req.Utterance})
	return append(msgs, Message{Role: "user", Content: decideInstruction(req)})
}

func openingMessages(req orchestrator.OpenRequest) []Message {
	msgs := historyMessages(req.History)
	return append(msgs, Message{Role: "user", Content: openingInstruction(req)})
}

// stripFences removes a surrounding markdown code block, if any.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

// parseDecision decodes a model verdict. An unsatisfied verdict without a
// follow-up question is rejected so the orchestrator re-asks instead of
// sending an empty prompt.
func parseDecision(content string) (orchestrator.Decision, error) {
	content = stripFences(content)
	if content == "" {
		return orchestrator.Decision{}, ErrEmptyResponse
	}

	var d orchestrator.Decision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return orchestrator.Decision{}, fmt.Errorf("parse decision: %w (content: %s)", err, content)
	}
	d.FollowUpText = strings.TrimSpace(d.FollowUpText)
	if !d.Satisfied && d.FollowUpText == "" {
		return orchestrator.Decision{}, fmt.Errorf("parse decision: unsatisfied without follow-up: %w", ErrEmptyResponse)
	}
	return d, nil
}

func parseOpening(content string) (string, error) {
	content = strings.Trim(strings.TrimSpace(content), `"`)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
