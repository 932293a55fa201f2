package decision

import (
	"fmt"
	"strings"

	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/stages"
)

// SystemPrompt is the default instruction set for both providers.
const SystemPrompt = `You are a friendly assistant that helps people shape a software project by asking about it one topic at a time.

The conversation is split into stages. Each stage has a goal. Your job in every turn is to decide whether the user's answers so far meet the goal of the CURRENT stage, and if not, to ask exactly one short follow-up question that gets closer to it.

RULES:
- Ask one question at a time. Never ask two things in one turn.
- Keep it short: one or two sentences.
- Stay on the current stage. Do not ask about later stages.
- Do not repeat a question the user already answered.
- If the answer is vague but good enough to move on, treat the goal as met.`

// voiceGuardrails keep replies speakable when they are read out by TTS.
const voiceGuardrails = `Your replies may be read aloud. Use plain sentences without markdown, lists or emoji.`

// DecisionPrompt asks for the structured verdict. Only valid JSON is accepted.
const DecisionPrompt = `Based on the conversation, answer ONLY with valid JSON:

{
  "satisfied": true|false,
  "followUpText": "one follow-up question, or an empty string when satisfied"
}

"satisfied" is true when the current stage goal is met.`

// OpeningPrompt asks for the first question of a stage.
const OpeningPrompt = `Write the first thing you say in this stage: one or two sentences introducing the topic and a single question about it. Answer with the text only.`

func systemWithGuardrails(system string) string {
	return voiceGuardrails + "\n\n" + system
}

func stageContext(st stages.Stage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current stage: %s\n", st.Name)
	if st.Description != "" {
		fmt.Fprintf(&b, "Stage description: %s\n", st.Description)
	}
	fmt.Fprintf(&b, "Stage goal: %s\n", st.Goal)
	return b.String()
}

// decideInstruction is the final user message of a Decide call.
func decideInstruction(req orchestrator.Request) string {
	var b strings.Builder
	b.WriteString(stageContext(req.Stage))
	fmt.Fprintf(&b, "Follow-ups asked in this stage: %d/%d\n", req.FollowUpCount, req.MaxFollowUps)
	if req.NextStage != nil {
		fmt.Fprintf(&b, "The next stage will be: %s\n", req.NextStage.Name)
	} else {
		b.WriteString("This is the last stage.\n")
	}
	b.WriteString("\n")
	b.WriteString(DecisionPrompt)
	return b.String()
}

// openingInstruction is the final user message of an Opening call.
func openingInstruction(req orchestrator.OpenRequest) string {
	var b strings.Builder
	b.WriteString(stageContext(req.Stage))
	if req.Greeting {
		b.WriteString("This is the start of the conversation. Greet the user briefly first.\n")
	} else {
		b.WriteString("The previous stage just finished. Do not talk about it.\n")
	}
	b.WriteString("\n")
	b.WriteString(OpeningPrompt)
	return b.String()
}
