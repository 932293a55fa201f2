// Package dispatch maps orchestrator outcomes and channel happenings to the
// JSON messages sent to the client. Everything here is pure.
package dispatch

import (
	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
)

// StageData is the outward summary of a stage.
type StageData struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Goal        string `json:"goal"`
	Order       int    `json:"order"`
}

// Reply is the per-turn reply. NextStageData is null once the conversation
// has no further stage.
type Reply struct {
	Response      string     `json:"response"`
	NextStage     bool       `json:"nextStage"`
	NextStageData *StageData `json:"nextStageData"`
}

// StageSummary converts a ledger stage.
func StageSummary(s stages.Stage) StageData {
	return StageData{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Goal:        s.Goal,
		Order:       s.Order,
	}
}

// FromOutcome builds the reply for an orchestrator outcome.
func FromOutcome(out orchestrator.Outcome) Reply {
	r := Reply{
		Response:  out.Response,
		NextStage: out.NextStage,
	}
	if out.NextStage && out.NextStageData != nil {
		data := StageSummary(*out.NextStageData)
		r.NextStageData = &data
	}
	return r
}

// Event names for auxiliary messages.
const (
	EventStages            = "stages"
	EventChatHistory       = "chat_history"
	EventFlag              = "flag"
	EventUserTranscription = "user_transcription"
	EventError             = "error"
	EventEndSession        = "end_session"
)

// Flags toggled around a turn.
const (
	FlagThinking  = "thinking"
	FlagListening = "listening"
)

// Error codes carried by error events.
const (
	CodeTransport        = "transport_error"
	CodeTranscription    = "transcription_failure"
	CodeStoreUnavailable = "store_unavailable"
	CodeComplete         = "conversation_complete"
	CodeInternal         = "internal_error"
)

// StagesMessage lists every stage of the ledger.
type StagesMessage struct {
	Event  string      `json:"event"`
	Stages []StageData `json:"stages"`
}

// HistoryEntry is one turn record as the client sees it.
type HistoryEntry struct {
	Seq     int    `json:"seq"`
	Role    string `json:"role"`
	Content string `json:"content"`
	StageID string `json:"stageId"`
}

// HistoryMessage replays the conversation so far on connect.
type HistoryMessage struct {
	Event        string         `json:"event"`
	CurrentStage *StageData     `json:"currentStage"`
	Complete     bool           `json:"complete"`
	History      []HistoryEntry `json:"history"`
}

// FlagMessage switches a client indicator on or off.
type FlagMessage struct {
	Event string `json:"event"`
	Flag  string `json:"flag"`
	Value bool   `json:"value"`
}

// TranscriptionMessage echoes a finalized audio transcript.
type TranscriptionMessage struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

// ErrorMessage reports a failure. Fatal errors are followed by the channel
// closing.
type ErrorMessage struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// EndSessionMessage tells the client the conversation is over.
type EndSessionMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
}

func StagesEvent(ledger []stages.Stage) StagesMessage {
	out := make([]StageData, len(ledger))
	for i, s := range ledger {
		out[i] = StageSummary(s)
	}
	return StagesMessage{Event: EventStages, Stages: out}
}

// HistoryEvent renders a session snapshot. current is the session's current
// stage, nil when the conversation is complete.
func HistoryEvent(sess *session.Session, current *stages.Stage) HistoryMessage {
	msg := HistoryMessage{
		Event:    EventChatHistory,
		Complete: sess.Complete(),
		History:  make([]HistoryEntry, len(sess.History)),
	}
	if current != nil && !sess.Complete() {
		data := StageSummary(*current)
		msg.CurrentStage = &data
	}
	for i, rec := range sess.History {
		msg.History[i] = HistoryEntry{
			Seq:     rec.Seq,
			Role:    string(rec.Role),
			Content: rec.Content,
			StageID: rec.StageID,
		}
	}
	return msg
}

func FlagEvent(flag string, value bool) FlagMessage {
	return FlagMessage{Event: EventFlag, Flag: flag, Value: value}
}

func TranscriptionEvent(text string) TranscriptionMessage {
	return TranscriptionMessage{Event: EventUserTranscription, Text: text}
}

func ErrorEvent(code, message string, fatal bool) ErrorMessage {
	return ErrorMessage{Event: EventError, Code: code, Message: message, Fatal: fatal}
}

func EndSessionEvent(sessionID string) EndSessionMessage {
	return EndSessionMessage{Event: EventEndSession, SessionID: sessionID}
}
