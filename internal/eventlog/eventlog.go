// Package eventlog records session lifecycle events for later inspection.
package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lukasbauer/intake/internal/store"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionOpened        EventType = "session_opened"
	EventTurnFinalized        EventType = "turn_finalized"
	EventTurnAbandoned        EventType = "turn_abandoned"
	EventTranscriptionFailed  EventType = "transcription_failed"
	EventFollowUp             EventType = "follow_up"
	EventStageAdvanced        EventType = "stage_advanced"
	EventConversationComplete EventType = "conversation_complete"
	EventDecisionError        EventType = "decision_error"
	EventSessionClosed        EventType = "session_closed"
)

// Sink is where events end up. store.Store satisfies it.
type Sink interface {
	AppendEvent(ctx context.Context, e store.Event) error
}

// Logger provides async event logging to the store
type Logger struct {
	sink Sink
	wg   sync.WaitGroup
}

// New creates a new event logger. A nil sink disables logging.
func New(sink Sink) *Logger {
	return &Logger{sink: sink}
}

// Log writes an event synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l == nil || l.sink == nil || sessionID == "" {
		return nil // Silently skip if no sink or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil || data == nil {
		dataJSON = []byte("{}")
	}

	return l.sink.AppendEvent(ctx, store.Event{
		SessionID: sessionID,
		Type:      string(eventType),
		Data:      dataJSON,
		CreatedAt: time.Now().UTC(),
	})
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l == nil || l.sink == nil || sessionID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}

// Wait blocks until every pending LogAsync write has finished.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}
