// Package session holds the per-conversation state and the Manager that owns
// live sessions and syncs them to durable storage.
package session

import (
	"time"
)

// TurnRecordSchemaVersion is stamped on every appended TurnRecord so stored
// histories stay replayable after format changes.
const TurnRecordSchemaVersion = 1

// Role is the author of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
)

// TurnRecord is one entry in the append-only conversation log.
type TurnRecord struct {
	Seq           int       `json:"seq"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	StageID       string    `json:"stage_id"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
}

// Session is the durable, resumable state of one conversation.
type Session struct {
	ID             string       `json:"id"`
	CurrentStageID string       `json:"current_stage_id"`
	FollowUpCount  int          `json:"follow_up_count"`
	Status         Status       `json:"status"`
	History        []TurnRecord `json:"history"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// New returns a fresh session positioned at stageID.
func New(id, stageID string, now time.Time) *Session {
	return &Session{
		ID:             id,
		CurrentStageID: stageID,
		Status:         StatusActive,
		History:        []TurnRecord{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Append adds a turn record to the history and returns it. Records are never
// modified after being appended.
func (s *Session) Append(role Role, content, stageID string, at time.Time) TurnRecord {
	rec := TurnRecord{
		Seq:           len(s.History) + 1,
		Role:          role,
		Content:       content,
		StageID:       stageID,
		CreatedAt:     at,
		SchemaVersion: TurnRecordSchemaVersion,
	}
	s.History = append(s.History, rec)
	s.UpdatedAt = at
	return rec
}

// Complete reports whether the conversation has gone past its last stage.
func (s *Session) Complete() bool {
	return s.Status == StatusComplete
}

// Clone returns a deep copy suitable for handing to a store while the
// original keeps being mutated.
func (s *Session) Clone() *Session {
	c := *s
	c.History = make([]TurnRecord, len(s.History))
	copy(c.History, s.History)
	return &c
}

// HistorySince returns the records with Seq greater than seq.
func (s *Session) HistorySince(seq int) []TurnRecord {
	if seq < 0 {
		seq = 0
	}
	if seq >= len(s.History) {
		return nil
	}
	return s.History[seq:]
}
