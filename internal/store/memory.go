package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
)

// Memory keeps everything in process memory. It is used in tests and when no
// database is configured.
type Memory struct {
	mu       sync.Mutex
	stages   map[string]stages.Stage
	sessions map[string]*session.Session
	events   []Event
	nextID   int64
}

func NewMemory() *Memory {
	return &Memory{
		stages:   make(map[string]stages.Stage),
		sessions: make(map[string]*session.Session),
	}
}

func (m *Memory) Migrate(ctx context.Context) error { return nil }
func (m *Memory) Ping(ctx context.Context) error    { return nil }
func (m *Memory) Close() error                      { return nil }

func (m *Memory) ListStages(ctx context.Context) ([]stages.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]stages.Stage, 0, len(m.stages))
	for _, st := range m.stages {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpsertStage(ctx context.Context, st stages.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := m.stages[st.ID]; ok {
		st.CreatedAt = prev.CreatedAt
	} else {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	m.stages[st.ID] = st
	return nil
}

func (m *Memory) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

// SaveSession keeps already stored turn records and appends newer ones, like
// the SQL backends.
func (m *Memory) SaveSession(ctx context.Context, s *session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := s.Clone()
	if prev, ok := m.sessions[s.ID]; ok {
		next.CreatedAt = prev.CreatedAt
		next.History = append(prev.Clone().History, s.HistorySince(len(prev.History))...)
	}
	m.sessions[s.ID] = next
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	e.ID = m.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Data = append([]byte(nil), eventData(e.Data)...)
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit = clampLimit(limit); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
