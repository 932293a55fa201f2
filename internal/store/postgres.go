package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
	"github.com/pressly/goose/v3"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies pending schema migrations.
func (s *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()
	_, err := runMigrations(ctx, db, goose.DialectPostgres, "postgres")
	return err
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

// ListStages returns every stored stage, active or not, by order.
func (s *Postgres) ListStages(ctx context.Context) ([]stages.Stage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, goal, stage_order, is_active, created_at, updated_at
		FROM stages
		ORDER BY stage_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var out []stages.Stage
	for rows.Next() {
		var st stages.Stage
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.Goal, &st.Order, &st.IsActive, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertStage inserts a stage or updates it by id.
func (s *Postgres) UpsertStage(ctx context.Context, st stages.Stage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO stages (id, name, description, goal, stage_order, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			goal = EXCLUDED.goal,
			stage_order = EXCLUDED.stage_order,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`, st.ID, st.Name, st.Description, st.Goal, st.Order, st.IsActive)
	return err
}

// LoadSession returns the stored snapshot or session.ErrNotFound.
func (s *Postgres) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id, current_stage_id, follow_up_count, status, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.CurrentStageID, &sess.FollowUpCount, &status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.Status = session.Status(status)

	rows, err := s.db.Query(ctx, `
		SELECT seq, role, content, stage_id, schema_version, created_at
		FROM turn_records
		WHERE session_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query turn records: %w", err)
	}
	defer rows.Close()

	sess.History = []session.TurnRecord{}
	for rows.Next() {
		var rec session.TurnRecord
		var role string
		if err := rows.Scan(&rec.Seq, &role, &rec.Content, &rec.StageID, &rec.SchemaVersion, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn record: %w", err)
		}
		rec.Role = session.Role(role)
		sess.History = append(sess.History, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession replaces the session row and appends turn records not stored yet.
func (s *Postgres) SaveSession(ctx context.Context, sess *session.Session) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, current_stage_id, follow_up_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			current_stage_id = EXCLUDED.current_stage_id,
			follow_up_count = EXCLUDED.follow_up_count,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, sess.ID, sess.CurrentStageID, sess.FollowUpCount, string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	var stored int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM turn_records WHERE session_id = $1`, sess.ID).Scan(&stored); err != nil {
		return fmt.Errorf("query last seq: %w", err)
	}

	batch := &pgx.Batch{}
	for _, rec := range sess.HistorySince(stored) {
		batch.Queue(`
			INSERT INTO turn_records (session_id, seq, role, content, stage_id, schema_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_id, seq) DO NOTHING
		`, sess.ID, rec.Seq, string(rec.Role), rec.Content, rec.StageID, rec.SchemaVersion, rec.CreatedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert turn records: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// AppendEvent writes one event.
func (s *Postgres) AppendEvent(ctx context.Context, e Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, e.SessionID, e.Type, eventData(e.Data))
	return err
}

// ListEvents returns the most recent events of a session, oldest first.
func (s *Postgres) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at FROM (
			SELECT id, session_id, event_type, event_data, created_at
			FROM session_events
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id
	`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
