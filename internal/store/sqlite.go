package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLite is the single-file Store for local and single-node deployments.
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := runMigrations(ctx, s.db, goose.DialectSQLite3, "sqlite")
	return err
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) ListStages(ctx context.Context) ([]stages.Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, goal, stage_order, is_active, created_at, updated_at
		FROM stages
		ORDER BY stage_order, id`)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var out []stages.Stage
	for rows.Next() {
		var st stages.Stage
		var active int
		var createdAt, updatedAt int64
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.Goal, &st.Order, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.IsActive = active != 0
		st.CreatedAt = time.UnixMilli(createdAt).UTC()
		st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertStage(ctx context.Context, st stages.Stage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stages (id, name, description, goal, stage_order, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			goal = excluded.goal,
			stage_order = excluded.stage_order,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		st.ID, st.Name, st.Description, st.Goal, st.Order, boolInt(st.IsActive), now, now)
	return err
}

func (s *SQLite) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	var status string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, current_stage_id, follow_up_count, status, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.CurrentStageID, &sess.FollowUpCount, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, stage_id, schema_version, created_at
		FROM turn_records
		WHERE session_id = ?
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query turn records: %w", err)
	}
	defer rows.Close()

	sess.History = []session.TurnRecord{}
	for rows.Next() {
		var rec session.TurnRecord
		var role string
		var at int64
		if err := rows.Scan(&rec.Seq, &role, &rec.Content, &rec.StageID, &rec.SchemaVersion, &at); err != nil {
			return nil, fmt.Errorf("scan turn record: %w", err)
		}
		rec.Role = session.Role(role)
		rec.CreatedAt = time.UnixMilli(at).UTC()
		sess.History = append(sess.History, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLite) SaveSession(ctx context.Context, sess *session.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, current_stage_id, follow_up_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_stage_id = excluded.current_stage_id,
			follow_up_count = excluded.follow_up_count,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		sess.ID, sess.CurrentStageID, sess.FollowUpCount, string(sess.Status),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM turn_records WHERE session_id = ?`, sess.ID).Scan(&stored); err != nil {
		return fmt.Errorf("query last seq: %w", err)
	}

	pending := sess.HistorySince(stored)
	if len(pending) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO turn_records (session_id, seq, role, content, stage_id, schema_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, seq) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare turn record insert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range pending {
			if _, err := stmt.ExecContext(ctx, sess.ID, rec.Seq, string(rec.Role), rec.Content, rec.StageID, rec.SchemaVersion, rec.CreatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("insert turn record %d: %w", rec.Seq, err)
			}
		}
	}

	return tx.Commit()
}

func (s *SQLite) AppendEvent(ctx context.Context, e Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?)`, e.SessionID, e.Type, string(eventData(e.Data)), at.UnixMilli())
	return err
}

func (s *SQLite) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, event_data, created_at FROM (
			SELECT id, session_id, event_type, event_data, created_at
			FROM session_events
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data string
		var at int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &data, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = []byte(data)
		e.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
