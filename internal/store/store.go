// Package store persists stages, session snapshots and session events.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Store is the durable storage used by the server. Session snapshots are
// replaced by id; turn records are append-only and keyed by (session, seq),
// so saving the same snapshot twice is a no-op.
type Store interface {
	session.Store

	ListStages(ctx context.Context) ([]stages.Stage, error)
	UpsertStage(ctx context.Context, s stages.Stage) error

	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Event is one entry of a session's event log.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Config selects and configures a backend.
type Config struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open connects to the configured backend. It does not run migrations.
func Open(ctx context.Context, cfg Config, logger *log.Logger) (Store, error) {
	switch cfg.Driver {
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("store connected", "driver", cfg.Driver)
		return NewPostgres(pool), nil
	case DriverSQLite:
		s, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", cfg.Driver, "path", cfg.SQLitePath)
		return s, nil
	case DriverMemory:
		logger.Warn("using in-memory store, sessions will not survive a restart")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func eventData(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
