package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

// runMigrations applies every pending migration in migrations/<dir>.
func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) (int, error) {
	fsys, err := fs.Sub(migrations, "migrations/"+dir)
	if err != nil {
		return 0, fmt.Errorf("migrations %s: %w", dir, err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("apply migrations: %w", err)
	}
	return len(results), nil
}
