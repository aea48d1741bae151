package store

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// goose keeps dialect and base FS in package globals.
var gooseMu sync.Mutex

func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect == dialectSQLite {
		return Migrate(ctx, s.db, "sqlite3", "migrations/sqlite")
	}
	return Migrate(ctx, s.db, "postgres", "migrations/postgres")
}

func Migrate(ctx context.Context, db *sql.DB, gooseDialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	goose.SetTableName("schema_migrations")
	goose.SetLogger(goose.NopLogger())
	return goose.UpContext(ctx, db, dir)
}
